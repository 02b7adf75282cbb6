package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MEKXH/agentgate/internal/client"
	"github.com/MEKXH/agentgate/internal/policy"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage decision policies",
	}
	addClientFlags(cmd)

	cmd.AddCommand(
		newPolicyListCmd(),
		newPolicyValidateCmd(),
		newPolicyImportCmd(),
	)
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies in evaluation order",
		RunE:  runPolicyList,
	}
}

func newPolicyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a policy file without contacting the gate",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyValidate,
	}
}

func newPolicyImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create or update (by name) every policy in a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPolicyImport,
	}
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	policies, err := c.ListPolicies(commandContext(cmd))
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		fmt.Println("No policies.")
		return nil
	}

	t := &table{
		title: "Policies",
		columns: []column{
			{"ID", 36}, {"NAME", 24}, {"PRIORITY", 8}, {"RULES", 5}, {"STATUS", 8},
		},
		statusCol: 4,
	}
	for _, p := range policies {
		rules := "?"
		if decoded, err := policy.DecodeRules(p.Rules); err == nil {
			rules = strconv.Itoa(len(decoded))
		}
		status := "enabled"
		if !p.Enabled {
			status = "disabled"
		}
		t.add(p.ID, p.Name, strconv.Itoa(p.Priority), rules, status)
	}
	fmt.Println(t.render())
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	drafts, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	for _, d := range drafts {
		if d.Name == "" {
			return fmt.Errorf("policy with priority %d has no name", d.Priority)
		}
	}
	fmt.Printf("%s: %d policies OK\n", args[0], len(drafts))
	return nil
}

func runPolicyImport(cmd *cobra.Command, args []string) error {
	drafts, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	existing, err := c.ListPolicies(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(existing))
	for _, p := range existing {
		if _, ok := byName[p.Name]; !ok {
			byName[p.Name] = p.ID
		}
	}

	for i, d := range drafts {
		in := client.PolicyInput{
			Name:        d.Name,
			Description: d.Description,
			Priority:    d.Priority,
			Rules:       d.Rules,
			Enabled:     d.Enabled,
		}
		verb := "created"
		var saved client.Policy
		if id, ok := byName[d.Name]; ok {
			verb = "updated"
			saved, err = c.UpdatePolicy(ctx, id, in)
		} else {
			saved, err = c.CreatePolicy(ctx, in)
		}
		if err != nil {
			return fmt.Errorf("import stopped at policy %d (%s): %w", i, d.Name, err)
		}
		byName[saved.Name] = saved.ID
		fmt.Printf("%s %s %s\n", verb, saved.ID, saved.Name)
	}
	fmt.Printf("%d policies imported\n", len(drafts))
	return nil
}
