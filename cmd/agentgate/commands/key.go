package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func NewKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	addClientFlags(cmd)

	cmd.AddCommand(
		newKeyCreateCmd(),
		newKeyRevokeCmd(),
		newKeyListCmd(),
	)
	return cmd
}

func newKeyCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Issue a key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE:  runKeyCreate,
	}
	cmd.Flags().StringSlice("scope", []string{"request:create"}, "Scopes granted to the key (repeatable)")
	cmd.Flags().Int("rate-limit", 0, "Requests per minute, 0 for unlimited (omit to use the server default)")
	return cmd
}

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Permanently disable a key",
		Args:  cobra.ExactArgs(1),
		RunE:  runKeyRevoke,
	}
}

func newKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE:  runKeyList,
	}
}

func runKeyCreate(cmd *cobra.Command, args []string) error {
	scopes, _ := cmd.Flags().GetStringSlice("scope")
	var rateLimit *int
	if cmd.Flags().Changed("rate-limit") {
		n, _ := cmd.Flags().GetInt("rate-limit")
		rateLimit = &n
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	issued, err := c.CreateKey(commandContext(cmd), args[0], scopes, rateLimit)
	if err != nil {
		return err
	}
	printFields("API Key Created", [][2]string{
		{"ID", issued.Key.ID},
		{"Name", issued.Key.Name},
		{"Scopes", strings.Join(issued.Key.Scopes, ", ")},
		{"Secret", issued.Plaintext},
	})
	fmt.Println("Store the secret now; it cannot be shown again.")
	return nil
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	key, err := c.RevokeKey(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Key %s (%s) revoked.\n", key.ID, key.Name)
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	keys, err := c.ListKeys(commandContext(cmd))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No keys.")
		return nil
	}

	t := &table{
		title: "API Keys",
		columns: []column{
			{"ID", 36}, {"NAME", 16}, {"PREFIX", 12}, {"SCOPES", 24}, {"LIMIT", 6}, {"LAST USED", 20}, {"STATUS", 8},
		},
		statusCol: 6,
	}
	for _, k := range keys {
		limit := "none"
		if k.RateLimit != nil && *k.RateLimit > 0 {
			limit = strconv.Itoa(*k.RateLimit)
		}
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Local().Format("2006-01-02 15:04:05")
		}
		status := "active"
		if k.RevokedAt != nil {
			status = "revoked"
		}
		t.add(k.ID, k.Name, k.Prefix, strings.Join(k.Scopes, ","), limit, lastUsed, status)
	}
	fmt.Println(t.render())
	return nil
}
