package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/agentgate/internal/client"
)

func NewRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Create, inspect and decide approval requests",
	}
	addClientFlags(cmd)

	cmd.AddCommand(
		newRequestCreateCmd(),
		newRequestGetCmd(),
		newRequestListCmd(),
		newRequestDecideCmd(),
		newRequestWaitCmd(),
	)
	return cmd
}

func newRequestCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <action>",
		Short: "Ask for approval of an action",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestCreate,
	}
	cmd.Flags().StringArrayP("param", "p", nil, "Action parameter key=value (repeatable, value parsed as JSON when possible)")
	cmd.Flags().String("context", "", "Context as a JSON object")
	cmd.Flags().String("urgency", "normal", "Urgency: low, normal, high, critical")
	cmd.Flags().Duration("ttl", 0, "Expire the request after this long")
	cmd.Flags().Bool("wait", false, "Block until the request is decided")
	cmd.Flags().String("fallback", "", "Decision when the gate is unreachable: deny or allow")
	return cmd
}

func newRequestGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestGet,
	}
}

func newRequestListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, newest first",
		RunE:  runRequestList,
	}
	cmd.Flags().String("status", "", "Filter by status: pending, approved, denied, expired")
	cmd.Flags().Int("limit", 20, "Maximum number of requests")
	return cmd
}

func newRequestDecideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <id> <approved|denied>",
		Short: "Approve or deny a pending request",
		Args:  cobra.ExactArgs(2),
		RunE:  runRequestDecide,
	}
	cmd.Flags().String("reason", "", "Decision reason")
	cmd.Flags().String("by", "", "Decider name (defaults to the key name)")
	return cmd
}

func newRequestWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait until a request is decided",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequestWait,
	}
	cmd.Flags().Duration("interval", 2*time.Second, "Poll interval")
	cmd.Flags().Duration("max-wait", 0, "Give up after this long (0 waits forever)")
	return cmd
}

func runRequestCreate(cmd *cobra.Command, args []string) error {
	rawParams, _ := cmd.Flags().GetStringArray("param")
	rawContext, _ := cmd.Flags().GetString("context")
	urgency, _ := cmd.Flags().GetString("urgency")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	wait, _ := cmd.Flags().GetBool("wait")
	fallback, _ := cmd.Flags().GetString("fallback")

	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}
	var reqContext map[string]any
	if strings.TrimSpace(rawContext) != "" {
		if err := json.Unmarshal([]byte(rawContext), &reqContext); err != nil {
			return fmt.Errorf("invalid --context: expected a JSON object: %w", err)
		}
	}

	url, _ := cmd.Flags().GetString("url")
	apiKey, _ := cmd.Flags().GetString("api-key")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	c, err := client.New(client.Options{URL: url, APIKey: apiKey, Timeout: timeout, Fallback: client.Fallback(fallback)})
	if err != nil {
		return err
	}

	in := client.ApprovalInput{
		Action:  args[0],
		Params:  params,
		Context: reqContext,
		Urgency: urgency,
		TTL:     ttl,
	}
	ctx := commandContext(cmd)

	var req client.ApprovalRequest
	if fallback != "" {
		req, err = c.RequestApprovalSafe(ctx, in)
	} else {
		req, err = c.RequestApproval(ctx, in)
	}
	if err != nil {
		return err
	}
	printRequest(req)

	if !wait || req.Decided() {
		return nil
	}
	res, err := c.WaitForDecision(ctx, req.ID, 0)
	if err != nil {
		return err
	}
	printDecision(res)
	return nil
}

func runRequestGet(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	req, err := c.GetRequest(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	printRequest(req)
	return nil
}

func runRequestList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	reqs, err := c.ListRequests(commandContext(cmd), status, limit)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("No requests.")
		return nil
	}

	t := &table{
		title: "Approval Requests",
		columns: []column{
			{"ID", 36}, {"ACTION", 24}, {"URGENCY", 9}, {"STATUS", 9}, {"CREATED", 20}, {"DECIDED BY", 16},
		},
		statusCol: 3,
	}
	for _, r := range reqs {
		t.add(r.ID, r.Action, r.Urgency, r.Status, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.DecidedBy)
	}
	fmt.Println(t.render())
	return nil
}

func runRequestDecide(cmd *cobra.Command, args []string) error {
	decision := strings.ToLower(strings.TrimSpace(args[1]))
	switch decision {
	case "approve":
		decision = "approved"
	case "deny":
		decision = "denied"
	}
	if decision != "approved" && decision != "denied" {
		return fmt.Errorf("decision must be approved or denied, got %q", args[1])
	}
	reason, _ := cmd.Flags().GetString("reason")
	by, _ := cmd.Flags().GetString("by")

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	req, err := c.Decide(commandContext(cmd), args[0], decision, by, reason)
	if err != nil {
		return err
	}
	printRequest(req)
	return nil
}

func runRequestWait(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	maxWait, _ := cmd.Flags().GetDuration("max-wait")

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	res, err := c.WaitForDecision(ctx, args[0], interval)
	if err != nil {
		return err
	}
	printDecision(res)
	return nil
}

// parseParams turns key=value pairs into a map. Values that parse as JSON
// keep their type, anything else is a string.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printRequest(r client.ApprovalRequest) {
	title := "Approval Request"
	if r.Fallback {
		title += " (fallback: gate unreachable)"
	}
	fields := [][2]string{
		{"ID", r.ID},
		{"Action", r.Action},
		{"Urgency", r.Urgency},
		{"Status", r.Status},
		{"Decided by", r.DecidedBy},
		{"Reason", r.DecisionReason},
	}
	if !r.CreatedAt.IsZero() {
		fields = append(fields, [2]string{"Created", r.CreatedAt.Local().Format(time.RFC3339)})
	}
	if r.ExpiresAt != nil {
		fields = append(fields, [2]string{"Expires", r.ExpiresAt.Local().Format(time.RFC3339)})
	}
	if len(r.Params) > 0 {
		data, _ := json.Marshal(r.Params)
		fields = append(fields, [2]string{"Params", string(data)})
	}
	printFields(title, fields)
}

func printDecision(res client.DecisionResult) {
	printFields("Decision", [][2]string{
		{"ID", res.ID},
		{"Status", res.Status},
		{"Decided by", res.DecidedBy},
		{"Reason", res.Reason},
	})
}
