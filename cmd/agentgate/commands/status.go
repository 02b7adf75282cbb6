package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/MEKXH/agentgate/internal/config"
	"github.com/MEKXH/agentgate/internal/metrics"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show AgentGate configuration and recorded decision metrics",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(headerStyle.Render("AgentGate Status"))

	section("Config")
	configStatus := "OK"
	if _, err := os.Stat(config.ConfigPath()); err != nil {
		configStatus = "not found"
	}
	line("Path:", config.ConfigPath()+" ("+configStatus+")")
	line("Listen:", cfg.Server.Addr())

	section("Storage")
	line("Driver:", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case "postgres":
		line("DSN:", redactDSN(cfg.Store.DSN))
	default:
		file := cfg.Store.File
		if file == "" {
			file = "in-process only"
		}
		line("Snapshot:", file)
	}

	section("Rate limiting")
	line("Backend:", cfg.RateLimit.Backend)
	if cfg.RateLimit.DefaultLimit > 0 {
		line("Default:", fmt.Sprintf("%d/min", cfg.RateLimit.DefaultLimit))
	} else {
		line("Default:", "unlimited")
	}
	if cfg.RateLimit.Backend == "redis" {
		line("Redis:", cfg.RateLimit.Redis.Addr)
	}

	section("Approvals")
	if cfg.Approvals.DefaultTTL > 0 {
		line("Default TTL:", config.Seconds(cfg.Approvals.DefaultTTL).String())
	} else {
		line("Default TTL:", "none")
	}
	if cfg.Approvals.SweepInterval > 0 {
		line("Sweeper:", "every "+config.Seconds(cfg.Approvals.SweepInterval).String())
	} else {
		line("Sweeper:", "disabled (lazy expiry only)")
	}

	section("Integrations")
	line("Tracing:", enabledText(cfg.Tracing.Enabled))
	line("Journal:", orNone(cfg.Audit.Journal))
	line("Telegram:", enabledText(cfg.Notify.Telegram.Enabled))

	section("Decision Metrics")
	if strings.TrimSpace(cfg.Metrics.File) == "" {
		line("Status:", "not persisted (metrics.file unset)")
		return nil
	}
	snap, err := metrics.ReadSnapshot(cfg.Metrics.File)
	if err != nil {
		line("Status:", "unreadable ("+err.Error()+")")
		return nil
	}
	if !snap.HasData() {
		line("Status:", "no decision data yet")
		return nil
	}
	r := snap.Requests
	line("Requests:", fmt.Sprintf("%d created, %d pending", r.Created, r.Pending()))
	line("Outcomes:", fmt.Sprintf("%d approved, %d denied, %d expired (%d automatic)", r.Approved, r.Denied, r.Expired, r.AutoDecided))
	line("Approval:", fmt.Sprintf("%.1f%%", r.ApprovalRatio()*100))
	if snap.Latency.Total > 0 {
		line("Latency:", fmt.Sprintf("avg %.0fms, p95~%dms, max %dms", snap.Latency.AvgMs(), snap.Latency.P95ProxyMs, snap.Latency.MaxMs))
	}
	line("Policy hits:", formatCounts(snap.Policy.ByDecision))
	line("Throttled:", fmt.Sprintf("%d", snap.RateLimited))
	line("Updated:", snap.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

var sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8E4EC6")).MarginTop(1)

func section(title string) {
	fmt.Println(sectionStyle.Render(title))
}

func line(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(label), value)
}

func enabledText(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

func formatCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}

// redactDSN hides the password of a postgres URL.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "(set)"
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":***@" + host
}
