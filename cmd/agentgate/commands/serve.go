package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/MEKXH/agentgate/internal/apikey"
	"github.com/MEKXH/agentgate/internal/approval"
	"github.com/MEKXH/agentgate/internal/audit"
	"github.com/MEKXH/agentgate/internal/auth"
	"github.com/MEKXH/agentgate/internal/bus"
	"github.com/MEKXH/agentgate/internal/config"
	"github.com/MEKXH/agentgate/internal/gateway"
	"github.com/MEKXH/agentgate/internal/metrics"
	"github.com/MEKXH/agentgate/internal/notify/telegram"
	"github.com/MEKXH/agentgate/internal/permission"
	"github.com/MEKXH/agentgate/internal/policy"
	"github.com/MEKXH/agentgate/internal/ratelimit"
	"github.com/MEKXH/agentgate/internal/store/memory"
	"github.com/MEKXH/agentgate/internal/store/postgres"
	"github.com/MEKXH/agentgate/internal/tracing"
	"github.com/MEKXH/agentgate/internal/version"
)

const shutdownTimeout = 5 * time.Second

// repository is everything the services need from a store backend.
type repository interface {
	approval.Repository
	apikey.Repository
	policy.Repository
}

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AgentGate server",
		RunE:  runServe,
	}
	cmd.Flags().String("policies", "", "YAML or JSON policy file imported at startup")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	policyFile, _ := cmd.Flags().GetString("policies")

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Setup("agentgate", version.Version, cfg.Tracing.Output)
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := shutdownTracing(sctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	repo, closeRepo, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeRepo()

	limiter, closeLimiter, err := openLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	eventBus := bus.NewBus(0)
	recorder := metrics.NewRecorder(cfg.Metrics.File)
	eventBus.Subscribe(recorder)
	if journal := strings.TrimSpace(cfg.Audit.Journal); journal != "" {
		eventBus.Subscribe(audit.NewJournal(journal))
	}
	if cfg.Notify.Telegram.Enabled {
		notifier, err := telegram.New(cfg.Notify.Telegram)
		if err != nil {
			slog.Warn("telegram notifications disabled", "error", err)
		} else {
			eventBus.Subscribe(notifier)
		}
	}
	eventBus.Start()
	defer eventBus.Stop()

	cache := policy.NewCache(repo)
	policies := policy.NewService(repo, cache)
	approvals := approval.NewService(repo, policy.NewEngine(cache, eventBus), eventBus)
	approvals.SetDefaultTTL(config.Seconds(cfg.Approvals.DefaultTTL))

	usage := apikey.NewUsageTracker(repo, config.Seconds(cfg.Keys.FlushInterval))
	usage.Start()
	defer usage.Stop()
	keys := apikey.NewRegistry(repo, usage, eventBus)
	keys.SetDefaultLimit(cfg.RateLimit.DefaultLimit)

	if _, err := ensureBootstrapKey(ctx, keys, cfg.Keys.BootstrapName, os.Stdout); err != nil {
		return err
	}
	if policyFile != "" {
		drafts, err := policy.LoadFile(policyFile)
		if err != nil {
			return err
		}
		recs, err := policies.Import(ctx, drafts, permission.Set{permission.Wildcard})
		if err != nil {
			return fmt.Errorf("import policies: %w", err)
		}
		slog.Info("policies imported", "file", policyFile, "count", len(recs))
	}

	if cfg.Approvals.SweepInterval > 0 {
		sweeper := approval.NewSweeper(approvals, config.Seconds(cfg.Approvals.SweepInterval))
		sweeper.Start()
		defer sweeper.Stop()
	}

	server := gateway.New(cfg.Server, gateway.Deps{
		Gate:      auth.NewGate(keys, limiter, eventBus),
		Approvals: approvals,
		Policies:  policies,
		Keys:      keys,
		Metrics:   recorder,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway server failed: %w", err)
		}
	}()

	fmt.Printf("AgentGate running on http://%s (store=%s, rate_limit=%s)\nPress Ctrl+C to stop.\n",
		server.Addr(), cfg.Store.Driver, cfg.RateLimit.Backend)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server component failed", "error", runErr)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	slog.Info("shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("gateway shutdown failed", "error", err)
	}
	return runErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (repository, func(), error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		if strings.TrimSpace(cfg.File) == "" {
			return memory.New(), func() {}, nil
		}
		store, err := memory.Open(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open memory store: %w", err)
		}
		return store, func() {}, nil
	}
}

func openLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Limiter, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return ratelimit.NewRedis(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
	default:
		limiter := ratelimit.NewMemory(config.Seconds(cfg.EvictInterval))
		limiter.Start()
		return limiter, limiter.Stop, nil
	}
}

// ensureBootstrapKey issues an admin key when none exist yet and prints its
// plaintext once to out. The plaintext is never logged.
func ensureBootstrapKey(ctx context.Context, keys *apikey.Registry, name string, out io.Writer) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	existing, err := keys.List(ctx)
	if err != nil {
		return false, fmt.Errorf("list keys: %w", err)
	}
	if len(existing) > 0 {
		return false, nil
	}

	issued, err := keys.Create(ctx, name, []string{"admin"}, apikey.PerMinute(0), permission.Set{permission.Wildcard})
	if err != nil {
		return false, fmt.Errorf("create bootstrap key: %w", err)
	}
	slog.Info("bootstrap admin key created", "key_id", issued.Key.ID, "prefix", issued.Key.Prefix)
	fmt.Fprintf(out, "Bootstrap admin key (shown once, store it now):\n  %s\n", issued.Plaintext)
	return true, nil
}
