package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agrovista/fincore/pkg/budget"
	"github.com/agrovista/fincore/pkg/config"
	"github.com/agrovista/fincore/pkg/invariants"
	"github.com/agrovista/fincore/pkg/observability"
	"github.com/agrovista/fincore/pkg/outbox"
	"github.com/agrovista/fincore/pkg/rollout"
	"github.com/agrovista/fincore/pkg/workflow"
)

func runArmGuards(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("arm-guards", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verifyOnly := fs.Bool("verify", false, "only verify, do not install")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if !cfg.UsePostgres() {
		fmt.Fprintln(stderr, "arm-guards requires DATABASE_URL: storage triggers are a Postgres feature")
		return 1
	}
	logger := newLogger(cfg.LogLevel, stderr)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := workflow.Load()
	if !*verifyOnly {
		if err := ensureSchemas(ctx, db); err != nil {
			fmt.Fprintf(stderr, "schema setup failed: %v\n", err)
			return 1
		}
		if err := policy.Arm(ctx, db, workflow.DefaultGuardedTables, logger); err != nil {
			fmt.Fprintf(stderr, "arming failed: %v\n", err)
			return 1
		}
	}

	reports, err := workflow.VerifyArmed(ctx, db, workflow.DefaultGuardedTables)
	if err != nil {
		fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}

	allArmed := true
	for _, r := range reports {
		state := "ARMED"
		if !r.Armed() {
			state = "NOT ARMED"
			allArmed = false
		}
		fmt.Fprintf(stdout, "%-12s %s (table=%v func=%v trigger=%v rules=%d) %s\n",
			r.EntityType, r.Table, r.TablePresent, r.FuncPresent, r.TriggerSet, r.EnabledRules, state)
	}
	if !allArmed {
		return 1
	}
	return 0
}

func runDrain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	once := fs.Bool("once", false, "run a single drain pass and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.BrokerURL == "" {
		fmt.Fprintln(stderr, "drain requires BROKER_URL")
		return 1
	}
	logger := newLogger(cfg.LogLevel, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openOutboxStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	publisher := outbox.NewBrokerPublisher(outbox.BrokerConfig{
		URL:     cfg.BrokerURL,
		Token:   cfg.BrokerToken,
		Timeout: cfg.BrokerTimeout,
	})
	relay := outbox.NewRelay(store, publisher, outbox.RelayConfig{
		BatchSize:   cfg.OutboxBatchSize,
		MaxRetries:  cfg.OutboxMaxRetries,
		BaseDelay:   cfg.OutboxBaseDelay,
		RetryCap:    cfg.OutboxRetryCap,
		PublishRate: cfg.OutboxPublishRate,
	}, invariants.Default, logger).WithObserver(func(stats outbox.DrainStats) {
		provider.RecordDrain(ctx, stats.Published, stats.Rescheduled, stats.DeadLetters)
	})

	if cfg.UseRedis() {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = client.Close() }()
		reservations := outbox.NewRedisReservations(client, cfg.RedisReservationTTL)
		relay.WithGuard(outbox.NewConsumerGuard("broker-relay", reservations, invariants.Default))
		logger.Info("delivery idempotency guard armed", "redis", cfg.RedisAddr)
	}

	logger.Info("outbox drain starting", "broker", publisher.Describe(), "once", *once)

	if *once {
		stats, err := relay.DrainAndPublish(ctx)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "claimed=%d published=%d rescheduled=%d deadLetters=%d deduplicated=%d\n",
			stats.Claimed, stats.Published, stats.Rescheduled, stats.DeadLetters, stats.Deduplicated)
		return 0
	}

	if err := relay.Run(ctx, cfg.OutboxPollInterval); err != nil && ctx.Err() == nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runBackfill(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if !cfg.UsePostgres() {
		fmt.Fprintln(stderr, "backfill requires DATABASE_URL")
		return 1
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repaired, err := outbox.NewPostgresStore(db).BackfillCorrelation(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "repaired %d outbox rows\n", repaired)
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openOutboxStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		if err := enc.Encode(stats); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "pending=%d processing=%d failed=%d oldestPending=%s\n",
		stats.Pending, stats.Processing, stats.Failed, stats.OldestPendingAge)
	return 0
}

func runRolloutGate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rollout-gate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	snapshotPath := fs.String("snapshot", "", "path to metrics snapshot JSON (required)")
	rulesPath := fs.String("rules", "", "optional YAML file with CEL gate rules")
	asJSON := fs.Bool("json", false, "emit the decision as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *snapshotPath == "" {
		fmt.Fprintln(stderr, "rollout-gate requires -snapshot")
		return 2
	}

	snap, err := rollout.LoadSnapshot(*snapshotPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	thresholds, err := rollout.ThresholdsFromEnv()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var rules *rollout.RuleSet
	if *rulesPath != "" {
		loaded, err := config.LoadRolloutRules(*rulesPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		rules, err = rollout.CompileRules(loaded)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	decision, err := rollout.EvaluateWithRules(snap, thresholds, rules)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		if err := enc.Encode(decision); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return decision.ExitCode()
	}

	fmt.Fprintln(stdout, string(decision.Verdict))
	for _, reason := range decision.Reasons {
		fmt.Fprintf(stdout, "  - %s\n", reason)
	}
	return decision.ExitCode()
}

// openOutboxStore wires the Postgres store when DATABASE_URL is set, else the
// embedded SQLite fallback.
func openOutboxStore(ctx context.Context, cfg config.Config) (outbox.Store, func(), error) {
	if cfg.UsePostgres() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := outbox.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	}
	store, err := outbox.OpenSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// ensureSchemas provisions the plan and outbox tables; the trigger is
// installed against budget_plans, so this must run before Arm.
func ensureSchemas(ctx context.Context, db *sql.DB) error {
	if err := budget.NewPostgresStore(db).EnsureSchema(ctx); err != nil {
		return err
	}
	return outbox.NewPostgresStore(db).EnsureSchema(ctx)
}
