package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/cartograph/internal/confidence"
	"github.com/steveyegge/cartograph/internal/llm"
	"github.com/steveyegge/cartograph/internal/outbox"
	"github.com/steveyegge/cartograph/internal/pool"
	"github.com/steveyegge/cartograph/internal/queue"
	"github.com/steveyegge/cartograph/internal/resolution"
	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/storage/sqlite"
	"github.com/steveyegge/cartograph/internal/telemetry"
	"github.com/steveyegge/cartograph/internal/triangulate"
	"github.com/steveyegge/cartograph/internal/types"
	"github.com/steveyegge/cartograph/internal/writer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordination fabric until interrupted",
	Long: `Starts the outbox publisher, the batched writer and the relationship
resolution worker against the configured database and queue transport.
Stops cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService(rootCtx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(ctx context.Context) error {
	log := slog.Default()

	if err := telemetry.Init(ctx, "cartograph", Version); err != nil {
		log.Warn("telemetry init failed, continuing without it", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	store, err := sqlite.New(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	instrumented := telemetry.WrapStorage(store)

	q, err := newQueue(log)
	if err != nil {
		_ = store.Close()
		return err
	}

	w := writer.New(instrumented, writer.Config{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
		MaxRetries:    cfg.Writer.MaxRetries,
		RetryDelay:    cfg.Writer.RetryDelay,
	}, log)

	p := pool.New(cfg.Pool.GlobalConcurrencyCap, log)

	scorer := confidence.New(
		confidence.WithWeights(confidence.Weights{
			Syntactic: cfg.Confidence.Weights.Syntactic,
			Semantic:  cfg.Confidence.Weights.Semantic,
			Context:   cfg.Confidence.Weights.Context,
			CrossRef:  cfg.Confidence.Weights.CrossRef,
		}),
		confidence.WithThresholds(confidence.Thresholds{
			High:       cfg.Confidence.Thresholds.High,
			Medium:     cfg.Confidence.Thresholds.Medium,
			Low:        cfg.Confidence.Thresholds.Low,
			Escalation: cfg.Confidence.Thresholds.Escalation,
		}),
	)

	dispatcher := triangulate.NewDispatcher(instrumented, q, triangulate.Config{
		Enabled: cfg.Triangulation.Enabled,
	}, log)

	publisher := outbox.New(instrumented, w, q, scorer, dispatcher, outbox.Config{
		PollInterval:        cfg.Publisher.PollingInterval,
		BatchLimit:          cfg.Publisher.BatchLimit,
		ResolutionBatchSize: cfg.Publisher.ResolutionBatchSize,
	}, log)

	if err := startResolutionWorker(ctx, q, p, instrumented, scorer, log); err != nil {
		_ = q.Close()
		_ = store.Close()
		return err
	}

	publisher.Start(ctx)
	log.Info("carto running",
		"db", cfg.Database.Path,
		"queue", queueTransport(),
		"poll_interval", cfg.Publisher.PollingInterval)

	<-ctx.Done()
	log.Info("shutting down")

	// Stop producing first, then drain consumers and flush what remains.
	publisher.Stop()
	if err := q.Close(); err != nil {
		log.Warn("queue close", "error", err)
	}
	grace := cfg.Pool.ShutdownGrace
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx, grace); err != nil {
		log.Warn("pool shutdown", "error", err)
	}
	if err := w.Shutdown(shutdownCtx); err != nil {
		log.Warn("writer shutdown", "error", err)
	}
	if err := store.Close(); err != nil {
		log.Warn("store close", "error", err)
	}
	log.Info("shutdown complete")
	return nil
}

// newQueue picks the transport: Redis when configured, in-memory for
// single-process runs.
func newQueue(log *slog.Logger) (queue.Queue, error) {
	if cfg.Redis.URL == "" {
		return queue.NewMemory(log), nil
	}
	q, err := queue.NewRedis(cfg.Redis.URL, log)
	if err != nil {
		return nil, fmt.Errorf("connect queue transport: %w", err)
	}
	return q, nil
}

func queueTransport() string {
	if cfg.Redis.URL == "" {
		return "memory"
	}
	return "redis"
}

// startResolutionWorker wires the LLM-backed relationship resolution
// consumer. Without an API key the service still runs; resolution jobs
// stay queued until a worker with credentials picks them up.
func startResolutionWorker(ctx context.Context, q queue.Queue, p *pool.Manager, store storage.Storage, scorer *confidence.Scorer, log *slog.Logger) error {
	client, err := llm.NewAnthropic(cfg.LLM.APIKey,
		llm.WithModel(cfg.LLM.Model),
		llm.WithMaxTokens(cfg.LLM.MaxTokens))
	if errors.Is(err, llm.ErrAPIKeyRequired) {
		log.Warn("no LLM API key configured, resolution worker disabled",
			"hint", "set ANTHROPIC_API_KEY or llm.apiKey")
		return nil
	}
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}

	wc := cfg.Pool.Workers[types.QueueRelationshipResolution]
	rw := resolution.NewWorker(client, p, store, scorer, resolution.Config{
		Concurrency:      wc.BaseConcurrency,
		MaxConcurrency:   wc.MaxConcurrency,
		FailureThreshold: wc.FailureThreshold,
		ResetTimeout:     wc.ResetTimeout,
		JobTimeout:       wc.JobTimeout,
		Enhancement:      cfg.Enhancement.Enabled,
	}, log)
	if err := rw.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize resolution worker: %w", err)
	}
	return resolution.Consume(q, rw, log)
}
