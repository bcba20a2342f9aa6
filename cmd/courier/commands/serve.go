package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vborges/courier/pkg/courier/closer"
	"github.com/vborges/courier/pkg/courier/conversation"
	"github.com/vborges/courier/pkg/courier/database"
	"github.com/vborges/courier/pkg/courier/dispatch"
	"github.com/vborges/courier/pkg/courier/errcapture"
	"github.com/vborges/courier/pkg/courier/queue"
	"github.com/vborges/courier/pkg/courier/session"
	"github.com/vborges/courier/pkg/courier/timeout"
)

// newServeCmd creates the `courier serve` command that runs the dispatcher.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch worker pool",
		Long: `Start the courier daemon: dequeue inbound jobs, run the dispatch
pipeline, and manage conversation state, abuse timeouts, and delayed closes.

With redis.addr configured the durable Redis queue and distributed lock are
used; without it an in-process queue serves single-node deployments.

Examples:
  courier serve
  courier serve --config ./courier.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	db, err := database.Open(database.Config{Path: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	// ── Queue and lock ──
	var (
		q      queue.Queue
		locker dispatch.Locker
	)
	if cfg.UseRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		defer client.Close()

		rq := queue.NewRedisQueue(client, cfg.Queue.Prefix, logger)
		go rq.Run(ctx)
		q = rq
		locker = dispatch.NewRedisLocker(client, "")
		logger.Info("redis queue connected", "addr", cfg.Redis.Addr)
	} else {
		mq := queue.NewMemoryQueue(0)
		defer mq.Close()
		q = mq
		locker = dispatch.NewMemoryLocker()
		logger.Warn("running with in-memory queue, jobs do not survive restarts")
	}

	// ── Core components ──
	tracker := timeout.New(timeout.NewSQLiteStore(db), logger)
	registry := session.NewRegistry(session.NewSQLiteStore(db), cfg.Dispatch.SessionScope, logger)
	sink := errcapture.NewSQLiteSink(db, logger)

	// The closer fires into the worker's guarded close path; the worker
	// schedules and cancels through the closer. Break the cycle with a
	// late-bound handler.
	var worker *dispatch.Worker
	cl := closer.New(closer.NewSQLiteStorage(db), func(ctx context.Context, conversationID, jobID string) error {
		return worker.HandleCloseFired(ctx, conversationID, jobID)
	}, logger)

	worker = dispatch.New(dispatch.Config{
		Workers:               cfg.Dispatch.Workers,
		CloseDelay:            cfg.Dispatch.CloseDelay.Std(),
		StageTimeout:          cfg.Dispatch.StageTimeout.Std(),
		LockTTL:               cfg.Dispatch.LockTTL.Std(),
		UnrecoverableAttempts: cfg.Dispatch.PipelineRetries,
	}, dispatch.Deps{
		Queue:         q,
		Conversations: conversation.NewSQLiteStore(db),
		Committed:     dispatch.NewSQLiteCommittedStore(db),
		Tracker:       tracker,
		Closer:        cl,
		Sessions:      registry,
		Classifier:    dispatch.NewKeywordClassifier(cfg.Moderation.Keywords),
		Resolver:      dispatch.StaticResolver{},
		Gate:          dispatch.AllowAllGate{},
		Agent:         dispatch.NewEchoAgent(),
		Sender:        dispatch.NewLogSender(logger),
		Sink:          sink,
		Locker:        locker,
		AgentID:       cfg.AgentID,
		Logger:        logger,
	})

	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("starting delayed-close scheduler: %w", err)
	}
	defer cl.Stop()

	// ── Run until shutdown ──
	workersDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workersDone)
	}()

	logger.Info("courier running, press Ctrl+C to stop",
		"agent_id", cfg.AgentID,
		"workers", cfg.Dispatch.Workers,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, stopping...")
	cancel()

	select {
	case <-workersDone:
	case <-time.After(30 * time.Second):
		logger.Warn("workers did not drain in time, exiting anyway")
	}
	return nil
}
