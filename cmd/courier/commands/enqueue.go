package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vborges/courier/pkg/courier/queue"
)

// newEnqueueCmd creates the `courier enqueue` debug command that pushes one
// job onto the queue.
func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a test job",
		Long: `Build a job from flags and push it onto the configured queue.
Useful for exercising a running serve instance without a channel adapter.

Examples:
  courier enqueue --provider telegram --external-id 123 --text "salva inception"
  courier enqueue --provider whatsapp --external-id 5511999 --text oi --message-id m42`,
		RunE: runEnqueue,
	}

	cmd.Flags().String("provider", "telegram", "source provider (telegram, whatsapp, discord)")
	cmd.Flags().String("external-id", "", "sender identifier on the provider (required)")
	cmd.Flags().String("text", "", "message text (required)")
	cmd.Flags().String("message-id", "", "channel-native message id (a UUID is synthesized when empty)")
	cmd.Flags().String("sender-name", "", "sender display name")
	_ = cmd.MarkFlagRequired("external-id")
	_ = cmd.MarkFlagRequired("text")

	return cmd
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.UseRedis() {
		return fmt.Errorf("enqueue requires redis.addr: the in-memory queue is not reachable from another process")
	}

	provider, _ := cmd.Flags().GetString("provider")
	externalID, _ := cmd.Flags().GetString("external-id")
	text, _ := cmd.Flags().GetString("text")
	messageID, _ := cmd.Flags().GetString("message-id")
	senderName, _ := cmd.Flags().GetString("sender-name")

	job := queue.NewJob(queue.Provider(provider), externalID, messageID, queue.Payload{
		Text:       text,
		SenderName: senderName,
	})
	if err := job.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	q := queue.NewRedisQueue(client, cfg.Queue.Prefix, nil)
	opts := queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: queue.Backoff{
			Type:      queue.BackoffExponential,
			BaseDelay: time.Duration(cfg.Queue.BackoffBaseMs) * time.Millisecond,
		},
		RemoveOnComplete: true,
	}
	if err := q.Enqueue(ctx, job, opts); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", job.IdempotencyKey)
	return nil
}
