package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/kvstore"
	"github.com/practicehq/tether/pkg/tether/offline"
	"github.com/practicehq/tether/pkg/tether/rest"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the offline request queue",
	Long: `List the requests captured while offline, or replay them against
the backend with --drain.

Examples:
  tether queue
  tether queue --drain`,
	RunE: runQueue,
}

var queueDrain bool

func init() {
	rootCmd.AddCommand(queueCmd)

	queueCmd.Flags().BoolVar(&queueDrain, "drain", false, "replay queued requests now")
}

func runQueue(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage == nil {
		return fmt.Errorf("storage.path is not configured")
	}

	store, err := kvstore.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	queue, err := offline.NewQueue().
		WithStore(store).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := queue.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	requests := queue.All()
	if len(requests) == 0 {
		fmt.Println("offline queue is empty")
		return nil
	}

	for _, req := range requests {
		fmt.Printf("%s\t%s %s\tenqueued %s\tretries %d\n",
			req.ID, req.Method, req.URL,
			req.EnqueuedAt.Format("2006-01-02 15:04:05"), req.RetryCount)
	}

	if !queueDrain {
		return nil
	}

	read, mutation, err := cfg.RetryPolicies()
	if err != nil {
		return err
	}
	client, err := rest.NewClient().
		WithBaseURL(cfg.Server.BaseURL).
		WithLogger(logger).
		WithOfflineQueue(queue).
		WithRetryPolicy(read, mutation).
		Build()
	if err != nil {
		return err
	}

	result := queue.Drain(ctx, client.Replay)
	logger.Info("drain finished",
		zap.Int("replayed", result.Replayed),
		zap.Int("dropped", result.Dropped),
		zap.Int("remaining", result.Remaining))
	fmt.Printf("replayed %d, dropped %d, remaining %d\n",
		result.Replayed, result.Dropped, result.Remaining)
	return nil
}
