package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/api"
	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline queue",
	Long:  `Commands for the batches kept while the collection service was unreachable.`,
}

var queueSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print the number of queued batches",
	RunE:  runQueueSize,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued batches, oldest first",
	RunE:  runQueueList,
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued batches now",
	Long: `Checks that the collection service is reachable and delivers the queued
batches in groups. Batches that keep failing are dropped after
queue.max_retries attempts.`,
	RunE: runQueueSync,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued batch",
	RunE:  runQueueClear,
}

func init() {
	queueCmd.AddCommand(queueSizeCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueSyncCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// openQueue opens the configured store. sender may be nil for commands
// that never sync.
func openQueue(ctx context.Context, cfg *config.Config, sender queue.Sender, log *zap.Logger) (*queue.Queue, func(), error) {
	store, err := queue.OpenStore(ctx, cfg.Queue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s queue: %w", cfg.Queue.Backend, err)
	}
	q := queue.New(store, sender, queue.Options{
		MaxSize:    cfg.Queue.MaxSize,
		BatchSize:  cfg.Queue.BatchSize,
		MaxRetries: cfg.Queue.MaxRetries,
		Logger:     log,
	})
	return q, func() { store.Close() }, nil
}

func runQueueSize(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	q, closeStore, err := openQueue(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := q.Size(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	q, closeStore, err := openQueue(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer closeStore()

	batches, err := q.Items(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENQUEUED\tRECORDS\tRETRIES")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", b.ID, b.Enqueued().Format(time.RFC3339), len(b.Records), b.RetryCount)
	}
	return tw.Flush()
}

func runQueueSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := interruptContext(cmd.ErrOrStderr())
	defer cancel()

	client := api.New(cfg.API, cfg.Device.ID, log)
	q, closeStore, err := openQueue(ctx, cfg, client, log)
	if err != nil {
		return err
	}
	defer closeStore()

	monitor := api.NewMonitor(client, api.MonitorOptions{Logger: log})
	if !monitor.Check(ctx) {
		return fmt.Errorf("collection service at %s is unreachable", cfg.API.BaseURL)
	}

	res, err := q.Sync(ctx, true)
	if err != nil {
		return err
	}
	left, err := q.Size(ctx)
	if err != nil {
		return err
	}
	stats := q.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "Synced: %d  Failed: %d  Dropped: %d  Remaining: %d\n", res.Synced, res.Failed, stats.Dropped, left)
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	q, closeStore, err := openQueue(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := q.Size(ctx)
	if err != nil {
		return err
	}
	if err := q.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d batches\n", n)
	return nil
}
