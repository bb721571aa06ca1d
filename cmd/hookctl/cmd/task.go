package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/parcelhook/internal/app"
	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/dispatch"
	"github.com/austindbirch/parcelhook/internal/logging"
)

var taskQueue string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect queued processing tasks",
}

var taskGetCmd = &cobra.Command{
	Use:   "get <event-id>",
	Short: "Show the task enqueued for a webhook event",
	Long: `Show the task enqueued for a webhook event. The argument is the source
event id (or any idempotency key); it is normalized the same way ingest
normalizes it before the lookup.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg := config.FromEnv()
		queueName := taskQueue
		if queueName == "" {
			queueName = cfg.Ingest.QueueName
		}
		if queueName == "" {
			return fmt.Errorf("--queue or WEBHOOK_INCOMING_QUEUE_NAME is required")
		}

		q, err := openQueue(ctx, cfg, cliLogger())
		if err != nil {
			return err
		}
		defer q.Close()

		task, err := q.Get(ctx, queueName, dispatch.TaskID(args[0]))
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), task)
		}
		printTask(cmd.OutOrStdout(), task)
		return nil
	},
}

// openQueue is overridden in tests
var openQueue = func(ctx context.Context, cfg config.Config, log *logging.Logger) (dispatch.Client, error) {
	q, err := app.OpenQueue(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func init() {
	taskGetCmd.Flags().StringVar(&taskQueue, "queue", "", "queue name (default WEBHOOK_INCOMING_QUEUE_NAME)")
	taskCmd.AddCommand(taskGetCmd)
	rootCmd.AddCommand(taskCmd)
}

func printTask(w io.Writer, t *dispatch.Task) {
	fmt.Fprintf(w, "Name:        %s\n", t.Name)
	fmt.Fprintf(w, "Target:      %s %s\n", t.Method, t.URL)
	fmt.Fprintf(w, "Created:     %s\n", t.CreateTime.Format("2006-01-02 15:04:05 MST"))
	if !t.ScheduleTime.IsZero() {
		fmt.Fprintf(w, "Scheduled:   %s\n", t.ScheduleTime.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(w, "Dispatches:  %d\n", t.DispatchCount)
	if len(t.Body) > 0 {
		fmt.Fprintf(w, "Body:        %s\n", t.Body)
	}
}
