package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/parcelhook/internal/notify"
	"github.com/austindbirch/parcelhook/internal/processor"
	"github.com/austindbirch/parcelhook/internal/store"
)

var (
	replayQueue        string
	replayUndispatched bool
	replayLimit        int
	replayDryRun       bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [storage-id...]",
	Short: "Run the processor over stored events",
	Long: `Run the processor over the given storage ids, or over every stored event
that has not been processed yet when no ids are given.

Processing is idempotent: events already marked processed are skipped.`,
	Example: `  hookctl replay 42 43
  hookctl replay --queue easypost-incoming --undispatched --limit 20
  hookctl replay --dry-run`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayQueue, "queue", "", "only events stored for this queue (default: every queue)")
	replayCmd.Flags().BoolVar(&replayUndispatched, "undispatched", false, "only events whose task was never enqueued")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 100, "maximum number of pending events")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "list the events that would be replayed")
	rootCmd.AddCommand(replayCmd)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid storage id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	log := cliLogger()
	st, cfg, err := openStore(ctx, log)
	if err != nil {
		return err
	}
	defer st.Close()

	filter := store.PendingFilter{QueueName: replayQueue, UndispatchedOnly: replayUndispatched, Limit: replayLimit}

	if replayDryRun {
		sess, err := st.Open(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()
		rows, err := sess.ListPending(ctx, filter)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), rows)
		}
		printEvents(cmd.OutOrStdout(), rows)
		return nil
	}

	n, err := notify.FromConfig(cfg.Notify, log)
	if err != nil {
		return err
	}
	results, err := processor.New(st, n, log).Replay(ctx, filter, ids)
	if outputJSON {
		if perr := printJSON(cmd.OutOrStdout(), replayRows(results)); perr != nil {
			return perr
		}
	} else {
		printReplay(cmd.OutOrStdout(), results)
	}
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%d of %d events failed", countFailed(results), len(results))
		}
	}
	return nil
}

type replayRow struct {
	StorageID int64  `json:"storageId"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
}

func replayRows(results []processor.ReplayResult) []replayRow {
	rows := make([]replayRow, len(results))
	for i, r := range results {
		rows[i] = replayRow{StorageID: r.StorageID, Outcome: string(r.Outcome)}
		if r.Err != nil {
			rows[i].Error = r.Err.Error()
		}
	}
	return rows
}

func countFailed(results []processor.ReplayResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func printReplay(w io.Writer, results []processor.ReplayResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "nothing to replay")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORAGE ID\tOUTCOME\tERROR")
	for _, r := range replayRows(results) {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", r.StorageID, r.Outcome, r.Error)
	}
	_ = tw.Flush()
}

func printEvents(w io.Writer, rows []store.StoredEvent) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no pending events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORAGE ID\tQUEUE\tEVENT\tDISPATCHED\tPROCESSED\tCREATED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%s\n", r.ID, r.QueueName, r.SourceEventID, r.Dispatched, r.Processed, r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}
