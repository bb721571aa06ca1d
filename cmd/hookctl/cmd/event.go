package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/parcelhook/internal/store"
)

var eventShowPayload bool

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect stored webhook events",
}

var eventGetCmd = &cobra.Command{
	Use:   "get <storage-id>",
	Short: "Show one stored event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		st, _, err := openStore(ctx, cliLogger())
		if err != nil {
			return err
		}
		defer st.Close()
		sess, err := st.Open(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		ev, err := sess.Get(ctx, ids[0])
		if err != nil {
			return err
		}
		if ev == nil {
			return fmt.Errorf("storage id %d not found", ids[0])
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), ev)
		}
		printEvent(cmd.OutOrStdout(), ev, eventShowPayload)
		return nil
	},
}

func init() {
	eventGetCmd.Flags().BoolVar(&eventShowPayload, "payload", false, "print the stored payload")
	eventCmd.AddCommand(eventGetCmd)
	rootCmd.AddCommand(eventCmd)
}

func printEvent(w io.Writer, ev *store.StoredEvent, payload bool) {
	fmt.Fprintf(w, "Storage ID:  %d\n", ev.ID)
	fmt.Fprintf(w, "Queue:       %s\n", ev.QueueName)
	fmt.Fprintf(w, "Event ID:    %s\n", ev.SourceEventID)
	fmt.Fprintf(w, "Dispatched:  %t\n", ev.Dispatched)
	fmt.Fprintf(w, "Processed:   %t\n", ev.Processed)
	fmt.Fprintf(w, "Created:     %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "Updated:     %s\n", ev.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	if payload {
		fmt.Fprintf(w, "Payload:\n%s\n", ev.Payload)
	}
}
