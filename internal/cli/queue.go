package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect changes waiting for the server",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			entries, err := e.rt.Queue.List(ctx, e.account.ID)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No queued changes.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tTARGET\tSTATUS\tATTEMPTS\tQUEUED\tERROR")
			for _, en := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					en.ID, en.Type, en.TargetID, en.Status, en.Attempts,
					humanize.Time(time.UnixMilli(en.CreatedAt)),
					truncate(en.LastError, 40),
				)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(entryCmd("retry", "Re-arm a parked change", func(e *engine, cmd *cobra.Command, id string) error {
		return e.rt.Queue.Retry(cmd.Context(), e.account.ID, id)
	}))
	cmd.AddCommand(entryCmd("discard", "Drop a queued change without sending it", func(e *engine, cmd *cobra.Command, id string) error {
		return e.rt.Queue.Discard(cmd.Context(), e.account.ID, id)
	}))
	return cmd
}

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect emails waiting to be sent",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List outgoing emails",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			items, err := e.rt.Outbox.List(ctx, e.account.ID)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(toJSONOutbox(items))
			}
			if len(items) == 0 {
				fmt.Println("Outbox is empty.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTO\tSUBJECT\tSTATUS\tATTEMPTS\tNEXT\tERROR")
			for _, it := range items {
				next := "-"
				if it.NextAttemptAt > 0 {
					next = humanize.Time(time.Unix(it.NextAttemptAt, 0))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					it.ID,
					truncate(joinAddresses(it.Message.To), 30),
					truncate(it.Message.Subject, 40),
					it.Status, it.Attempts, next,
					truncate(it.LastError, 40),
				)
			}
			return w.Flush()
		},
	})
	cmd.AddCommand(entryCmd("retry", "Send a failed email again", func(e *engine, cmd *cobra.Command, id string) error {
		return e.rt.Outbox.Retry(cmd.Context(), e.account.ID, id)
	}))
	cmd.AddCommand(entryCmd("discard", "Drop an outgoing email", func(e *engine, cmd *cobra.Command, id string) error {
		return e.rt.Outbox.Discard(cmd.Context(), e.account.ID, id)
	}))
	return cmd
}

// entryCmd builds a subcommand acting on one queue or outbox id.
func entryCmd(action, short string, fn func(e *engine, cmd *cobra.Command, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := startEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := fn(e, cmd, args[0]); err != nil {
				return fmt.Errorf("failed to %s %s: %w", action, args[0], err)
			}
			if action == "retry" {
				e.flushQuietly(cmd.Context())
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: action, MessageID: args[0], AccountID: e.account.ID})
			}
			fmt.Printf("%s: %s\n", action, args[0])
			return nil
		},
	}
}
