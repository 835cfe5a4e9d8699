package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailcore/internal/evict"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and manage the local cache",
	}
	cmd.AddCommand(newStoreUsageCmd())
	cmd.AddCommand(newStoreEvictCmd())
	cmd.AddCommand(newStoreResetCmd())
	return cmd
}

func newStoreUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show cache size per table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			usage, err := e.rt.Store.Usage(ctx)
			if err != nil {
				return fmt.Errorf("failed to read storage usage: %w", err)
			}
			out := toJSONUsage(usage)
			if jsonFlag {
				return printJSON(out)
			}
			fmt.Printf("Used %s of %s (%.1f%%)\n\n", out.Used, out.Quota, out.Percent)
			names := make([]string, 0, len(usage.Tables))
			for name := range usage.Tables {
				names = append(names, name)
			}
			slices.Sort(names)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tROWS\tSIZE")
			for _, name := range names {
				t := usage.Tables[name]
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, humanize.Comma(int64(t.Rows)), humanize.Bytes(uint64(t.Bytes)))
			}
			return w.Flush()
		},
	}
}

func newStoreEvictCmd() *cobra.Command {
	var targetFlag string

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Free cache space",
		Long:  "Evict cached bodies, then metadata, by folder importance and age. Without --target this only runs above the high-water mark.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			var rep evict.Report
			if targetFlag != "" {
				target, err := humanize.ParseBytes(targetFlag)
				if err != nil {
					return fmt.Errorf("invalid --target: %w", err)
				}
				r, err := e.rt.Evictor.Evict(ctx, int64(target))
				if err != nil {
					return fmt.Errorf("failed to evict: %w", err)
				}
				rep = r
			} else {
				r, err := e.rt.Evictor.MaybeEvict(ctx)
				if err != nil {
					return fmt.Errorf("failed to evict: %w", err)
				}
				rep = r
			}

			if jsonFlag {
				return printJSON(rep)
			}
			if rep.Bodies+rep.Messages == 0 {
				fmt.Println("Nothing evicted.")
				return nil
			}
			fmt.Printf("Evicted %d bodies and %d messages, about %s.\n", rep.Bodies, rep.Messages, humanize.Bytes(uint64(rep.Freed)))
			return nil
		},
	}

	cmd.Flags().StringVar(&targetFlag, "target", "", "bytes to free, e.g. 50MB")
	return cmd
}

func newStoreResetCmd() *cobra.Command {
	var yesFlag bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the local cache",
		Long:  "Delete the cache database. Queued changes and drafts are lost; everything else is fetched again on the next sync.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yesFlag {
				return errors.New("this deletes queued changes and drafts; pass --yes to confirm")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.StorePath()
			if path == ":memory:" {
				return errors.New("store path is in memory; nothing to reset")
			}
			var removed []string
			for _, p := range []string{path, path + "-wal", path + "-shm"} {
				err := os.Remove(p)
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to remove %s: %w", p, err)
				}
				removed = append(removed, p)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "reset", Files: removed})
			}
			if len(removed) == 0 {
				fmt.Println("No cache found.")
				return nil
			}
			fmt.Printf("Removed %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yesFlag, "yes", false, "confirm deletion")
	return cmd
}
