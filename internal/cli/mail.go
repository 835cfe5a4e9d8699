package cli

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/search"
	"github.com/lu-zhengda/mailcore/internal/store"
	mailsync "github.com/lu-zhengda/mailcore/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var folderFlag, scopeFlag string
	var resyncFlag bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync folders with the server",
		Long:  "Fetch folder lists, message metadata and recent bodies, then replay queued changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if !jsonFlag {
				fmt.Printf("Syncing account %s...\n", e.account.ID)
			}
			e.drainEvents()
			switch {
			case resyncFlag:
				err = e.rt.Sync.Resync(ctx, folderFlag)
			case folderFlag != "":
				err = e.rt.RefreshFolder(ctx, folderFlag)
			default:
				err = e.rt.SyncAll(ctx, mailsync.ScheduleParams{Scope: scopeFlag, Refresh: true})
			}
			if err != nil {
				return fmt.Errorf("failed to sync: %w", err)
			}
			failed, err := e.waitIdle(ctx)
			if err != nil {
				return err
			}
			pending := e.flushQuietly(ctx)

			if jsonFlag {
				return printJSON(jsonAction{OK: failed == 0, Action: "sync", AccountID: e.account.ID, Failed: failed, Pending: pending})
			}
			if failed > 0 {
				fmt.Printf("Sync finished with %d failed task(s).\n", failed)
			} else {
				fmt.Println("Sync complete.")
			}
			if pending > 0 {
				fmt.Printf("%d change(s) still queued.\n", pending)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&folderFlag, "folder", "", "refresh only this folder")
	cmd.Flags().StringVar(&scopeFlag, "scope", "", "folders to schedule: all or priority (defaults to sync.scope)")
	cmd.Flags().BoolVar(&resyncFlag, "resync", false, "discard sync progress and start over")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync, queue and storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			st, err := e.rt.Sync.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to read sync status: %w", err)
			}
			queued, err := e.rt.Queue.Count(ctx, e.account.ID)
			if err != nil {
				return err
			}
			outbox, err := e.rt.Outbox.List(ctx, e.account.ID)
			if err != nil {
				return err
			}
			usage, err := e.rt.Store.Usage(ctx)
			if err != nil {
				return fmt.Errorf("failed to read storage usage: %w", err)
			}
			out := jsonStatus{
				Account: e.account.ID,
				Online:  e.rt.Monitor.Online(),
				Sync:    st,
				Queued:  queued,
				Outbox:  len(outbox),
				Usage:   toJSONUsage(usage),
			}
			if jsonFlag {
				return printJSON(out)
			}
			fmt.Printf("Account:  %s\n", out.Account)
			fmt.Printf("Online:   %v\n", out.Online)
			fmt.Printf("Sync:     %d completed, %d failed, %d queued\n", st.Completed, st.Failed, len(st.Queued))
			if st.LastError != "" {
				fmt.Printf("          last error: %s\n", st.LastError)
			}
			fmt.Printf("Pending:  %d change(s), %d outgoing\n", queued, len(outbox))
			fmt.Printf("Storage:  %s of %s\n", out.Usage.Used, out.Usage.Quota)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var folderFlag string
	var limitFlag int
	var threadsFlag bool
	var refreshFlag bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached messages",
		Long:  "List cached messages in a folder (defaults to INBOX). Works offline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			view, _, err := e.rt.Session.OpenFolder(ctx, folderFlag)
			if err != nil {
				return fmt.Errorf("failed to list %s: %w", folderFlag, err)
			}
			if refreshFlag {
				e.drainEvents()
				if err := e.rt.RefreshFolder(ctx, folderFlag); err != nil {
					return fmt.Errorf("failed to refresh %s: %w", folderFlag, err)
				}
				if _, err := e.waitIdle(ctx); err != nil {
					return err
				}
				view = e.rt.Session.View()
			}
			msgs := view.Messages
			if threadsFlag {
				threads := domain.GroupThreads(msgs)
				if limitFlag > 0 && len(threads) > limitFlag {
					threads = threads[:limitFlag]
				}
				if jsonFlag {
					return printJSON(toJSONThreads(threads))
				}
				if len(threads) == 0 {
					fmt.Println("No messages found. Run 'mailcore sync' first.")
					return nil
				}
				return printThreadTable(threads)
			}
			if limitFlag > 0 && len(msgs) > limitFlag {
				msgs = msgs[:limitFlag]
			}

			if jsonFlag {
				return printJSON(toJSONMessages(msgs))
			}
			if len(msgs) == 0 {
				fmt.Println("No messages found. Run 'mailcore sync' first.")
				return nil
			}
			return printMessageTable(msgs)
		},
	}

	cmd.Flags().StringVar(&folderFlag, "folder", "INBOX", "folder to list")
	cmd.Flags().IntVar(&limitFlag, "limit", 25, "max messages to show")
	cmd.Flags().BoolVar(&threadsFlag, "threads", false, "group messages into conversations")
	cmd.Flags().BoolVar(&refreshFlag, "refresh", false, "fetch the newest page from the server before listing")
	return cmd
}

func newReadCmd() *cobra.Command {
	var fetchFlag bool

	cmd := &cobra.Command{
		Use:   "read <message-id>",
		Short: "Show a cached message",
		Long:  "Display a message and its body from the cache, fetching the body when it is missing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			id := args[0]
			var msg domain.Message
			ok, err := e.rt.Store.Get(ctx, store.TableMessages, e.account.ID, id, &msg)
			if err != nil {
				return fmt.Errorf("failed to get message %s: %w", id, err)
			}
			if !ok {
				return fmt.Errorf("message not found: %s", id)
			}

			var body domain.MessageBody
			ok, err = e.rt.Store.Get(ctx, store.TableBodies, e.account.ID, id, &body)
			if err != nil {
				return fmt.Errorf("failed to get body of %s: %w", id, err)
			}
			if !ok && fetchFlag {
				e.drainEvents()
				if _, err := e.rt.Sync.Enqueue(ctx, mailsync.Task{Type: mailsync.TaskBodies, Folder: msg.Folder, IDs: []string{id}}); err != nil {
					return fmt.Errorf("failed to queue body fetch: %w", err)
				}
				if _, err := e.waitIdle(ctx); err != nil {
					return err
				}
				if ok, err = e.rt.Store.Get(ctx, store.TableBodies, e.account.ID, id, &body); err != nil {
					return fmt.Errorf("failed to get body of %s: %w", id, err)
				}
			}

			out := toJSONMessage(msg)
			if ok {
				out.Body = bodyText(body)
			}
			if jsonFlag {
				return printJSON(out)
			}
			fmt.Printf("From:    %s\n", msg.From)
			if len(msg.To) > 0 {
				fmt.Printf("To:      %s\n", joinAddresses(msg.To))
			}
			fmt.Printf("Subject: %s\n", msg.Subject)
			fmt.Printf("Date:    %s\n", msg.Date().Local().Format("Mon, Jan 2, 2006 at 3:04 PM"))
			fmt.Printf("Folder:  %s\n\n", msg.Folder)
			if !ok {
				fmt.Println("(body not cached; use --fetch to download it)")
				return nil
			}
			fmt.Println(out.Body)
			for _, a := range body.Attachments {
				fmt.Printf("[attachment] %s (%s, %s)\n", a.Filename, a.MIMEType, humanBytes(a.Size))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fetchFlag, "fetch", true, "download the body when it is not cached")
	return cmd
}

func newFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders",
		Short: "List cached folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			folders := e.rt.Session.Folders()
			slices.SortFunc(folders, func(a, b domain.Folder) int { return strings.Compare(a.Path, b.Path) })
			if jsonFlag {
				return printJSON(toJSONFolders(folders))
			}
			if len(folders) == 0 {
				fmt.Println("No folders found. Run 'mailcore sync' first.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tNAME\tUSE\tUNREAD\tTOTAL")
			for _, f := range folders {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", f.Path, f.Name, f.SpecialUse, f.UnreadCount, f.TotalCount)
			}
			return w.Flush()
		},
	}
}

func newSearchCmd() *cobra.Command {
	var limitFlag, offsetFlag int
	var fullFlag bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search cached messages",
		Long: `Search cached messages. Works offline.

Free text matches subject, sender, recipients and snippet (and bodies with
--full). Field filters: from:, to:, cc:, subject:, in:, label:, is:unread,
is:read, is:starred, has:attachment, before:YYYY-MM-DD, after:YYYY-MM-DD,
size:, larger:, smaller: (e.g. larger:1MB). Combine with AND, OR, NOT and
parentheses; quote phrases with double quotes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			mode := search.ModeHeaders
			if fullFlag {
				if !e.cfg.Search.IncludeBodies {
					return errors.New("body search is disabled; set search.include_bodies = true")
				}
				mode = search.ModeFull
			}
			res, err := e.rt.Search.Search(ctx, search.Params{
				Account: e.account.ID,
				Mode:    mode,
				Query:   args[0],
				Limit:   limitFlag,
				Offset:  offsetFlag,
			})
			if err != nil {
				return fmt.Errorf("failed to search: %w", err)
			}

			if jsonFlag {
				return printJSON(jsonSearch{Total: res.Total, Strategy: res.Strategy, Messages: toJSONMessages(res.Messages)})
			}
			if len(res.Messages) == 0 {
				fmt.Println("No results found.")
				return nil
			}
			fmt.Printf("%d result(s)\n", res.Total)
			return printMessageTable(res.Messages)
		},
	}

	cmd.Flags().IntVar(&limitFlag, "limit", 25, "max results to show")
	cmd.Flags().IntVar(&offsetFlag, "offset", 0, "results to skip")
	cmd.Flags().BoolVar(&fullFlag, "full", false, "search message bodies too")
	return cmd
}

func newIndexCmd() *cobra.Command {
	var repairFlag, rebuildFlag bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Check search index health",
		Long:  "Compare each search index with the message cache and optionally repair or rebuild it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			modes := []search.Mode{search.ModeHeaders}
			if e.cfg.Search.IncludeBodies {
				modes = append(modes, search.ModeFull)
			}
			var out []jsonIndex
			for _, mode := range modes {
				switch {
				case rebuildFlag:
					if _, err := e.rt.Search.Rebuild(ctx, e.account.ID, mode); err != nil {
						return fmt.Errorf("failed to rebuild %s index: %w", mode, err)
					}
				case repairFlag:
					if _, err := e.rt.Search.SyncMissing(ctx, e.account.ID, mode); err != nil {
						return fmt.Errorf("failed to repair %s index: %w", mode, err)
					}
				}
				h, err := e.rt.Search.Health(ctx, e.account.ID, mode)
				if err != nil {
					return fmt.Errorf("failed to check %s index: %w", mode, err)
				}
				st, err := e.rt.Search.Stats(ctx, e.account.ID, mode)
				if err != nil {
					return fmt.Errorf("failed to read %s index stats: %w", mode, err)
				}
				out = append(out, jsonIndex{Mode: string(mode), Health: h, Terms: st.Terms})
			}

			if jsonFlag {
				return printJSON(out)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODE\tHEALTHY\tMESSAGES\tINDEXED\tTERMS\tACTION")
			for _, ix := range out {
				fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\t%s\n",
					ix.Mode, ix.Health.Healthy, ix.Health.MessagesCount, ix.Health.IndexCount, ix.Terms, indexAction(ix.Health))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&repairFlag, "repair", false, "index missing messages and drop stale entries")
	cmd.Flags().BoolVar(&rebuildFlag, "rebuild", false, "rebuild every index from scratch")
	return cmd
}

func indexAction(h search.Health) string {
	switch {
	case h.NeedsRebuild:
		return "rebuild"
	case h.NeedsIncrementalSync:
		return "repair"
	default:
		return "-"
	}
}

func printMessageTable(msgs []domain.Message) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNREAD\tFROM\tSUBJECT\tDATE\tID")
	for _, m := range msgs {
		unread := " "
		if m.IsUnread {
			unread = "*"
		}
		if m.IsStarred {
			unread += "+"
		}
		from := m.From.Name
		if from == "" {
			from = m.From.Email
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			unread,
			truncate(from, 30),
			truncate(m.Subject, 50),
			m.Date().Local().Format("Jan 2, 2006"),
			m.ID,
		)
	}
	return w.Flush()
}

func printThreadTable(threads []domain.Thread) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNREAD\tFROM\tSUBJECT\tCOUNT\tDATE\tID")
	for i := range threads {
		t := &threads[i]
		unread := " "
		if t.IsUnread() {
			unread = "*"
		}
		from := t.FromAddress.Name
		if from == "" {
			from = t.FromAddress.Email
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			unread,
			truncate(from, 30),
			truncate(t.Subject, 50),
			t.MessageCount(),
			time.Unix(t.LastDate, 0).Local().Format("Jan 2, 2006"),
			t.ID,
		)
	}
	return w.Flush()
}
