package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider"
	"github.com/lu-zhengda/mailcore/internal/store"
)

// mutationCmd builds a command that applies one optimistic change to each
// message id and then tries to push the queue. The first lead arguments
// are not message ids.
func mutationCmd(use, short, action string, lead int, apply func(cmd *cobra.Command, e *engine, id string) (domain.MutationEntry, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(lead + 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			var ids []string
			for _, id := range args[lead:] {
				if _, err := apply(cmd, e, id); err != nil {
					return fmt.Errorf("failed to %s %s: %w", action, id, err)
				}
				ids = append(ids, id)
			}
			pending := e.flushQuietly(ctx)

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: action, MessageIDs: ids, AccountID: e.account.ID, Pending: pending})
			}
			fmt.Printf("%s: %s\n", action, strings.Join(ids, ", "))
			if pending > 0 {
				fmt.Printf("%d change(s) queued until the server is reachable.\n", pending)
			}
			return nil
		},
	}
}

func newMarkReadCmd() *cobra.Command {
	cmd := mutationCmd("mark-read <message-id>...", "Mark messages as read or unread", "mark-read", 0,
		func(cmd *cobra.Command, e *engine, id string) (domain.MutationEntry, error) {
			unread, _ := cmd.Flags().GetBool("unread")
			return e.rt.Actions.MarkRead(cmd.Context(), id, !unread)
		})
	cmd.Flags().Bool("unread", false, "mark as unread instead")
	return cmd
}

func newStarCmd() *cobra.Command {
	cmd := mutationCmd("star <message-id>...", "Star or unstar messages", "star", 0,
		func(cmd *cobra.Command, e *engine, id string) (domain.MutationEntry, error) {
			remove, _ := cmd.Flags().GetBool("remove")
			return e.rt.Actions.Star(cmd.Context(), id, !remove)
		})
	cmd.Flags().Bool("remove", false, "remove the star instead")
	return cmd
}

func newLabelModifyCmd() *cobra.Command {
	cmd := mutationCmd("label <message-id>...", "Add or remove labels", "label", 0,
		func(cmd *cobra.Command, e *engine, id string) (domain.MutationEntry, error) {
			add, _ := cmd.Flags().GetString("add")
			remove, _ := cmd.Flags().GetString("remove")
			return e.rt.Actions.Label(cmd.Context(), id, splitTrim(add), splitTrim(remove))
		})
	cmd.Flags().String("add", "", "labels to add (comma-separated)")
	cmd.Flags().String("remove", "", "labels to remove (comma-separated)")
	return cmd
}

func newMoveCmd() *cobra.Command {
	return mutationCmd("move <folder> <message-id>...", "Move messages to a folder", "move", 1,
		func(cmd *cobra.Command, e *engine, id string) (domain.MutationEntry, error) {
			return e.rt.Actions.Move(cmd.Context(), id, cmd.Flags().Arg(0))
		})
}

func newDeleteCmd() *cobra.Command {
	return mutationCmd("delete <message-id>...", "Delete messages", "delete", 0,
		func(cmd *cobra.Command, e *engine, id string) (domain.MutationEntry, error) {
			return e.rt.Actions.Delete(cmd.Context(), id)
		})
}

func newComposeCmd() *cobra.Command {
	var toFlag, ccFlag, bccFlag, subjectFlag, bodyFlag string
	var attachFlags []string

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose and send a new email",
		Long:  "Queue a new email in the outbox. It is sent right away when online and retried later otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if toFlag == "" {
				return fmt.Errorf("--to is required")
			}
			if subjectFlag == "" {
				return fmt.Errorf("--subject is required")
			}
			body, err := readBody(bodyFlag)
			if err != nil {
				return err
			}
			to, err := parseAddrList(toFlag)
			if err != nil {
				return err
			}
			cc, err := parseAddrList(ccFlag)
			if err != nil {
				return err
			}
			bcc, err := parseAddrList(bccFlag)
			if err != nil {
				return err
			}
			attachments, err := loadAttachments(attachFlags)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			msg := domain.OutgoingMessage{
				From:        domain.Address{Name: e.account.DisplayName, Email: e.account.Email},
				To:          to,
				CC:          cc,
				BCC:         bcc,
				Subject:     subjectFlag,
				Body:        body,
				Attachments: attachments,
			}
			return send(cmd, e, msg)
		},
	}

	cmd.Flags().StringVar(&toFlag, "to", "", "recipient email addresses (comma-separated)")
	cmd.Flags().StringVar(&ccFlag, "cc", "", "CC email addresses (comma-separated)")
	cmd.Flags().StringVar(&bccFlag, "bcc", "", "BCC email addresses (comma-separated)")
	cmd.Flags().StringVar(&subjectFlag, "subject", "", "email subject")
	cmd.Flags().StringVar(&bodyFlag, "body", "", "email body (use '-' to read from stdin)")
	cmd.Flags().StringArrayVar(&attachFlags, "attach", nil, "file to attach (repeatable)")
	return cmd
}

func newReplyCmd() *cobra.Command {
	var bodyFlag string
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "reply <message-id>",
		Short: "Reply to a cached email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(bodyFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			var original domain.Message
			ok, err := e.rt.Store.Get(ctx, store.TableMessages, e.account.ID, args[0], &original)
			if err != nil {
				return fmt.Errorf("failed to get email %s: %w", args[0], err)
			}
			if !ok {
				return fmt.Errorf("message not found: %s", args[0])
			}
			var quoted domain.MessageBody
			if _, err := e.rt.Store.Get(ctx, store.TableBodies, e.account.ID, args[0], &quoted); err != nil {
				return fmt.Errorf("failed to get body of %s: %w", args[0], err)
			}

			reply := domain.OutgoingMessage{
				From:      domain.Address{Name: e.account.DisplayName, Email: e.account.Email},
				To:        []domain.Address{original.From},
				Subject:   prefixSubject("Re: ", original.Subject),
				Body:      body + "\n\n" + formatQuote(original, bodyText(quoted)),
				InReplyTo: original.ID,
			}
			if allFlag {
				for _, addr := range append(append([]domain.Address(nil), original.To...), original.CC...) {
					if !strings.EqualFold(addr.Email, e.account.Email) {
						reply.CC = append(reply.CC, addr)
					}
				}
			}
			return send(cmd, e, reply)
		},
	}

	cmd.Flags().StringVar(&bodyFlag, "body", "", "reply body (use '-' to read from stdin)")
	cmd.Flags().BoolVar(&allFlag, "all", false, "reply to all recipients")
	return cmd
}

func send(cmd *cobra.Command, e *engine, msg domain.OutgoingMessage) error {
	ctx := cmd.Context()
	item, err := e.rt.Actions.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to queue email: %w", err)
	}
	e.flushQuietly(ctx)
	items, err := e.rt.Outbox.List(ctx, e.account.ID)
	if err != nil {
		return err
	}
	sent := true
	for _, it := range items {
		if it.ID == item.ID {
			sent = false
		}
	}

	if jsonFlag {
		return printJSON(jsonAction{OK: true, Action: "send", MessageID: item.ID, AccountID: e.account.ID, Queued: !sent})
	}
	if sent {
		fmt.Println("Email sent.")
	} else {
		fmt.Printf("Email queued in the outbox (%s).\n", item.ID)
	}
	return nil
}

func newDraftsCmd() *cobra.Command {
	var saveFlag bool
	var idFlag, toFlag, subjectFlag, bodyFlag string

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List or save local drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if saveFlag {
				body, err := readBody(bodyFlag)
				if err != nil {
					return err
				}
				to, err := parseAddrList(toFlag)
				if err != nil {
					return err
				}
				id := idFlag
				if id == "" {
					id = uuid.NewString()
				}
				if err := e.rt.Actions.SaveDraft(ctx, domain.Draft{ID: id, To: to, Subject: subjectFlag, Body: body}); err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(jsonAction{OK: true, Action: "save-draft", MessageID: id, AccountID: e.account.ID})
				}
				fmt.Printf("Draft saved: %s\n", id)
				return nil
			}

			drafts, err := e.rt.Actions.Drafts(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(drafts)
			}
			if len(drafts) == 0 {
				fmt.Println("No drafts.")
				return nil
			}
			for _, d := range drafts {
				fmt.Printf("%s\t%s\t%s\n", d.ID, truncate(d.Subject, 50), time.UnixMilli(d.UpdatedAt).Local().Format("Jan 2 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&saveFlag, "save", false, "save a draft instead of listing")
	cmd.Flags().StringVar(&idFlag, "id", "", "draft id to overwrite (new draft when empty)")
	cmd.Flags().StringVar(&toFlag, "to", "", "recipient email addresses (comma-separated)")
	cmd.Flags().StringVar(&subjectFlag, "subject", "", "draft subject")
	cmd.Flags().StringVar(&bodyFlag, "body", "", "draft body (use '-' to read from stdin)")
	return cmd
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay queued changes and send the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.rt.Flush(ctx)
			if errors.Is(err, provider.ErrOffline) {
				if !jsonFlag {
					fmt.Fprintln(os.Stderr, "Server unreachable; changes stay queued.")
				}
			} else if err != nil {
				return fmt.Errorf("failed to flush: %w", err)
			}
			if jsonFlag {
				return printJSON(res)
			}
			fmt.Printf("Replayed %d change(s), %d parked, %d remaining.\n", res.Mutations.Replayed, res.Mutations.Parked, res.Mutations.Remaining)
			fmt.Printf("Sent %d email(s), %d deferred, %d failed.\n", res.Outbox.Sent, res.Outbox.Deferred, res.Outbox.Failed)
			return nil
		},
	}
}

func readBody(flag string) (string, error) {
	if flag != "-" {
		return flag, nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read body from stdin: %w", err)
	}
	return string(b), nil
}

// loadAttachments reads each file. The outbox sniffs the content types.
func loadAttachments(paths []string) ([]domain.OutgoingAttachment, error) {
	var out []domain.OutgoingAttachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		out = append(out, domain.OutgoingAttachment{Filename: filepath.Base(p), Data: data})
	}
	return out, nil
}

// parseAddrList parses a comma-separated list of addresses. Display names
// and encoded words are accepted.
func parseAddrList(s string) ([]domain.Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, fmt.Errorf("invalid address list %q: %w", s, err)
	}
	addrs := make([]domain.Address, len(list))
	for i, a := range list {
		addrs[i] = domain.Address{Name: a.Name, Email: a.Address}
	}
	return addrs, nil
}

// splitTrim splits by comma and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// prefixSubject adds a prefix if not already present.
func prefixSubject(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}

// formatQuote formats a message for quoting in a reply.
func formatQuote(m domain.Message, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "On %s, %s wrote:\n", m.Date().Local().Format("Mon, Jan 2, 2006 at 3:04 PM"), m.From)
	if body == "" {
		body = m.Snippet
	}
	for _, line := range strings.Split(body, "\n") {
		fmt.Fprintf(&b, "> %s\n", line)
	}
	return b.String()
}
