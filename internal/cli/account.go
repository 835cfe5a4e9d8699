package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider/gmail"
	"github.com/lu-zhengda/mailcore/internal/store"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage account credentials",
		Long:  "Accounts are declared under [accounts] in the config file; these commands manage their credentials in the OS keyring.",
	}
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountLoginCmd())
	cmd.AddCommand(newAccountLogoutCmd())
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tokens := store.NewKeyringTokenStore()
			accounts := cfg.Accounts.List
			out := make([]jsonAccount, 0, len(accounts))
			for _, a := range accounts {
				out = append(out, toJSONAccount(a, a.ID == cfg.Accounts.Default, store.HasToken(tokens, a.ID)))
			}

			if jsonFlag {
				return printJSON(out)
			}
			if len(out) == 0 {
				fmt.Println("No accounts configured. Add one under [accounts] in the config file.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tPROVIDER\tDEFAULT\tCREDENTIALS")
			for _, a := range out {
				def := ""
				if a.Default {
					def = "*"
				}
				creds := "-"
				if a.HasToken {
					creds = "keyring"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Email, a.Provider, def, creds)
			}
			return w.Flush()
		},
	}
}

func newAccountLoginCmd() *cobra.Command {
	var tokenFlag string

	cmd := &cobra.Command{
		Use:   "login <account-id>",
		Short: "Store credentials for an account",
		Long:  "Run the Gmail OAuth flow for gmail accounts, or store a bearer token (--token, '-' for stdin) for HTTP accounts.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			acc, ok := cfg.Account(args[0])
			if !ok {
				acc = domain.Account{ID: args[0], Provider: cfg.Remote.Kind}
			}
			tokens := store.NewKeyringTokenStore()

			if acc.Provider == "gmail" && tokenFlag == "" {
				if err := resolveGmailCredentials(cfg); err != nil {
					return err
				}
				if !jsonFlag {
					fmt.Println("Starting Gmail OAuth flow...")
				}
				if err := gmail.Authenticate(cmd.Context(), acc.ID, tokens); err != nil {
					return err
				}
			} else {
				raw, err := readBody(tokenFlag)
				if err != nil {
					return err
				}
				raw = strings.TrimSpace(raw)
				if raw == "" {
					return errors.New("--token is required for non-gmail accounts")
				}
				if err := tokens.SaveToken(acc.ID, &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}); err != nil {
					return err
				}
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "login", AccountID: acc.ID})
			}
			fmt.Printf("Credentials stored for %s\n", acc.ID)
			if !ok {
				fmt.Fprintf(os.Stderr, "Note: %s is not listed under [accounts] in the config file.\n", acc.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tokenFlag, "token", "", "bearer token for HTTP accounts ('-' reads stdin)")
	return cmd
}

func newAccountLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <account-id>",
		Short: "Remove stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.NewKeyringTokenStore().DeleteToken(args[0]); err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "logout", AccountID: args[0]})
			}
			fmt.Printf("Credentials removed for %s\n", args[0])
			return nil
		},
	}
}
