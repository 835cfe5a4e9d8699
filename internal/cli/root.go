package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lu-zhengda/mailcore/internal/app"
	"github.com/lu-zhengda/mailcore/internal/config"
	"github.com/lu-zhengda/mailcore/internal/domain"
	"github.com/lu-zhengda/mailcore/internal/provider/gmail"
	mailsync "github.com/lu-zhengda/mailcore/internal/sync"
)

var (
	// version is set via ldflags at build time.
	version = "dev"
	cfgFile string

	// jsonFlag enables JSON output for all commands.
	jsonFlag bool

	// accountFlag overrides the configured default account.
	accountFlag string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "mailcore",
		Short:   "Offline-first mail cache and sync engine",
		Long:    "Keeps a local mail cache in step with a remote mailbox and works on it while offline.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if shell, _ := cmd.Flags().GetString("generate-completion"); shell != "" {
				switch shell {
				case "bash":
					return cmd.Root().GenBashCompletion(os.Stdout)
				case "zsh":
					return cmd.Root().GenZshCompletion(os.Stdout)
				case "fish":
					return cmd.Root().GenFishCompletion(os.Stdout, true)
				default:
					return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", shell)
				}
			}
			return cmd.Help()
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("mailcore %s\n", version))
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().String("generate-completion", "", "Generate shell completion (bash, zsh, fish)")
	root.Flags().MarkHidden("generate-completion")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&accountFlag, "account", "", "account ID to use (defaults to config default or first account)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newAccountCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newFoldersCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newMarkReadCmd())
	root.AddCommand(newStarCmd())
	root.AddCommand(newLabelModifyCmd())
	root.AddCommand(newMoveCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newComposeCmd())
	root.AddCommand(newReplyCmd())
	root.AddCommand(newDraftsCmd())
	root.AddCommand(newFlushCmd())
	root.AddCommand(newQueueCmd())
	root.AddCommand(newOutboxCmd())
	root.AddCommand(newStoreCmd())
	root.AddCommand(newSettingsCmd())
	return root
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the application configuration from the config file.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(config.ConfigDir(), "config.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the [log] section. Logs go to
// stderr so --json output stays parseable.
func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level := cfg.Level
	if level == "" {
		level = "warn"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unsupported log format: %s (use text or json)", cfg.Format)
	}
	return logger, nil
}

// resolveAccount picks the account from the --account flag, the config
// default, or the first configured account.
func resolveAccount(cfg *config.Config) (domain.Account, error) {
	id := accountFlag
	if id == "" {
		id = cfg.Accounts.Default
	}
	if id == "" {
		if len(cfg.Accounts.List) == 0 {
			return domain.Account{}, errors.New("no accounts configured; add one under [accounts] in the config file")
		}
		return cfg.Accounts.List[0], nil
	}
	if acc, ok := cfg.Account(id); ok {
		return acc, nil
	}
	return domain.Account{ID: id, Email: id, Provider: cfg.Remote.Kind}, nil
}

// resolveGmailCredentials sets Gmail OAuth credentials using the first
// available source: config file, then environment variables.
func resolveGmailCredentials(cfg *config.Config) error {
	if cfg.Gmail.ClientID != "" && cfg.Gmail.ClientSecret != "" {
		gmail.SetCredentials(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret)
		return nil
	}
	clientID := os.Getenv("GMAIL_CLIENT_ID")
	clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if clientID != "" && clientSecret != "" {
		gmail.SetCredentials(clientID, clientSecret)
		return nil
	}
	return gmail.EnsureCredentials()
}

// engine is a started runtime bound to one account.
type engine struct {
	cfg     *config.Config
	logger  *logrus.Logger
	rt      *app.Runtime
	account domain.Account
	stop    func() error
}

// startEngine opens the store, starts every worker and activates the
// resolved account. with adjusts the runtime options before start.
func startEngine(ctx context.Context, with ...func(*app.Options)) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	acc, err := resolveAccount(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Remote.Kind == "gmail" || acc.Provider == "gmail" {
		if err := resolveGmailCredentials(cfg); err != nil {
			return nil, err
		}
		cfg.Remote.Kind = "gmail"
	}
	if cfg.Store.Path == "" {
		if err := os.MkdirAll(config.DataDir(), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	opts := app.Options{Config: cfg, Logger: logger}
	for _, fn := range with {
		fn(&opts)
	}
	rt, err := app.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, logger: logger, rt: rt, account: acc, stop: rt.Start(ctx)}
	if err := rt.SwitchAccount(ctx, acc); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *engine) close() {
	if err := e.stop(); err != nil {
		e.logger.WithError(err).Warn("Engine stopped with error")
	}
}

// drainEvents discards events that were emitted before the caller started
// waiting.
func (e *engine) drainEvents() {
	for {
		select {
		case <-e.rt.Events():
		default:
			return
		}
	}
}

// waitIdle blocks until the orchestrator has no work left. Progress is
// reported on stderr unless --json is set.
func (e *engine) waitIdle(ctx context.Context) (failed int, err error) {
	for {
		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		case ev := <-e.rt.Events():
			switch ev.Type {
			case mailsync.EventIdle:
				// An idle event from before the caller's schedule may still
				// be buffered; only trust the orchestrator's own view.
				st, err := e.rt.Sync.Status(ctx)
				if err != nil {
					return failed, err
				}
				if st.Running == nil && len(st.Queued) == 0 {
					return failed, nil
				}
			case mailsync.EventTaskError:
				failed++
				if !jsonFlag {
					fmt.Fprintf(os.Stderr, "  %s: %s\n", ev.Folder, ev.Error)
				}
			case mailsync.EventProgress:
				if !jsonFlag && ev.Target > 0 {
					fmt.Fprintf(os.Stderr, "  %s: %s %d/%d\n", ev.Folder, ev.Stage, ev.Fetched, ev.Target)
				}
			}
		}
	}
}

// flushQuietly pushes queued work to the server and reports what is still
// pending. Failures only mean the work stays queued.
func (e *engine) flushQuietly(ctx context.Context) int {
	if _, err := e.rt.Flush(ctx); err != nil {
		e.logger.WithError(err).Debug("Flush failed, changes stay queued")
	}
	n, err := e.rt.Queue.Count(ctx, e.account.ID)
	if err != nil {
		return 0
	}
	return n
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine in the foreground",
		Long:  "Sync every folder, then keep syncing, replaying queued changes and evicting cache until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx, func(o *app.Options) {
				o.OnRefresh = func(v app.View, applied bool) {
					if applied && !jsonFlag {
						fmt.Printf("view %s: %d message(s), %d unread\n", v.Folder, len(v.Messages), v.Unread)
					}
				}
			})
			if err != nil {
				return err
			}
			defer e.close()

			e.logger.WithField("account", e.account.ID).Info("Engine running")
			if err := e.rt.SyncAll(ctx, mailsync.ScheduleParams{Refresh: true}); err != nil {
				return fmt.Errorf("failed to schedule sync: %w", err)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-e.rt.Events():
					if jsonFlag {
						if err := printJSON(ev); err != nil {
							return err
						}
						continue
					}
					switch {
					case ev.Error != "":
						fmt.Printf("%s %s: %s\n", ev.Type, ev.Folder, ev.Error)
					case ev.Type == mailsync.EventProgress:
						fmt.Printf("%s %s: %s %d/%d\n", ev.Type, ev.Folder, ev.Stage, ev.Fetched, ev.Target)
					default:
						fmt.Printf("%s %s\n", ev.Type, ev.Folder)
					}
				}
			}
		},
	}
}
