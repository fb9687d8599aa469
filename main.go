package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"gilfond_flats/internal/app"
	"gilfond_flats/internal/bot"
	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/notifications"
	"gilfond_flats/internal/session"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	app.SetupEnvironment()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gilfond-flats",
		Short:         "Adds newly listed flats on the housing portal and orders request priorities",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), configPath, 0)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newRunCmd(&configPath), newSeenCmd(&configPath), newSessionCmd(&configPath))
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pass, or one pass per --interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), *configPath, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the run on this interval (0 runs once)")
	return cmd
}

func loadConfig(path string) (app.Config, error) {
	cfg, err := app.LoadConfig(path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return cfg, err
	}
	return cfg, nil
}

func runBot(ctx context.Context, configPath string, interval time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return err
	}

	notifier := initializeNotificationClient(cfg)
	ledger, err := initializeLedger(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Continuing without sheets ledger")
		ledger = nil
	}

	if interval <= 0 {
		return runOnce(ctx, cfg, notifier, ledger)
	}

	log.Info().Dur("interval", interval).Msg("Starting flat monitor. Running immediately and then on every tick...")

	runOnce(ctx, cfg, notifier, ledger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case <-ticker.C:
			runOnce(ctx, cfg, notifier, ledger)
		}
	}
}

// reportable is false for runs cut short by shutdown.
func reportable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// runOnce performs one isolated run. A failure is reported through the
// notifier and returned; it is never retried here.
func runOnce(ctx context.Context, cfg app.Config, notifier *notifications.Client, ledger discovery.Ledger) (err error) {
	defer func() {
		if !reportable(err) {
			return
		}
		if nerr := notifier.NotifyFailure(context.WithoutCancel(ctx), err); nerr != nil {
			log.Error().Err(nerr).Msg("Failed to send failure notification")
		}
	}()

	store, err := openSeenStore(ctx, cfg)
	if err != nil {
		return errors.WithStack(err)
	}
	defer store.Close()

	p, err := launchPortal(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to launch browser")
		return errors.WithStack(err)
	}
	defer p.Close()

	rooms, err := cfg.RoomFilter()
	if err != nil {
		return errors.WithStack(err)
	}

	b := bot.New(bot.Config{
		Credentials: session.Credentials{CaseNumber: cfg.CaseNumber, Password: cfg.Password},
		Rooms:       rooms,
		MaxRounds:   cfg.MaxRounds,
	}, bot.Deps{
		Portal:   p,
		Requests: p.Requests(),
		Seen:     store,
		Session:  session.NewCache(cfg.SessionPath()),
		Notifier: notifier,
		Ledger:   ledger,
		Delay:    discovery.RandomDelay(cfg.MaxDelay),
	})

	_, err = b.Run(ctx)
	return err
}

func newSeenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "Inspect or prune the seen-flats store",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List seen flats, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := openSeenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			store.Load(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAST SEEN\tNEW")
			for _, e := range store.Entries() {
				fmt.Fprintf(w, "%s\t%s\t%t\n", e.ID, e.LastSeen.Format(time.RFC3339), store.IsNew(e.ID))
			}
			return w.Flush()
		},
	}

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop flats last seen before --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = cfg.SeenTTL
			}
			if olderThan <= 0 {
				return errors.New("--older-than must be positive when no seen TTL is configured")
			}

			store, err := openSeenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			store.Load(cmd.Context())

			removed := store.Prune(time.Now().Add(-olderThan))
			if err := store.Persist(cmd.Context()); err != nil {
				return err
			}

			log.Info().Int("removed", removed).Int("remaining", store.Len()).Msg("Pruned seen store")
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (defaults to the seen TTL)")

	cmd.AddCommand(list, prune)
	return cmd
}

func newSessionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the cached portal session",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget the cached session so the next run logs in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cache := session.NewCache(cfg.SessionPath())
			if err := cache.Clear(); err != nil {
				return err
			}
			log.Info().Str("path", cache.Path()).Msg("Session cleared")
			return nil
		},
	})
	return cmd
}
