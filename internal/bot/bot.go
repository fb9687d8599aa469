// Package bot runs one unattended pass against the portal: restore the
// session, log in if needed, add new matching flats, then reconcile request
// priorities.
package bot

import (
	"context"
	"time"

	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/priority"
	"gilfond_flats/internal/session"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Portal is the browsing context a run drives.
type Portal interface {
	session.Browser
	discovery.Listing
	CaptureDiagnostics(ctx context.Context, name string) error
	RequestsURL() string
}

// SeenStore is loaded at the start of a run and persisted at its end.
type SeenStore interface {
	discovery.SeenStore
	Load(ctx context.Context)
	Persist(ctx context.Context) error
}

type Notifier interface {
	discovery.Notifier
	NotifySummary(ctx context.Context, added int, requestsURL string) error
}

type Config struct {
	Credentials session.Credentials
	Rooms       discovery.RoomFilter
	MaxRounds   int
}

// Deps are the collaborators of a single run. Ledger and Delay are optional.
type Deps struct {
	Portal   Portal
	Requests priority.Page
	Seen     SeenStore
	Session  *session.Cache
	Notifier Notifier
	Ledger   discovery.Ledger
	Delay    discovery.Delay
}

type Result struct {
	RunID     string
	LoggedIn  bool
	Discovery discovery.Result
	Priority  priority.Result
}

type Bot struct {
	cfg    Config
	deps   Deps
	runID  string
	logger zerolog.Logger
}

// finishTimeout bounds the cleanup work done after the run context is gone.
const finishTimeout = 30 * time.Second

func New(cfg Config, deps Deps) *Bot {
	id := uuid.NewString()
	return &Bot{
		cfg:    cfg,
		deps:   deps,
		runID:  id,
		logger: log.With().Str("run_id", id).Logger(),
	}
}

func (b *Bot) RunID() string {
	return b.runID
}

// Run performs one pass. The session blob and the seen store are saved on
// every exit path, and a failed run leaves failure diagnostics behind.
func (b *Bot) Run(ctx context.Context) (res Result, err error) {
	res.RunID = b.runID
	start := time.Now()
	b.logger.Info().Str("rooms", b.cfg.Rooms.String()).Msg("Run started")

	b.deps.Seen.Load(ctx)

	defer func() {
		b.finish(ctx, err)
		if err == nil {
			b.logger.Info().
				Int("added", res.Discovery.Added()).
				Int("priority_rounds", res.Priority.Rounds).
				Dur("duration", time.Since(start)).
				Msg("Run finished")
		}
	}()

	blob := b.deps.Session.Load()
	if err := b.deps.Session.Apply(ctx, blob, b.deps.Portal); err != nil {
		return res, errors.WithStack(err)
	}

	loggedIn, err := b.deps.Session.EnsureLogin(ctx, b.deps.Portal, b.cfg.Credentials)
	res.LoggedIn = loggedIn
	if err != nil {
		return res, errors.Wrap(err, "session")
	}

	res.Discovery, err = b.discover(ctx)
	b.capture(ctx, "add_flats")
	if err != nil {
		return res, errors.Wrap(err, "add flats")
	}

	res.Priority, err = priority.NewReconciler(b.deps.Requests, b.cfg.MaxRounds).Reconcile(ctx)
	b.capture(ctx, "set_priorities")
	if err != nil {
		return res, errors.Wrap(err, "set priorities")
	}

	return res, nil
}

func (b *Bot) discover(ctx context.Context) (discovery.Result, error) {
	opts := []discovery.Option{}
	if b.deps.Ledger != nil {
		opts = append(opts, discovery.WithLedger(b.deps.Ledger))
	}
	if b.deps.Delay != nil {
		opts = append(opts, discovery.WithDelay(b.deps.Delay))
	}

	runner := discovery.NewRunner(b.deps.Portal, b.deps.Seen, b.deps.Notifier, b.cfg.Rooms, opts...)
	res, err := runner.Run(ctx)
	if err != nil {
		return res, err
	}

	if added := res.Added(); added > 0 {
		if err := b.deps.Notifier.NotifySummary(ctx, added, b.deps.Portal.RequestsURL()); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to send run summary")
		}
	}
	return res, nil
}

func (b *Bot) capture(ctx context.Context, name string) {
	if err := b.deps.Portal.CaptureDiagnostics(ctx, name); err != nil {
		b.logger.Warn().Err(err).Str("stage", name).Msg("Failed to capture diagnostics")
	}
}

// finish runs on a context detached from cancellation so an interrupted run
// still saves its state.
func (b *Bot) finish(ctx context.Context, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if runErr != nil {
		b.logger.Error().Stack().Err(runErr).Msg("Run failed")
		b.capture(ctx, "failure")
	}

	if blob, err := b.deps.Session.Capture(ctx, b.deps.Portal); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to capture session")
	} else if err := b.deps.Session.Save(blob); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to save session")
	}

	if err := b.deps.Seen.Persist(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to persist seen flats")
	}
}
