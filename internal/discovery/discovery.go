// Package discovery scans the portal's listing scopes for new flats with a
// wanted room count and submits "add" requests for them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrScopeMissing is returned by a Listing when the expected selector or
// table is not rendered. The run treats it as an empty scope.
var ErrScopeMissing = errors.New("listing scope not rendered")

// ErrElementMissing is returned by Listing.Add when the row's add control is
// absent. The row is skipped and the scope carries on.
var ErrElementMissing = errors.New("listing element not rendered")

// Row is one rendered flat in a listing scope.
type Row struct {
	ID     string // row id, stable across page loads for the same flat
	Number string
	Floor  string
	Rooms  int
	URL    string
}

// Listing is the add-flat page of the portal.
type Listing interface {
	Open(ctx context.Context) error
	Scopes(ctx context.Context) ([]string, error)
	Rows(ctx context.Context, scope string) ([]Row, error)
	Add(ctx context.Context, scope string, row Row) error
}

// SeenStore is the novelty filter.
type SeenStore interface {
	IsNew(id string) bool
	MarkSeen(id string)
}

type Notifier interface {
	NotifyAdded(ctx context.Context, scope string, row Row) error
}

// Ledger records added flats somewhere durable for the user to review.
type Ledger interface {
	RecordAdded(ctx context.Context, scope string, row Row) error
}

// Delay pauses between two submissions.
type Delay func()

// NoDelay is used by tests.
func NoDelay() {}

// RandomDelay sleeps for a uniformly random duration in [0, maxDelay).
func RandomDelay(maxDelay time.Duration) Delay {
	if maxDelay <= 0 {
		return NoDelay
	}
	return func() {
		time.Sleep(time.Duration(rand.Int63n(int64(maxDelay))))
	}
}

// RoomFilter is the set of wanted room counts.
type RoomFilter map[int]struct{}

// ParseRooms parses a comma-separated list such as "1, 2,3".
func ParseRooms(list string) (RoomFilter, error) {
	filter := RoomFilter{}
	for _, raw := range strings.Split(list, ",") {
		part := strings.TrimSpace(raw)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid room count %q: %w", part, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid room count %q: must be positive", part)
		}
		filter[n] = struct{}{}
	}
	if len(filter) == 0 {
		return nil, errors.New("room filter is empty")
	}
	return filter, nil
}

func (f RoomFilter) Contains(rooms int) bool {
	_, ok := f[rooms]
	return ok
}

func (f RoomFilter) String() string {
	counts := make([]int, 0, len(f))
	for n := range f {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	parts := make([]string, len(counts))
	for i, n := range counts {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// ScopeResult summarises one scope.
type ScopeResult struct {
	Scope    string
	Rendered int
	Added    []Row
}

type Result struct {
	Scopes []ScopeResult
}

// Added returns the number of flats added across all scopes.
func (r Result) Added() int {
	n := 0
	for _, s := range r.Scopes {
		n += len(s.Added)
	}
	return n
}

type Runner struct {
	listing  Listing
	seen     SeenStore
	notifier Notifier
	ledger   Ledger
	rooms    RoomFilter
	delay    Delay
}

type Option func(*Runner)

func WithLedger(l Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

func WithDelay(d Delay) Option {
	return func(r *Runner) { r.delay = d }
}

func NewRunner(listing Listing, seen SeenStore, notifier Notifier, rooms RoomFilter, opts ...Option) *Runner {
	r := &Runner{
		listing:  listing,
		seen:     seen,
		notifier: notifier,
		rooms:    rooms,
		delay:    RandomDelay(3 * time.Second),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one pass over all scopes.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var res Result

	if err := r.listing.Open(ctx); err != nil {
		if errors.Is(err, ErrScopeMissing) {
			log.Warn().Err(err).Msg("Listing page has no program selector, nothing to scan")
			return res, nil
		}
		return res, fmt.Errorf("failed to open listing: %w", err)
	}

	scopes, err := r.listing.Scopes(ctx)
	if err != nil {
		if errors.Is(err, ErrScopeMissing) {
			log.Warn().Err(err).Msg("No listing scopes rendered")
			return res, nil
		}
		return res, fmt.Errorf("failed to list scopes: %w", err)
	}

	log.Debug().Int("scopes", len(scopes)).Str("rooms", r.rooms.String()).Msg("Scanning listing scopes")

	for _, scope := range scopes {
		sr, err := r.runScope(ctx, scope)
		if err != nil {
			return res, err
		}
		res.Scopes = append(res.Scopes, sr)
	}

	log.Info().
		Int("scopes", len(res.Scopes)).
		Int("added", res.Added()).
		Msg("Discovery pass complete")
	return res, nil
}

func (r *Runner) runScope(ctx context.Context, scope string) (ScopeResult, error) {
	sr := ScopeResult{Scope: scope}

	rows, err := r.listing.Rows(ctx, scope)
	if err != nil {
		if errors.Is(err, ErrScopeMissing) {
			log.Debug().Str("scope", scope).Msg("Scope not rendered, treating as empty")
			return sr, nil
		}
		return sr, fmt.Errorf("failed to read scope %q: %w", scope, err)
	}
	sr.Rendered = len(rows)

	var selected []Row
	for _, row := range rows {
		if r.rooms.Contains(row.Rooms) && r.seen.IsNew(row.ID) {
			selected = append(selected, row)
		}
	}

	log.Debug().
		Str("scope", scope).
		Int("rendered", len(rows)).
		Int("selected", len(selected)).
		Msg("Scanned scope")

	for _, row := range selected {
		if err := r.notifier.NotifyAdded(ctx, scope, row); err != nil {
			log.Warn().Err(err).Str("id", row.ID).Msg("Failed to send add notification")
		}

		if err := r.listing.Add(ctx, scope, row); err != nil {
			if errors.Is(err, ErrElementMissing) {
				log.Warn().Err(err).Str("scope", scope).Str("id", row.ID).Msg("Add control not rendered, skipping flat")
				continue
			}
			return sr, fmt.Errorf("failed to add flat %s in %q: %w", row.ID, scope, err)
		}
		sr.Added = append(sr.Added, row)

		log.Info().
			Str("scope", scope).
			Str("id", row.ID).
			Str("number", row.Number).
			Int("rooms", row.Rooms).
			Msg("Added flat")

		if r.ledger != nil {
			if err := r.ledger.RecordAdded(ctx, scope, row); err != nil {
				log.Warn().Err(err).Str("id", row.ID).Msg("Failed to record flat in ledger")
			}
		}

		r.delay()
	}

	for _, row := range rows {
		r.seen.MarkSeen(row.ID)
	}

	return sr, nil
}
