package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gilfond_flats/internal/seen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addCall struct {
	scope string
	id    string
}

type fakeListing struct {
	scopes    []string
	scopesErr error
	rows      map[string][]Row
	rowsErr   map[string]error
	addErr    error
	addErrs   map[string]error
	added     []addCall
	events    *[]string
}

func (l *fakeListing) Open(context.Context) error { return nil }

func (l *fakeListing) Scopes(context.Context) ([]string, error) {
	return l.scopes, l.scopesErr
}

func (l *fakeListing) Rows(_ context.Context, scope string) ([]Row, error) {
	if err := l.rowsErr[scope]; err != nil {
		return nil, err
	}
	return l.rows[scope], nil
}

func (l *fakeListing) Add(_ context.Context, scope string, row Row) error {
	if l.addErr != nil {
		return l.addErr
	}
	if err := l.addErrs[row.ID]; err != nil {
		return err
	}
	l.added = append(l.added, addCall{scope: scope, id: row.ID})
	if l.events != nil {
		*l.events = append(*l.events, "add:"+row.ID)
	}
	return nil
}

type fakeNotifier struct {
	ids    []string
	err    error
	events *[]string
}

func (n *fakeNotifier) NotifyAdded(_ context.Context, _ string, row Row) error {
	n.ids = append(n.ids, row.ID)
	if n.events != nil {
		*n.events = append(*n.events, "notify:"+row.ID)
	}
	return n.err
}

type fakeLedger struct{ ids []string }

func (l *fakeLedger) RecordAdded(_ context.Context, _ string, row Row) error {
	l.ids = append(l.ids, row.ID)
	return errors.New("sheet unavailable")
}

type memBackend struct{ items map[string]time.Time }

func (m *memBackend) LoadAll(context.Context) (map[string]time.Time, error) { return m.items, nil }
func (m *memBackend) ReplaceAll(_ context.Context, items map[string]time.Time) error {
	m.items = items
	return nil
}
func (m *memBackend) Close() error { return nil }

func newSeen(t *testing.T) *seen.Store {
	t.Helper()
	s := seen.NewStore(&memBackend{}, 24*time.Hour)
	s.Load(context.Background())
	return s
}

func houseRows() []Row {
	return []Row{
		{ID: "tr_1", Number: "12", Rooms: 1, URL: "https://mail.gilfondrt.ru/flat/1"},
		{ID: "tr_2", Number: "14", Rooms: 2, URL: "https://mail.gilfondrt.ru/flat/2"},
		{ID: "tr_4", Number: "20", Rooms: 4, URL: "https://mail.gilfondrt.ru/flat/4"},
	}
}

func TestRunSelectsWantedNewRows(t *testing.T) {
	var events []string
	listing := &fakeListing{
		scopes: []string{"House 1"},
		rows:   map[string][]Row{"House 1": houseRows()},
		events: &events,
	}
	notifier := &fakeNotifier{events: &events}
	store := newSeen(t)
	rooms, err := ParseRooms("1,2")
	require.NoError(t, err)

	delays := 0
	runner := NewRunner(listing, store, notifier, rooms, WithDelay(func() { delays++ }))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Added())
	assert.Equal(t, []addCall{{"House 1", "tr_1"}, {"House 1", "tr_2"}}, listing.added)
	assert.Equal(t, []string{"tr_1", "tr_2"}, notifier.ids)
	assert.Equal(t, []string{"notify:tr_1", "add:tr_1", "notify:tr_2", "add:tr_2"}, events)
	assert.Equal(t, 2, delays)

	for _, id := range []string{"tr_1", "tr_2", "tr_4"} {
		assert.False(t, store.IsNew(id), "%s should be marked seen", id)
	}
}

func TestRerunWithinTTLDoesNothing(t *testing.T) {
	listing := &fakeListing{
		scopes: []string{"House 1"},
		rows:   map[string][]Row{"House 1": houseRows()},
	}
	notifier := &fakeNotifier{}
	store := newSeen(t)
	rooms, _ := ParseRooms("1,2")
	runner := NewRunner(listing, store, notifier, rooms, WithDelay(NoDelay))

	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	listing.added = nil
	notifier.ids = nil

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Added())
	assert.Empty(t, listing.added)
	assert.Empty(t, notifier.ids)
}

func TestNonMatchingRowsAreMarkedSeen(t *testing.T) {
	listing := &fakeListing{
		scopes: []string{"House 1"},
		rows:   map[string][]Row{"House 1": houseRows()},
	}
	store := newSeen(t)
	rooms, _ := ParseRooms("3")
	runner := NewRunner(listing, store, &fakeNotifier{}, rooms, WithDelay(NoDelay))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Added())
	assert.Equal(t, 3, res.Scopes[0].Rendered)
	assert.False(t, store.IsNew("tr_4"))
}

func TestMissingScopeIsEmpty(t *testing.T) {
	listing := &fakeListing{
		scopes:  []string{"House 1", "House 2"},
		rows:    map[string][]Row{"House 2": houseRows()[:1]},
		rowsErr: map[string]error{"House 1": ErrScopeMissing},
	}
	rooms, _ := ParseRooms("1")
	runner := NewRunner(listing, newSeen(t), &fakeNotifier{}, rooms, WithDelay(NoDelay))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Scopes, 2)
	assert.Equal(t, 0, res.Scopes[0].Rendered)
	assert.Equal(t, []addCall{{"House 2", "tr_1"}}, listing.added)
}

func TestMissingScopeSelectorIsEmptyRun(t *testing.T) {
	listing := &fakeListing{scopesErr: ErrScopeMissing}
	rooms, _ := ParseRooms("1")
	runner := NewRunner(listing, newSeen(t), &fakeNotifier{}, rooms, WithDelay(NoDelay))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Scopes)
}

func TestMissingAddControlSkipsFlat(t *testing.T) {
	listing := &fakeListing{
		scopes: []string{"House 1", "House 2"},
		rows: map[string][]Row{
			"House 1": houseRows(),
			"House 2": {{ID: "tr_9", Number: "30", Rooms: 2}},
		},
		addErrs: map[string]error{
			"tr_1": fmt.Errorf("add link for flat 12 not found: %w", ErrElementMissing),
		},
	}
	store := newSeen(t)
	rooms, _ := ParseRooms("1,2")
	runner := NewRunner(listing, store, &fakeNotifier{}, rooms, WithDelay(NoDelay))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []addCall{{"House 1", "tr_2"}, {"House 2", "tr_9"}}, listing.added)
	assert.Equal(t, 2, res.Added())
	for _, id := range []string{"tr_1", "tr_2", "tr_4", "tr_9"} {
		assert.False(t, store.IsNew(id), "%s should be marked seen", id)
	}

	// the skipped flat does not fail the next run either
	listing.added = nil
	res, err = runner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Added())
}

func TestAddBrowserFailureAborts(t *testing.T) {
	listing := &fakeListing{
		scopes: []string{"House 1"},
		rows:   map[string][]Row{"House 1": houseRows()},
		addErr: errors.New("browser disconnected"),
	}
	store := newSeen(t)
	rooms, _ := ParseRooms("1,2")
	runner := NewRunner(listing, store, &fakeNotifier{}, rooms, WithDelay(NoDelay))

	_, err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tr_1")
	assert.True(t, store.IsNew("tr_4"))
}

func TestNotifierAndLedgerFailuresAreNotFatal(t *testing.T) {
	listing := &fakeListing{
		scopes: []string{"House 1"},
		rows:   map[string][]Row{"House 1": houseRows()},
	}
	ledger := &fakeLedger{}
	rooms, _ := ParseRooms("1")
	runner := NewRunner(listing, newSeen(t), &fakeNotifier{err: errors.New("ntfy down")}, rooms,
		WithDelay(NoDelay), WithLedger(ledger))

	res, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added())
	assert.Equal(t, []string{"tr_1"}, ledger.ids)
}

func TestParseRooms(t *testing.T) {
	rooms, err := ParseRooms(" 3, 1 ,2,,")
	require.NoError(t, err)
	assert.Equal(t, "1,2,3", rooms.String())
	assert.True(t, rooms.Contains(2))
	assert.False(t, rooms.Contains(4))

	_, err = ParseRooms("1,two")
	assert.Error(t, err)

	_, err = ParseRooms("0")
	assert.Error(t, err)

	_, err = ParseRooms(" , ")
	assert.Error(t, err)
}

func TestRandomDelayBounds(t *testing.T) {
	start := time.Now()
	RandomDelay(5 * time.Millisecond)()
	assert.Less(t, time.Since(start), time.Second)

	RandomDelay(0)()
}
