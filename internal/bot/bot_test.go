package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/seen"
	"gilfond_flats/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validCookie = session.Cookie{Name: "PHPSESSID", Value: "valid", Domain: "mail.gilfondrt.ru", Path: "/"}

type fakePortal struct {
	authenticated bool
	loginWorks    bool
	logins        int
	cookies       []session.Cookie

	scopes   []string
	rows     map[string][]discovery.Row
	added    []string
	captures []string
}

func (p *fakePortal) Cookies(context.Context) ([]session.Cookie, error) { return p.cookies, nil }

func (p *fakePortal) SetCookies(_ context.Context, cookies []session.Cookie) error {
	p.cookies = cookies
	for _, c := range cookies {
		if c == validCookie {
			p.authenticated = true
		}
	}
	return nil
}

func (p *fakePortal) IsAuthenticated(context.Context) (bool, error) { return p.authenticated, nil }

func (p *fakePortal) Login(context.Context, session.Credentials) error {
	p.logins++
	if p.loginWorks {
		p.authenticated = true
		p.cookies = []session.Cookie{validCookie}
	}
	return nil
}

func (p *fakePortal) Open(context.Context) error               { return nil }
func (p *fakePortal) Scopes(context.Context) ([]string, error) { return p.scopes, nil }
func (p *fakePortal) RequestsURL() string                      { return "https://portal.test/private/requests.php" }

func (p *fakePortal) Rows(_ context.Context, scope string) ([]discovery.Row, error) {
	return p.rows[scope], nil
}

func (p *fakePortal) Add(_ context.Context, _ string, row discovery.Row) error {
	p.added = append(p.added, row.ID)
	return nil
}

func (p *fakePortal) CaptureDiagnostics(_ context.Context, name string) error {
	p.captures = append(p.captures, name)
	return nil
}

type fakeRequests struct {
	max     int
	unset   int
	filled  []int
	saveErr error
}

func (r *fakeRequests) Load(context.Context) error               { return nil }
func (r *fakeRequests) MaxAssigned(context.Context) (int, error) { return r.max, nil }
func (r *fakeRequests) UnsetCount(context.Context) (int, error)  { return r.unset, nil }

func (r *fakeRequests) Fill(_ context.Context, values []int) error {
	r.filled = append(r.filled, values...)
	return nil
}

func (r *fakeRequests) Save(context.Context) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	for _, v := range r.filled {
		r.max = max(r.max, v)
	}
	r.unset = 0
	return nil
}

type fakeNotifier struct {
	added     []string
	summaries []int
}

func (n *fakeNotifier) NotifyAdded(_ context.Context, _ string, row discovery.Row) error {
	n.added = append(n.added, row.ID)
	return nil
}

func (n *fakeNotifier) NotifySummary(_ context.Context, added int, _ string) error {
	n.summaries = append(n.summaries, added)
	return nil
}

type memBackend struct {
	items    map[string]time.Time
	replaced int
}

func (m *memBackend) LoadAll(context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out, nil
}

func (m *memBackend) ReplaceAll(_ context.Context, items map[string]time.Time) error {
	m.items = make(map[string]time.Time, len(items))
	for k, v := range items {
		m.items[k] = v
	}
	m.replaced++
	return nil
}

func (m *memBackend) Close() error { return nil }

type harness struct {
	portal   *fakePortal
	requests *fakeRequests
	notifier *fakeNotifier
	backend  *memBackend
	cache    *session.Cache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		portal: &fakePortal{
			loginWorks: true,
			scopes:     []string{"Дом 1", "Дом 2"},
			rows: map[string][]discovery.Row{
				"Дом 1": {
					{ID: "f1", Number: "1", Rooms: 1},
					{ID: "f2", Number: "2", Rooms: 2},
					{ID: "f3", Number: "3", Rooms: 4},
				},
			},
		},
		requests: &fakeRequests{max: 3, unset: 2},
		notifier: &fakeNotifier{},
		backend:  &memBackend{},
		cache:    session.NewCache(filepath.Join(t.TempDir(), "session.json")),
	}
}

func (h *harness) bot() *Bot {
	return New(Config{
		Credentials: session.Credentials{CaseNumber: "1111-111111-111111", Password: "secret"},
		Rooms:       discovery.RoomFilter{1: {}, 2: {}},
		MaxRounds:   5,
	}, Deps{
		Portal:   h.portal,
		Requests: h.requests,
		Seen:     seen.NewStore(h.backend, 24*time.Hour),
		Session:  h.cache,
		Notifier: h.notifier,
		Delay:    discovery.NoDelay,
	})
}

func TestRunFullPass(t *testing.T) {
	h := newHarness(t)
	b := h.bot()

	res, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, b.RunID(), res.RunID)
	assert.True(t, res.LoggedIn)
	assert.Equal(t, 2, res.Discovery.Added())
	assert.Equal(t, []string{"f1", "f2"}, h.portal.added)
	assert.Equal(t, []string{"f1", "f2"}, h.notifier.added)
	assert.Equal(t, []int{2}, h.notifier.summaries)

	assert.Equal(t, 1, res.Priority.Rounds)
	assert.Equal(t, []int{5, 6}, h.requests.filled)

	assert.Equal(t, []string{"add_flats", "set_priorities"}, h.portal.captures)
	assert.Len(t, h.backend.items, 3)

	blob := h.cache.Load()
	require.NotNil(t, blob)
	assert.Equal(t, []session.Cookie{validCookie}, blob.Cookies)
}

func TestRunReusesCachedSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cache.Save(&session.Blob{SavedAt: time.Now(), Cookies: []session.Cookie{validCookie}}))

	res, err := h.bot().Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.LoggedIn)
	assert.Zero(t, h.portal.logins)
}

func TestRunWithinTTLAddsNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.bot().Run(context.Background())
	require.NoError(t, err)

	h.portal.added = nil
	h.notifier = &fakeNotifier{}
	res, err := h.bot().Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Discovery.Added())
	assert.Empty(t, h.portal.added)
	assert.Empty(t, h.notifier.added)
	assert.Empty(t, h.notifier.summaries)
}

func TestRunAuthFailureStillSavesState(t *testing.T) {
	h := newHarness(t)
	h.portal.loginWorks = false
	h.portal.cookies = []session.Cookie{{Name: "PHPSESSID", Value: "anonymous"}}

	res, err := h.bot().Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAuthFailed)

	assert.True(t, res.LoggedIn)
	assert.Empty(t, h.portal.added)
	assert.Equal(t, []string{"failure"}, h.portal.captures)
	assert.Equal(t, 1, h.backend.replaced)

	_, statErr := os.Stat(h.cache.Path())
	assert.NoError(t, statErr)
}

func TestRunReconcileFailureKeepsSeenFlats(t *testing.T) {
	h := newHarness(t)
	h.requests.saveErr = errors.New("button missing")

	_, err := h.bot().Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set priorities")
	assert.Contains(t, err.Error(), "button missing")

	assert.Equal(t, []string{"add_flats", "set_priorities", "failure"}, h.portal.captures)
	assert.Len(t, h.backend.items, 3)
}

func TestRunCancelledContextStillPersists(t *testing.T) {
	h := newHarness(t)
	h.requests.saveErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.bot().Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, h.backend.replaced)
}
