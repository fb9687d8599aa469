// Package session caches the portal's cookie jar between runs so that the
// credential login only happens when the cached session has expired.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAuthFailed means the credential login did not reach an authenticated page.
var ErrAuthFailed = errors.New("authentication failed")

// Cookie is one replayable cookie-jar entry.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // seconds since epoch; 0 for session cookies
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site,omitempty"`
}

// Expired reports whether a persistent cookie is past its expiry at now.
func (c Cookie) Expired(now time.Time) bool {
	if c.Expires <= 0 {
		return false
	}
	return time.Unix(int64(c.Expires), 0).Before(now)
}

// Blob is the persisted session snapshot.
type Blob struct {
	SavedAt time.Time `json:"saved_at"`
	Cookies []Cookie  `json:"cookies"`
}

// Credentials for the portal's login form.
type Credentials struct {
	CaseNumber string
	Password   string
}

// Browser is the part of the browsing context the cache needs.
type Browser interface {
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	// IsAuthenticated reports whether the private area renders for the current session.
	IsAuthenticated(ctx context.Context) (bool, error)
	Login(ctx context.Context, creds Credentials) error
}

// Cache stores one Blob as a JSON file.
type Cache struct {
	path string
	now  func() time.Time
}

func NewCache(path string) *Cache {
	return &Cache{path: path, now: time.Now}
}

func (c *Cache) Path() string {
	return c.path
}

// Load returns the saved blob, or nil when it is absent or unreadable.
func (c *Cache) Load() *Blob {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", c.path).Msg("Failed to read session blob")
		}
		return nil
	}

	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Session blob is corrupt, ignoring")
		return nil
	}

	log.Debug().
		Int("cookies", len(blob.Cookies)).
		Time("saved_at", blob.SavedAt).
		Msg("Loaded session blob")
	return &blob
}

// Save overwrites the blob on disk.
func (c *Cache) Save(blob *Blob) error {
	if blob == nil {
		return nil
	}

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session blob: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session blob: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session blob: %w", err)
	}

	log.Debug().Int("cookies", len(blob.Cookies)).Str("path", c.path).Msg("Saved session blob")
	return nil
}

// Clear removes the saved blob. A missing file is not an error.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session blob: %w", err)
	}
	return nil
}

// Apply replays the blob's unexpired cookies into browser. It must run before
// the first navigation.
func (c *Cache) Apply(ctx context.Context, blob *Blob, browser Browser) error {
	if blob == nil {
		return nil
	}

	now := c.now()
	live := make([]Cookie, 0, len(blob.Cookies))
	for _, cookie := range blob.Cookies {
		if cookie.Expired(now) {
			continue
		}
		live = append(live, cookie)
	}

	log.Debug().
		Int("cookies", len(live)).
		Int("expired", len(blob.Cookies)-len(live)).
		Msg("Applying cached session")

	if len(live) == 0 {
		return nil
	}
	if err := browser.SetCookies(ctx, live); err != nil {
		return fmt.Errorf("failed to apply cached cookies: %w", err)
	}
	return nil
}

// IsAuthenticated checks the browser's current session.
func (c *Cache) IsAuthenticated(ctx context.Context, browser Browser) (bool, error) {
	ok, err := browser.IsAuthenticated(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check authentication: %w", err)
	}
	return ok, nil
}

// Capture snapshots the browser's cookie jar.
func (c *Cache) Capture(ctx context.Context, browser Browser) (*Blob, error) {
	cookies, err := browser.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	return &Blob{SavedAt: c.now(), Cookies: cookies}, nil
}

// EnsureLogin logs in with creds only when the current session is not
// authenticated, and saves the fresh session after a successful login. It
// reports whether a credential login was performed.
func (c *Cache) EnsureLogin(ctx context.Context, browser Browser, creds Credentials) (bool, error) {
	ok, err := c.IsAuthenticated(ctx, browser)
	if err != nil {
		return false, err
	}
	if ok {
		log.Info().Msg("Cached session is still valid, skipping login")
		return false, nil
	}

	log.Info().Msg("Session not authenticated, logging in")
	if err := browser.Login(ctx, creds); err != nil {
		return true, fmt.Errorf("login failed: %w", err)
	}

	ok, err = c.IsAuthenticated(ctx, browser)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, ErrAuthFailed
	}

	blob, err := c.Capture(ctx, browser)
	if err != nil {
		return true, err
	}
	if err := c.Save(blob); err != nil {
		return true, err
	}

	log.Info().Msg("Logged in and saved session")
	return true, nil
}
