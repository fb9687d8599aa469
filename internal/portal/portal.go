// Package portal drives the housing portal's web UI through a rod-controlled
// Chrome. Reads go through goquery on the rendered HTML; writes (typing,
// selecting, clicking) go through rod.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/retry"
	"gilfond_flats/internal/session"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

const DefaultBaseURL = "https://mail.gilfondrt.ru/private/"

const (
	authPath     = "auth.php"
	indexPath    = "index.php"
	addFlatPath  = "add_flat.php"
	requestsPath = "requests.php"

	loginButton = "Подтвердить"
	saveButton  = "Сохранить изменения"
	addLinkText = "добавить"
)

type Config struct {
	BaseURL        string
	Program        string
	Headless       bool
	ChromeBin      string
	DiagnosticsDir string

	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	SettleDelay       time.Duration

	Launch retry.Config
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ElementTimeout <= 0 {
		c.ElementTimeout = 10 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	return c
}

// Portal owns one browser and one page for the length of a run.
type Portal struct {
	cfg      Config
	base     *url.URL
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

var (
	_ session.Browser   = (*Portal)(nil)
	_ discovery.Listing = (*Portal)(nil)
)

// Launch starts Chrome and opens a blank page. Close must be called when done.
func Launch(ctx context.Context, cfg Config) (*Portal, error) {
	cfg = cfg.withDefaults()

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid portal base URL %q: %w", cfg.BaseURL, err)
	}

	p := &Portal{cfg: cfg, base: base}

	controlURL, err := retry.WithRetry(ctx, cfg.Launch, func(ctx context.Context) (string, error) {
		l := launcher.New().Headless(cfg.Headless)
		if cfg.ChromeBin != "" {
			l = l.Bin(cfg.ChromeBin)
		}
		u, err := l.Launch()
		if err != nil {
			l.Cleanup()
			return "", fmt.Errorf("failed to launch browser: %w", err)
		}
		p.launcher = l
		return u, nil
	})
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	p.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	p.page = page

	log.Debug().
		Str("control_url", controlURL).
		Bool("headless", cfg.Headless).
		Msg("Browser launched")
	return p, nil
}

// Close tears the browser down. It is safe to call more than once.
func (p *Portal) Close() error {
	var errs []error
	if p.page != nil {
		if err := p.page.Close(); err != nil {
			errs = append(errs, err)
		}
		p.page = nil
	}
	if p.browser != nil {
		if err := p.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		p.browser = nil
	}
	if p.launcher != nil {
		p.launcher.Kill()
		p.launcher.Cleanup()
		p.launcher = nil
	}
	return errors.Join(errs...)
}

func (p *Portal) url(path string) string {
	return p.base.ResolveReference(&url.URL{Path: path}).String()
}

func (p *Portal) navigate(ctx context.Context, path string) error {
	pg := p.page.Context(ctx).Timeout(p.cfg.NavigationTimeout)
	if err := pg.Navigate(p.url(path)); err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// settle waits for requests and DOM mutations triggered by the last action.
func (p *Portal) settle(ctx context.Context) error {
	if err := p.page.Context(ctx).Timeout(p.cfg.NavigationTimeout).WaitStable(p.cfg.SettleDelay); err != nil {
		return fmt.Errorf("page did not settle: %w", err)
	}
	return nil
}

func (p *Portal) document(ctx context.Context) (*goquery.Document, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("failed to read page HTML: %w", err)
	}
	doc, err := parseDocument(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}
	return doc, nil
}

func (p *Portal) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := p.page.Context(ctx).Timeout(p.cfg.ElementTimeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %s not found: %w", selector, err)
	}
	return el.CancelTimeout(), nil
}

// findButton returns the first button or submit input labelled label.
func (p *Portal) findButton(ctx context.Context, label string) (*rod.Element, error) {
	els, err := p.page.Context(ctx).Elements(buttons)
	if err != nil {
		return nil, fmt.Errorf("failed to list buttons: %w", err)
	}
	for _, el := range els {
		if v, err := el.Attribute("value"); err == nil && v != nil && strings.TrimSpace(*v) == label {
			return el, nil
		}
		if txt, err := el.Text(); err == nil && strings.TrimSpace(txt) == label {
			return el, nil
		}
	}
	return nil, fmt.Errorf("button %q not found", label)
}

// submit clicks the button labelled label and waits for the resulting page.
func (p *Portal) submit(ctx context.Context, label string) error {
	btn, err := p.findButton(ctx, label)
	if err != nil {
		return err
	}
	wait := p.page.Context(ctx).Timeout(p.cfg.NavigationTimeout).WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %q: %w", label, err)
	}
	wait()
	return nil
}

// missingElement marks a failed lookup or click with sentinel unless the run
// itself was cancelled.
func missingElement(ctx context.Context, sentinel error, what string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%s: %w: %w", what, sentinel, err)
}

// selectOption picks label in the select matched by selector. A missing select
// or option is reported as discovery.ErrScopeMissing.
func (p *Portal) selectOption(ctx context.Context, selector, label string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return missingElement(ctx, discovery.ErrScopeMissing, selector, err)
	}
	pattern := optionPattern(label)
	if err := el.Select([]string{pattern}, true, rod.SelectorTypeRegex); err != nil {
		return missingElement(ctx, discovery.ErrScopeMissing, fmt.Sprintf("option %q in %s", label, selector), err)
	}
	if err := p.settle(ctx); err != nil {
		return missingElement(ctx, discovery.ErrScopeMissing, fmt.Sprintf("after selecting %q", label), err)
	}
	return nil
}

// optionPattern matches an option label regardless of surrounding or repeated whitespace.
func optionPattern(label string) string {
	words := strings.Fields(label)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return `^\s*` + strings.Join(words, `\s+`) + `\s*$`
}

// Cookies returns the browser's cookie jar.
func (p *Portal) Cookies(ctx context.Context) ([]session.Cookie, error) {
	raw, err := p.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read browser cookies: %w", err)
	}

	cookies := make([]session.Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if !c.Session {
			cookie.Expires = float64(c.Expires)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

// SetCookies loads cookies into the browser before the first navigation.
func (p *Portal) SetCookies(ctx context.Context, cookies []session.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	if err := p.browser.Context(ctx).SetCookies(params); err != nil {
		return fmt.Errorf("failed to set browser cookies: %w", err)
	}
	return nil
}

// IsAuthenticated opens the private index and checks that it renders the
// private area rather than the login form or an error page.
func (p *Portal) IsAuthenticated(ctx context.Context) (bool, error) {
	if err := p.navigate(ctx, indexPath); err != nil {
		return false, err
	}
	doc, err := p.document(ctx)
	if err != nil {
		return false, err
	}
	return authenticated(doc), nil
}

// Login submits the credential form on the auth page.
func (p *Portal) Login(ctx context.Context, creds session.Credentials) error {
	if err := p.navigate(ctx, authPath); err != nil {
		return err
	}

	caseInput, err := p.element(ctx, caseField)
	if err != nil {
		return err
	}
	if err := caseInput.Input(creds.CaseNumber); err != nil {
		return fmt.Errorf("failed to enter case number: %w", err)
	}

	passInput, err := p.element(ctx, passwordField)
	if err != nil {
		return err
	}
	if err := passInput.Input(creds.Password); err != nil {
		return fmt.Errorf("failed to enter password: %w", err)
	}

	return p.submit(ctx, loginButton)
}

// Open loads the add-flat page and selects the configured program.
func (p *Portal) Open(ctx context.Context) error {
	if err := p.navigate(ctx, addFlatPath); err != nil {
		return err
	}
	has, _, err := p.page.Context(ctx).Has(programSelect)
	if err != nil {
		return fmt.Errorf("failed to look up program selector: %w", err)
	}
	if !has {
		return fmt.Errorf("program selector: %w", discovery.ErrScopeMissing)
	}
	return p.selectOption(ctx, programSelect, p.cfg.Program)
}

// Scopes lists the houses offered for the selected program.
func (p *Portal) Scopes(ctx context.Context) ([]string, error) {
	doc, err := p.document(ctx)
	if err != nil {
		return nil, err
	}
	scopes, ok := parseOptions(doc, houseSelect)
	if !ok {
		return nil, fmt.Errorf("house selector: %w", discovery.ErrScopeMissing)
	}
	return scopes, nil
}

// Rows selects the house and returns its open flats.
func (p *Portal) Rows(ctx context.Context, scope string) ([]discovery.Row, error) {
	has, _, err := p.page.Context(ctx).Has(houseSelect)
	if err != nil {
		return nil, fmt.Errorf("failed to look up house selector: %w", err)
	}
	if !has {
		return nil, fmt.Errorf("house selector: %w", discovery.ErrScopeMissing)
	}
	if err := p.selectOption(ctx, houseSelect, scope); err != nil {
		return nil, err
	}

	doc, err := p.document(ctx)
	if err != nil {
		return nil, err
	}
	rows, ok := parseRows(doc, p.base)
	if !ok {
		return nil, fmt.Errorf("flat table for %q: %w", scope, discovery.ErrScopeMissing)
	}
	return rows, nil
}

// Add clicks the row's add link.
func (p *Portal) Add(ctx context.Context, scope string, row discovery.Row) error {
	selector := fmt.Sprintf(`tr[id="%s"] a`, strings.ReplaceAll(row.ID, `"`, `\"`))
	link, err := p.page.Context(ctx).Timeout(p.cfg.ElementTimeout).ElementR(selector, addLinkText)
	if err != nil {
		return missingElement(ctx, discovery.ErrElementMissing, fmt.Sprintf("add link for flat %s in %q", row.Number, scope), err)
	}
	if err := link.CancelTimeout().Click(proto.InputMouseButtonLeft, 1); err != nil {
		return missingElement(ctx, discovery.ErrElementMissing, fmt.Sprintf("add link for flat %s in %q", row.Number, scope), err)
	}
	return p.settle(ctx)
}

// RequestsURL is the absolute address of the requests page.
func (p *Portal) RequestsURL() string {
	return p.url(requestsPath)
}

// Requests returns the priority page view over the same browser page.
func (p *Portal) Requests() *Requests {
	return &Requests{p: p}
}

// CaptureDiagnostics writes a full-page screenshot and the page HTML into the
// diagnostics directory as <name>.<timestamp>.png/.html.
func (p *Portal) CaptureDiagnostics(ctx context.Context, name string) error {
	if p.page == nil || p.cfg.DiagnosticsDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.cfg.DiagnosticsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create diagnostics directory: %w", err)
	}

	stem := filepath.Join(p.cfg.DiagnosticsDir, fmt.Sprintf("%s.%s", name, time.Now().Format("20060102-150405")))
	pg := p.page.Context(ctx)

	var errs []error
	if png, err := pg.Screenshot(true, nil); err != nil {
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	} else if err := os.WriteFile(stem+".png", png, 0o644); err != nil {
		errs = append(errs, err)
	}

	if html, err := pg.HTML(); err != nil {
		errs = append(errs, fmt.Errorf("html dump: %w", err))
	} else if err := os.WriteFile(stem+".html", []byte(html), 0o644); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to capture %s diagnostics: %w", name, err)
	}

	log.Debug().Str("path", stem).Msg("Captured diagnostics")
	return nil
}
