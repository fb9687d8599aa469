package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/retry"

	"github.com/rs/zerolog/log"
)

// maxMessageLen keeps failure reports under Telegram's 4096 character limit.
const maxMessageLen = 4000

// Transport delivers one message over one channel.
type Transport interface {
	Name() string
	Send(ctx context.Context, message string) error
}

type NotificationError struct {
	Type       string
	StatusCode int
	Attempt    int
	Underlying error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification failed [%s] attempt %d: %v", e.Type, e.Attempt, e.Underlying)
}

func (e *NotificationError) Unwrap() error {
	return e.Underlying
}

func (e *NotificationError) IsRetryable() bool {
	switch e.Type {
	case "network", "server", "timeout":
		return true
	case "rate_limit":
		return true
	case "auth", "client":
		return false
	default:
		return e.StatusCode >= 500
	}
}

func categorizeHTTPError(statusCode int) string {
	switch {
	case statusCode == 401 || statusCode == 403:
		return "auth"
	case statusCode == 429:
		return "rate_limit"
	case statusCode >= 400 && statusCode < 500:
		return "client"
	case statusCode >= 500:
		return "server"
	default:
		return "unknown"
	}
}

// Client fans a message out to every configured transport.
type Client struct {
	transports []Transport
	retry      retry.Config

	mutex       sync.Mutex
	totalSent   int64
	totalFailed int64
}

func NewClient(retryConfig retry.Config, transports ...Transport) *Client {
	return &Client{
		transports: transports,
		retry:      retryConfig,
	}
}

// Enabled reports whether at least one transport is configured.
func (c *Client) Enabled() bool {
	return len(c.transports) > 0
}

// Notify sends message through all transports. It returns the joined errors
// of the transports that failed after retries.
func (c *Client) Notify(ctx context.Context, message string) error {
	if !c.Enabled() {
		log.Debug().Msg("Notifications disabled, skipping")
		return nil
	}

	var errs []error
	for _, t := range c.transports {
		attempt := 0
		err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
			attempt++
			err := t.Send(ctx, message)
			var ne *NotificationError
			if errors.As(err, &ne) {
				ne.Attempt = attempt
			}
			return err
		})
		if err != nil {
			c.record(false)
			log.Warn().Err(err).Str("transport", t.Name()).Msg("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		c.record(true)
		log.Debug().Str("transport", t.Name()).Msg("Notification sent")
	}
	return errors.Join(errs...)
}

// NotifyAdded announces one flat that was just requested.
func (c *Client) NotifyAdded(ctx context.Context, scope string, row discovery.Row) error {
	return c.Notify(ctx, FormatAdded(scope, row))
}

// NotifySummary reports how many flats a run added, pointing at the requests page.
func (c *Client) NotifySummary(ctx context.Context, added int, requestsURL string) error {
	return c.Notify(ctx, FormatSummary(added, requestsURL))
}

// NotifyFailure reports a fatal run failure. err is printed with %+v so
// errors carrying a stack trace include it.
func (c *Client) NotifyFailure(ctx context.Context, err error) error {
	return c.Notify(ctx, FormatFailure(err))
}

func FormatAdded(scope string, row discovery.Row) string {
	var sb strings.Builder

	sb.WriteString("🏠 New flat requested\n")
	sb.WriteString(fmt.Sprintf("🏢 %s\n", scope))
	if row.Number != "" {
		sb.WriteString(fmt.Sprintf("🚪 Flat %s", row.Number))
		if row.Floor != "" {
			sb.WriteString(fmt.Sprintf(", floor %s", row.Floor))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("🛏 Rooms: %d\n", row.Rooms))
	if row.URL != "" {
		sb.WriteString(fmt.Sprintf("🔗 %s\n", row.URL))
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

func FormatSummary(added int, requestsURL string) string {
	msg := fmt.Sprintf("✅ %d flat(s) added", added)
	if requestsURL != "" {
		msg += ", check it out " + requestsURL
	}
	return msg
}

func FormatFailure(err error) string {
	msg := fmt.Sprintf("❌ Run failed: %v\n\n%+v", err, err)
	if len(msg) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !isRuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "\n…"
	}
	return msg
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func (c *Client) record(ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if ok {
		c.totalSent++
	} else {
		c.totalFailed++
	}
}

// Metrics returns delivery counters since the client was created.
func (c *Client) Metrics() (sent, failed int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.totalSent, c.totalFailed
}
