package notifications

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Ntfy publishes plain-text messages to an ntfy topic.
type Ntfy struct {
	httpClient *http.Client
	baseURL    string
	topic      string
	priority   string
}

func NewNtfy(baseURL, topic, priority string) *Ntfy {
	return &Ntfy{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL:  baseURL,
		topic:    topic,
		priority: priority,
	}
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Send(ctx context.Context, message string) error {
	url := fmt.Sprintf("%s/%s", n.baseURL, n.topic)

	log.Debug().
		Str("url", url).
		Int("length", len(message)).
		Msg("Sending ntfy notification")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(message))
	if err != nil {
		return &NotificationError{Type: "client", Underlying: err}
	}

	req.Header.Set("Content-Type", "text/plain")
	if n.priority != "" {
		req.Header.Set("Priority", n.priority)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return &NotificationError{Type: "network", Underlying: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &NotificationError{
			Type:       categorizeHTTPError(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Underlying: fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status),
		}
	}
	return nil
}
