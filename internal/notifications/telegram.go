package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTelegramAPI = "https://api.telegram.org"

// Telegram sends messages through a bot's sendMessage method.
type Telegram struct {
	httpClient *http.Client
	apiBase    string
	token      string
	chatID     string
}

func NewTelegram(apiBase, token, chatID string) *Telegram {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &Telegram{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		apiBase: strings.TrimSuffix(apiBase, "/"),
		token:   token,
		chatID:  chatID,
	}
}

func (t *Telegram) Name() string { return "telegram" }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &NotificationError{Type: "client", Underlying: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// The request URL embeds the bot token; keep it out of logs.
		if uerr, ok := err.(*url.Error); ok {
			err = uerr.Err
		}
		return &NotificationError{Type: "network", Underlying: err}
	}
	defer resp.Body.Close()

	var body telegramResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode >= 400 || !body.OK {
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusBadRequest
		}
		return &NotificationError{
			Type:       categorizeHTTPError(status),
			StatusCode: status,
			Underlying: fmt.Errorf("telegram API: HTTP %d: %s", resp.StatusCode, body.Description),
		}
	}
	return nil
}
