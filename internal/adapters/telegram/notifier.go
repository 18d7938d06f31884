// Package telegram delivers operator alerts and receives operator commands
// over the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"bracketbot/internal/ports"
)

const defaultBaseURL = "https://api.telegram.org"

// Notifier implements ports.Notifier over the Telegram Bot API. It is
// fire-and-forget: delivery failures are logged, never returned, so alerting
// can never block the trading path. With empty credentials it runs disabled
// and every call is a no-op.
type Notifier struct {
	token   string
	chatID  string
	baseURL string
	enabled bool
	client  *http.Client
	logger  ports.Logger

	mu           sync.Mutex
	lastUpdateID int64
}

// Config holds configuration for the Telegram notifier.
type Config struct {
	Token   string
	ChatID  string
	BaseURL string // overridden in tests; defaults to the Telegram API
	Logger  ports.Logger
}

// New creates a Telegram notifier. Missing credentials disable it rather
// than failing, so the bot can run without alerting configured.
func New(cfg Config) (*Notifier, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Telegram notifier")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	n := &Notifier{
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		baseURL: baseURL,
		enabled: cfg.Token != "" && cfg.ChatID != "",
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  cfg.Logger,
	}
	if !n.enabled {
		cfg.Logger.Warn(context.Background(), "Telegram credentials not set, notifications disabled")
		return n, nil
	}

	cfg.Logger.Info(context.Background(), "Telegram notifier initialized")
	// Discard commands that queued up while the bot was offline, so a stale
	// /close sent hours ago is not executed at startup.
	if _, err := n.Commands(context.Background()); err != nil {
		cfg.Logger.Warn(context.Background(), "Failed to drain pending Telegram updates", map[string]interface{}{"error": err.Error()})
	}
	return n, nil
}

// Enabled reports whether the notifier has credentials configured.
func (n *Notifier) Enabled() bool { return n.enabled }

// Notify sends a message to the configured chat. Failures are logged only.
func (n *Notifier) Notify(ctx context.Context, severity ports.Severity, message string) {
	if !n.enabled {
		return
	}

	icon := "ℹ️"
	switch severity {
	case ports.SeverityWarning:
		icon = "⚠️"
	case ports.SeverityCritical:
		icon = "🚨"
	}
	text := fmt.Sprintf("%s *%s*\n\n%s", icon, severity, message)

	payload := map[string]interface{}{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error(ctx, err, "Failed to encode Telegram message")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/bot"+n.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		n.logger.Error(ctx, err, "Failed to build Telegram request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error(ctx, err, "Failed to send Telegram message")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		n.logger.Error(ctx, fmt.Errorf("telegram API returned status %d", resp.StatusCode), "Failed to send Telegram message", map[string]interface{}{"severity": severity})
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// Commands polls for new chat messages and returns their text. Each update
// is consumed exactly once; the offset advances past everything returned.
func (n *Notifier) Commands(ctx context.Context) ([]string, error) {
	if !n.enabled {
		return nil, nil
	}

	n.mu.Lock()
	offset := n.lastUpdateID + 1
	n.mu.Unlock()

	params := url.Values{}
	params.Set("timeout", "1")
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/bot"+n.token+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build getUpdates request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll Telegram updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram getUpdates returned status %d", resp.StatusCode)
	}

	var parsed updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode Telegram updates: %w", err)
	}

	commands := make([]string, 0, len(parsed.Result))
	for _, u := range parsed.Result {
		n.mu.Lock()
		if u.UpdateID > n.lastUpdateID {
			n.lastUpdateID = u.UpdateID
		}
		n.mu.Unlock()
		if u.Message != nil && u.Message.Text != "" {
			commands = append(commands, u.Message.Text)
		}
	}
	return commands, nil
}
