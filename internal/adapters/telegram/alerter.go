// Package telegram delivers operator alerts through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"cryptoSpotBot/internal/ports"
)

const defaultBaseURL = "https://api.telegram.org"

var icons = map[ports.AlertCategory]string{
	ports.AlertBuy:        "🟢",
	ports.AlertSell:       "🔴",
	ports.AlertStopLoss:   "🛑",
	ports.AlertTakeProfit: "🎯",
	ports.AlertRisk:       "⚠️",
	ports.AlertSystem:     "ℹ️",
}

// Config holds the bot credentials and transport settings.
type Config struct {
	Token   string
	ChatID  string
	BaseURL string        // Defaults to the public Bot API
	Timeout time.Duration // Defaults to 5s
	Logger  ports.Logger
}

// Alerter implements ports.Alerter. Without a token or chat ID it only logs.
type Alerter struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	logger  ports.Logger
	enabled bool
}

// New creates a Telegram alerter.
func New(cfg Config) (*Alerter, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: telegram alerter requires a logger", ports.ErrConfigurationError)
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Alerter{
		token:   cfg.Token,
		chatID:  cfg.ChatID,
		baseURL: strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  cfg.Logger,
		enabled: cfg.Token != "" && cfg.ChatID != "",
	}
	if !a.enabled {
		cfg.Logger.Warn(context.Background(), "Telegram credentials missing, alerts will only be logged")
	}
	return a, nil
}

// Enabled reports whether alerts are actually delivered.
func (a *Alerter) Enabled() bool { return a.enabled }

// Format renders an alert as Telegram HTML.
func Format(category ports.AlertCategory, message string) string {
	title := strings.ReplaceAll(string(category), "_", " ")
	return fmt.Sprintf("%s <b>%s</b>\n%s", icons[category], title, html.EscapeString(message))
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendAlert posts the message to the configured chat.
func (a *Alerter) SendAlert(ctx context.Context, category ports.AlertCategory, message string) error {
	if !a.enabled {
		a.logger.Info(ctx, "Alert", map[string]interface{}{"category": string(category), "message": message})
		return nil
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: a.chatID, Text: Format(category, message), ParseMode: "HTML"})
	if err != nil {
		return fmt.Errorf("failed to encode telegram message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", a.baseURL, a.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram request failed: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed sendMessageResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: telegram returned status %d", ports.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400 || !parsed.OK:
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, parsed.Description)
	}
	return nil
}
