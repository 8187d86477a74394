// Package telegram sends event alerts to a Telegram chat and answers a few
// status commands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/pipeline"
)

// DefaultAPIBase is the public Bot API endpoint
const DefaultAPIBase = "https://api.telegram.org"

// Bot handles Telegram bot operations
type Bot struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client

	mu              sync.Mutex
	enabled         bool
	muted           bool
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
	now             func() time.Time
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken        string
	ChatID          string
	Enabled         bool
	CooldownSeconds int
	APIBase         string // Defaults to DefaultAPIBase
}

// ConfigFrom converts the loaded configuration
func ConfigFrom(c config.TelegramConfig) Config {
	return Config{
		BotToken:        c.BotToken,
		ChatID:          c.ChatID,
		Enabled:         c.Enabled,
		CooldownSeconds: c.CooldownSeconds,
	}
}

// apiResponse is the envelope of every Bot API reply
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewBot creates a new bot instance
func NewBot(cfg Config) *Bot {
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}

	return &Bot{
		botToken:        cfg.BotToken,
		chatID:          cfg.ChatID,
		apiBase:         base,
		enabled:         cfg.Enabled,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  cooldown,
		now:             time.Now,
	}
}

// IsEnabled reports whether the bot is enabled and configured
func (b *Bot) IsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled && b.botToken != "" && b.chatID != ""
}

// SetMuted suppresses event alerts at runtime. Liveness alerts and command
// replies still go out.
func (b *Bot) SetMuted(muted bool) {
	b.mu.Lock()
	b.muted = muted
	b.mu.Unlock()
}

// Muted reports whether event alerts are suppressed
func (b *Bot) Muted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.muted
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.botToken, method)
}

// SendMessage sends an HTML formatted text message
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	if !b.IsEnabled() {
		return nil
	}
	return b.sendText(ctx, b.chatID, text)
}

func (b *Bot) sendText(ctx context.Context, chatID, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, err = handleResponse(resp)
	return err
}

// SendPhoto sends a JPEG with an HTML caption
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	if !b.IsEnabled() {
		return nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption: %w", err)
		}
		if err := w.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode: %w", err)
		}
	}
	part, err := w.CreateFormFile("photo", "event.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()
	_, err = handleResponse(resp)
	return err
}

// SendEventAlert notifies about a finalized event. Rejected events and
// alerts inside the per-camera cooldown are skipped; the return value tells
// whether a message went out.
func (b *Bot) SendEventAlert(ctx context.Context, ev *pipeline.Event, photo []byte) (bool, error) {
	if !b.IsEnabled() || b.Muted() || ev == nil || ev.State == pipeline.StateRejected {
		return false, nil
	}
	if !b.claimCooldown(ev.CameraID) {
		return false, nil
	}

	caption := EventCaption(ev)
	var err error
	if len(photo) > 0 {
		err = b.SendPhoto(ctx, photo, caption)
	} else {
		err = b.SendMessage(ctx, caption)
	}
	if err != nil {
		b.releaseCooldown(ev.CameraID)
		return false, err
	}
	return true, nil
}

// SendLivenessAlert reports a failed or recovered camera. Other states are
// not worth a message.
func (b *Bot) SendLivenessAlert(ctx context.Context, ev pipeline.LivenessEvent) error {
	var text string
	switch ev.State {
	case pipeline.LivenessFailed:
		text = fmt.Sprintf("⚠️ <b>Camera %s offline</b>\n%s", html.EscapeString(ev.CameraID), html.EscapeString(ev.Error))
	case pipeline.LivenessConnected:
		if ev.Attempt == 0 {
			return nil
		}
		text = fmt.Sprintf("✅ <b>Camera %s back online</b> after %d attempts", html.EscapeString(ev.CameraID), ev.Attempt)
	default:
		return nil
	}
	return b.SendMessage(ctx, text)
}

// EventCaption renders the alert text of an event
func EventCaption(ev *pipeline.Event) string {
	var sb strings.Builder
	title := "Person detected"
	if ev.State == pipeline.StateTimedOut || ev.Unconfirmed {
		title = "Person detected (unconfirmed)"
	}
	fmt.Fprintf(&sb, "🚨 <b>%s</b>\n", title)
	fmt.Fprintf(&sb, "📷 Camera: %s\n", html.EscapeString(strings.Join(cameras(ev), ", ")))
	fmt.Fprintf(&sb, "🕐 %s\n", ev.TriggeredAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "🎯 Confidence: %.0f%%", ev.Confidence*100)
	if ev.Incomplete {
		sb.WriteString("\n⚠️ Evidence incomplete")
	}
	if c := ev.Confirmation; c != nil && !c.Disabled {
		if c.Description != "" {
			fmt.Fprintf(&sb, "\n\n%s", html.EscapeString(c.Description))
		}
		if c.ThreatLevel != "" {
			fmt.Fprintf(&sb, "\nThreat: <b>%s</b>", html.EscapeString(c.ThreatLevel))
		}
		if c.TimedOut {
			sb.WriteString("\nConfirmation timed out")
		}
	}
	return sb.String()
}

func cameras(ev *pipeline.Event) []string {
	if len(ev.CameraIDs) > 0 {
		return ev.CameraIDs
	}
	return []string{ev.CameraID}
}

// claimCooldown records an alert for the camera unless one was sent within
// the cooldown period.
func (b *Bot) claimCooldown(cameraID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if last, ok := b.cooldownTracker[cameraID]; ok && now.Sub(last) < b.cooldownPeriod {
		return false
	}
	b.cooldownTracker[cameraID] = now
	return true
}

func (b *Bot) releaseCooldown(cameraID string) {
	b.mu.Lock()
	delete(b.cooldownTracker, cameraID)
	b.mu.Unlock()
}

// ValidateConfig calls getMe to check the token
func (b *Bot) ValidateConfig(ctx context.Context) error {
	if b.botToken == "" {
		return fmt.Errorf("bot token is required")
	}
	if b.chatID == "" {
		return fmt.Errorf("chat ID is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.methodURL("getMe"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to validate bot token: %w", err)
	}
	defer resp.Body.Close()
	if _, err := handleResponse(resp); err != nil {
		return fmt.Errorf("invalid bot token: %w", err)
	}
	return nil
}

func handleResponse(resp *http.Response) (*apiResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", out.ErrorCode, out.Description)
	}
	return &out, nil
}
