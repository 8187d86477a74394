package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentinel/internal/pipeline"
)

// CameraStatus is one camera's view for /status and /cameras
type CameraStatus struct {
	ID       string
	Kind     pipeline.SourceKind
	Liveness pipeline.Liveness
	State    pipeline.EventState
}

// EventSummary is one row of /events
type EventSummary struct {
	ID          string
	CameraID    string
	State       pipeline.EventState
	Confidence  float32
	TriggeredAt time.Time
}

// StatusSource answers the status commands. Implemented by the engine.
type StatusSource interface {
	CameraStatuses() []CameraStatus
	RecentEvents(ctx context.Context, limit int) ([]EventSummary, error)
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Chat      *chat  `json:"chat,omitempty"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type getUpdatesResponse struct {
	OK          bool     `json:"ok"`
	Result      []update `json:"result,omitempty"`
	ErrorCode   int      `json:"error_code,omitempty"`
	Description string   `json:"description,omitempty"`
}

// CommandHandler polls getUpdates and answers commands from the configured
// chat only.
type CommandHandler struct {
	bot          *Bot
	status       StatusSource
	startTime    time.Time
	pollInterval time.Duration

	mu           sync.Mutex
	lastUpdateID int64
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(bot *Bot, status StatusSource) *CommandHandler {
	return &CommandHandler{
		bot:          bot,
		status:       status,
		startTime:    time.Now(),
		pollInterval: 2 * time.Second,
	}
}

// StartPolling runs until ctx is cancelled
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	if !ch.bot.IsEnabled() {
		return fmt.Errorf("telegram bot is disabled")
	}

	slog.Info("telegram: command polling started")
	ticker := time.NewTicker(ch.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("telegram: command polling stopped")
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("telegram: failed to poll updates", "err", err)
			}
		}
	}
}

func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	url := fmt.Sprintf("%s?offset=%d&timeout=1", ch.bot.methodURL("getUpdates"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := ch.bot.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var updates getUpdatesResponse
	if err := json.Unmarshal(body, &updates); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !updates.OK {
		return fmt.Errorf("telegram API error %d: %s", updates.ErrorCode, updates.Description)
	}

	for _, u := range updates.Result {
		ch.mu.Lock()
		if u.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = u.UpdateID
		}
		ch.mu.Unlock()

		if u.Message != nil {
			ch.handleMessage(ctx, u.Message)
		}
	}
	return nil
}

func (ch *CommandHandler) handleMessage(ctx context.Context, msg *message) {
	if msg.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if chatID != ch.bot.chatID {
		slog.Warn("telegram: ignoring message from unauthorized chat", "chat", chatID)
		return
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	reply := ch.Execute(ctx, msg.Text)
	if reply == "" {
		return
	}
	if err := ch.bot.sendText(ctx, chatID, reply); err != nil {
		slog.Warn("telegram: failed to send reply", "err", err)
	}
}

// Execute runs one command line and returns the reply
func (ch *CommandHandler) Execute(ctx context.Context, text string) string {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return ""
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]

	// Strip the bot username suffix, e.g. /status@mybot
	if i := strings.Index(command, "@"); i != -1 {
		command = command[:i]
	}

	switch command {
	case "/start", "/help":
		return helpText
	case "/status":
		return ch.handleStatus()
	case "/cameras":
		return ch.handleCameras()
	case "/events":
		return ch.handleEvents(ctx, args)
	case "/mute":
		ch.bot.SetMuted(true)
		return "🔕 Event alerts muted. Use /unmute to resume."
	case "/unmute":
		ch.bot.SetMuted(false)
		return "🔔 Event alerts resumed."
	default:
		return fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", html.EscapeString(command))
	}
}

const helpText = "📋 <b>Available Commands</b>\n\n" +
	"/status - System status\n" +
	"/cameras - Camera connection and event state\n" +
	"/events [limit] - Recent events\n" +
	"/mute - Suppress event alerts\n" +
	"/unmute - Resume event alerts\n" +
	"/help - Show this help"

func (ch *CommandHandler) handleStatus() string {
	cams := ch.status.CameraStatuses()
	connected, active := 0, 0
	for _, c := range cams {
		if c.Liveness == pipeline.LivenessConnected {
			connected++
		}
		if c.State != pipeline.StateIdle && c.State != "" {
			active++
		}
	}

	alerts := "on"
	if ch.bot.Muted() {
		alerts = "muted"
	}
	return fmt.Sprintf(
		"📊 <b>System Status</b>\n\n"+
			"📹 Cameras: %d total, %d connected\n"+
			"🔍 Open events: %d\n"+
			"📱 Alerts: %s\n"+
			"⏱️ Uptime: %s",
		len(cams), connected, active, alerts, formatDuration(time.Since(ch.startTime)),
	)
}

func (ch *CommandHandler) handleCameras() string {
	cams := ch.status.CameraStatuses()
	if len(cams) == 0 {
		return "No cameras configured."
	}
	var sb strings.Builder
	sb.WriteString("📹 <b>Cameras</b>\n")
	for _, c := range cams {
		icon := "🔴"
		switch c.Liveness {
		case pipeline.LivenessConnected:
			icon = "🟢"
		case pipeline.LivenessConnecting, pipeline.LivenessDegraded:
			icon = "🟡"
		}
		state := c.State
		if state == "" {
			state = pipeline.StateIdle
		}
		fmt.Fprintf(&sb, "\n%s <b>%s</b> (%s) %s, %s", icon, html.EscapeString(c.ID), c.Kind, c.Liveness, state)
	}
	return sb.String()
}

func (ch *CommandHandler) handleEvents(ctx context.Context, args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = min(n, 20)
		}
	}

	events, err := ch.status.RecentEvents(ctx, limit)
	if err != nil {
		return fmt.Sprintf("Failed to load events: %s", html.EscapeString(err.Error()))
	}
	if len(events) == 0 {
		return "No events recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Last %d events</b>\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(&sb, "\n%s %s %s %.0f%%",
			ev.TriggeredAt.Format("01-02 15:04:05"), html.EscapeString(ev.CameraID), ev.State, ev.Confidence*100)
	}
	return sb.String()
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
