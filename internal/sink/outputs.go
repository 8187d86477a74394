package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sentinel/internal/database"
	"sentinel/internal/pipeline"
	"sentinel/internal/telegram"
	"sentinel/internal/ws"
)

// Publisher is the MQTT operation the output needs; *mqttclient.Client
// satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTT payloads of the state and availability topics
const (
	StatePerson        = "person"
	StateClear         = "clear"
	AvailabilityOnline = "online"
	AvailabilityDown   = "offline"
)

// MQTTOutput publishes events as JSON on <prefix>/<camera>/event and keeps
// retained state and availability topics per camera.
type MQTTOutput struct {
	client     Publisher
	prefix     string
	clearAfter time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewMQTTOutput creates the output. The state topic returns to "clear"
// clearAfter after the last person event.
func NewMQTTOutput(client Publisher, prefix string, clearAfter time.Duration) *MQTTOutput {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "sentinel"
	}
	if clearAfter <= 0 {
		clearAfter = 30 * time.Second
	}
	return &MQTTOutput{
		client:     client,
		prefix:     prefix,
		clearAfter: clearAfter,
		timers:     make(map[string]*time.Timer),
	}
}

func (o *MQTTOutput) Name() string { return "mqtt" }

func (o *MQTTOutput) topic(cameraID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", o.prefix, cameraID, leaf)
}

// DeliverEvent publishes the record and, for accepted events, sets the
// retained state of every camera of the event to person.
func (o *MQTTOutput) DeliverEvent(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := o.client.Publish(o.topic(d.Record.CameraID, "event"), 1, false, payload); err != nil {
		return err
	}
	if d.Record.State == pipeline.StateRejected {
		return nil
	}

	cams := d.Record.CameraIDs
	if len(cams) == 0 {
		cams = []string{d.Record.CameraID}
	}
	for _, cam := range cams {
		if err := o.client.Publish(o.topic(cam, "state"), 1, true, []byte(StatePerson)); err != nil {
			return err
		}
		o.scheduleClear(cam)
	}
	return nil
}

func (o *MQTTOutput) scheduleClear(cameraID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[cameraID]; ok {
		t.Stop()
	}
	o.timers[cameraID] = time.AfterFunc(o.clearAfter, func() {
		o.mu.Lock()
		delete(o.timers, cameraID)
		o.mu.Unlock()
		if err := o.client.Publish(o.topic(cameraID, "state"), 1, true, []byte(StateClear)); err != nil {
			slog.Warn("sink: failed to clear mqtt state", "camera", cameraID, "err", err)
		}
	})
}

// DeliverLiveness maps connected to online and failed to offline. Transient
// states are not published.
func (o *MQTTOutput) DeliverLiveness(ctx context.Context, ev pipeline.LivenessEvent) error {
	var payload string
	switch ev.State {
	case pipeline.LivenessConnected:
		payload = AvailabilityOnline
	case pipeline.LivenessFailed:
		payload = AvailabilityDown
	default:
		return nil
	}
	return o.client.Publish(o.topic(ev.CameraID, "availability"), 1, true, []byte(payload))
}

// Close stops pending clear timers
func (o *MQTTOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	return nil
}

// TelegramOutput sends photo alerts for accepted events
type TelegramOutput struct {
	bot *telegram.Bot
}

// NewTelegramOutput wraps a bot
func NewTelegramOutput(bot *telegram.Bot) *TelegramOutput {
	return &TelegramOutput{bot: bot}
}

func (o *TelegramOutput) Name() string { return "telegram" }

func (o *TelegramOutput) DeliverEvent(ctx context.Context, d Delivery) error {
	_, err := o.bot.SendEventAlert(ctx, &d.Record.Event, d.Annotated)
	return err
}

func (o *TelegramOutput) DeliverLiveness(ctx context.Context, ev pipeline.LivenessEvent) error {
	return o.bot.SendLivenessAlert(ctx, ev)
}

// DatabaseOutput stores events and camera status in SQLite
type DatabaseOutput struct {
	db *database.Database
}

// NewDatabaseOutput wraps an open database. The database is closed with the
// output.
func NewDatabaseOutput(db *database.Database) *DatabaseOutput {
	return &DatabaseOutput{db: db}
}

func (o *DatabaseOutput) Name() string { return "database" }

func (o *DatabaseOutput) DeliverEvent(ctx context.Context, d Delivery) error {
	return o.db.SaveEvent(ctx, d.Record)
}

func (o *DatabaseOutput) DeliverLiveness(ctx context.Context, ev pipeline.LivenessEvent) error {
	return o.db.SaveCameraStatus(ctx, ev)
}

func (o *DatabaseOutput) Close() error { return o.db.Close() }

// HubOutput broadcasts to websocket subscribers
type HubOutput struct {
	hub *ws.Hub
}

// NewHubOutput wraps a hub
func NewHubOutput(hub *ws.Hub) *HubOutput {
	return &HubOutput{hub: hub}
}

func (o *HubOutput) Name() string { return "feed" }

func (o *HubOutput) DeliverEvent(ctx context.Context, d Delivery) error {
	o.hub.BroadcastEvent(d.Record)
	return nil
}

func (o *HubOutput) DeliverLiveness(ctx context.Context, ev pipeline.LivenessEvent) error {
	o.hub.BroadcastLiveness(ev)
	return nil
}
