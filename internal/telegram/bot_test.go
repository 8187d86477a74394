package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/internal/pipeline"
)

type fakeAPI struct {
	mu       sync.Mutex
	calls    []string // method names
	captions []string
	texts    []string
	photos   int
	fail     bool
	updates  []update
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if !strings.HasPrefix(r.URL.Path, "/bottoken/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		f.mu.Lock()
		f.calls = append(f.calls, method)
		fail := f.fail
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(apiResponse{OK: false, ErrorCode: 400, Description: "chat not found"})
			return
		}

		switch method {
		case "sendMessage":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.texts = append(f.texts, body["text"].(string))
			f.mu.Unlock()
		case "sendPhoto":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("ParseMultipartForm: %v", err)
			}
			if _, _, err := r.FormFile("photo"); err != nil {
				t.Errorf("photo missing: %v", err)
			}
			f.mu.Lock()
			f.photos++
			f.captions = append(f.captions, r.FormValue("caption"))
			f.mu.Unlock()
		case "getUpdates":
			f.mu.Lock()
			res := f.updates
			f.updates = nil
			f.mu.Unlock()
			json.NewEncoder(w).Encode(getUpdatesResponse{OK: true, Result: res})
			return
		}
		json.NewEncoder(w).Encode(apiResponse{OK: true})
	}
}

func (f *fakeAPI) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeAPI) sentPhotos() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.photos, append([]string(nil), f.captions...)
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	bot := NewBot(Config{BotToken: "token", ChatID: "42", Enabled: true, CooldownSeconds: 60, APIBase: srv.URL})
	return bot, api
}

func confirmedEvent() *pipeline.Event {
	return &pipeline.Event{
		ID:          "ev-1",
		CameraID:    "front",
		CameraIDs:   []string{"front", "front-thermal"},
		TriggeredAt: time.Date(2026, 3, 1, 22, 15, 0, 0, time.UTC),
		State:       pipeline.StateConfirmed,
		Confidence:  0.87,
		Confirmation: &pipeline.Confirmation{
			Verdict:     pipeline.VerdictPositive,
			Description: "person detected <near> the gate",
			ThreatLevel: "medium",
		},
	}
}

func TestSendEventAlertWithPhoto(t *testing.T) {
	bot, api := newTestBot(t)

	sent, err := bot.SendEventAlert(context.Background(), confirmedEvent(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
	if err != nil || !sent {
		t.Fatalf("SendEventAlert() = %v, %v", sent, err)
	}
	photos, captions := api.sentPhotos()
	if photos != 1 {
		t.Fatalf("photos = %d", photos)
	}
	caption := captions[0]
	for _, want := range []string{"front, front-thermal", "87%", "&lt;near&gt;", "medium"} {
		if !strings.Contains(caption, want) {
			t.Errorf("caption missing %q:\n%s", want, caption)
		}
	}
}

func TestSendEventAlertCooldown(t *testing.T) {
	bot, api := newTestBot(t)
	now := time.Unix(1000, 0)
	bot.now = func() time.Time { return now }
	ctx := context.Background()

	if sent, _ := bot.SendEventAlert(ctx, confirmedEvent(), nil); !sent {
		t.Fatal("first alert not sent")
	}
	now = now.Add(30 * time.Second)
	if sent, _ := bot.SendEventAlert(ctx, confirmedEvent(), nil); sent {
		t.Error("alert inside cooldown was sent")
	}
	other := confirmedEvent()
	other.CameraID = "back"
	if sent, _ := bot.SendEventAlert(ctx, other, nil); !sent {
		t.Error("cooldown is per camera")
	}
	now = now.Add(31 * time.Second)
	if sent, _ := bot.SendEventAlert(ctx, confirmedEvent(), nil); !sent {
		t.Error("alert after cooldown not sent")
	}
	if n := len(api.sentTexts()); n != 3 {
		t.Errorf("messages = %d, want 3", n)
	}
}

func TestSendEventAlertSkips(t *testing.T) {
	bot, api := newTestBot(t)
	ctx := context.Background()

	rejected := confirmedEvent()
	rejected.State = pipeline.StateRejected
	if sent, _ := bot.SendEventAlert(ctx, rejected, nil); sent {
		t.Error("rejected event sent")
	}

	bot.SetMuted(true)
	if sent, _ := bot.SendEventAlert(ctx, confirmedEvent(), nil); sent {
		t.Error("muted bot sent an alert")
	}
	if n := api.callCount(); n != 0 {
		t.Errorf("calls = %d", n)
	}
}

func TestFailedAlertReleasesCooldown(t *testing.T) {
	bot, api := newTestBot(t)
	api.setFail(true)
	ctx := context.Background()

	if _, err := bot.SendEventAlert(ctx, confirmedEvent(), nil); err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v", err)
	}
	api.setFail(false)
	if sent, err := bot.SendEventAlert(ctx, confirmedEvent(), nil); !sent || err != nil {
		t.Errorf("retry after failure = %v, %v", sent, err)
	}
}

func TestEventCaptionUnconfirmed(t *testing.T) {
	ev := confirmedEvent()
	ev.State = pipeline.StateTimedOut
	ev.Unconfirmed = true
	ev.Incomplete = true
	ev.Confirmation = &pipeline.Confirmation{Verdict: pipeline.VerdictInconclusive, TimedOut: true}

	caption := EventCaption(ev)
	for _, want := range []string{"unconfirmed", "incomplete", "timed out"} {
		if !strings.Contains(caption, want) {
			t.Errorf("caption missing %q:\n%s", want, caption)
		}
	}
}

func TestSendLivenessAlert(t *testing.T) {
	bot, api := newTestBot(t)
	ctx := context.Background()

	bot.SendLivenessAlert(ctx, pipeline.LivenessEvent{CameraID: "front", State: pipeline.LivenessConnecting})
	bot.SendLivenessAlert(ctx, pipeline.LivenessEvent{CameraID: "front", State: pipeline.LivenessConnected})
	if texts := api.sentTexts(); len(texts) != 0 {
		t.Fatalf("unexpected messages %v", texts)
	}

	bot.SendLivenessAlert(ctx, pipeline.LivenessEvent{CameraID: "front", State: pipeline.LivenessFailed, Error: "connection refused"})
	bot.SendLivenessAlert(ctx, pipeline.LivenessEvent{CameraID: "front", State: pipeline.LivenessConnected, Attempt: 4})
	texts := api.sentTexts()
	if len(texts) != 2 || !strings.Contains(texts[0], "offline") || !strings.Contains(texts[1], "4 attempts") {
		t.Errorf("texts = %v", texts)
	}
}

func TestDisabledBotSendsNothing(t *testing.T) {
	bot := NewBot(Config{BotToken: "token", ChatID: "42", APIBase: "http://127.0.0.1:1"})
	if bot.IsEnabled() {
		t.Fatal("bot should be disabled")
	}
	if err := bot.SendMessage(context.Background(), "hi"); err != nil {
		t.Errorf("SendMessage() = %v", err)
	}
}

type fakeStatus struct {
	cams   []CameraStatus
	events []EventSummary
	err    error
	limit  int
}

func (f *fakeStatus) CameraStatuses() []CameraStatus { return f.cams }

func (f *fakeStatus) RecentEvents(ctx context.Context, limit int) ([]EventSummary, error) {
	f.limit = limit
	return f.events, f.err
}

func TestExecuteCommands(t *testing.T) {
	bot, _ := newTestBot(t)
	status := &fakeStatus{
		cams: []CameraStatus{
			{ID: "front", Kind: pipeline.SourceColor, Liveness: pipeline.LivenessConnected, State: pipeline.StateCapturingAfter},
			{ID: "back", Kind: pipeline.SourceThermal, Liveness: pipeline.LivenessFailed},
		},
		events: []EventSummary{{ID: "e1", CameraID: "front", State: pipeline.StateConfirmed, Confidence: 0.9, TriggeredAt: time.Now()}},
	}
	ch := NewCommandHandler(bot, status)
	ctx := context.Background()

	if got := ch.Execute(ctx, "/status@sentinel_bot"); !strings.Contains(got, "2 total, 1 connected") || !strings.Contains(got, "Open events: 1") {
		t.Errorf("/status = %q", got)
	}
	if got := ch.Execute(ctx, "/cameras"); !strings.Contains(got, "🟢 <b>front</b>") || !strings.Contains(got, "back</b> (thermal) failed, idle") {
		t.Errorf("/cameras = %q", got)
	}
	if got := ch.Execute(ctx, "/events 50"); !strings.Contains(got, "front confirmed 90%") || status.limit != 20 {
		t.Errorf("/events = %q (limit %d)", got, status.limit)
	}
	ch.Execute(ctx, "/mute")
	if !bot.Muted() {
		t.Error("/mute did not mute")
	}
	ch.Execute(ctx, "/UNMUTE")
	if bot.Muted() {
		t.Error("/unmute did not unmute")
	}
	if got := ch.Execute(ctx, "/reboot"); !strings.Contains(got, "Unknown command") {
		t.Errorf("/reboot = %q", got)
	}

	status.err = errors.New("db closed")
	if got := ch.Execute(ctx, "/events"); !strings.Contains(got, "db closed") {
		t.Errorf("/events with error = %q", got)
	}
}

func TestPollAnswersAuthorizedChatOnly(t *testing.T) {
	bot, api := newTestBot(t)
	api.mu.Lock()
	api.updates = []update{
		{UpdateID: 10, Message: &message{Chat: &chat{ID: 42}, Text: "/help"}},
		{UpdateID: 11, Message: &message{Chat: &chat{ID: 7}, Text: "/status"}},
		{UpdateID: 12, Message: &message{Chat: &chat{ID: 42}, Text: "hello"}},
	}
	api.mu.Unlock()
	ch := NewCommandHandler(bot, &fakeStatus{})

	if err := ch.pollUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.lastUpdateID != 12 {
		t.Errorf("lastUpdateID = %d", ch.lastUpdateID)
	}
	texts := api.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Available Commands") {
		t.Errorf("replies = %v", texts)
	}
}
