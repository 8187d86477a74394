package assembler

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/pipeline"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []*pipeline.Event
	ch     chan *pipeline.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan *pipeline.Event, 64)}
}

func (s *recordingSink) PublishEvent(ctx context.Context, ev *pipeline.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.ch <- ev
	return nil
}

func (s *recordingSink) PublishLiveness(ctx context.Context, ev pipeline.LivenessEvent) error {
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSink) wait(t *testing.T, timeout time.Duration) *pipeline.Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event published within %v", timeout)
		return nil
	}
}

type fakeConfirmer struct {
	enabled bool
	fn      func(ctx context.Context, ev *pipeline.Event) pipeline.Confirmation
	calls   atomic.Int32
}

func (c *fakeConfirmer) Enabled() bool { return c.enabled }

func (c *fakeConfirmer) Confirm(ctx context.Context, ev *pipeline.Event) pipeline.Confirmation {
	c.calls.Add(1)
	return c.fn(ctx, ev)
}

func verdict(v pipeline.Verdict) *fakeConfirmer {
	return &fakeConfirmer{enabled: true, fn: func(context.Context, *pipeline.Event) pipeline.Confirmation {
		return pipeline.Confirmation{Verdict: v, Confidence: 0.9, Description: "scripted", Attempts: 1}
	}}
}

var seq atomic.Uint64

func frameAt(camera string, offset time.Duration) *pipeline.Frame {
	return &pipeline.Frame{
		CameraID:  camera,
		Kind:      pipeline.SourceColor,
		Seq:       seq.Add(1),
		Timestamp: t0.Add(offset),
		Image:     image.NewGray(image.Rect(0, 0, 8, 8)),
	}
}

func personAt(camera string, conf float32, offset time.Duration) pipeline.Detection {
	return pipeline.Detection{
		Class:      "person",
		Confidence: conf,
		CameraID:   camera,
		Timestamp:  t0.Add(offset),
		Box:        pipeline.BBox{X1: 1, Y1: 1, X2: 4, Y2: 7},
	}
}

func baseOptions(camera string) Options {
	return Options{
		CameraID:          camera,
		Before:            3 * time.Second,
		After:             3 * time.Second,
		AfterGrace:        5 * time.Second,
		Cooldown:          10 * time.Second,
		TriggerConfidence: 0.5,
		AcceptConfidence:  0.8,
		ConfirmTimeout:    5 * time.Second,
	}
}

func newTestAssembler(t *testing.T, confirmer pipeline.Confirmer, bus *pipeline.EventBus, opts ...Options) (*Assembler, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	a := New(confirmer, sink, bus)
	for _, o := range opts {
		if err := a.AddCamera(o); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(a.Close)
	return a, sink
}

// feed observes frames every step in [from, to]
func feed(a *Assembler, camera string, from, to, step time.Duration) {
	for off := from; off <= to; off += step {
		a.Observe(frameAt(camera, off))
	}
}

func TestScenarioConfirmedWithEvidence(t *testing.T) {
	confirmer := verdict(pipeline.VerdictPositive)
	a, sink := newTestAssembler(t, confirmer, nil, baseOptions("front"))

	step := 100 * time.Millisecond
	feed(a, "front", -5*time.Second, -step, step)
	peak := frameAt("front", 0)
	a.Observe(peak)
	a.Trigger(personAt("front", 0.9, 0), peak)
	feed(a, "front", step, 4*time.Second, step)

	ev := sink.wait(t, 2*time.Second)
	if ev.State != pipeline.StateConfirmed || ev.Unconfirmed {
		t.Fatalf("state = %s unconfirmed=%v, want confirmed", ev.State, ev.Unconfirmed)
	}
	if ev.Evidence.Peak != peak {
		t.Error("peak frame is not the trigger frame")
	}
	if len(ev.Evidence.Before) != 30 {
		t.Errorf("before frames = %d, want 30", len(ev.Evidence.Before))
	}
	for i, f := range ev.Evidence.Before {
		off := f.Timestamp.Sub(t0)
		if off < -3*time.Second || off >= 0 {
			t.Errorf("before frame at %v outside [-3s, 0)", off)
		}
		if i > 0 && f.Timestamp.Before(ev.Evidence.Before[i-1].Timestamp) {
			t.Error("before frames out of order")
		}
	}
	if len(ev.Evidence.After) != 1 || ev.Evidence.After[0].Timestamp.Sub(t0) != 3*time.Second {
		t.Errorf("after evidence = %v", ev.Evidence.After)
	}
	if ev.Confirmation == nil || ev.Confirmation.Verdict != pipeline.VerdictPositive {
		t.Errorf("confirmation = %+v", ev.Confirmation)
	}
	if ev.ID == "" || !ev.TriggeredAt.Equal(t0) || ev.FinalizedAt.IsZero() {
		t.Errorf("event metadata = %+v", ev)
	}
}

func TestBeforeWindowSurvivesInferenceLatency(t *testing.T) {
	a, sink := newTestAssembler(t, nil, nil, baseOptions("front"))

	step := 100 * time.Millisecond
	feed(a, "front", -5*time.Second, -step, step)
	peak := frameAt("front", 0)
	a.Observe(peak)
	// The lane keeps observing frames while the peak frame is inferred
	feed(a, "front", step, time.Second, step)
	a.Trigger(personAt("front", 0.9, 0), peak)
	feed(a, "front", time.Second+step, 4*time.Second, step)

	ev := sink.wait(t, 2*time.Second)
	if len(ev.Evidence.Before) != 30 {
		t.Fatalf("before frames = %d, want 30", len(ev.Evidence.Before))
	}
	if first := ev.Evidence.Before[0].Timestamp.Sub(t0); first != -3*time.Second {
		t.Errorf("oldest before frame at %v, want -3s", first)
	}
	if last := ev.Evidence.Before[29].Timestamp.Sub(t0); last != -step {
		t.Errorf("newest before frame at %v, want %v", last, -step)
	}
	if len(ev.Evidence.After) != 1 || ev.Evidence.After[0].Timestamp.Sub(t0) != 3*time.Second {
		t.Errorf("after evidence = %v", ev.Evidence.After)
	}
}

func TestOptionsFromAddsInferenceSlack(t *testing.T) {
	o := OptionsFrom(config.Effective{CameraID: "front", Before: 3 * time.Second}, "", 5*time.Second, 0)
	if o.LatencySlack != 6*time.Second {
		t.Errorf("slack = %v, want 6s", o.LatencySlack)
	}

	o = Options{CameraID: "front"}
	if err := o.normalize(); err != nil {
		t.Fatal(err)
	}
	if o.LatencySlack != defaultLatencySlack {
		t.Errorf("default slack = %v", o.LatencySlack)
	}
}

func TestVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		confirmer  pipeline.Confirmer
		confidence float32
		want       pipeline.EventState
		reason     string
		unconfirm  bool
	}{
		{"negative rejects", verdict(pipeline.VerdictNegative), 0.95, pipeline.StateRejected, "negative verdict: scripted", false},
		{"inconclusive high confidence", verdict(pipeline.VerdictInconclusive), 0.85, pipeline.StateConfirmed, "", true},
		{"inconclusive low confidence", verdict(pipeline.VerdictInconclusive), 0.6, pipeline.StateRejected, "inconclusive", false},
		{"disabled uses heuristic", &fakeConfirmer{enabled: false}, 0.85, pipeline.StateConfirmed, "", true},
		{"no confirmer low confidence", nil, 0.6, pipeline.StateRejected, "inconclusive", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sink := newTestAssembler(t, tt.confirmer, nil, baseOptions("front"))
			f := frameAt("front", 0)
			a.Observe(f)
			a.Trigger(personAt("front", tt.confidence, 0), f)
			a.Observe(frameAt("front", 3*time.Second))

			ev := sink.wait(t, 2*time.Second)
			if ev.State != tt.want {
				t.Errorf("state = %s, want %s", ev.State, tt.want)
			}
			if ev.RejectionReason != tt.reason {
				t.Errorf("reason = %q, want %q", ev.RejectionReason, tt.reason)
			}
			if ev.Unconfirmed != tt.unconfirm {
				t.Errorf("unconfirmed = %v, want %v", ev.Unconfirmed, tt.unconfirm)
			}
		})
	}
}

func TestTriggerBelowFloorIgnored(t *testing.T) {
	a, _ := newTestAssembler(t, nil, nil, baseOptions("front"))
	f := frameAt("front", 0)
	a.Observe(f)
	a.Trigger(personAt("front", 0.3, 0), f)

	s, ok := a.Snapshot("front")
	if !ok || s.State != pipeline.StateIdle || s.EventID != "" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestCooldownIdempotence(t *testing.T) {
	opts := baseOptions("front")
	opts.After = time.Second
	a, sink := newTestAssembler(t, nil, nil, opts)

	step := 100 * time.Millisecond
	for off := time.Duration(0); off <= 500*time.Millisecond; off += step {
		f := frameAt("front", off)
		a.Observe(f)
		if off%(200*time.Millisecond) == 0 {
			a.Trigger(personAt("front", 0.9, off), f)
		}
	}
	feed(a, "front", 600*time.Millisecond, time.Second, step)

	ev := sink.wait(t, 2*time.Second)
	if ev.Triggers != 3 {
		t.Errorf("triggers folded into the event = %d, want 3", ev.Triggers)
	}

	// Cooldown runs until 11s; every trigger inside extends it
	for off := 2 * time.Second; off <= 10*time.Second; off += time.Second {
		f := frameAt("front", off)
		a.Observe(f)
		a.Trigger(personAt("front", 0.9, off), f)
	}
	s, _ := a.Snapshot("front")
	if s.State != pipeline.StateIdle || !s.CooldownUntil.Equal(t0.Add(20*time.Second)) {
		t.Errorf("snapshot = %+v, want idle with cooldown until +20s", s)
	}
	if n := sink.count(); n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}

	// After the cooldown a new event opens
	f := frameAt("front", 25*time.Second)
	a.Observe(f)
	a.Trigger(personAt("front", 0.9, 25*time.Second), f)
	a.Observe(frameAt("front", 26*time.Second))
	sink.wait(t, 2*time.Second)
	if n := sink.count(); n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestSingleOpenEventUnderConcurrentTriggers(t *testing.T) {
	bus := pipeline.NewEventBus()
	var open, maxOpen, opened atomic.Int32
	bus.Subscribe(pipeline.StateHandlerFunc(func(c pipeline.StateChange) {
		switch {
		case c.To == pipeline.StateTriggered:
			opened.Add(1)
			n := open.Add(1)
			for {
				m := maxOpen.Load()
				if n <= m || maxOpen.CompareAndSwap(m, n) {
					break
				}
			}
		case c.To.Terminal():
			open.Add(-1)
		}
	}))

	a, sink := newTestAssembler(t, nil, bus, baseOptions("front"))
	f := frameAt("front", 0)
	a.Observe(f)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Trigger(personAt("front", 0.6+float32(i%4)/10, time.Duration(i)*time.Millisecond), f)
		}(i)
	}
	wg.Wait()

	s, _ := a.Snapshot("front")
	if s.State != pipeline.StateCapturingAfter {
		t.Errorf("state = %s, want capturing_after", s.State)
	}

	a.StopCamera("front")
	ev := sink.wait(t, 2*time.Second)
	if ev.Triggers != 50 {
		t.Errorf("triggers = %d, want 50", ev.Triggers)
	}
	if ev.Confidence < 0.89 {
		t.Errorf("peak confidence = %v, want the highest trigger", ev.Confidence)
	}
	if opened.Load() != 1 || maxOpen.Load() != 1 {
		t.Errorf("opened %d events, max open %d", opened.Load(), maxOpen.Load())
	}
}

func TestConfirmationNeverResponds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	hung := &fakeConfirmer{enabled: true, fn: func(ctx context.Context, ev *pipeline.Event) pipeline.Confirmation {
		<-release
		return pipeline.Confirmation{Verdict: pipeline.VerdictPositive}
	}}

	opts := baseOptions("front")
	opts.ConfirmTimeout = 200 * time.Millisecond
	a, sink := newTestAssembler(t, hung, nil, opts)

	f := frameAt("front", 0)
	a.Observe(f)
	a.Trigger(personAt("front", 0.9, 0), f)
	start := time.Now()
	a.Observe(frameAt("front", 3*time.Second))

	ev := sink.wait(t, 2*time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timed out after %v", elapsed)
	}
	if ev.State != pipeline.StateTimedOut || !ev.Unconfirmed {
		t.Errorf("state = %s unconfirmed=%v", ev.State, ev.Unconfirmed)
	}
	if ev.Confirmation == nil || !ev.Confirmation.TimedOut {
		t.Errorf("confirmation = %+v", ev.Confirmation)
	}
}

func TestCameraFailedDuringCapture(t *testing.T) {
	a, sink := newTestAssembler(t, verdict(pipeline.VerdictPositive), nil, baseOptions("front"))

	feed(a, "front", -2*time.Second, -time.Second, 500*time.Millisecond)
	f := frameAt("front", 0)
	a.Observe(f)
	a.Trigger(personAt("front", 0.9, 0), f)
	a.CameraFailed("front")

	ev := sink.wait(t, 2*time.Second)
	if !ev.Incomplete {
		t.Error("event should be flagged incomplete")
	}
	if len(ev.Evidence.Before) != 3 || ev.Evidence.Peak != f || len(ev.Evidence.After) != 0 {
		t.Errorf("evidence before=%d peak=%v after=%d", len(ev.Evidence.Before), ev.Evidence.Peak != nil, len(ev.Evidence.After))
	}
	if ev.State != pipeline.StateConfirmed || !ev.Unconfirmed {
		t.Errorf("state = %s unconfirmed=%v, want heuristic confirmation", ev.State, ev.Unconfirmed)
	}
}

func TestAfterFrameGuard(t *testing.T) {
	opts := baseOptions("front")
	opts.After = 50 * time.Millisecond
	opts.AfterGrace = 50 * time.Millisecond
	a, sink := newTestAssembler(t, nil, nil, opts)

	f := frameAt("front", 0)
	a.Observe(f)
	a.Trigger(personAt("front", 0.9, 0), f)

	ev := sink.wait(t, 2*time.Second)
	if !ev.Incomplete || len(ev.Evidence.After) != 0 {
		t.Errorf("event = %+v", ev)
	}
}

func TestStopCancelsConfirmation(t *testing.T) {
	canceled := make(chan struct{})
	c := &fakeConfirmer{enabled: true, fn: func(ctx context.Context, ev *pipeline.Event) pipeline.Confirmation {
		<-ctx.Done()
		close(canceled)
		return pipeline.Confirmation{Verdict: pipeline.VerdictInconclusive}
	}}
	a, sink := newTestAssembler(t, c, nil, baseOptions("front"))

	f := frameAt("front", 0)
	a.Observe(f)
	a.Trigger(personAt("front", 0.9, 0), f)
	a.Observe(frameAt("front", 3*time.Second))

	deadline := time.Now().Add(2 * time.Second)
	for c.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	a.StopCamera("front")

	ev := sink.wait(t, 2*time.Second)
	if ev.State != pipeline.StateTimedOut || !ev.Incomplete {
		t.Errorf("state = %s incomplete=%v", ev.State, ev.Incomplete)
	}
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Error("in-flight confirmation was not canceled")
	}
	if _, ok := a.Snapshot("front"); ok {
		t.Error("stopped camera still has an actor")
	}
}

func TestPairEventsOwnedByPrimary(t *testing.T) {
	opts := baseOptions("thermal")
	opts.Members = []string{"thermal", "color"}
	a, sink := newTestAssembler(t, nil, nil, opts)

	if err := a.AddCamera(baseOptions("color")); err == nil {
		t.Error("a camera cannot belong to two actors")
	}

	tf := frameAt("thermal", 0)
	cf := frameAt("color", 10*time.Millisecond)
	a.Observe(tf)
	a.Observe(cf)
	a.Trigger(personAt("color", 0.85, 10*time.Millisecond), cf)
	a.Trigger(personAt("thermal", 0.95, 0), tf)
	a.Observe(frameAt("thermal", 3*time.Second))
	a.Observe(frameAt("color", 3100*time.Millisecond))

	ev := sink.wait(t, 2*time.Second)
	if ev.CameraID != "thermal" {
		t.Errorf("event owner = %s, want thermal", ev.CameraID)
	}
	if len(ev.CameraIDs) != 2 {
		t.Errorf("camera ids = %v", ev.CameraIDs)
	}
	if ev.Evidence.Peak != tf || ev.Confidence != 0.95 {
		t.Error("higher confidence trigger should become the peak")
	}
	if ev.Evidence.After[0].CameraID != "color" {
		t.Errorf("after frame should come from the first trigger's camera")
	}
}

func TestStateTransitionsPublished(t *testing.T) {
	bus := pipeline.NewEventBus()
	ch, unsub := bus.SubscribeChannel(16)
	defer unsub()

	a, sink := newTestAssembler(t, verdict(pipeline.VerdictPositive), bus, baseOptions("front"))
	f := frameAt("front", 0)
	a.Observe(f)
	a.Trigger(personAt("front", 0.9, 0), f)
	a.Observe(frameAt("front", 3*time.Second))
	sink.wait(t, 2*time.Second)

	want := []pipeline.EventState{
		pipeline.StateTriggered,
		pipeline.StateCapturingAfter,
		pipeline.StatePendingConfirmation,
		pipeline.StateFinalizing,
		pipeline.StateConfirmed,
	}
	for i, w := range want {
		select {
		case c := <-ch:
			if c.To != w || c.CameraID != "front" || c.EventID == "" {
				t.Errorf("transition %d = %+v, want to %s", i, c, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing transition to %s", w)
		}
	}
	if got := a.Stats()[pipeline.StateConfirmed]; got != 1 {
		t.Errorf("confirmed count = %d", got)
	}
}
