package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/pipeline"
	"sentinel/internal/ringbuffer"
)

const inboxSize = 64

type message interface{}

type observeMsg struct{ frame *pipeline.Frame }

type triggerMsg struct {
	det   pipeline.Detection
	frame *pipeline.Frame
}

type failedMsg struct{ cameraID string }

type snapshotMsg struct{ reply chan Snapshot }

type confirmMsg struct {
	eventID string
	result  pipeline.Confirmation
}

// actor owns the ring buffers and the open event of one camera or pair.
// Every field below inbox is only touched by the run goroutine.
type actor struct {
	asm  *Assembler
	opts Options

	inbox    chan message
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	buffers   map[string]*ringbuffer.Buffer
	streamNow time.Time // Newest observed frame timestamp

	state         pipeline.EventState
	event         *pipeline.Event
	evidenceCam   string    // Camera whose frames form the evidence
	afterAt       time.Time // Earliest timestamp of the after frame
	lastTrigger   time.Time
	cooldownUntil time.Time // In stream time

	guard         *time.Timer // After-frame guard or confirmation watchdog
	cancelConfirm context.CancelFunc
}

func newActor(asm *Assembler, opts Options) *actor {
	buffers := make(map[string]*ringbuffer.Buffer, len(opts.Members))
	for _, id := range opts.Members {
		buffers[id] = ringbuffer.New(opts.Before + opts.LatencySlack)
	}
	return &actor{
		asm:     asm,
		opts:    opts,
		inbox:   make(chan message, inboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		buffers: buffers,
		state:   pipeline.StateIdle,
	}
}

// send posts m to the actor and reports whether it was accepted
func (act *actor) send(m message) bool {
	select {
	case act.inbox <- m:
		return true
	case <-act.done:
		return false
	}
}

func (act *actor) stop() {
	act.stopOnce.Do(func() { close(act.quit) })
	<-act.done
}

func (act *actor) run() {
	defer close(act.done)
	for {
		var guardC <-chan time.Time
		if act.guard != nil {
			guardC = act.guard.C
		}

		select {
		case <-act.quit:
			act.drain()
			act.shutdown()
			return
		case m := <-act.inbox:
			act.handle(m)
		case <-guardC:
			act.guard = nil
			act.onGuard()
		}
	}
}

func (act *actor) handle(m message) {
	switch m := m.(type) {
	case observeMsg:
		act.observe(m.frame)
	case triggerMsg:
		act.trigger(m.det, m.frame)
	case failedMsg:
		act.cameraFailed(m.cameraID)
	case confirmMsg:
		if act.event == nil || act.event.ID != m.eventID || act.state != pipeline.StatePendingConfirmation {
			return
		}
		act.stopGuard()
		act.cancelConfirm = nil
		result := m.result
		act.finalize(&result)
	case snapshotMsg:
		s := Snapshot{
			CameraID:      act.opts.CameraID,
			State:         act.state,
			CooldownUntil: act.cooldownUntil,
		}
		if act.event != nil {
			s.EventID = act.event.ID
		}
		for _, b := range act.buffers {
			s.Buffered += b.Len()
		}
		m.reply <- s
	}
}

func (act *actor) observe(f *pipeline.Frame) {
	buf := act.buffers[f.CameraID]
	if buf == nil {
		return
	}
	buf.Push(f)
	if f.Timestamp.After(act.streamNow) {
		act.streamNow = f.Timestamp
	}

	if act.state == pipeline.StateCapturingAfter && f.CameraID == act.evidenceCam && !f.Timestamp.Before(act.afterAt) {
		act.captureAfter(f)
	}
}

func (act *actor) trigger(det pipeline.Detection, frame *pipeline.Frame) {
	if det.Confidence < act.opts.TriggerConfidence {
		return
	}
	ts := det.Timestamp
	if ts.IsZero() {
		ts = frame.Timestamp
	}

	if ev := act.event; ev != nil {
		if ts.After(act.lastTrigger) {
			act.lastTrigger = ts
		}
		ev.Triggers++
		if !slices.Contains(ev.CameraIDs, frame.CameraID) {
			ev.CameraIDs = append(ev.CameraIDs, frame.CameraID)
		}
		capturing := act.state == pipeline.StateTriggered || act.state == pipeline.StateCapturingAfter
		if capturing && det.Confidence > ev.Confidence {
			ev.Confidence = det.Confidence
			ev.Peak = det
			ev.Evidence.Peak = frame
		}
		return
	}

	if ts.Before(act.cooldownUntil) {
		if end := ts.Add(act.opts.Cooldown); end.After(act.cooldownUntil) {
			act.cooldownUntil = end
		}
		slog.Debug("assembler: trigger suppressed by cooldown", "camera", act.opts.CameraID, "until", act.cooldownUntil)
		return
	}

	act.open(det, frame, ts)
}

// open creates a new event from an idle actor
func (act *actor) open(det pipeline.Detection, frame *pipeline.Frame, ts time.Time) {
	buf := act.buffers[frame.CameraID]

	var before []*pipeline.Frame
	for _, f := range buf.Before(ts, act.opts.Before) {
		if f != frame {
			before = append(before, f)
		}
	}

	act.event = &pipeline.Event{
		ID:          uuid.NewString(),
		CameraID:    act.opts.CameraID,
		CameraIDs:   []string{frame.CameraID},
		TriggeredAt: ts,
		Confidence:  det.Confidence,
		Peak:        det,
		Triggers:    1,
		Evidence:    pipeline.Evidence{Before: before, Peak: frame},
	}
	act.evidenceCam = frame.CameraID
	act.lastTrigger = ts
	act.transition(pipeline.StateTriggered)

	slog.Info("assembler: event triggered", "camera", act.opts.CameraID, "event", act.event.ID,
		"class", det.Class, "confidence", det.Confidence, "before_frames", len(before))

	act.afterAt = ts.Add(act.opts.After)
	act.transition(pipeline.StateCapturingAfter)
	act.startGuard(act.opts.After + act.opts.AfterGrace)

	// The trigger may arrive after its after frame when inference is slow
	if late := buf.Range(act.afterAt, act.streamNow); len(late) > 0 {
		act.captureAfter(late[0])
	}
}

func (act *actor) captureAfter(f *pipeline.Frame) {
	act.stopGuard()
	act.event.Evidence.After = []*pipeline.Frame{f}
	act.requestConfirmation()
}

// requestConfirmation starts the confirmation call off the actor. Without a
// usable confirmer the event is finalized by the local heuristic.
func (act *actor) requestConfirmation() {
	act.transition(pipeline.StatePendingConfirmation)

	c := act.asm.confirmer
	if c == nil || !c.Enabled() {
		act.finalize(&pipeline.Confirmation{Verdict: pipeline.VerdictInconclusive, Disabled: true})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), act.opts.ConfirmTimeout)
	act.cancelConfirm = cancel
	act.startGuard(act.opts.ConfirmTimeout)

	ev := act.event.Clone()
	go func() {
		defer cancel()
		result := confirmSafely(ctx, c, ev)
		act.send(confirmMsg{eventID: ev.ID, result: result})
	}()
}

func confirmSafely(ctx context.Context, c pipeline.Confirmer, ev *pipeline.Event) (result pipeline.Confirmation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("assembler: confirmer panic", "event", ev.ID, "panic", r, "stack", string(debug.Stack()))
			result = pipeline.Confirmation{Verdict: pipeline.VerdictInconclusive, Error: fmt.Sprintf("confirmer panic: %v", r)}
		}
	}()
	return c.Confirm(ctx, ev)
}

func (act *actor) onGuard() {
	switch act.state {
	case pipeline.StateCapturingAfter:
		slog.Warn("assembler: after frame did not arrive", "camera", act.opts.CameraID, "event", act.event.ID)
		act.event.Incomplete = true
		act.finalize(nil)
	case pipeline.StatePendingConfirmation:
		slog.Warn("assembler: confirmation deadline exceeded", "camera", act.opts.CameraID, "event", act.event.ID)
		act.abortConfirmation()
		act.finalize(&pipeline.Confirmation{
			Verdict:  pipeline.VerdictInconclusive,
			TimedOut: true,
			Error:    "confirmation deadline exceeded",
		})
	}
}

func (act *actor) cameraFailed(cameraID string) {
	if act.state != pipeline.StateCapturingAfter || cameraID != act.evidenceCam {
		return
	}
	slog.Warn("assembler: camera failed while capturing, finalizing with partial evidence",
		"camera", cameraID, "event", act.event.ID)
	act.stopGuard()
	act.event.Incomplete = true
	act.finalize(nil)
}

// finalize decides the final state. conf is nil when confirmation was
// skipped.
func (act *actor) finalize(conf *pipeline.Confirmation) {
	ev := act.event
	act.transition(pipeline.StateFinalizing)
	ev.Confirmation = conf

	var final pipeline.EventState
	switch {
	case conf != nil && conf.TimedOut:
		final = pipeline.StateTimedOut
		ev.Unconfirmed = true
	case conf != nil && conf.Verdict == pipeline.VerdictPositive:
		final = pipeline.StateConfirmed
	case conf != nil && conf.Verdict == pipeline.VerdictNegative:
		final = pipeline.StateRejected
		ev.RejectionReason = "negative verdict"
		if conf.Description != "" {
			ev.RejectionReason = "negative verdict: " + conf.Description
		}
	case ev.Confidence >= act.opts.AcceptConfidence:
		final = pipeline.StateConfirmed
		ev.Unconfirmed = true
	default:
		final = pipeline.StateRejected
		ev.RejectionReason = "inconclusive"
	}
	act.close(final)
}

// close moves the event to its final state, hands it to the sink and
// starts the cooldown
func (act *actor) close(final pipeline.EventState) {
	ev := act.event
	ev.FinalizedAt = act.asm.now()
	act.transition(final)

	ref := act.lastTrigger
	if act.streamNow.After(ref) {
		ref = act.streamNow
	}
	act.cooldownUntil = ref.Add(act.opts.Cooldown)

	act.stopGuard()
	act.event = nil
	act.evidenceCam = ""
	act.cancelConfirm = nil
	act.state = pipeline.StateIdle

	slog.Info("assembler: event finalized", "camera", ev.CameraID, "event", ev.ID, "state", ev.State,
		"confidence", ev.Confidence, "triggers", ev.Triggers, "incomplete", ev.Incomplete)
	act.asm.publish(ev.Clone())
}

// drain handles messages sent before the actor was stopped
func (act *actor) drain() {
	for {
		select {
		case m := <-act.inbox:
			act.handle(m)
		default:
			return
		}
	}
}

// shutdown finalizes an open event as timed out and incomplete
func (act *actor) shutdown() {
	if act.event == nil {
		act.stopGuard()
		return
	}
	act.abortConfirmation()
	act.stopGuard()

	ev := act.event
	ev.Incomplete = true
	ev.Unconfirmed = true
	if ev.Confirmation == nil {
		ev.Confirmation = &pipeline.Confirmation{
			Verdict:  pipeline.VerdictInconclusive,
			TimedOut: true,
			Error:    "camera stopped",
		}
	}
	if act.state != pipeline.StateFinalizing {
		act.transition(pipeline.StateFinalizing)
	}
	act.close(pipeline.StateTimedOut)
}

func (act *actor) abortConfirmation() {
	if act.cancelConfirm != nil {
		act.cancelConfirm()
		act.cancelConfirm = nil
	}
}

func (act *actor) transition(to pipeline.EventState) {
	from := act.state
	act.state = to
	if act.event != nil {
		act.event.State = to
	}
	change := pipeline.StateChange{
		CameraID: act.opts.CameraID,
		From:     from,
		To:       to,
		At:       act.asm.now(),
	}
	if act.event != nil {
		change.EventID = act.event.ID
	}
	act.asm.bus.Publish(change)
}

func (act *actor) startGuard(d time.Duration) {
	act.stopGuard()
	act.guard = time.NewTimer(d)
}

func (act *actor) stopGuard() {
	if act.guard != nil {
		act.guard.Stop()
		act.guard = nil
	}
}
