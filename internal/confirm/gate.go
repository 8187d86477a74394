// Package confirm asks an external vision-language service whether an event
// really shows a person.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/pipeline"
)

// DefaultPrompt asks for the phrases of DefaultMarkers. %s is the language.
const DefaultPrompt = `You are reviewing security camera images: frames before the alert, the peak frame and a frame after it.
Decide whether a real person is present. Answer in %s with JSON fields person_present (bool), confidence (0-1),
description, threat_level (none, low, medium, high) and recommended_action.
Start the description with "person detected" if a person is visible, or with "no person" if not.
Say "false alarm" when the motion was caused by animals, light, weather or vegetation.`

// Config controls the gate
type Config struct {
	Enabled       bool
	Timeout       time.Duration // Hard deadline of Confirm, retries included
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Prompt        string
	Language      string
	Markers       MarkerTable
}

// ConfigFrom converts the loaded configuration, using the default markers
func ConfigFrom(c config.ConfirmationConfig) Config {
	return Config{
		Enabled:       c.Enabled,
		Timeout:       c.Timeout,
		MaxRetries:    c.MaxRetries,
		RetryDelay:    c.RetryDelay,
		MaxRetryDelay: c.MaxRetryDelay,
		Prompt:        c.Prompt,
		Language:      c.Language,
		Markers:       DefaultMarkers,
	}
}

// Gate implements pipeline.Confirmer
type Gate struct {
	client Client
	cfg    Config
}

// NewGate creates a gate. The marker table is validated here so a bad table
// fails at startup.
func NewGate(client Client, cfg Config) (*Gate, error) {
	if cfg.Markers.Version == "" {
		cfg.Markers = DefaultMarkers
	}
	if err := cfg.Markers.Validate(); err != nil {
		return nil, &pipeline.ConfigurationError{Field: "confirmation.markers", Reason: err.Error()}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Language == "" {
		cfg.Language = "English"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	return &Gate{client: client, cfg: cfg}, nil
}

// Enabled reports whether confirmation is configured
func (g *Gate) Enabled() bool {
	return g != nil && g.cfg.Enabled && g.client != nil
}

// Confirm submits the event evidence and interprets the answer. It returns
// within the configured timeout whatever the client does.
func (g *Gate) Confirm(ctx context.Context, ev *pipeline.Event) pipeline.Confirmation {
	if !g.Enabled() {
		return pipeline.Confirmation{Verdict: pipeline.VerdictInconclusive, Disabled: true}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := g.buildRequest(ev)
	if err != nil {
		return inconclusive(0, err)
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries+1; attempt++ {
		resp, err := g.analyze(ctx, req)
		if err == nil {
			verdict := g.cfg.Markers.Interpret(resp)
			slog.Info("confirm: verdict", "camera", ev.CameraID, "event", ev.ID, "verdict", verdict,
				"confidence", resp.Confidence, "attempts", attempt, "markers", g.cfg.Markers.Version)
			return pipeline.Confirmation{
				Verdict:           verdict,
				Confidence:        resp.Confidence,
				Description:       resp.Description,
				ThreatLevel:       resp.ThreatLevel,
				RecommendedAction: resp.RecommendedAction,
				Attempts:          attempt,
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			return timedOut(attempt, err)
		}

		var fault *pipeline.ConfirmationFault
		if !errors.As(err, &fault) || !fault.Transient {
			slog.Warn("confirm: analysis failed", "camera", ev.CameraID, "event", ev.ID, "attempt", attempt, "err", err)
			return inconclusive(attempt, err)
		}
		if attempt > g.cfg.MaxRetries {
			break
		}

		delay := backoff(attempt, g.cfg.RetryDelay, g.cfg.MaxRetryDelay)
		slog.Warn("confirm: transient fault, retrying", "camera", ev.CameraID, "event", ev.ID,
			"attempt", attempt, "delay", delay, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return timedOut(attempt, ctx.Err())
		}
	}

	slog.Warn("confirm: retries exhausted", "camera", ev.CameraID, "event", ev.ID, "err", lastErr)
	return inconclusive(g.cfg.MaxRetries+1, lastErr)
}

// analyze runs the client call but stops waiting at the context deadline
func (g *Gate) analyze(ctx context.Context, req Request) (Response, error) {
	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.client.Analyze(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (g *Gate) buildRequest(ev *pipeline.Event) (Request, error) {
	if ev == nil || ev.Evidence.Peak == nil {
		return Request{}, fmt.Errorf("event has no peak frame")
	}
	peak, err := ev.Evidence.Peak.EncodeJPEG()
	if err != nil {
		return Request{}, fmt.Errorf("peak frame: %w", err)
	}
	before, err := encodeFrames(ev.Evidence.Before)
	if err != nil {
		return Request{}, fmt.Errorf("before frames: %w", err)
	}
	after, err := encodeFrames(ev.Evidence.After)
	if err != nil {
		return Request{}, fmt.Errorf("after frames: %w", err)
	}

	prompt := g.cfg.Prompt
	if strings.Contains(prompt, "%s") {
		prompt = fmt.Sprintf(prompt, g.cfg.Language)
	}
	return Request{
		EventID:  ev.ID,
		CameraID: ev.CameraID,
		Before:   before,
		Peak:     peak,
		After:    after,
		Prompt:   prompt,
		Language: g.cfg.Language,
	}, nil
}

func encodeFrames(frames []*pipeline.Frame) ([][]byte, error) {
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		data, err := f.EncodeJPEG()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// backoff returns delay * 2^(attempt-1), capped at maxDelay
func backoff(attempt int, delay, maxDelay time.Duration) time.Duration {
	if attempt > 30 {
		return maxDelay
	}
	d := delay * time.Duration(1<<uint(attempt-1))
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

func inconclusive(attempts int, err error) pipeline.Confirmation {
	c := pipeline.Confirmation{Verdict: pipeline.VerdictInconclusive, Attempts: attempts}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}

func timedOut(attempts int, err error) pipeline.Confirmation {
	fault := &pipeline.ConfirmationFault{Attempt: attempts, TimedOut: true, Err: err}
	slog.Warn("confirm: deadline exceeded", "err", fault)
	return pipeline.Confirmation{
		Verdict:  pipeline.VerdictInconclusive,
		Attempts: attempts,
		TimedOut: true,
		Error:    fault.Error(),
	}
}
