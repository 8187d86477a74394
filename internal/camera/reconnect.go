package camera

import (
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // Attempts before the source is marked failed
	RetryDelay    time.Duration // Initial retry delay
	MaxRetryDelay time.Duration // Maximum retry delay cap
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    8,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 60 * time.Second,
	}
}

// calculateBackoff calculates the exponential backoff delay for a given attempt
//
// Formula: delay = retryDelay * 2^(attempt-1)
// Cap: min(delay, maxRetryDelay)
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shifting past 30 overflows long before any sane cap applies
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// failureWindow counts read failures inside a sliding time window
type failureWindow struct {
	window time.Duration
	times  []time.Time
}

func newFailureWindow(window time.Duration) *failureWindow {
	return &failureWindow{window: window}
}

// add records a failure at now and returns the count inside the window
func (w *failureWindow) add(now time.Time) int {
	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times)
}

func (w *failureWindow) reset() {
	w.times = w.times[:0]
}
