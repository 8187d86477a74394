package main

import (
	"context"
	"errors"

	"sentinel/internal/database"
	"sentinel/internal/engine"
	"sentinel/internal/telegram"
)

// statusSource answers the bot's status commands from the engine and the
// event database
type statusSource struct {
	manager *engine.Manager
	db      *database.Database // nil when event history is disabled
}

func (s statusSource) CameraStatuses() []telegram.CameraStatus {
	st := s.manager.Status()
	out := make([]telegram.CameraStatus, 0, len(st))
	for _, c := range st {
		out = append(out, telegram.CameraStatus{
			ID:       c.CameraID,
			Kind:     c.Kind,
			Liveness: c.Liveness,
			State:    c.State,
		})
	}
	return out
}

func (s statusSource) RecentEvents(ctx context.Context, limit int) ([]telegram.EventSummary, error) {
	if s.db == nil {
		return nil, errors.New("event history is disabled")
	}
	recs, err := s.db.ListEvents(ctx, database.EventFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]telegram.EventSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, telegram.EventSummary{
			ID:          r.ID,
			CameraID:    r.CameraID,
			State:       r.State,
			Confidence:  r.Confidence,
			TriggeredAt: r.TriggeredAt,
		})
	}
	return out, nil
}
