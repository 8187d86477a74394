package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sentinel/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func record(id, camera string, at time.Time, state pipeline.EventState) *pipeline.EventRecord {
	return &pipeline.EventRecord{
		Event: pipeline.Event{
			ID:          id,
			CameraID:    camera,
			CameraIDs:   []string{camera},
			TriggeredAt: at,
			FinalizedAt: at.Add(5 * time.Second),
			State:       state,
			Confidence:  0.8,
			Triggers:    2,
			Peak: pipeline.Detection{
				Class: "person", Confidence: 0.8, CameraID: camera,
				Box: pipeline.BBox{X1: 10, Y1: 20, X2: 60, Y2: 160},
			},
		},
		Refs: pipeline.EvidenceRefs{Peak: "events/" + camera + "/" + id + "/peak.jpg"},
	}
}

func TestSaveAndGetEvent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 22, 15, 0, 250e6, time.UTC)

	rec := record("ev-1", "front", at, pipeline.StateConfirmed)
	rec.CameraIDs = []string{"front", "front-thermal"}
	rec.Unconfirmed = true
	rec.Confirmation = &pipeline.Confirmation{Verdict: pipeline.VerdictPositive, Confidence: 0.9, Description: "person detected"}
	rec.Refs.Before = []string{"b0.jpg", "b1.jpg"}

	if err := db.SaveEvent(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetEvent(ctx, "ev-1")
	if err != nil || got == nil {
		t.Fatalf("GetEvent() = %v, %v", got, err)
	}

	if !got.TriggeredAt.Equal(at) || !got.FinalizedAt.Equal(at.Add(5*time.Second)) {
		t.Errorf("times = %v / %v", got.TriggeredAt, got.FinalizedAt)
	}
	if got.State != pipeline.StateConfirmed || !got.Unconfirmed || got.Incomplete || got.Triggers != 2 {
		t.Errorf("record = %+v", got)
	}
	if len(got.CameraIDs) != 2 || got.Peak.Box.Y2 != 160 || got.Peak.Class != "person" {
		t.Errorf("camera ids %v, peak %+v", got.CameraIDs, got.Peak)
	}
	if got.Confirmation == nil || got.Confirmation.Description != "person detected" {
		t.Errorf("confirmation = %+v", got.Confirmation)
	}
	if len(got.Refs.Before) != 2 || got.Refs.Peak != rec.Refs.Peak {
		t.Errorf("refs = %+v", got.Refs)
	}

	missing, err := db.GetEvent(ctx, "nope")
	if missing != nil || err != nil {
		t.Errorf("GetEvent(missing) = %v, %v", missing, err)
	}
}

func TestSaveEventReplaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := record("ev-1", "front", time.Now(), pipeline.StateTimedOut)
	if err := db.SaveEvent(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.State = pipeline.StateRejected
	rec.RejectionReason = "negative verdict"
	if err := db.SaveEvent(ctx, rec); err != nil {
		t.Fatal(err)
	}

	all, err := db.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].State != pipeline.StateRejected || all[0].RejectionReason != "negative verdict" {
		t.Errorf("events = %+v", all)
	}
	if all[0].Confirmation != nil {
		t.Error("nil confirmation should stay nil")
	}
}

func TestListEventsFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, r := range []*pipeline.EventRecord{
		record("a", "front", base, pipeline.StateConfirmed),
		record("b", "back", base.Add(time.Minute), pipeline.StateRejected),
		record("c", "front", base.Add(2*time.Minute), pipeline.StateRejected),
		record("d", "front", base.Add(3*time.Minute), pipeline.StateConfirmed),
	} {
		if err := db.SaveEvent(ctx, r); err != nil {
			t.Fatalf("SaveEvent(%d) = %v", i, err)
		}
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{"all newest first", EventFilter{}, []string{"d", "c", "b", "a"}},
		{"camera", EventFilter{CameraID: "front"}, []string{"d", "c", "a"}},
		{"state", EventFilter{State: pipeline.StateRejected}, []string{"c", "b"}},
		{"since", EventFilter{Since: base.Add(90 * time.Second)}, []string{"d", "c"}},
		{"limit", EventFilter{CameraID: "front", Limit: 2}, []string{"d", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("event[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestDeleteEventsBefore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	db.SaveEvent(ctx, record("old", "front", now.Add(-48*time.Hour), pipeline.StateConfirmed))
	db.SaveEvent(ctx, record("new", "front", now.Add(-time.Hour), pipeline.StateConfirmed))

	n, err := db.DeleteEventsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteEventsBefore() = %d, %v", n, err)
	}
	if ev, _ := db.GetEvent(ctx, "old"); ev != nil {
		t.Error("old event survived")
	}
	if ev, _ := db.GetEvent(ctx, "new"); ev == nil {
		t.Error("recent event deleted")
	}
}

func TestCameraStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	db.SaveCameraStatus(ctx, pipeline.LivenessEvent{CameraID: "front", State: pipeline.LivenessConnecting, Timestamp: ts})
	db.SaveCameraStatus(ctx, pipeline.LivenessEvent{CameraID: "back", State: pipeline.LivenessConnected, Timestamp: ts})
	if err := db.SaveCameraStatus(ctx, pipeline.LivenessEvent{
		CameraID: "front", State: pipeline.LivenessFailed, Attempt: 5, Error: "connection refused", Timestamp: ts.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListCameraStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows", len(got))
	}
	front := got[1]
	if got[0].CameraID != "back" || front.CameraID != "front" {
		t.Fatalf("order = %s, %s", got[0].CameraID, front.CameraID)
	}
	if front.State != pipeline.LivenessFailed || front.Attempt != 5 || front.Error != "connection refused" || !front.UpdatedAt.Equal(ts.Add(time.Minute)) {
		t.Errorf("front = %+v", front)
	}
}
