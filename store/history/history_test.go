package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRecordAndRecentEvents(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.RecordEvent(ctx, "alice", EventPushConnected, "session 0"); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := d.RecordEvent(ctx, "alice", EventRecordingStarted, ""); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := d.RecordEvent(ctx, "bob", EventPushConnected, ""); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	events, err := d.RecentEvents(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}
	// Newest first.
	if events[0].Type != EventRecordingStarted {
		t.Errorf("events[0].Type = %s, want %s", events[0].Type, EventRecordingStarted)
	}
}

func TestRecentEventsRespectsLimit(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := d.RecordEvent(ctx, "alice", EventPushConnected, ""); err != nil {
			t.Fatalf("RecordEvent #%d: %v", i, err)
		}
	}
	events, err := d.RecentEvents(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events (limit), got %d", len(events))
	}
}

func TestRecordAndRecentRecordings(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	end := time.Now().Truncate(time.Second)

	if err := d.RecordRecording(ctx, "alice", "/data/recordings/alice-1.ts", start, end, 1024, "completed"); err != nil {
		t.Fatalf("RecordRecording: %v", err)
	}

	recs, err := d.RecentRecordings(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("RecentRecordings: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(recs))
	}
	r := recs[0]
	if r.Path != "/data/recordings/alice-1.ts" || r.BytesWritten != 1024 || r.Completion != "completed" {
		t.Errorf("unexpected recording row: %+v", r)
	}
	if !r.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", r.StartedAt, start)
	}
}

func TestRepairDueFirstTimeIsTrueAndStamps(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	due, err := d.RepairDue(ctx, "push", time.Hour)
	if err != nil {
		t.Fatalf("RepairDue: %v", err)
	}
	if !due {
		t.Error("expected RepairDue true on first check")
	}

	due, err = d.RepairDue(ctx, "push", time.Hour)
	if err != nil {
		t.Fatalf("RepairDue: %v", err)
	}
	if due {
		t.Error("expected RepairDue false immediately after stamping")
	}
}

func TestRepairDueDifferentKindsAreIndependent(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if _, err := d.RepairDue(ctx, "push", time.Hour); err != nil {
		t.Fatalf("RepairDue(push): %v", err)
	}
	due, err := d.RepairDue(ctx, "token", time.Hour)
	if err != nil {
		t.Fatalf("RepairDue(token): %v", err)
	}
	if !due {
		t.Error("expected RepairDue(token) true even though push was just stamped")
	}
}
