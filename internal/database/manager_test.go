package database

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/pkg/errors"
)

func TestMemoryManagerCursor(t *testing.T) {
	m := NewMemoryManager(nil)
	ctx := context.Background()

	if _, ok := m.LoadCursor(ctx, "tip"); ok {
		t.Fatal("LoadCursor() hit on empty manager")
	}

	m.SaveCursor(ctx, "tip", 7)
	m.SaveCursor(ctx, "other", 3)
	if got, ok := m.LoadCursor(ctx, "tip"); !ok || got != 7 {
		t.Errorf("LoadCursor(tip) = %d, %v, want 7", got, ok)
	}

	m.ForgetTip("tip")
	if _, ok := m.LoadCursor(ctx, "tip"); ok {
		t.Error("LoadCursor(tip) hit after ForgetTip")
	}
	if got, ok := m.LoadCursor(ctx, "other"); !ok || got != 3 {
		t.Errorf("LoadCursor(other) = %d, %v, want 3", got, ok)
	}
}

func TestMemoryManagerMarkSubmitted(t *testing.T) {
	m := NewMemoryManager(nil)
	ctx := context.Background()

	if !m.MarkSubmitted(ctx, "a") {
		t.Error("MarkSubmitted(a) first = false")
	}
	if m.MarkSubmitted(ctx, "a") {
		t.Error("MarkSubmitted(a) second = true")
	}
	if !m.MarkSubmitted(ctx, "b") {
		t.Error("MarkSubmitted(b) first = false")
	}
}

func TestMemoryManagerSubmittedExpires(t *testing.T) {
	m := NewMemoryManager(nil)
	m.submittedTTL = time.Millisecond
	ctx := context.Background()

	m.MarkSubmitted(ctx, "a")
	time.Sleep(5 * time.Millisecond)
	if !m.MarkSubmitted(ctx, "a") {
		t.Error("MarkSubmitted(a) after expiry = false")
	}
}

func TestSubmissionStatus(t *testing.T) {
	tests := []struct {
		name  string
		event messaging.SubmissionResultEvent
		want  string
	}{
		{"accepted", messaging.SubmissionResultEvent{Accepted: true}, postgres.StatusAccepted},
		{"rejected", messaging.SubmissionResultEvent{Error: "bad-prevblk"}, postgres.StatusRejected},
		{"duplicate", messaging.SubmissionResultEvent{Duplicate: true}, postgres.StatusDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SubmissionStatus(&tt.event); got != tt.want {
				t.Errorf("SubmissionStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMemoryManagerRecordsWithoutStores(t *testing.T) {
	m := NewMemoryManager(nil)
	ctx := context.Background()

	if err := m.RecordBlock(ctx, &postgres.FoundBlock{Hash: "a"}); err != nil {
		t.Errorf("RecordBlock() unexpected error: %v", err)
	}
	if err := m.RecordSubmission(ctx, &messaging.SubmissionResultEvent{BlockHash: "a", Accepted: true}, "cpu", 1); err != nil {
		t.Errorf("RecordSubmission() unexpected error: %v", err)
	}
	m.RecordSearch(ctx, &messaging.SearchReportEvent{Backend: "cpu", Reason: "timeout"})
	m.RecordDispatch("dev0", "found", time.Millisecond)

	stats, err := m.GetStats(ctx, "cpu")
	if err != nil {
		t.Fatalf("GetStats() unexpected error: %v", err)
	}
	if stats.HashRate != 0 || stats.BlocksFound != 0 || stats.RecentBlocks != nil {
		t.Errorf("GetStats() = %+v, want zero values", stats)
	}
	if err := m.Health(ctx); err != nil {
		t.Errorf("Health() unexpected error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() unexpected error: %v", err)
	}
}

func TestNewManager(t *testing.T) {
	ctx := context.Background()

	m, err := NewManager(ctx, nil, nil)
	if err != nil {
		t.Fatalf("NewManager(nil) unexpected error: %v", err)
	}
	if m.Postgres != nil || m.Redis != nil || m.Influx != nil {
		t.Error("NewManager(nil) opened a store")
	}

	m, err = NewManager(ctx, &Config{CursorTTL: time.Minute, SubmittedTTL: time.Hour}, nil)
	if err != nil {
		t.Fatalf("NewManager() unexpected error: %v", err)
	}
	if m.cursorTTL != time.Minute || m.submittedTTL != time.Hour {
		t.Errorf("ttls = %v, %v", m.cursorTTL, m.submittedTTL)
	}

	_, err = NewManager(ctx, &Config{RedisURL: "http://not-redis"}, nil)
	if err == nil {
		t.Fatal("NewManager() with a bad Redis URL succeeded")
	}
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Errorf("error type = %v, want database", err)
	}
}

func TestManagerStartPeriodicTasksStops(t *testing.T) {
	m := NewMemoryManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.StartPeriodicTasks(ctx, "cpu", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	cancel()
}
