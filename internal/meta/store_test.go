package meta

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gftdcojp/playback-loader/internal/types"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "pbl-meta-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndListProblems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := types.Problem{Severity: types.SeverityWarn, Message: "channel 3 has no schema"}
	if err := store.RecordProblem(ctx, "drive.mcap", "connid-3", first); err != nil {
		t.Fatalf("RecordProblem failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second := types.Problem{Severity: types.SeverityError, Message: "unexpected topic /lidar"}
	if err := store.RecordProblem(ctx, "drive.mcap", "unexpected-topic-/lidar", second); err != nil {
		t.Fatalf("RecordProblem failed: %v", err)
	}

	entries, err := store.ListProblems(ctx, "drive.mcap")
	if err != nil {
		t.Fatalf("ListProblems failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 problems, got %d", len(entries))
	}
	if entries[0].ID != "unexpected-topic-/lidar" || entries[1].ID != "connid-3" {
		t.Errorf("expected most recent first, got %s, %s", entries[0].ID, entries[1].ID)
	}
	if entries[1].Problem != first {
		t.Errorf("problem = %+v, want %+v", entries[1].Problem, first)
	}

	// Other sources are isolated.
	other, err := store.ListProblems(ctx, "other.mcap")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("expected no problems for other source, got %d", len(other))
	}
}

func TestRecordProblemKeepsFirstSeen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := types.Problem{Severity: types.SeverityWarn, Message: "gap"}

	if err := store.RecordProblem(ctx, "src", "gap", p); err != nil {
		t.Fatal(err)
	}
	before, _ := store.ListProblems(ctx, "src")
	time.Sleep(2 * time.Millisecond)
	p.Message = "gap again"
	if err := store.RecordProblem(ctx, "src", "gap", p); err != nil {
		t.Fatal(err)
	}

	after, err := store.ListProblems(ctx, "src")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 {
		t.Fatalf("expected 1 problem, got %d", len(after))
	}
	if !after[0].FirstSeen.Equal(before[0].FirstSeen) {
		t.Errorf("FirstSeen changed: %v -> %v", before[0].FirstSeen, after[0].FirstSeen)
	}
	if !after[0].LastSeen.After(before[0].LastSeen) {
		t.Errorf("LastSeen not advanced: %v -> %v", before[0].LastSeen, after[0].LastSeen)
	}
	if after[0].Problem.Message != "gap again" {
		t.Errorf("message = %q", after[0].Problem.Message)
	}
}

func TestClearProblem(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Clearing on an unknown source is a no-op.
	if err := store.ClearProblem(ctx, "src", "missing"); err != nil {
		t.Fatalf("ClearProblem on empty store: %v", err)
	}

	store.RecordProblem(ctx, "src", "a", types.Problem{Severity: types.SeverityWarn, Message: "a"})
	store.RecordProblem(ctx, "src", "b", types.Problem{Severity: types.SeverityWarn, Message: "b"})
	if err := store.ClearProblem(ctx, "src", "a"); err != nil {
		t.Fatalf("ClearProblem failed: %v", err)
	}

	entries, _ := store.ListProblems(ctx, "src")
	if len(entries) != 1 || entries[0].ID != "b" {
		t.Fatalf("expected only b, got %+v", entries)
	}

	// The time index entry is gone too, so pruning everything removes only b.
	n, err := store.PruneProblems(ctx, "src", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestPruneProblems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.RecordProblem(ctx, "src", "old", types.Problem{Severity: types.SeverityWarn, Message: "old"})
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	store.RecordProblem(ctx, "src", "new", types.Problem{Severity: types.SeverityWarn, Message: "new"})

	n, err := store.PruneProblems(ctx, "src", cutoff)
	if err != nil {
		t.Fatalf("PruneProblems failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	entries, _ := store.ListProblems(ctx, "src")
	if len(entries) != 1 || entries[0].ID != "new" {
		t.Errorf("expected only new to survive, got %+v", entries)
	}

	n, err = store.PruneProblems(ctx, "unknown", time.Now())
	if err != nil || n != 0 {
		t.Errorf("prune on unknown source = %d, %v", n, err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetSession(ctx, "src")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no session, got %+v", got)
	}

	want := Session{
		Topics:   []string{"/imu", "/gps"},
		LastSeek: types.NewTime(12, 500),
	}
	if err := store.SetSession(ctx, "src", want); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	got, err = store.GetSession(ctx, "src")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected a session")
	}
	if len(got.Topics) != 2 || got.Topics[0] != "/imu" || got.Topics[1] != "/gps" {
		t.Errorf("topics = %v", got.Topics)
	}
	if got.LastSeek != want.LastSeek {
		t.Errorf("last seek = %s, want %s", got.LastSeek, want.LastSeek)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped")
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "pbl-meta-reopen-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	ctx := context.Background()
	store, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	store.RecordProblem(ctx, "src", "x", types.Problem{Severity: types.SeverityInfo, Message: "x"})
	store.SetSession(ctx, "src", Session{Topics: []string{"/a"}})
	store.Close()

	store, err = NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	entries, _ := store.ListProblems(ctx, "src")
	if len(entries) != 1 {
		t.Errorf("expected 1 problem after reopen, got %d", len(entries))
	}
	session, _ := store.GetSession(ctx, "src")
	if session == nil || len(session.Topics) != 1 {
		t.Errorf("expected session after reopen, got %+v", session)
	}
}
