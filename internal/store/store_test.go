package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"checkpointd/internal/model"
)

func newStore(t *testing.T, historyLimit int) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, historyLimit)
}

func enqueue(t *testing.T, s *Store, code, eventID, clientRef string, scannedAt time.Time) model.PendingScan {
	t.Helper()
	rec, err := s.Enqueue(context.Background(), model.ScanRequest{
		Code:      code,
		EventID:   eventID,
		ScannedAt: scannedAt,
	}, clientRef)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return rec
}

func TestEnqueueCreatesRecordAndCacheEntry(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	rec := enqueue(t, s, "TICKET-1", "ev1", "ref-1", time.Now().UTC())
	if rec.ID == 0 {
		t.Fatal("expected a local id")
	}
	if rec.Status != model.StatusPending {
		t.Fatalf("status = %q, want pending", rec.Status)
	}

	history, err := s.History(ctx, "ev1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	e := history[0]
	if e.Result != model.ResultPending || e.LocalRecordID != rec.ID || !e.Offline {
		t.Errorf("cache entry = %+v, want pending/linked/offline", e)
	}

	n, err := s.PendingCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("pending count = %d (%v), want 1", n, err)
	}
}

func TestEnqueuePrunesHistory(t *testing.T) {
	s := newStore(t, 5)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		enqueue(t, s, fmt.Sprintf("TICKET-%d", i), "ev1", fmt.Sprintf("ref-%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	history, err := s.History(ctx, "ev1", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("history length = %d after enqueues, want 5", len(history))
	}
	// Only the display cache is capped; every queued scan still awaits sync.
	n, err := s.PendingCount(ctx)
	if err != nil || n != 8 {
		t.Fatalf("pending count = %d (%v), want 8", n, err)
	}
}

func TestRecoverInFlightAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := New(db, 0)
	rec := enqueue(t, s, "TICKET-1", "ev1", "ref-1", time.Now().UTC())
	if err := s.MarkSent(ctx, []model.PendingScan{rec}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	// Process dies between marking sent and hearing back from the server.
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	db, err = OpenDB(path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s = New(db, 0)

	n, err := s.RecoverInFlight(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	batch, err := s.NextPendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != rec.ID {
		t.Fatalf("batch = %+v, want the interrupted record back", batch)
	}
	if batch[0].Attempts != 1 || batch[0].LastError == "" {
		t.Errorf("recovered record = %+v, want attempts kept and error recorded", batch[0])
	}
	history, _ := s.History(ctx, "ev1", 10)
	if len(history) != 1 || history[0].Status != model.StatusPending {
		t.Fatalf("cache entry after recovery = %+v, want pending", history)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	rec := enqueue(t, s, "TICKET-1", "ev1", "ref-1", time.Now().UTC())
	batch := []model.PendingScan{rec}

	if err := s.MarkSent(ctx, batch); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, err := s.GetScan(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if got.Status != model.StatusSent || got.Attempts != 1 {
		t.Fatalf("after mark sent: status=%q attempts=%d, want sent/1", got.Status, got.Attempts)
	}

	// Re-marking an already-sent record must not double-count attempts.
	if err := s.MarkSent(ctx, batch); err != nil {
		t.Fatalf("mark sent again: %v", err)
	}
	got, _ = s.GetScan(ctx, rec.ID)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d after duplicate mark, want 1", got.Attempts)
	}

	if err := s.RevertToPending(ctx, batch, "connection reset"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, _ = s.GetScan(ctx, rec.ID)
	if got.Status != model.StatusPending || got.LastError != "connection reset" || got.Attempts != 1 {
		t.Fatalf("after revert: %+v, want pending with error, attempts kept", got)
	}

	if err := s.MarkSent(ctx, batch); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.Confirm(ctx, rec, Confirmation{Result: model.ResultValid, Message: "welcome"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, _ = s.GetScan(ctx, rec.ID)
	if got.Status != model.StatusConfirmed || got.Attempts != 2 {
		t.Fatalf("after confirm: status=%q attempts=%d, want confirmed/2", got.Status, got.Attempts)
	}

	// Confirmed is terminal: neither revert nor a second confirmation moves it.
	if err := s.RevertToPending(ctx, batch, "late failure"); err != nil {
		t.Fatalf("revert after confirm: %v", err)
	}
	got, _ = s.GetScan(ctx, rec.ID)
	if got.Status != model.StatusConfirmed {
		t.Fatalf("confirmed record regressed to %q", got.Status)
	}
	if err := s.Confirm(ctx, rec, Confirmation{Result: model.ResultInvalid, Message: "changed my mind"}); err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	history, _ := s.History(ctx, "ev1", 10)
	if len(history) != 1 {
		t.Fatalf("history length = %d after re-confirm, want 1", len(history))
	}
	if history[0].Result != model.ResultValid {
		t.Fatalf("re-confirm overwrote result to %q", history[0].Result)
	}
}

func TestConfirmDuplicateOutcome(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	rec := enqueue(t, s, "TICKET-9", "ev1", "ref-9", time.Now().UTC())
	if err := s.MarkSent(ctx, []model.PendingScan{rec}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	err := s.Confirm(ctx, rec, Confirmation{
		Result:       model.ResultDuplicate,
		Message:      "already checked in",
		Reason:       "checked_in_at_gate_2",
		AttendanceID: "att-9",
		Offline:      true,
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	history, _ := s.History(ctx, "ev1", 10)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	e := history[0]
	if e.Result != model.ResultDuplicate || !e.Conflict || !e.Offline || e.AttendanceID != "att-9" {
		t.Errorf("cache entry = %+v, want duplicate/conflict/offline with attendance id", e)
	}
}

func TestConfirmMergesWithReconciledEntry(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	// Reconciliation saw the server-side attendance before our own batch
	// confirmation landed.
	err := s.UpsertOutcome(ctx, "ev1", Attendance{
		AttendanceID: "att-1",
		Code:         "TICKET-1",
		Result:       model.ResultValid,
		Message:      "checked in",
		ScannedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec := enqueue(t, s, "TICKET-1", "ev1", "ref-1", time.Now().UTC())
	if err := s.MarkSent(ctx, []model.PendingScan{rec}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	err = s.Confirm(ctx, rec, Confirmation{
		Result:       model.ResultDuplicate,
		Message:      "already checked in",
		AttendanceID: "att-1",
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	history, _ := s.History(ctx, "ev1", 10)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want exactly one entry per attendance id", len(history))
	}
	e := history[0]
	if e.AttendanceID != "att-1" || e.LocalRecordID != rec.ID || e.Result != model.ResultDuplicate {
		t.Errorf("merged entry = %+v", e)
	}
}

func TestUpsertOutcomeIsIdempotent(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	att := Attendance{
		AttendanceID: "att-1",
		Code:         "TICKET-1",
		Result:       model.ResultValid,
		Message:      "checked in",
		ScannedAt:    time.Now().UTC(),
	}
	for i := 0; i < 3; i++ {
		if err := s.UpsertOutcome(ctx, "ev1", att); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	history, _ := s.History(ctx, "ev1", 10)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
}

func TestPruneKeepsMostRecent(t *testing.T) {
	s := newStore(t, 50)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		err := s.UpsertOutcome(ctx, "ev1", Attendance{
			AttendanceID: fmt.Sprintf("att-%02d", i),
			Code:         fmt.Sprintf("TICKET-%02d", i),
			Result:       model.ResultValid,
			ScannedAt:    base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	history, err := s.History(ctx, "ev1", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 50 {
		t.Fatalf("history length = %d, want 50", len(history))
	}
	// Most recent first: entries 59 down to 10 survive.
	if history[0].AttendanceID != "att-59" {
		t.Errorf("newest = %s, want att-59", history[0].AttendanceID)
	}
	if history[len(history)-1].AttendanceID != "att-10" {
		t.Errorf("oldest kept = %s, want att-10", history[len(history)-1].AttendanceID)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	cur, err := s.Cursor(ctx, "ev1")
	if err != nil || cur != "" {
		t.Fatalf("initial cursor = %q (%v), want empty", cur, err)
	}
	if err := s.SetCursor(ctx, "ev1", "X"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if err := s.SetCursor(ctx, "ev2", "Y"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	cur, _ = s.Cursor(ctx, "ev1")
	if cur != "X" {
		t.Fatalf("cursor = %q, want X", cur)
	}
	if err := s.SetCursor(ctx, "ev1", "Z"); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	cur, _ = s.Cursor(ctx, "ev1")
	if cur != "Z" {
		t.Fatalf("cursor = %q, want Z", cur)
	}
}

func TestObserveHistoryPushesOnChange(t *testing.T) {
	s := newStore(t, 0)

	ch, cancel := s.ObserveHistory("ev1", 10)
	defer cancel()

	if got := recv(t, ch); len(got) != 0 {
		t.Fatalf("initial snapshot = %d entries, want 0", len(got))
	}

	enqueue(t, s, "TICKET-1", "ev1", "ref-1", time.Now().UTC())
	if got := recv(t, ch); len(got) != 1 {
		t.Fatalf("snapshot after enqueue = %d entries, want 1", len(got))
	}

	// A mutation on another event must not wake this subscriber with stale data.
	enqueue(t, s, "TICKET-2", "ev2", "ref-2", time.Now().UTC())
	select {
	case got := <-ch:
		if len(got) != 1 {
			t.Fatalf("cross-event push changed projection: %d entries", len(got))
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObservePendingCount(t *testing.T) {
	s := newStore(t, 0)

	ch, cancel := s.ObservePendingCount()
	defer cancel()
	if got := recv(t, ch); got != 0 {
		t.Fatalf("initial count = %d, want 0", got)
	}

	enqueue(t, s, "TICKET-1", "ev1", "ref-1", time.Now().UTC())
	if got := recv(t, ch); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestArchiveConfirmed(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	rec := enqueue(t, s, "TICKET-1", "ev1", "ref-1", time.Now().UTC())
	if err := s.MarkSent(ctx, []model.PendingScan{rec}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.Confirm(ctx, rec, Confirmation{Result: model.ResultValid}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	keep := enqueue(t, s, "TICKET-2", "ev1", "ref-2", time.Now().UTC())

	moved, err := s.ArchiveConfirmed(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}
	if _, err := s.GetScan(ctx, rec.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("archived record still in hot table (err=%v)", err)
	}
	if _, err := s.GetScan(ctx, keep.ID); err != nil {
		t.Fatalf("unconfirmed record was archived: %v", err)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observer push")
		panic("unreachable")
	}
}
