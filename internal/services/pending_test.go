package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"tagbind/internal/models"
)

func TestOpenCancelsPriorForSameGuest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, cancelled, err := f.table.Open(ctx, "P1", "G1", "S1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if cancelled != nil {
		t.Fatalf("first Open() cancelled = %v, want nil", cancelled)
	}

	second, cancelled, err := f.table.Open(ctx, "P1", "G1", "S2")
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if cancelled == nil || cancelled.ID != first.ID {
		t.Fatalf("second Open() cancelled = %v, want prior request %s", cancelled, first.ID)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Errorf("cancelled status = %v, want cancelled", cancelled.Status)
	}
	if got := f.pending.status(first.ID); got != models.StatusCancelled {
		t.Errorf("durable prior status = %v, want cancelled", got)
	}
	if got := f.table.FindWaitingByScanner("S2"); got == nil || got.ID != second.ID {
		t.Errorf("FindWaitingByScanner(S2) = %v, want %s", got, second.ID)
	}
	if got := f.table.FindWaitingByScanner("S1"); got != nil {
		t.Errorf("FindWaitingByScanner(S1) = %v, want nil after restart on S2", got)
	}
}

func TestOpenRejectsBusyScanner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, _, err := f.table.Open(ctx, "P1", "G1", "S1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	_, _, err := f.table.Open(ctx, "P1", "G2", "S1")
	if !errors.Is(err, ErrScannerBusy) {
		t.Fatalf("Open() for second guest error = %v, want ErrScannerBusy", err)
	}

	if n := f.table.WaitingCount(); n != 1 {
		t.Errorf("WaitingCount() = %d, want 1", n)
	}
}

func TestAtMostOneWaitingPerScanner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// G1 restarts twice, G2 tries to queue behind the busy scanner
	f.table.Open(ctx, "P1", "G1", "S1")
	latest, _, err := f.table.Open(ctx, "P1", "G1", "S1")
	if err != nil {
		t.Fatalf("restart Open() error = %v", err)
	}
	if _, _, err := f.table.Open(ctx, "P1", "G2", "S1"); !errors.Is(err, ErrScannerBusy) {
		t.Fatalf("queueing Open() error = %v, want ErrScannerBusy", err)
	}

	if n := f.table.WaitingCount(); n != 1 {
		t.Errorf("WaitingCount() = %d, want 1", n)
	}
	if got := f.table.FindWaitingByScanner("S1"); got == nil || got.ID != latest.ID {
		t.Errorf("FindWaitingByScanner(S1) = %v, want latest request %s", got, latest.ID)
	}
}

func TestOpenHidesRequestUntilDurablyCreated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// a scan lands on the scanner while Open is still persisting its
	// row; it must route as observational, and the request must still
	// be matchable once the durable create has finished
	var windowResult *ScanResult
	var windowErr error
	f.pending.createHook = func() {
		windowResult, windowErr = f.engine.ProcessScan(ctx, &models.ScanEvent{TagID: "EARLY-TAG", ScannerMAC: testMAC})
	}

	req, _, err := f.table.Open(ctx, "P1", "G1", "S1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f.pending.createHook = nil

	if windowErr != nil {
		t.Fatalf("in-flight scan error = %v", windowErr)
	}
	if windowResult.Outcome != OutcomeObserved {
		t.Fatalf("in-flight scan outcome = %v, want observed", windowResult.Outcome)
	}

	res, err := f.engine.ProcessScan(ctx, &models.ScanEvent{TagID: testTag, ScannerMAC: testMAC})
	if err != nil {
		t.Fatalf("ProcessScan() error = %v", err)
	}
	if res.Outcome != OutcomeMatched || res.RequestID != req.ID {
		t.Fatalf("ProcessScan() = %+v, want match on %s", res, req.ID)
	}
	if got := f.pending.status(req.ID); got != models.StatusCompleted {
		t.Errorf("durable status = %v, want completed", got)
	}
}

func TestOpenRejectsConflictsWhileStillPersisting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// conflicting opens arriving inside the persistence window are
	// rejected, not queued behind the half-created row
	var busyErrs []error
	f.pending.createHook = func() {
		f.pending.createHook = nil
		_, _, sameGuest := f.table.Open(ctx, "P1", "G1", "S2")
		_, _, sameScanner := f.table.Open(ctx, "P1", "G2", "S1")
		busyErrs = append(busyErrs, sameGuest, sameScanner)
	}

	req, _, err := f.table.Open(ctx, "P1", "G1", "S1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for i, busyErr := range busyErrs {
		if !errors.Is(busyErr, ErrScannerBusy) {
			t.Errorf("conflicting Open() #%d error = %v, want ErrScannerBusy", i, busyErr)
		}
	}
	if n := f.table.WaitingCount(); n != 1 {
		t.Errorf("WaitingCount() = %d, want 1", n)
	}
	if got := f.table.FindWaitingByScanner("S1"); got == nil || got.ID != req.ID {
		t.Errorf("FindWaitingByScanner(S1) = %v, want %s", got, req.ID)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req, _, err := f.table.Open(ctx, "P1", "G1", "S1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	done, err := f.table.Cancel(ctx, req.ID)
	if err != nil || !done {
		t.Fatalf("first Cancel() = (%v, %v), want (true, nil)", done, err)
	}
	done, err = f.table.Cancel(ctx, req.ID)
	if err != nil || done {
		t.Fatalf("second Cancel() = (%v, %v), want (false, nil)", done, err)
	}
	done, err = f.table.Cancel(ctx, "no-such-request")
	if err != nil || done {
		t.Fatalf("Cancel(unknown) = (%v, %v), want (false, nil)", done, err)
	}
}

func TestCompleteIsAtomic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req, _, _ := f.table.Open(ctx, "P1", "G1", "S1")

	completed, err := f.table.Complete(ctx, req.ID, testTag, time.Now())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.TagID != testTag {
		t.Errorf("completed = %+v, want completed status with tag %s", completed, testTag)
	}

	if _, err := f.table.Complete(ctx, req.ID, "other-tag", time.Now()); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Complete() error = %v, want ErrAlreadyResolved", err)
	}
	if got := f.pending.status(req.ID); got != models.StatusCompleted {
		t.Errorf("durable status = %v, want completed", got)
	}
}

func TestCompleteStorageFailureRollsBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req, _, _ := f.table.Open(ctx, "P1", "G1", "S1")
	f.pending.completeErr = errors.New("connection refused")

	if _, err := f.table.Complete(ctx, req.ID, testTag, time.Now()); err == nil {
		t.Fatal("Complete() error = nil, want storage failure")
	}

	// the row must be waiting again so a later scan can retry
	got := f.table.FindWaitingByScanner("S1")
	if got == nil || got.ID != req.ID || got.Status != models.StatusWaiting {
		t.Fatalf("after rollback FindWaitingByScanner = %+v, want waiting %s", got, req.ID)
	}

	f.pending.completeErr = nil
	if _, err := f.table.Complete(ctx, req.ID, testTag, time.Now()); err != nil {
		t.Errorf("retry Complete() error = %v", err)
	}
}

func TestFindWaitingByScannerPicksOldest(t *testing.T) {
	// two waiting rows for one scanner cannot arise through the table;
	// simulate a hand-edited store and make sure Load + lookup resolve
	// to the oldest row.
	pending := newFakePendingRepo()
	older := models.PendingRequest{
		ID: "REQ-A", ProjectID: "P1", GuestID: "G1", ScannerID: "S1",
		Status: models.StatusWaiting, CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	newer := models.PendingRequest{
		ID: "REQ-B", ProjectID: "P1", GuestID: "G2", ScannerID: "S1",
		Status: models.StatusWaiting, CreatedAt: time.Now().Add(-5 * time.Minute),
	}
	pending.Create(context.Background(), &newer)
	pending.Create(context.Background(), &older)

	table := NewPendingTable(pending)
	if err := table.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := table.FindWaitingByScanner("S1")
	if got == nil || got.ID != "REQ-A" {
		t.Fatalf("FindWaitingByScanner() = %v, want oldest REQ-A", got)
	}
}

func TestExpireBefore(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	stale, _, _ := f.table.Open(ctx, "P1", "G1", "S1")
	fresh, _, _ := f.table.Open(ctx, "P1", "G2", "S2")

	// age the first row past the horizon
	f.table.mu.Lock()
	f.table.rows[stale.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	f.table.mu.Unlock()

	expired := f.table.ExpireBefore(ctx, time.Now().Add(-time.Hour))
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("ExpireBefore() = %v, want only %s", expired, stale.ID)
	}
	if got := f.pending.status(stale.ID); got != models.StatusCancelled {
		t.Errorf("durable status = %v, want cancelled", got)
	}
	if got := f.table.FindWaitingByScanner("S2"); got == nil || got.ID != fresh.ID {
		t.Errorf("fresh request lost by sweep: %v", got)
	}
}

func TestTerminalRowsAreNeverResurrected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req, _, _ := f.table.Open(ctx, "P1", "G1", "S1")
	f.table.Cancel(ctx, req.ID)

	if _, err := f.table.Complete(ctx, req.ID, testTag, time.Now()); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Complete(cancelled) error = %v, want ErrAlreadyResolved", err)
	}
	if got := f.pending.status(req.ID); got != models.StatusCancelled {
		t.Errorf("durable status = %v, want cancelled", got)
	}
}
