// Package services implements the matching core: the pending request
// table, the scan matching engine and the binding lifecycle controller.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tagbind/internal/models"
	"tagbind/internal/repository"
)

// pendingRow is the in-memory representation of a waiting request. A
// provisional row has been reserved by Open but not yet durably
// created; it blocks conflicting opens but is invisible to every other
// reader until the durable write lands, so a racing scan can never
// resolve a request the store does not have.
type pendingRow struct {
	models.PendingRequest
	provisional bool
}

// PendingTable is the single shared mutable resource in the hot path:
// an in-memory registry of waiting binding requests, mirrored to the
// durable store. All status transitions happen under one mutex, so two
// scans racing for the same waiting row resolve to exactly one winner.
// Terminal rows leave the table immediately and are never reused.
type PendingTable struct {
	mu   sync.Mutex
	rows map[string]*pendingRow
	repo repository.PendingRequestRepository
}

// NewPendingTable creates an empty table backed by the given store.
func NewPendingTable(repo repository.PendingRequestRepository) *PendingTable {
	return &PendingTable{
		rows: make(map[string]*pendingRow),
		repo: repo,
	}
}

// Load restores waiting rows from the durable store, typically once at
// startup.
func (t *PendingTable) Load(ctx context.Context) error {
	rows, err := t.repo.ListWaiting(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending requests: %w", err)
	}

	t.mu.Lock()
	for i := range rows {
		t.rows[rows[i].ID] = &pendingRow{PendingRequest: rows[i]}
	}
	t.mu.Unlock()

	log.Info().Int("waiting", len(rows)).Msg("pending request table loaded")
	return nil
}

// Open inserts a new waiting request. Any waiting request for the same
// (project, guest) is cancelled first and returned so the caller can
// publish its cancellation; the returned prior is valid even when Open
// itself fails afterwards, because the cancellation is already durable.
// A waiting request held by a different guest on the same scanner
// rejects the open with ErrScannerBusy, as does any conflicting open
// still persisting its row. The new row becomes visible to scans only
// once its durable create has succeeded.
func (t *PendingTable) Open(ctx context.Context, projectID, guestID, scannerID string) (*models.PendingRequest, *models.PendingRequest, error) {
	t.mu.Lock()
	var prior *pendingRow
	for _, row := range t.rows {
		if row.ProjectID == projectID && row.GuestID == guestID {
			if row.provisional {
				t.mu.Unlock()
				return nil, nil, ErrScannerBusy
			}
			prior = row
			continue
		}
		if row.ScannerID == scannerID {
			t.mu.Unlock()
			return nil, nil, ErrScannerBusy
		}
	}

	var cancelled *models.PendingRequest
	if prior != nil {
		prior.Status = models.StatusCancelled
		delete(t.rows, prior.ID)
		c := prior.PendingRequest
		cancelled = &c
	}

	req := &pendingRow{
		PendingRequest: models.PendingRequest{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			GuestID:   guestID,
			ScannerID: scannerID,
			Status:    models.StatusWaiting,
			CreatedAt: time.Now(),
		},
		provisional: true,
	}
	t.rows[req.ID] = req
	out := req.PendingRequest
	t.mu.Unlock()

	if cancelled != nil {
		err := t.repo.SetStatus(ctx, cancelled.ID, models.StatusWaiting, models.StatusCancelled)
		if err != nil && !errors.Is(err, repository.ErrStaleStatus) {
			t.mu.Lock()
			delete(t.rows, out.ID)
			restored := *cancelled
			restored.Status = models.StatusWaiting
			t.rows[restored.ID] = &pendingRow{PendingRequest: restored}
			t.mu.Unlock()
			return nil, nil, fmt.Errorf("failed to cancel prior request: %w", err)
		}
	}

	if err := t.repo.Create(ctx, &out); err != nil {
		t.mu.Lock()
		delete(t.rows, out.ID)
		t.mu.Unlock()
		return nil, cancelled, fmt.Errorf("failed to persist request: %w", err)
	}

	// the durable row exists, publish it to the finders
	t.mu.Lock()
	if row, ok := t.rows[out.ID]; ok {
		row.provisional = false
	}
	t.mu.Unlock()

	return &out, cancelled, nil
}

// Cancel transitions a waiting row to cancelled. Unknown or already
// terminal rows are a no-op, reported as false with no error, so
// operator retries stay safe.
func (t *PendingTable) Cancel(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	row, ok := t.rows[id]
	if !ok || row.provisional {
		t.mu.Unlock()
		return false, nil
	}
	row.Status = models.StatusCancelled
	delete(t.rows, id)
	out := row.PendingRequest
	t.mu.Unlock()

	if err := t.repo.SetStatus(ctx, id, models.StatusWaiting, models.StatusCancelled); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			// durable row was already terminal; keep it out of memory
			log.Warn().Str("request", id).Msg("cancel found durable row already terminal")
			return false, nil
		}
		t.mu.Lock()
		restored := out
		restored.Status = models.StatusWaiting
		t.rows[id] = &pendingRow{PendingRequest: restored}
		t.mu.Unlock()
		return false, fmt.Errorf("failed to persist cancel: %w", err)
	}

	return true, nil
}

// FindWaitingByScanner returns a copy of the oldest waiting request for
// the scanner, or nil. Multiple waiting rows per scanner cannot arise
// through this table; oldest-by-creation is the tie-break if the store
// was edited underneath us.
func (t *PendingTable) FindWaitingByScanner(scannerID string) *models.PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest *pendingRow
	for _, row := range t.rows {
		if row.ScannerID != scannerID || row.provisional {
			continue
		}
		if oldest == nil || row.CreatedAt.Before(oldest.CreatedAt) ||
			(row.CreatedAt.Equal(oldest.CreatedAt) && row.ID < oldest.ID) {
			oldest = row
		}
	}
	if oldest == nil {
		return nil
	}
	out := oldest.PendingRequest
	return &out
}

// FindWaitingByGuest returns a copy of the guest's waiting request, or nil.
func (t *PendingTable) FindWaitingByGuest(projectID, guestID string) *models.PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, row := range t.rows {
		if row.ProjectID == projectID && row.GuestID == guestID && !row.provisional {
			out := row.PendingRequest
			return &out
		}
	}
	return nil
}

// FindWaitingByProject returns copies of all waiting requests in a project.
func (t *PendingTable) FindWaitingByProject(projectID string) []models.PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []models.PendingRequest
	for _, row := range t.rows {
		if row.ProjectID == projectID && !row.provisional {
			out = append(out, row.PendingRequest)
		}
	}
	return out
}

// Complete is the atomic waiting -> completed transition. Losers of a
// race get ErrAlreadyResolved and must route the scan as observational.
// The durable write follows the in-memory transition; on storage
// failure the row reverts to waiting so a later scan can retry.
func (t *PendingTable) Complete(ctx context.Context, id, tagID string, at time.Time) (*models.PendingRequest, error) {
	t.mu.Lock()
	row, ok := t.rows[id]
	if !ok || row.provisional {
		t.mu.Unlock()
		return nil, ErrAlreadyResolved
	}
	row.Status = models.StatusCompleted
	row.TagID = tagID
	completedAt := at
	row.CompletedAt = &completedAt
	delete(t.rows, id)
	out := row.PendingRequest
	t.mu.Unlock()

	if err := t.repo.MarkCompleted(ctx, id, tagID, at); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			log.Warn().Str("request", id).Msg("complete found durable row already terminal")
			return nil, ErrAlreadyResolved
		}
		t.mu.Lock()
		restored := out
		restored.Status = models.StatusWaiting
		restored.TagID = ""
		restored.CompletedAt = nil
		t.rows[id] = &pendingRow{PendingRequest: restored}
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to persist completion: %w", err)
	}

	return &out, nil
}

// Reopen reverts a completed request to waiting after its binding write
// failed, in memory and in the store, so the match can be retried.
func (t *PendingTable) Reopen(ctx context.Context, req models.PendingRequest) error {
	if err := t.repo.SetStatus(ctx, req.ID, models.StatusCompleted, models.StatusWaiting); err != nil {
		return fmt.Errorf("failed to reopen request: %w", err)
	}

	req.Status = models.StatusWaiting
	req.TagID = ""
	req.CompletedAt = nil

	t.mu.Lock()
	t.rows[req.ID] = &pendingRow{PendingRequest: req}
	t.mu.Unlock()
	return nil
}

// ExpireBefore cancels waiting rows created before the cutoff and
// returns them. Rows whose durable cancel fails stay in the table and
// are retried on the next sweep.
func (t *PendingTable) ExpireBefore(ctx context.Context, cutoff time.Time) []models.PendingRequest {
	t.mu.Lock()
	var expired []models.PendingRequest
	for _, row := range t.rows {
		if row.CreatedAt.Before(cutoff) && !row.provisional {
			row.Status = models.StatusCancelled
			expired = append(expired, row.PendingRequest)
		}
	}
	for i := range expired {
		delete(t.rows, expired[i].ID)
	}
	t.mu.Unlock()

	swept := make([]models.PendingRequest, 0, len(expired))
	for i := range expired {
		row := expired[i]
		err := t.repo.SetStatus(ctx, row.ID, models.StatusWaiting, models.StatusCancelled)
		if err != nil && !errors.Is(err, repository.ErrStaleStatus) {
			log.Error().Err(err).Str("request", row.ID).Msg("failed to persist expiry, will retry")
			restored := row
			restored.Status = models.StatusWaiting
			t.mu.Lock()
			t.rows[restored.ID] = &pendingRow{PendingRequest: restored}
			t.mu.Unlock()
			continue
		}
		swept = append(swept, row)
	}
	return swept
}

// WaitingCount returns the number of visible waiting rows in the table.
func (t *PendingTable) WaitingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, row := range t.rows {
		if !row.provisional {
			n++
		}
	}
	return n
}
