package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"tagbind/internal/models"
	"tagbind/internal/notify"
	"tagbind/internal/repository"
)

// BindingLifecycle defines the operator-facing lifecycle operations
type BindingLifecycle interface {
	Start(ctx context.Context, projectID, guestID, scannerID string) (*models.PendingRequest, error)
	Cancel(ctx context.Context, requestID string) error
	RemoveBinding(ctx context.Context, projectID, guestID string) error
}

// LifecycleController orchestrates start/cancel/expire transitions on
// pending requests. Every transition that changes externally-visible
// state publishes exactly one event of the matching kind.
type LifecycleController struct {
	guests   repository.GuestRepository
	scanners repository.ScannerRepository
	bindings repository.BindingRepository
	table    *PendingTable
	bus      Publisher
	ttl      time.Duration
}

// NewLifecycleController creates a new lifecycle controller. ttl is the
// expiry horizon for abandoned waiting requests.
func NewLifecycleController(
	guests repository.GuestRepository,
	scanners repository.ScannerRepository,
	bindings repository.BindingRepository,
	table *PendingTable,
	bus Publisher,
	ttl time.Duration,
) *LifecycleController {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LifecycleController{
		guests:   guests,
		scanners: scanners,
		bindings: bindings,
		table:    table,
		bus:      bus,
		ttl:      ttl,
	}
}

// Start opens a waiting request binding the next scan on the scanner to
// the guest. A prior waiting request for the same guest is implicitly
// cancelled (with its own notification); a busy scanner rejects with
// ErrScannerBusy.
func (c *LifecycleController) Start(ctx context.Context, projectID, guestID, scannerID string) (*models.PendingRequest, error) {
	if _, err := c.guests.GetByID(ctx, projectID, guestID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: guest %s in project %s", repository.ErrNotFound, guestID, projectID)
		}
		return nil, err
	}
	if _, err := c.scanners.GetByID(ctx, scannerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: scanner %s", repository.ErrNotFound, scannerID)
		}
		return nil, err
	}

	req, cancelled, err := c.table.Open(ctx, projectID, guestID, scannerID)
	if cancelled != nil {
		// the prior cancellation is durable even when the open failed
		c.bus.PublishFiltered(notify.KindBindingCancelled, models.BindingCancelled{RequestID: cancelled.ID})
	}
	if err != nil {
		return nil, err
	}

	c.bus.PublishFiltered(notify.KindBindingStarted, models.BindingStarted{
		RequestID: req.ID,
		ProjectID: req.ProjectID,
		GuestID:   req.GuestID,
		ScannerID: req.ScannerID,
		CreatedAt: req.CreatedAt,
	})

	log.Info().
		Str("request", req.ID).
		Str("guest", guestID).
		Str("scanner", scannerID).
		Msg("binding request started")
	return req, nil
}

// Cancel transitions a waiting request to cancelled. Cancelling an
// unknown or already terminal request is a successful no-op and does
// not publish a second event.
func (c *LifecycleController) Cancel(ctx context.Context, requestID string) error {
	done, err := c.table.Cancel(ctx, requestID)
	if err != nil {
		return err
	}
	if done {
		c.bus.PublishFiltered(notify.KindBindingCancelled, models.BindingCancelled{RequestID: requestID})
		log.Info().Str("request", requestID).Msg("binding request cancelled")
	}
	return nil
}

// RemoveBinding clears a guest's durable binding and cancels any
// waiting request for that guest. Removing a guest with no binding and
// no request succeeds silently. The removal event is published as soon
// as the binding row is gone; a failure clearing the guest's tag mirror
// afterwards surfaces as an error but cannot lose the event.
func (c *LifecycleController) RemoveBinding(ctx context.Context, projectID, guestID string) error {
	removed := true
	if err := c.bindings.Delete(ctx, projectID, guestID); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		removed = false
	}
	if removed {
		c.bus.PublishFiltered(notify.KindBindingRemoved, models.BindingRemoved{
			ProjectID: projectID,
			GuestID:   guestID,
		})
		log.Info().Str("guest", guestID).Str("project", projectID).Msg("binding removed")
	}

	if err := c.guests.ClearTag(ctx, projectID, guestID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	if req := c.table.FindWaitingByGuest(projectID, guestID); req != nil {
		if err := c.Cancel(ctx, req.ID); err != nil {
			return err
		}
	}
	return nil
}

// CancelForGuest cancels the guest's waiting request, if any. Cascade
// hook for guest removal.
func (c *LifecycleController) CancelForGuest(ctx context.Context, projectID, guestID string) error {
	if req := c.table.FindWaitingByGuest(projectID, guestID); req != nil {
		return c.Cancel(ctx, req.ID)
	}
	return nil
}

// CancelForProject cancels every waiting request in the project.
// Cascade hook for project deletion.
func (c *LifecycleController) CancelForProject(ctx context.Context, projectID string) error {
	for _, req := range c.table.FindWaitingByProject(projectID) {
		if err := c.Cancel(ctx, req.ID); err != nil {
			return err
		}
	}
	return nil
}

// RunJanitor sweeps expired waiting requests until the context is
// cancelled. Each expired request publishes one cancellation event.
// Usually run in a goroutine.
func (c *LifecycleController) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweepExpired(ctx, now)
		}
	}
}

func (c *LifecycleController) sweepExpired(ctx context.Context, now time.Time) {
	expired := c.table.ExpireBefore(ctx, now.Add(-c.ttl))
	for _, req := range expired {
		c.bus.PublishFiltered(notify.KindBindingCancelled, models.BindingCancelled{RequestID: req.ID})
		log.Info().Str("request", req.ID).Time("created_at", req.CreatedAt).Msg("binding request expired")
	}
}
