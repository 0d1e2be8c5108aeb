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

// Publisher is the slice of the notification bus the core needs.
type Publisher interface {
	Publish(kind notify.EventKind, data interface{})
	PublishFiltered(kind notify.EventKind, data interface{})
}

// ScanOutcome classifies one processed scan event.
type ScanOutcome string

const (
	OutcomeMatched        ScanOutcome = "matched"
	OutcomeObserved       ScanOutcome = "observed"
	OutcomeUnknownScanner ScanOutcome = "unknown-scanner"
)

// ScanResult is the classification returned to the ingesting caller.
type ScanResult struct {
	Outcome   ScanOutcome `json:"result"`
	TagID     string      `json:"tag_id"`
	RequestID string      `json:"request_id,omitempty"`
	GuestID   string      `json:"guest_id,omitempty"`
}

// ScanProcessor defines the interface for scan event processing
type ScanProcessor interface {
	ProcessScan(ctx context.Context, scan *models.ScanEvent) (*ScanResult, error)
}

// MatchingEngine classifies and routes one scan event: either it
// completes the scanner's waiting request, or it is forwarded untouched
// as an observational scan.
type MatchingEngine struct {
	scanners repository.ScannerRepository
	guests   repository.GuestRepository
	bindings repository.BindingRepository
	table    *PendingTable
	bus      Publisher
}

// NewMatchingEngine creates a new matching engine
func NewMatchingEngine(
	scanners repository.ScannerRepository,
	guests repository.GuestRepository,
	bindings repository.BindingRepository,
	table *PendingTable,
	bus Publisher,
) *MatchingEngine {
	return &MatchingEngine{
		scanners: scanners,
		guests:   guests,
		bindings: bindings,
		table:    table,
		bus:      bus,
	}
}

// ProcessScan resolves the scanner, tries to complete its oldest
// waiting request and falls back to observational routing. It never
// returns a business error to the ingester; the returned error is only
// ever a storage failure that already left the scan classified.
func (e *MatchingEngine) ProcessScan(ctx context.Context, scan *models.ScanEvent) (*ScanResult, error) {
	if scan.Timestamp.IsZero() {
		scan.Timestamp = time.Now()
	}

	scanner, err := e.scanners.GetByMAC(ctx, scan.ScannerMAC)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn().
				Str("mac", scan.ScannerMAC).
				Str("tag", scan.TagID).
				Msg("scan from unknown scanner dropped")
			return &ScanResult{Outcome: OutcomeUnknownScanner, TagID: scan.TagID}, nil
		}
		return nil, fmt.Errorf("failed to resolve scanner: %w", err)
	}

	if err := e.scanners.UpdateHeartbeat(ctx, scanner.ID, scan.Timestamp); err != nil {
		log.Warn().Err(err).Str("scanner", scanner.ID).Msg("failed to update scanner heartbeat")
	}

	for {
		req := e.table.FindWaitingByScanner(scanner.ID)
		if req == nil {
			break
		}

		completed, err := e.table.Complete(ctx, req.ID, scan.TagID, scan.Timestamp)
		if errors.Is(err, ErrAlreadyResolved) {
			// lost the race for this row; another may be waiting
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("request", req.ID).Msg("failed to complete request, observing scan")
			break
		}

		if err := e.persistBinding(ctx, completed); err != nil {
			log.Error().Err(err).Str("request", completed.ID).Msg("binding write failed, request reopened")
			break
		}

		e.bus.PublishFiltered(notify.KindBindingCompleted, models.BindingCompleted{
			RequestID:   completed.ID,
			ProjectID:   completed.ProjectID,
			GuestID:     completed.GuestID,
			TagID:       completed.TagID,
			CompletedAt: *completed.CompletedAt,
		})

		log.Info().
			Str("request", completed.ID).
			Str("guest", completed.GuestID).
			Str("tag", completed.TagID).
			Msg("binding completed")

		return &ScanResult{
			Outcome:   OutcomeMatched,
			TagID:     scan.TagID,
			RequestID: completed.ID,
			GuestID:   completed.GuestID,
		}, nil
	}

	e.bus.PublishFiltered(notify.KindScanObserved, models.ScanObserved{
		TagID:       scan.TagID,
		ScannerMAC:  scanner.MAC,
		ScannerName: scanner.Name,
		Timestamp:   scan.Timestamp,
	})

	return &ScanResult{Outcome: OutcomeObserved, TagID: scan.TagID}, nil
}

// persistBinding writes the durable binding for a completed request and
// mirrors the tag onto the guest. A failed binding write reopens the
// request so the match can be retried; a failed guest mirror is only
// logged, the binding row is authoritative.
func (e *MatchingEngine) persistBinding(ctx context.Context, req *models.PendingRequest) error {
	binding := &models.Binding{
		ProjectID:  req.ProjectID,
		GuestID:    req.GuestID,
		TagID:      req.TagID,
		AssignedAt: *req.CompletedAt,
	}

	if err := e.bindings.Upsert(ctx, binding); err != nil {
		if reopenErr := e.table.Reopen(ctx, *req); reopenErr != nil {
			log.Error().Err(reopenErr).Str("request", req.ID).Msg("failed to reopen request after binding failure")
		}
		return err
	}

	if err := e.guests.SetTag(ctx, req.ProjectID, req.GuestID, req.TagID, *req.CompletedAt); err != nil {
		log.Warn().Err(err).Str("guest", req.GuestID).Msg("failed to mirror tag onto guest record")
	}
	return nil
}
