// Package repository defines repository interfaces for data access
package repository

import (
	"context"
	"errors"
	"time"

	"tagbind/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned by conditional status updates when the row
// was no longer in the expected state.
var ErrStaleStatus = errors.New("stale status")

// GuestRepository defines the interface for guest data access
type GuestRepository interface {
	// GetByID retrieves a guest scoped to its project
	GetByID(ctx context.Context, projectID, guestID string) (*models.Guest, error)
	// SetTag records the guest's bound tag and timestamp
	SetTag(ctx context.Context, projectID, guestID, tagID string, at time.Time) error
	// ClearTag removes the guest's bound tag
	ClearTag(ctx context.Context, projectID, guestID string) error
}

// ScannerRepository defines the interface for scanner data access
type ScannerRepository interface {
	// GetByID retrieves a scanner by its identifier
	GetByID(ctx context.Context, id string) (*models.Scanner, error)
	// GetByMAC retrieves a scanner by its normalized hardware address
	GetByMAC(ctx context.Context, mac string) (*models.Scanner, error)
	// UpdateHeartbeat bumps the scanner's last-seen timestamp
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
}

// BindingRepository defines the interface for durable binding data access
type BindingRepository interface {
	// Upsert writes a binding, superseding any row that conflicts on
	// (project, guest) or (project, tag)
	Upsert(ctx context.Context, b *models.Binding) error
	// GetByGuest retrieves a guest's current binding
	GetByGuest(ctx context.Context, projectID, guestID string) (*models.Binding, error)
	// Delete removes a guest's binding; ErrNotFound if none exists
	Delete(ctx context.Context, projectID, guestID string) error
	// CountByProject returns the number of bindings in a project
	CountByProject(ctx context.Context, projectID string) (int64, error)
}

// PendingRequestRepository defines the interface for pending request persistence
type PendingRequestRepository interface {
	// Create inserts a new waiting request row
	Create(ctx context.Context, req *models.PendingRequest) error
	// SetStatus transitions a row from one status to another; returns
	// ErrStaleStatus when the row is not in the expected status
	SetStatus(ctx context.Context, id string, from, to models.RequestStatus) error
	// MarkCompleted is the status-guarded waiting->completed transition
	// recording the resolved tag and timestamp
	MarkCompleted(ctx context.Context, id, tagID string, at time.Time) error
	// ListWaiting returns all waiting rows, oldest first
	ListWaiting(ctx context.Context) ([]models.PendingRequest, error)
	// CountWaitingByProject returns the number of waiting rows in a project
	CountWaitingByProject(ctx context.Context, projectID string) (int64, error)
}
