package models

import "time"

// Notification payloads pushed through the bus. Field sets match the
// wire contract consumed by the admin front-end and other subscribers.

// BindingStarted is published when an operator opens a pending request.
type BindingStarted struct {
	RequestID string    `json:"request_id"`
	ProjectID string    `json:"project_id"`
	GuestID   string    `json:"guest_id"`
	ScannerID string    `json:"scanner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BindingCompleted is published when a scan resolves a pending request.
type BindingCompleted struct {
	RequestID   string    `json:"request_id"`
	ProjectID   string    `json:"project_id"`
	GuestID     string    `json:"guest_id"`
	TagID       string    `json:"tag_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// BindingCancelled is published once per request that leaves waiting
// without completing: explicit cancel, implicit restart, cascade or
// janitor expiry.
type BindingCancelled struct {
	RequestID string `json:"request_id"`
}

// BindingRemoved is published when a guest's durable binding is cleared.
type BindingRemoved struct {
	ProjectID string `json:"project_id"`
	GuestID   string `json:"guest_id"`
}

// ScanObserved is published for scans that do not resolve any pending
// request on a known scanner.
type ScanObserved struct {
	TagID       string    `json:"tag_id"`
	ScannerMAC  string    `json:"scanner_mac"`
	ScannerName string    `json:"scanner_name"`
	Timestamp   time.Time `json:"timestamp"`
}
