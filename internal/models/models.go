// Package models contains data structures for the application
package models

import (
	"strings"
	"time"
)

// RequestStatus is the lifecycle state of a pending binding request.
type RequestStatus string

const (
	StatusWaiting   RequestStatus = "waiting"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status can never transition again.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Project groups guests, scanners and bindings for one event.
type Project struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Guest is an identity within a project. TagID and BoundAt are set only
// when a binding completes and cleared when it is removed.
type Guest struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	ProjectID string     `gorm:"index" json:"project_id"`
	Name      string     `json:"name"`
	Contact   string     `json:"contact"`
	VIP       bool       `json:"vip"`
	TagID     *string    `json:"tag_id,omitempty"`
	BoundAt   *time.Time `json:"bound_at,omitempty"`
}

// Scanner is a physical RFID reader. MAC is the stable external key;
// LastSeen is bumped on every scan event the reader reports.
type Scanner struct {
	ID       string    `gorm:"primaryKey" json:"id"`
	MAC      string    `gorm:"column:mac;uniqueIndex" json:"mac"`
	Name     string    `json:"name"`
	Location string    `json:"location"`
	LastSeen time.Time `json:"last_seen"`
}

// PendingRequest is an open intent to bind the next scan on a scanner
// to a specific guest. Terminal rows are never reused.
type PendingRequest struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	ProjectID   string        `gorm:"index" json:"project_id"`
	GuestID     string        `gorm:"index" json:"guest_id"`
	ScannerID   string        `gorm:"index" json:"scanner_id"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	TagID       string        `json:"tag_id,omitempty"`
}

// Binding is the durable fact that a guest carries a tag. Unique per
// (project, guest) and per (project, tag); upserts are last-write-wins
// on both keys.
type Binding struct {
	ProjectID  string    `gorm:"primaryKey;uniqueIndex:idx_binding_tag,priority:1" json:"project_id"`
	GuestID    string    `gorm:"primaryKey" json:"guest_id"`
	TagID      string    `gorm:"uniqueIndex:idx_binding_tag,priority:2" json:"tag_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// ScanEvent is one hardware-originated report of a tag seen at a
// scanner. Transient; never persisted as-is.
type ScanEvent struct {
	TagID      string    `json:"tag_id"`
	ScannerMAC string    `json:"scanner_mac"`
	Timestamp  time.Time `json:"timestamp"`
}

// NormalizeMAC canonicalizes a hardware address for lookups.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
