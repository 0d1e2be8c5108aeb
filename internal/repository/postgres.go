// Package repository provides gorm/Postgres implementations
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tagbind/internal/models"
)

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Project{},
		&models.Guest{},
		&models.Scanner{},
		&models.PendingRequest{},
		&models.Binding{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// GormGuestRepository implements GuestRepository
type GormGuestRepository struct {
	db *gorm.DB
}

func NewGormGuestRepository(db *gorm.DB) *GormGuestRepository {
	return &GormGuestRepository{db: db}
}

func (r *GormGuestRepository) GetByID(ctx context.Context, projectID, guestID string) (*models.Guest, error) {
	var guest models.Guest
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, guestID).
		First(&guest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guest: %w", err)
	}
	return &guest, nil
}

func (r *GormGuestRepository) SetTag(ctx context.Context, projectID, guestID, tagID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Guest{}).
		Where("project_id = ? AND id = ?", projectID, guestID).
		Updates(map[string]interface{}{"tag_id": tagID, "bound_at": at})
	if res.Error != nil {
		return fmt.Errorf("failed to set guest tag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormGuestRepository) ClearTag(ctx context.Context, projectID, guestID string) error {
	res := r.db.WithContext(ctx).Model(&models.Guest{}).
		Where("project_id = ? AND id = ?", projectID, guestID).
		Updates(map[string]interface{}{"tag_id": nil, "bound_at": nil})
	if res.Error != nil {
		return fmt.Errorf("failed to clear guest tag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GormScannerRepository implements ScannerRepository
type GormScannerRepository struct {
	db *gorm.DB
}

func NewGormScannerRepository(db *gorm.DB) *GormScannerRepository {
	return &GormScannerRepository{db: db}
}

func (r *GormScannerRepository) GetByID(ctx context.Context, id string) (*models.Scanner, error) {
	var scanner models.Scanner
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&scanner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scanner: %w", err)
	}
	return &scanner, nil
}

func (r *GormScannerRepository) GetByMAC(ctx context.Context, mac string) (*models.Scanner, error) {
	var scanner models.Scanner
	err := r.db.WithContext(ctx).Where("mac = ?", models.NormalizeMAC(mac)).First(&scanner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scanner by mac: %w", err)
	}
	return &scanner, nil
}

func (r *GormScannerRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Scanner{}).
		Where("id = ?", id).
		Update("last_seen", at)
	if res.Error != nil {
		return fmt.Errorf("failed to update scanner heartbeat: %w", res.Error)
	}
	return nil
}

// GormBindingRepository implements BindingRepository
type GormBindingRepository struct {
	db *gorm.DB
}

func NewGormBindingRepository(db *gorm.DB) *GormBindingRepository {
	return &GormBindingRepository{db: db}
}

// Upsert is last-write-wins on both unique keys: any row holding the
// same guest or the same tag inside the project is removed before the
// new row is written, in one transaction.
func (r *GormBindingRepository) Upsert(ctx context.Context, b *models.Binding) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("project_id = ? AND (guest_id = ? OR tag_id = ?)", b.ProjectID, b.GuestID, b.TagID).
			Delete(&models.Binding{}).Error; err != nil {
			return err
		}
		return tx.Create(b).Error
	})
	if err != nil {
		return fmt.Errorf("failed to upsert binding: %w", err)
	}
	return nil
}

func (r *GormBindingRepository) GetByGuest(ctx context.Context, projectID, guestID string) (*models.Binding, error) {
	var binding models.Binding
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND guest_id = ?", projectID, guestID).
		First(&binding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return &binding, nil
}

func (r *GormBindingRepository) Delete(ctx context.Context, projectID, guestID string) error {
	res := r.db.WithContext(ctx).
		Where("project_id = ? AND guest_id = ?", projectID, guestID).
		Delete(&models.Binding{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete binding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormBindingRepository) CountByProject(ctx context.Context, projectID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Binding{}).
		Where("project_id = ?", projectID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count bindings: %w", err)
	}
	return count, nil
}

// GormPendingRequestRepository implements PendingRequestRepository
type GormPendingRequestRepository struct {
	db *gorm.DB
}

func NewGormPendingRequestRepository(db *gorm.DB) *GormPendingRequestRepository {
	return &GormPendingRequestRepository{db: db}
}

func (r *GormPendingRequestRepository) Create(ctx context.Context, req *models.PendingRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("failed to create pending request: %w", err)
	}
	return nil
}

// SetStatus is guarded by the expected current status so concurrent
// transitions on the same row resolve to exactly one winner.
func (r *GormPendingRequestRepository) SetStatus(ctx context.Context, id string, from, to models.RequestStatus) error {
	res := r.db.WithContext(ctx).Model(&models.PendingRequest{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("failed to update request status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *GormPendingRequestRepository) MarkCompleted(ctx context.Context, id, tagID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.PendingRequest{}).
		Where("id = ? AND status = ?", id, models.StatusWaiting).
		Updates(map[string]interface{}{
			"status":       models.StatusCompleted,
			"tag_id":       tagID,
			"completed_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete pending request: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r *GormPendingRequestRepository) ListWaiting(ctx context.Context) ([]models.PendingRequest, error) {
	var rows []models.PendingRequest
	err := r.db.WithContext(ctx).
		Where("status = ?", models.StatusWaiting).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting requests: %w", err)
	}
	return rows, nil
}

func (r *GormPendingRequestRepository) CountWaitingByProject(ctx context.Context, projectID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PendingRequest{}).
		Where("project_id = ? AND status = ?", projectID, models.StatusWaiting).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count waiting requests: %w", err)
	}
	return count, nil
}
