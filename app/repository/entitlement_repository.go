package repository

import (
	"time"

	"github.com/hotspotfox/HotspotFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var openStatuses = []string{
	models.EntitlementStatusPending,
	models.EntitlementStatusApplied,
	models.EntitlementStatusApplyFailed,
}

// entitlementRepository implements the EntitlementRepository interface
type entitlementRepository struct {
	db *gorm.DB
}

// NewEntitlementRepository creates a new entitlement repository instance
func NewEntitlementRepository(db *gorm.DB) EntitlementRepository {
	return &entitlementRepository{db: db}
}

// Create creates a new entitlement in the database
func (r *entitlementRepository) Create(entitlement *models.Entitlement) error {
	return r.db.Create(entitlement).Error
}

// GetByID retrieves an entitlement by its ID
func (r *entitlementRepository) GetByID(id uint) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	err := r.db.First(&entitlement, id).Error
	if err != nil {
		return nil, err
	}
	return &entitlement, nil
}

// Update updates an existing entitlement
func (r *entitlementRepository) Update(entitlement *models.Entitlement) error {
	return r.db.Save(entitlement).Error
}

// CurrentForMAC returns the single open entitlement for a MAC
func (r *entitlementRepository) CurrentForMAC(mac string) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	err := r.db.Where("subject_mac = ? AND status IN ?", mac, openStatuses).
		Order("id DESC").First(&entitlement).Error
	if err != nil {
		return nil, err
	}
	return &entitlement, nil
}

// RevokeOpenForMAC supersedes every open entitlement for the MAC. The rows
// that were already applied on the controller are returned so the caller can
// issue unauthorize actions for them.
func (r *entitlementRepository) RevokeOpenForMAC(mac string) ([]models.Entitlement, error) {
	var applied []models.Entitlement

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var open []models.Entitlement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subject_mac = ? AND status IN ?", mac, openStatuses).
			Find(&open).Error; err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(open))
		for _, e := range open {
			ids = append(ids, e.ID)
			if e.Status == models.EntitlementStatusApplied {
				applied = append(applied, e)
			}
		}
		return tx.Model(&models.Entitlement{}).
			Where("id IN ?", ids).
			Update("status", models.EntitlementStatusRevoked).Error
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// ListOpenBySource returns open entitlements granted from a voucher or payment
func (r *entitlementRepository) ListOpenBySource(source string, sourceID uint) ([]models.Entitlement, error) {
	var entitlements []models.Entitlement
	err := r.db.Where("source = ? AND source_id = ? AND status IN ?", source, sourceID, openStatuses).
		Find(&entitlements).Error
	return entitlements, err
}

// ListExpired returns open entitlements whose window has elapsed
func (r *entitlementRepository) ListExpired(now time.Time) ([]models.Entitlement, error) {
	var entitlements []models.Entitlement
	err := r.db.Where("status IN ? AND expires_at <= ?", openStatuses, now).
		Find(&entitlements).Error
	return entitlements, err
}

// ListRetryable returns entitlements waiting for an authorize retry
func (r *entitlementRepository) ListRetryable(maxAttempts int) ([]models.Entitlement, error) {
	var entitlements []models.Entitlement
	err := r.db.Where("status = ? AND controller_attempts < ?", models.EntitlementStatusApplyFailed, maxAttempts).
		Find(&entitlements).Error
	return entitlements, err
}

// ListShouldBeApplied returns open, unexpired entitlements, i.e. the desired
// authorized set the drift check compares the controller against
func (r *entitlementRepository) ListShouldBeApplied(now time.Time) ([]models.Entitlement, error) {
	var entitlements []models.Entitlement
	err := r.db.Where("status IN ? AND expires_at > ?", openStatuses, now).
		Find(&entitlements).Error
	return entitlements, err
}

// MarkApplied records a successful controller authorization
func (r *entitlementRepository) MarkApplied(id uint) error {
	now := time.Now()
	return r.db.Model(&models.Entitlement{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                     models.EntitlementStatusApplied,
		"controller_attempts":        gorm.Expr("controller_attempts + 1"),
		"last_controller_attempt_at": &now,
		"last_controller_error":      "",
	}).Error
}

// MarkApplyFailed records a failed controller authorization attempt
func (r *entitlementRepository) MarkApplyFailed(id uint, controllerError string) error {
	now := time.Now()
	return r.db.Model(&models.Entitlement{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                     models.EntitlementStatusApplyFailed,
		"controller_attempts":        gorm.Expr("controller_attempts + 1"),
		"last_controller_attempt_at": &now,
		"last_controller_error":      controllerError,
	}).Error
}

// MarkPending moves an entitlement back into the authorize path. Covers both
// apply_failed retries and applied rows the drift check found missing on the
// controller.
func (r *entitlementRepository) MarkPending(id uint) error {
	return r.db.Model(&models.Entitlement{}).
		Where("id = ? AND status IN ?", id, []string{models.EntitlementStatusApplyFailed, models.EntitlementStatusApplied}).
		Update("status", models.EntitlementStatusPending).Error
}

// MarkExpired closes an entitlement whose window elapsed. Terminal.
func (r *entitlementRepository) MarkExpired(id uint) error {
	return r.db.Model(&models.Entitlement{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Update("status", models.EntitlementStatusExpired).Error
}

// MarkRevoked closes an entitlement explicitly. Terminal.
func (r *entitlementRepository) MarkRevoked(id uint) error {
	return r.db.Model(&models.Entitlement{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Update("status", models.EntitlementStatusRevoked).Error
}
