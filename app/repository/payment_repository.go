package repository

import (
	"time"

	"github.com/hotspotfox/HotspotFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create creates a new payment in the database
func (r *paymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

// GetByID retrieves a payment by its ID
func (r *paymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.First(&payment, id).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetByProviderPaymentID resolves a provider-side payment id to the local row
func (r *paymentRepository) GetByProviderPaymentID(provider, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// Update updates an existing payment
func (r *paymentRepository) Update(payment *models.Payment) error {
	return r.db.Save(payment).Error
}

// TransitionStatus performs a guarded status transition. The UPDATE only
// matches while the row is still in one of the from statuses, so a replayed
// or racing transition simply affects zero rows.
func (r *paymentRepository) TransitionStatus(id uint, from []string, to string, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	tx := r.db.Model(&models.Payment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ListSucceededWithoutEntitlement returns settled payments that never got an
// entitlement, i.e. the grant failed after the succeeded transition committed
func (r *paymentRepository) ListSucceededWithoutEntitlement() ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.Where("status = ? AND entitlement_id IS NULL", models.PaymentStatusSucceeded).
		Find(&payments).Error
	return payments, err
}

// CreateWebhookEventIfNotExists persists the event unless the same provider
// event id was already recorded. Returns created=false on replay.
func (r *paymentRepository) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// MarkWebhookProcessed marks an event as processed and stores an optional error
func (r *paymentRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
