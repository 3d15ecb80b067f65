package repository

import (
	"time"

	"github.com/hotspotfox/HotspotFox/app/models"
	"gorm.io/gorm"
)

// PlanRepository defines the interface for access plan operations
type PlanRepository interface {
	Create(plan *models.Plan) error
	GetByID(id uint) (*models.Plan, error)
	GetByCode(code string) (*models.Plan, error)
	GetActive() ([]models.Plan, error)
	GetPurchasable() ([]models.Plan, error)
	Update(plan *models.Plan) error
}

// VoucherRepository defines the interface for voucher ledger operations.
// Vouchers are never deleted; revocation and expiry are status flips.
type VoucherRepository interface {
	CreateBatch(vouchers []*models.Voucher) error
	GetByID(id uint) (*models.Voucher, error)
	GetByCode(code string) (*models.Voucher, error)
	CodeExists(code string) (bool, error)
	Update(voucher *models.Voucher) error
	ListByBatch(batchID string) ([]models.Voucher, error)

	// RedeemTx loads the voucher by code under a row lock, invokes fn with it,
	// and persists the mutated voucher plus the redemption record returned by
	// fn inside the same transaction. fn returning an error rolls back and the
	// error is passed through unchanged.
	RedeemTx(code string, fn func(v *models.Voucher) (*models.VoucherRedemption, error)) (*models.Voucher, *models.VoucherRedemption, error)

	// SetRedemptionEntitlement backfills the entitlement reference once the
	// entitlement has been created from the redemption.
	SetRedemptionEntitlement(redemptionID, entitlementID uint) error

	// UnwindRedemption reverses one committed redemption that produced no
	// entitlement: the redemption record is removed, the count decremented and
	// a voucher closed only by that redemption reopened.
	UnwindRedemption(voucherID, redemptionID uint) error
}

// PaymentRepository defines the interface for payment ledger operations
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByProviderPaymentID(provider, providerPaymentID string) (*models.Payment, error)
	Update(payment *models.Payment) error

	// TransitionStatus advances the payment state machine with a conditional
	// update: the write only happens while the current status is one of from.
	// Returns false when the guard did not match (already advanced), which is
	// how replayed webhooks become no-ops.
	TransitionStatus(id uint, from []string, to string, extra map[string]interface{}) (bool, error)

	CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error

	// ListSucceededWithoutEntitlement returns settled payments whose grant
	// never completed. The sweep repairs them.
	ListSucceededWithoutEntitlement() ([]models.Payment, error)
}

// EntitlementRepository defines the interface for entitlement ledger operations
type EntitlementRepository interface {
	Create(entitlement *models.Entitlement) error
	GetByID(id uint) (*models.Entitlement, error)
	Update(entitlement *models.Entitlement) error

	// CurrentForMAC returns the single open (pending/applied/apply_failed)
	// entitlement for a MAC, or gorm.ErrRecordNotFound.
	CurrentForMAC(mac string) (*models.Entitlement, error)

	// RevokeOpenForMAC marks every open entitlement for the MAC as revoked and
	// returns the ones that were applied (those still need an unauthorize).
	RevokeOpenForMAC(mac string) ([]models.Entitlement, error)

	ListOpenBySource(source string, sourceID uint) ([]models.Entitlement, error)
	ListExpired(now time.Time) ([]models.Entitlement, error)
	ListRetryable(maxAttempts int) ([]models.Entitlement, error)
	ListShouldBeApplied(now time.Time) ([]models.Entitlement, error)

	MarkApplied(id uint) error
	MarkApplyFailed(id uint, controllerError string) error
	MarkPending(id uint) error
	MarkExpired(id uint) error
	MarkRevoked(id uint) error
}

// SettingRepository defines the interface for application settings
type SettingRepository interface {
	// Load reads the settings table into the process-wide snapshot.
	Load() (*models.AppSettings, error)
	Get() (*models.AppSettings, error)
	Save(settings *models.AppSettings) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Plan        PlanRepository
	Voucher     VoucherRepository
	Payment     PaymentRepository
	Entitlement EntitlementRepository
	Setting     SettingRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Plan:        NewPlanRepository(db),
		Voucher:     NewVoucherRepository(db),
		Payment:     NewPaymentRepository(db),
		Entitlement: NewEntitlementRepository(db),
		Setting:     NewSettingRepository(db),
	}
}
