package models

import "time"

const (
	PaymentStatusInitialized       = "initialized"
	PaymentStatusProcessing        = "processing"
	PaymentStatusSucceeded         = "succeeded"
	PaymentStatusFailed            = "failed"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
)

// Payment mirrors one provider-side payment intent and its lifecycle in the
// local ledger. The provider's secret key never lands here; ClientSecret is
// the client-side confirmation material only.
type Payment struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	PlanID            uint   `gorm:"not null;index" json:"plan_id"`
	Provider          string `gorm:"type:varchar(20);not null;index:ux_payments_provider_payment,unique,priority:1" json:"provider"`
	ProviderPaymentID string `gorm:"type:varchar(191);not null;index:ux_payments_provider_payment,unique,priority:2" json:"provider_payment_id"`
	ClientSecret      string `gorm:"type:varchar(191)" json:"client_secret"`
	SubjectMAC        string `gorm:"type:varchar(17);not null;index" json:"subject_mac"`
	Status            string `gorm:"type:varchar(24);not null;default:'initialized';index" json:"status"`
	AmountCents       int64  `gorm:"not null" json:"amount_cents"`
	Currency          string `gorm:"type:varchar(3);not null" json:"currency"`

	RefundedCents int64      `gorm:"not null;default:0" json:"refunded_cents"`
	RefundReason  string     `gorm:"type:varchar(255)" json:"refund_reason"`
	RefundedAt    *time.Time `gorm:"type:timestamp;default:null" json:"refunded_at,omitempty"`

	EntitlementID    *uint     `gorm:"index" json:"entitlement_id,omitempty"`
	ProviderDataJSON string    `gorm:"type:longtext" json:"provider_data_json"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PaymentStatusRank orders the payment state machine. Transitions may only
// move to a strictly higher rank; replayed webhooks therefore become no-ops.
func PaymentStatusRank(status string) int {
	switch status {
	case PaymentStatusInitialized:
		return 0
	case PaymentStatusProcessing:
		return 1
	case PaymentStatusSucceeded:
		return 2
	case PaymentStatusFailed:
		return 2
	case PaymentStatusPartiallyRefunded:
		return 3
	case PaymentStatusRefunded:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further status transition except additional
// refunds is allowed.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	default:
		return false
	}
}
