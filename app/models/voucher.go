package models

import "time"

const (
	VoucherStatusActive   = "active"
	VoucherStatusRedeemed = "redeemed"
	VoucherStatusExpired  = "expired"
	VoucherStatusRevoked  = "revoked"
)

// Voucher is a redeemable access code. Vouchers are generated in batches,
// never reused and never physically deleted (kept for audit).
type Voucher struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Code            string    `gorm:"type:varchar(16);not null;uniqueIndex" json:"code"`
	BatchID         string    `gorm:"type:varchar(36);not null;index" json:"batch_id"`
	PlanID          uint      `gorm:"not null;index" json:"plan_id"`
	Status          string    `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	MultipleUse     bool      `gorm:"default:false" json:"multiple_use"`
	MaxRedemptions  int       `gorm:"not null;default:1" json:"max_redemptions"`
	RedemptionCount int       `gorm:"not null;default:0" json:"redemption_count"`
	ValidFrom       time.Time `gorm:"type:timestamp;not null" json:"valid_from"`
	ValidUntil      time.Time `gorm:"type:timestamp;not null;index" json:"valid_until"`

	// Optional overrides; when set they win over the plan defaults.
	DownloadKbpsOverride *int `gorm:"default:null" json:"download_kbps_override,omitempty"`
	UploadKbpsOverride   *int `gorm:"default:null" json:"upload_kbps_override,omitempty"`
	DataCapMBOverride    *int `gorm:"default:null" json:"data_cap_mb_override,omitempty"`

	Redemptions []VoucherRedemption `gorm:"foreignKey:VoucherID" json:"redemptions,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// VoucherRedemption is the audit record of one redemption of a voucher.
type VoucherRedemption struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	VoucherID     uint      `gorm:"not null;index" json:"voucher_id"`
	EntitlementID uint      `gorm:"not null;index" json:"entitlement_id"`
	SubjectMAC    string    `gorm:"type:varchar(17);not null;index" json:"subject_mac"`
	RedeemedAt    time.Time `gorm:"autoCreateTime" json:"redeemed_at"`
}

// IsWithinValidity reports whether the voucher may be redeemed at t.
func (v *Voucher) IsWithinValidity(t time.Time) bool {
	return !t.Before(v.ValidFrom) && !t.After(v.ValidUntil)
}

// RemainingRedemptions returns how many redemptions are left for single-use
// style vouchers. For multiple-use vouchers the cap is advisory only.
func (v *Voucher) RemainingRedemptions() int {
	if v.MultipleUse {
		return -1
	}
	left := v.MaxRedemptions - v.RedemptionCount
	if left < 0 {
		return 0
	}
	return left
}
