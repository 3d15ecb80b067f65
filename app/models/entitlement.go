package models

import "time"

const (
	EntitlementStatusPending     = "pending"
	EntitlementStatusApplied     = "applied"
	EntitlementStatusExpired     = "expired"
	EntitlementStatusRevoked     = "revoked"
	EntitlementStatusApplyFailed = "apply_failed"
)

const (
	EntitlementSourceVoucher = "voucher"
	EntitlementSourcePayment = "payment"
	EntitlementSourceAdmin   = "admin"
	EntitlementSourceFree    = "free"
)

// Entitlement is the ledger's record of a guest's granted access window and
// limits. Status reflects the last known truth about the network controller,
// not just local intent. Closed entitlements stay in the table for audit.
type Entitlement struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	SubjectMAC string `gorm:"type:varchar(17);not null;index" json:"subject_mac"`
	Source     string `gorm:"type:varchar(12);not null;index" json:"source"`
	SourceID   uint   `gorm:"not null;index" json:"source_id"`

	AuthorizedAt time.Time `gorm:"type:timestamp;not null" json:"authorized_at"`
	ExpiresAt    time.Time `gorm:"type:timestamp;not null;index" json:"expires_at"`

	DownloadKbps int `gorm:"not null;default:0" json:"download_kbps"`
	UploadKbps   int `gorm:"not null;default:0" json:"upload_kbps"`
	DataCapMB    int `gorm:"not null;default:0" json:"data_cap_mb"`

	Status                  string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ControllerAttempts      int        `gorm:"not null;default:0" json:"controller_attempts"`
	LastControllerAttemptAt *time.Time `gorm:"type:timestamp;default:null" json:"last_controller_attempt_at,omitempty"`
	LastControllerError     string     `gorm:"type:text" json:"last_controller_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsOpen reports whether the entitlement still represents intended access
// (pending, applied or awaiting an authorize retry).
func (e *Entitlement) IsOpen() bool {
	switch e.Status {
	case EntitlementStatusPending, EntitlementStatusApplied, EntitlementStatusApplyFailed:
		return true
	default:
		return false
	}
}

// IsExpiredAt reports whether the access window has elapsed at t.
func (e *Entitlement) IsExpiredAt(t time.Time) bool {
	return !e.ExpiresAt.After(t)
}

// DurationMinutes returns the remaining authorization window in whole minutes
// at t, never below one minute for a still-open window.
func (e *Entitlement) DurationMinutes(t time.Time) int {
	remaining := e.ExpiresAt.Sub(t)
	if remaining <= 0 {
		return 0
	}
	minutes := int(remaining / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
