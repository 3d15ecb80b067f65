package models

import "time"

// Plan describes a sellable/redeemable access plan: how long a guest is
// authorized and at which rate limits. Prices are stored in cents.
type Plan struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Code            string    `gorm:"type:varchar(50);not null;uniqueIndex" json:"code"`
	Name            string    `gorm:"type:varchar(100);not null" json:"name"`
	DurationMinutes int       `gorm:"not null" json:"duration_minutes"`
	DownloadKbps    int       `gorm:"not null;default:0" json:"download_kbps"`
	UploadKbps      int       `gorm:"not null;default:0" json:"upload_kbps"`
	DataCapMB       int       `gorm:"not null;default:0" json:"data_cap_mb"`
	PriceCents      int64     `gorm:"not null;default:0" json:"price_cents"`
	Currency        string    `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	Purchasable     bool      `gorm:"default:false;index" json:"purchasable"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPurchasable reports whether the plan can currently be bought through a
// payment provider. Voucher-only plans keep Purchasable=false.
func (p *Plan) IsPurchasable() bool {
	return p.IsActive && p.Purchasable && p.PriceCents > 0
}
