package repository

import (
	"github.com/hotspotfox/HotspotFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// voucherRepository implements the VoucherRepository interface
type voucherRepository struct {
	db *gorm.DB
}

// NewVoucherRepository creates a new voucher repository instance
func NewVoucherRepository(db *gorm.DB) VoucherRepository {
	return &voucherRepository{db: db}
}

// CreateBatch persists all vouchers of one generation call atomically.
func (r *voucherRepository) CreateBatch(vouchers []*models.Voucher) error {
	if len(vouchers) == 0 {
		return nil
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, v := range vouchers {
			if err := tx.Create(v).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves a voucher by its ID including redemption records
func (r *voucherRepository) GetByID(id uint) (*models.Voucher, error) {
	var voucher models.Voucher
	err := r.db.Preload("Redemptions").First(&voucher, id).Error
	if err != nil {
		return nil, err
	}
	return &voucher, nil
}

// GetByCode retrieves a voucher by its unique code
func (r *voucherRepository) GetByCode(code string) (*models.Voucher, error) {
	var voucher models.Voucher
	err := r.db.Where("code = ?", code).First(&voucher).Error
	if err != nil {
		return nil, err
	}
	return &voucher, nil
}

// CodeExists reports whether a code is already taken. Codes are globally
// unique for all time, including expired and revoked vouchers.
func (r *voucherRepository) CodeExists(code string) (bool, error) {
	var count int64
	err := r.db.Model(&models.Voucher{}).Where("code = ?", code).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Update updates an existing voucher
func (r *voucherRepository) Update(voucher *models.Voucher) error {
	return r.db.Save(voucher).Error
}

// ListByBatch returns all vouchers generated in one batch
func (r *voucherRepository) ListByBatch(batchID string) ([]models.Voucher, error) {
	var vouchers []models.Voucher
	err := r.db.Where("batch_id = ?", batchID).Order("id ASC").Find(&vouchers).Error
	return vouchers, err
}

// RedeemTx performs the check-and-increment of a redemption atomically. The
// voucher row is locked for the duration of the transaction so concurrent
// redemption attempts for the same code serialize on the database.
func (r *voucherRepository) RedeemTx(code string, fn func(v *models.Voucher) (*models.VoucherRedemption, error)) (*models.Voucher, *models.VoucherRedemption, error) {
	var voucher models.Voucher
	var redemption *models.VoucherRedemption

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ?", code).First(&voucher).Error; err != nil {
			return err
		}

		red, err := fn(&voucher)
		if err != nil {
			return err
		}

		if err := tx.Save(&voucher).Error; err != nil {
			return err
		}
		if red != nil {
			red.VoucherID = voucher.ID
			if err := tx.Create(red).Error; err != nil {
				return err
			}
			redemption = red
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &voucher, redemption, nil
}

// SetRedemptionEntitlement backfills the entitlement reference on a redemption record
func (r *voucherRepository) SetRedemptionEntitlement(redemptionID, entitlementID uint) error {
	return r.db.Model(&models.VoucherRedemption{}).
		Where("id = ?", redemptionID).
		Update("entitlement_id", entitlementID).Error
}

// UnwindRedemption takes the same row lock as RedeemTx, deletes the redemption
// record and gives the use back to the voucher. A voucher that only hit
// redeemed through this redemption flips back to active. Unwinding an already
// removed redemption is a no-op.
func (r *voucherRepository) UnwindRedemption(voucherID, redemptionID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var voucher models.Voucher
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&voucher, voucherID).Error; err != nil {
			return err
		}

		res := tx.Where("id = ? AND voucher_id = ?", redemptionID, voucherID).
			Delete(&models.VoucherRedemption{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if voucher.RedemptionCount > 0 {
			voucher.RedemptionCount--
		}
		if voucher.Status == models.VoucherStatusRedeemed && voucher.RedemptionCount < voucher.MaxRedemptions {
			voucher.Status = models.VoucherStatusActive
		}
		return tx.Save(&voucher).Error
	})
}
