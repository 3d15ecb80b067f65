package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hotspotfox/HotspotFox/app/models"
	"github.com/hotspotfox/HotspotFox/app/repository"
	"github.com/hotspotfox/HotspotFox/internal/pkg/entitlement"
	"github.com/hotspotfox/HotspotFox/internal/pkg/vouchercode"
)

var (
	// ErrVoucherNotFound is returned for unknown or malformed codes.
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrVoucherNotActive is returned for revoked vouchers.
	ErrVoucherNotActive = errors.New("voucher is not active")
	// ErrVoucherNotYetValid is returned before the validity window opens.
	ErrVoucherNotYetValid = errors.New("voucher is not yet valid")
	// ErrVoucherExpired is returned after the validity window closed.
	ErrVoucherExpired = errors.New("voucher has expired")
	// ErrVoucherExhausted is returned when all redemptions are used up.
	ErrVoucherExhausted = errors.New("voucher has no redemptions left")
	// ErrPlanNotFound is returned when a batch references an unknown plan.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrCodeSpaceExhausted is returned when unique code generation keeps
	// colliding, which indicates the code length is too short for the
	// number of issued vouchers.
	ErrCodeSpaceExhausted = errors.New("could not generate a unique voucher code")
)

// maxBatchSize bounds one generation call. Larger runs are split by the
// caller into multiple batches.
const maxBatchSize = 1000

// codeAttempts bounds collision retries per code during generation.
const codeAttempts = 10

// EntitlementGranter is the slice of the reconciliation engine the voucher
// ledger needs: turning a redemption into network access and tearing access
// down when a voucher is revoked.
type EntitlementGranter interface {
	GrantFromVoucher(ctx context.Context, v *models.Voucher, plan *models.Plan, subjectMAC string) (*models.Entitlement, error)
	RevokeForVoucher(ctx context.Context, v *models.Voucher) error
}

// GenerateBatchInput describes one voucher generation run.
type GenerateBatchInput struct {
	PlanCode       string
	Count          int
	CodeLength     int
	ValidFrom      time.Time
	ValidUntil     time.Time
	MultipleUse    bool
	MaxRedemptions int

	DownloadKbpsOverride *int
	UploadKbpsOverride   *int
	DataCapMBOverride    *int
}

// Service owns the voucher ledger: batch generation, redemption and
// revocation. Redemption is the only path that creates entitlements from
// vouchers.
type Service struct {
	vouchers repository.VoucherRepository
	plans    repository.PlanRepository
	granter  EntitlementGranter
}

// NewService creates a voucher service from injected collaborators.
func NewService(vouchers repository.VoucherRepository, plans repository.PlanRepository, granter EntitlementGranter) *Service {
	return &Service{
		vouchers: vouchers,
		plans:    plans,
		granter:  granter,
	}
}

// GenerateBatch creates a batch of vouchers with unique codes and returns
// them together with the generated batch id.
func (s *Service) GenerateBatch(ctx context.Context, in GenerateBatchInput) (string, []*models.Voucher, error) {
	_ = ctx
	if in.Count < 1 || in.Count > maxBatchSize {
		return "", nil, fmt.Errorf("batch size must be between 1 and %d", maxBatchSize)
	}
	if !in.ValidUntil.After(in.ValidFrom) {
		return "", nil, errors.New("valid_until must be after valid_from")
	}

	plan, err := s.plans.GetByCode(strings.TrimSpace(in.PlanCode))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrPlanNotFound
		}
		return "", nil, err
	}

	codeLength := in.CodeLength
	if codeLength == 0 {
		codeLength = vouchercode.DefaultLength
	}
	maxRedemptions := in.MaxRedemptions
	if maxRedemptions < 1 {
		maxRedemptions = 1
	}

	batchID := uuid.New().String()
	seen := make(map[string]struct{}, in.Count)
	vouchers := make([]*models.Voucher, 0, in.Count)

	for i := 0; i < in.Count; i++ {
		code, err := s.uniqueCode(codeLength, seen)
		if err != nil {
			return "", nil, err
		}
		seen[code] = struct{}{}

		vouchers = append(vouchers, &models.Voucher{
			Code:                 code,
			BatchID:              batchID,
			PlanID:               plan.ID,
			Status:               models.VoucherStatusActive,
			MultipleUse:          in.MultipleUse,
			MaxRedemptions:       maxRedemptions,
			ValidFrom:            in.ValidFrom,
			ValidUntil:           in.ValidUntil,
			DownloadKbpsOverride: in.DownloadKbpsOverride,
			UploadKbpsOverride:   in.UploadKbpsOverride,
			DataCapMBOverride:    in.DataCapMBOverride,
		})
	}

	if err := s.vouchers.CreateBatch(vouchers); err != nil {
		return "", nil, err
	}

	log.Infof("[Voucher] Generated batch %s: %d vouchers for plan %s", batchID, len(vouchers), plan.Code)
	return batchID, vouchers, nil
}

// uniqueCode draws codes until one is free both in the database and within
// the batch being generated. Attempts are bounded so a saturated code space
// surfaces as an error instead of a spin.
func (s *Service) uniqueCode(length int, seen map[string]struct{}) (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := vouchercode.Generate(length)
		if err != nil {
			return "", err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		exists, err := s.vouchers.CodeExists(code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// Redeem consumes one redemption of a voucher for a client MAC and creates
// the resulting entitlement. The check-and-increment runs under a row lock,
// so concurrent attempts on the last redemption of a code serialize and
// exactly one wins.
func (s *Service) Redeem(ctx context.Context, code, subjectMAC string) (*models.Voucher, *models.Entitlement, error) {
	mac, err := entitlement.NormalizeMAC(subjectMAC)
	if err != nil {
		return nil, nil, err
	}

	normalized := vouchercode.Normalize(code)
	if !vouchercode.IsWellFormed(normalized) {
		return nil, nil, ErrVoucherNotFound
	}

	now := time.Now()

	// outErr carries rejections that still need a committed status flip.
	// Returning them from fn would roll the flip back.
	var outErr error
	voucher, redemption, err := s.vouchers.RedeemTx(normalized, func(v *models.Voucher) (*models.VoucherRedemption, error) {
		switch v.Status {
		case models.VoucherStatusRevoked:
			return nil, ErrVoucherNotActive
		case models.VoucherStatusExpired:
			return nil, ErrVoucherExpired
		case models.VoucherStatusRedeemed:
			return nil, ErrVoucherExhausted
		}

		if now.Before(v.ValidFrom) {
			return nil, ErrVoucherNotYetValid
		}
		if now.After(v.ValidUntil) {
			v.Status = models.VoucherStatusExpired
			outErr = ErrVoucherExpired
			return nil, nil
		}
		if !v.MultipleUse && v.RedemptionCount >= v.MaxRedemptions {
			v.Status = models.VoucherStatusRedeemed
			outErr = ErrVoucherExhausted
			return nil, nil
		}

		v.RedemptionCount++
		if !v.MultipleUse && v.RedemptionCount >= v.MaxRedemptions {
			v.Status = models.VoucherStatusRedeemed
		}
		return &models.VoucherRedemption{SubjectMAC: mac, RedeemedAt: now}, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrVoucherNotFound
		}
		return nil, nil, err
	}
	if outErr != nil {
		return nil, nil, outErr
	}

	plan, err := s.plans.GetByID(voucher.PlanID)
	if err != nil {
		s.unwindRedemption(voucher, redemption, err)
		return nil, nil, err
	}

	ent, err := s.granter.GrantFromVoucher(ctx, voucher, plan, mac)
	if err != nil {
		s.unwindRedemption(voucher, redemption, err)
		return nil, nil, err
	}

	if err := s.vouchers.SetRedemptionEntitlement(redemption.ID, ent.ID); err != nil {
		log.Errorf("[Voucher] Failed to link redemption %d to entitlement %d: %v", redemption.ID, ent.ID, err)
	}

	return voucher, ent, nil
}

// unwindRedemption gives a committed redemption back after the grant failed,
// so the guest can retry with the same code instead of losing the use.
func (s *Service) unwindRedemption(voucher *models.Voucher, redemption *models.VoucherRedemption, cause error) {
	if redemption == nil {
		return
	}
	if err := s.vouchers.UnwindRedemption(voucher.ID, redemption.ID); err != nil {
		log.Errorf("[Voucher] Redemption %d of voucher %d consumed without access (grant failed: %v) and could not be unwound: %v",
			redemption.ID, voucher.ID, cause, err)
		return
	}
	log.Warnf("[Voucher] Unwound redemption %d of voucher %d after grant failure: %v", redemption.ID, voucher.ID, cause)
}

// Revoke withdraws an unredeemed voucher and tears down access granted
// through it. Revoking an already closed voucher is a no-op.
func (s *Service) Revoke(ctx context.Context, id uint) (*models.Voucher, error) {
	v, err := s.vouchers.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVoucherNotFound
		}
		return nil, err
	}

	switch v.Status {
	case models.VoucherStatusRevoked, models.VoucherStatusExpired, models.VoucherStatusRedeemed:
		return v, nil
	}

	v.Status = models.VoucherStatusRevoked
	if err := s.vouchers.Update(v); err != nil {
		return nil, err
	}

	// Multiple-use vouchers may have open entitlements even while active.
	if err := s.granter.RevokeForVoucher(ctx, v); err != nil {
		return nil, err
	}

	log.Infof("[Voucher] Revoked voucher %d (%s)", v.ID, v.Code)
	return v, nil
}

// Get returns a voucher by id including its redemption records.
func (s *Service) Get(ctx context.Context, id uint) (*models.Voucher, error) {
	_ = ctx
	v, err := s.vouchers.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVoucherNotFound
		}
		return nil, err
	}
	return v, nil
}

// ListBatch returns all vouchers of one generation batch.
func (s *Service) ListBatch(ctx context.Context, batchID string) ([]models.Voucher, error) {
	_ = ctx
	return s.vouchers.ListByBatch(batchID)
}
