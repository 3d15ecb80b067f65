package voucher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hotspotfox/HotspotFox/app/models"
	"github.com/hotspotfox/HotspotFox/internal/pkg/vouchercode"
)

type fakeVoucherRepo struct {
	mu           sync.Mutex
	nextID       uint
	nextRedID    uint
	vouchers     map[uint]*models.Voucher
	byCode       map[string]uint
	redemptions  map[uint]*models.VoucherRedemption
	existingCode string
}

func newFakeVoucherRepo() *fakeVoucherRepo {
	return &fakeVoucherRepo{
		vouchers:    make(map[uint]*models.Voucher),
		byCode:      make(map[string]uint),
		redemptions: make(map[uint]*models.VoucherRedemption),
	}
}

func (r *fakeVoucherRepo) CreateBatch(vouchers []*models.Voucher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range vouchers {
		r.nextID++
		v.ID = r.nextID
		cp := *v
		r.vouchers[v.ID] = &cp
		r.byCode[v.Code] = v.ID
	}
	return nil
}

func (r *fakeVoucherRepo) GetByID(id uint) (*models.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vouchers[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *v
	return &cp, nil
}

func (r *fakeVoucherRepo) GetByCode(code string) (*models.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *r.vouchers[id]
	return &cp, nil
}

func (r *fakeVoucherRepo) CodeExists(code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code == r.existingCode && code != "" {
		return true, nil
	}
	_, ok := r.byCode[code]
	return ok, nil
}

func (r *fakeVoucherRepo) Update(v *models.Voucher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vouchers[v.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *v
	r.vouchers[v.ID] = &cp
	return nil
}

func (r *fakeVoucherRepo) ListByBatch(batchID string) ([]models.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Voucher
	for _, v := range r.vouchers {
		if v.BatchID == batchID {
			out = append(out, *v)
		}
	}
	return out, nil
}

// RedeemTx mirrors the row-lock transaction: serialized per repo, fn errors
// roll everything back, and a nil redemption still persists the voucher flip.
func (r *fakeVoucherRepo) RedeemTx(code string, fn func(v *models.Voucher) (*models.VoucherRedemption, error)) (*models.Voucher, *models.VoucherRedemption, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, nil, gorm.ErrRecordNotFound
	}

	work := *r.vouchers[id]
	red, err := fn(&work)
	if err != nil {
		return nil, nil, err
	}

	r.vouchers[id] = &work
	if red != nil {
		r.nextRedID++
		red.ID = r.nextRedID
		red.VoucherID = work.ID
		cp := *red
		r.redemptions[red.ID] = &cp
	}
	cp := work
	return &cp, red, nil
}

func (r *fakeVoucherRepo) SetRedemptionEntitlement(redemptionID, entitlementID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	red, ok := r.redemptions[redemptionID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	red.EntitlementID = entitlementID
	return nil
}

func (r *fakeVoucherRepo) UnwindRedemption(voucherID, redemptionID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	red, ok := r.redemptions[redemptionID]
	if !ok || red.VoucherID != voucherID {
		return nil
	}
	delete(r.redemptions, redemptionID)
	v, ok := r.vouchers[voucherID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v.RedemptionCount > 0 {
		v.RedemptionCount--
	}
	if v.Status == models.VoucherStatusRedeemed && v.RedemptionCount < v.MaxRedemptions {
		v.Status = models.VoucherStatusActive
	}
	return nil
}

type fakePlanRepo struct {
	plans map[string]*models.Plan
}

func (r *fakePlanRepo) Create(p *models.Plan) error           { return nil }
func (r *fakePlanRepo) Update(p *models.Plan) error           { return nil }
func (r *fakePlanRepo) GetActive() ([]models.Plan, error)     { return nil, nil }
func (r *fakePlanRepo) GetPurchasable() ([]models.Plan, error) { return nil, nil }
func (r *fakePlanRepo) GetByCode(code string) (*models.Plan, error) {
	p, ok := r.plans[code]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}
func (r *fakePlanRepo) GetByID(id uint) (*models.Plan, error) {
	for _, p := range r.plans {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeGranter struct {
	mu      sync.Mutex
	grants  []string
	revokes []uint
	nextEnt uint
	err     error
}

func (g *fakeGranter) GrantFromVoucher(ctx context.Context, v *models.Voucher, plan *models.Plan, subjectMAC string) (*models.Entitlement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.grants = append(g.grants, subjectMAC)
	g.nextEnt++
	return &models.Entitlement{ID: g.nextEnt, SubjectMAC: subjectMAC, Status: models.EntitlementStatusPending}, nil
}

func (g *fakeGranter) RevokeForVoucher(ctx context.Context, v *models.Voucher) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revokes = append(g.revokes, v.ID)
	return nil
}

type voucherFixture struct {
	repo    *fakeVoucherRepo
	plans   *fakePlanRepo
	granter *fakeGranter
	svc     *Service
}

func newVoucherFixture() *voucherFixture {
	repo := newFakeVoucherRepo()
	plans := &fakePlanRepo{plans: map[string]*models.Plan{
		"day-pass": {ID: 1, Code: "day-pass", Name: "Day Pass", DurationMinutes: 1440, IsActive: true},
	}}
	granter := &fakeGranter{}
	return &voucherFixture{
		repo:    repo,
		plans:   plans,
		granter: granter,
		svc:     NewService(repo, plans, granter),
	}
}

func (f *voucherFixture) seed(t *testing.T, v *models.Voucher) *models.Voucher {
	t.Helper()
	if v.PlanID == 0 {
		v.PlanID = 1
	}
	if v.Status == "" {
		v.Status = models.VoucherStatusActive
	}
	if v.MaxRedemptions == 0 {
		v.MaxRedemptions = 1
	}
	if v.ValidFrom.IsZero() {
		v.ValidFrom = time.Now().Add(-time.Hour)
	}
	if v.ValidUntil.IsZero() {
		v.ValidUntil = time.Now().Add(time.Hour)
	}
	require.NoError(t, f.repo.CreateBatch([]*models.Voucher{v}))
	return v
}

func TestGenerateBatch(t *testing.T) {
	f := newVoucherFixture()

	from := time.Now()
	until := from.Add(7 * 24 * time.Hour)
	batchID, vouchers, err := f.svc.GenerateBatch(context.Background(), GenerateBatchInput{
		PlanCode:   "day-pass",
		Count:      50,
		ValidFrom:  from,
		ValidUntil: until,
	})
	require.NoError(t, err)
	require.Len(t, vouchers, 50)
	assert.NotEmpty(t, batchID)

	codes := make(map[string]struct{}, len(vouchers))
	for _, v := range vouchers {
		assert.Equal(t, batchID, v.BatchID)
		assert.Equal(t, models.VoucherStatusActive, v.Status)
		assert.Equal(t, 1, v.MaxRedemptions)
		assert.True(t, vouchercode.IsWellFormed(v.Code), "code %q", v.Code)
		codes[v.Code] = struct{}{}
	}
	assert.Len(t, codes, 50, "codes must be unique within the batch")

	listed, err := f.svc.ListBatch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Len(t, listed, 50)
}

func TestGenerateBatchValidation(t *testing.T) {
	f := newVoucherFixture()
	ctx := context.Background()
	from := time.Now()
	until := from.Add(time.Hour)

	_, _, err := f.svc.GenerateBatch(ctx, GenerateBatchInput{PlanCode: "day-pass", Count: 0, ValidFrom: from, ValidUntil: until})
	assert.Error(t, err)

	_, _, err = f.svc.GenerateBatch(ctx, GenerateBatchInput{PlanCode: "day-pass", Count: maxBatchSize + 1, ValidFrom: from, ValidUntil: until})
	assert.Error(t, err)

	_, _, err = f.svc.GenerateBatch(ctx, GenerateBatchInput{PlanCode: "day-pass", Count: 1, ValidFrom: until, ValidUntil: from})
	assert.Error(t, err)

	_, _, err = f.svc.GenerateBatch(ctx, GenerateBatchInput{PlanCode: "no-such-plan", Count: 1, ValidFrom: from, ValidUntil: until})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestRedeemSuccess(t *testing.T) {
	f := newVoucherFixture()
	seeded := f.seed(t, &models.Voucher{Code: "ABCDEFGHJK"})

	v, ent, err := f.svc.Redeem(context.Background(), "abcd-efgh-jk", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.NotNil(t, ent)

	assert.Equal(t, seeded.ID, v.ID)
	assert.Equal(t, models.VoucherStatusRedeemed, v.Status)
	assert.Equal(t, 1, v.RedemptionCount)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff"}, f.granter.grants)

	// The redemption record is linked back to the created entitlement.
	red := f.repo.redemptions[1]
	require.NotNil(t, red)
	assert.Equal(t, ent.ID, red.EntitlementID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", red.SubjectMAC)
}

func TestRedeemMultipleUseStaysActive(t *testing.T) {
	f := newVoucherFixture()
	f.seed(t, &models.Voucher{Code: "ABCDEFGHJK", MultipleUse: true, MaxRedemptions: 2})

	for i := 0; i < 3; i++ {
		v, _, err := f.svc.Redeem(context.Background(), "ABCDEFGHJK", "aa:bb:cc:dd:ee:ff")
		require.NoError(t, err)
		assert.Equal(t, models.VoucherStatusActive, v.Status)
	}
	assert.Len(t, f.granter.grants, 3)
}

func TestRedeemRejections(t *testing.T) {
	f := newVoucherFixture()
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:ff"

	t.Run("malformed code", func(t *testing.T) {
		_, _, err := f.svc.Redeem(ctx, "!!", mac)
		assert.ErrorIs(t, err, ErrVoucherNotFound)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, _, err := f.svc.Redeem(ctx, "ZZZZZZZZZZ", mac)
		assert.ErrorIs(t, err, ErrVoucherNotFound)
	})

	t.Run("bad mac", func(t *testing.T) {
		_, _, err := f.svc.Redeem(ctx, "ABCDEFGHJK", "nope")
		assert.Error(t, err)
	})

	t.Run("revoked", func(t *testing.T) {
		f.seed(t, &models.Voucher{Code: "REVKDXXXXX", Status: models.VoucherStatusRevoked})
		_, _, err := f.svc.Redeem(ctx, "REVKDXXXXX", mac)
		assert.ErrorIs(t, err, ErrVoucherNotActive)
	})

	t.Run("already redeemed", func(t *testing.T) {
		f.seed(t, &models.Voucher{Code: "REDEEMEDXX", Status: models.VoucherStatusRedeemed})
		_, _, err := f.svc.Redeem(ctx, "REDEEMEDXX", mac)
		assert.ErrorIs(t, err, ErrVoucherExhausted)
	})

	t.Run("not yet valid", func(t *testing.T) {
		f.seed(t, &models.Voucher{Code: "EARLYXXXXX", ValidFrom: time.Now().Add(time.Hour), ValidUntil: time.Now().Add(2 * time.Hour)})
		_, _, err := f.svc.Redeem(ctx, "EARLYXXXXX", mac)
		assert.ErrorIs(t, err, ErrVoucherNotYetValid)
	})

	assert.Empty(t, f.granter.grants)
}

func TestRedeemPastValidityFlipsToExpired(t *testing.T) {
	f := newVoucherFixture()
	seeded := f.seed(t, &models.Voucher{
		Code:       "EXPYREDXXX",
		ValidFrom:  time.Now().Add(-2 * time.Hour),
		ValidUntil: time.Now().Add(-time.Hour),
	})

	_, _, err := f.svc.Redeem(context.Background(), "EXPYREDXXX", "aa:bb:cc:dd:ee:ff")
	assert.ErrorIs(t, err, ErrVoucherExpired)

	// The rejection still persists the status flip.
	got, err := f.repo.GetByID(seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherStatusExpired, got.Status)
	assert.Empty(t, f.granter.grants)
}

func TestRedeemGrantFailureReleasesVoucher(t *testing.T) {
	f := newVoucherFixture()
	seeded := f.seed(t, &models.Voucher{Code: "ABCDEFGHJK"})

	f.granter.err = errors.New("controller database down")
	_, _, err := f.svc.Redeem(context.Background(), "ABCDEFGHJK", "aa:bb:cc:dd:ee:ff")
	require.Error(t, err)

	// The failed grant must not consume the single use.
	got, err := f.repo.GetByID(seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherStatusActive, got.Status)
	assert.Equal(t, 0, got.RedemptionCount)
	assert.Empty(t, f.repo.redemptions)

	// The same code works once the grant path recovers.
	f.granter.err = nil
	v, ent, err := f.svc.Redeem(context.Background(), "ABCDEFGHJK", "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, models.VoucherStatusRedeemed, v.Status)
	assert.Equal(t, 1, v.RedemptionCount)
}

func TestRedeemConcurrentSingleUse(t *testing.T) {
	f := newVoucherFixture()
	f.seed(t, &models.Voucher{Code: "ABCDEFGHJK"})

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Redeem(context.Background(), "ABCDEFGHJK", "aa:bb:cc:dd:ee:ff")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrVoucherExhausted)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.granter.grants, 1)
}

func TestRevoke(t *testing.T) {
	f := newVoucherFixture()
	ctx := context.Background()
	seeded := f.seed(t, &models.Voucher{Code: "ABCDEFGHJK"})

	v, err := f.svc.Revoke(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherStatusRevoked, v.Status)
	assert.Equal(t, []uint{seeded.ID}, f.granter.revokes)

	// Revoking again is a no-op.
	v, err = f.svc.Revoke(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherStatusRevoked, v.Status)
	assert.Len(t, f.granter.revokes, 1)

	_, err = f.svc.Revoke(ctx, 999)
	assert.ErrorIs(t, err, ErrVoucherNotFound)
}
