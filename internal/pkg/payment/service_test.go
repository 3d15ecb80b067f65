package payment

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
)

type fakePaymentRepo struct {
	mu       sync.Mutex
	nextID   uint
	payments map[uint]*models.Payment
	events   map[string]*models.PaymentWebhookEvent
	eventID  uint
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		payments: make(map[uint]*models.Payment),
		events:   make(map[string]*models.PaymentWebhookEvent),
	}
}

func (r *fakePaymentRepo) Create(p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	p.ID = r.nextID
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) GetByID(id uint) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) GetByProviderPaymentID(provider, providerPaymentID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Provider == provider && p.ProviderPaymentID == providerPaymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakePaymentRepo) Update(p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) TransitionStatus(id uint, from []string, to string, extra map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, f := range from {
		if p.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	p.Status = to
	for k, v := range extra {
		switch k {
		case "refunded_cents":
			p.RefundedCents = v.(int64)
		case "refunded_at":
			p.RefundedAt = v.(*time.Time)
		case "refund_reason":
			p.RefundReason = v.(string)
		}
	}
	return true, nil
}

func (r *fakePaymentRepo) ListSucceededWithoutEntitlement() ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Payment
	for _, p := range r.payments {
		if p.Status == models.PaymentStatusSucceeded && p.EntitlementID == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *fakePaymentRepo) CreateWebhookEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.ProviderEventID
	if existing, ok := r.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.eventID++
	event.ID = r.eventID
	cp := *event
	r.events[key] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakePaymentRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

type fakePlanRepo struct {
	plans map[string]*models.Plan
}

func (r *fakePlanRepo) Create(p *models.Plan) error { return nil }
func (r *fakePlanRepo) Update(p *models.Plan) error { return nil }
func (r *fakePlanRepo) GetActive() ([]models.Plan, error) {
	return nil, nil
}
func (r *fakePlanRepo) GetPurchasable() ([]models.Plan, error) {
	return nil, nil
}
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

type fakeProvider struct {
	name       string
	status     NormalizedStatus
	statusErr  error
	intentErr  error
	refunded   int64
	refundErr  error
	refundReqs []int64
}

func (p *fakeProvider) Name() string            { return p.name }
func (p *fakeProvider) SignatureHeader() string { return "X-Test-Signature" }
func (p *fakeProvider) CreateIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*Intent, error) {
	if p.intentErr != nil {
		return nil, p.intentErr
	}
	return &Intent{ProviderID: "pi_test", ClientSecret: "pi_test_secret"}, nil
}
func (p *fakeProvider) QueryStatus(ctx context.Context, providerID string) (NormalizedStatus, error) {
	return p.status, p.statusErr
}
func (p *fakeProvider) Refund(ctx context.Context, providerID string, amountCents int64, reason string) (int64, error) {
	if p.refundErr != nil {
		return 0, p.refundErr
	}
	p.refundReqs = append(p.refundReqs, amountCents)
	if p.refunded != 0 {
		return p.refunded, nil
	}
	return amountCents, nil
}
func (p *fakeProvider) VerifyAndNormalizeWebhook(payload []byte, signature string) (*NormalizedEvent, error) {
	return nil, nil
}

type fakeProviderSource struct {
	provider *fakeProvider
}

func (s *fakeProviderSource) Get(name string) (Provider, error) {
	if name != s.provider.name {
		return nil, errors.New("unknown payment provider: " + name)
	}
	return s.provider, nil
}

type fakeGranter struct {
	mu      sync.Mutex
	grants  int
	revokes int
	nextEnt uint
	err     error
}

func (g *fakeGranter) GrantFromPayment(ctx context.Context, p *models.Payment, plan *models.Plan) (*models.Entitlement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.grants++
	g.nextEnt++
	return &models.Entitlement{ID: g.nextEnt, SubjectMAC: p.SubjectMAC, Status: models.EntitlementStatusPending}, nil
}

func (g *fakeGranter) RevokeForPayment(ctx context.Context, p *models.Payment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revokes++
	return nil
}

type paymentFixture struct {
	repo     *fakePaymentRepo
	plans    *fakePlanRepo
	provider *fakeProvider
	granter  *fakeGranter
	svc      *Service
}

func newPaymentFixture() *paymentFixture {
	repo := newFakePaymentRepo()
	plans := &fakePlanRepo{plans: map[string]*models.Plan{
		"day-pass": {ID: 1, Code: "day-pass", Name: "Day Pass", DurationMinutes: 1440, PriceCents: 500, Currency: "EUR", Purchasable: true, IsActive: true},
		"free":     {ID: 2, Code: "free", Name: "Free Tier", DurationMinutes: 30, PriceCents: 0, Currency: "EUR", Purchasable: false, IsActive: true},
	}}
	provider := &fakeProvider{name: "stripe", status: StatusProcessing}
	granter := &fakeGranter{}
	svc := NewService(repo, plans, &fakeProviderSource{provider: provider}, granter)
	return &paymentFixture{repo: repo, plans: plans, provider: provider, granter: granter, svc: svc}
}

func (f *paymentFixture) initialized(t *testing.T) *models.Payment {
	t.Helper()
	p, err := f.svc.Initialize(context.Background(), "day-pass", "stripe", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	return p
}

func TestPaymentInitialize(t *testing.T) {
	f := newPaymentFixture()

	p := f.initialized(t)
	assert.Equal(t, models.PaymentStatusInitialized, p.Status)
	assert.Equal(t, "stripe", p.Provider)
	assert.Equal(t, "pi_test", p.ProviderPaymentID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", p.SubjectMAC)
	assert.Equal(t, int64(500), p.AmountCents)
	assert.Equal(t, "EUR", p.Currency)
}

func TestPaymentInitializeRejections(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	_, err := f.svc.Initialize(ctx, "day-pass", "stripe", "not-a-mac")
	assert.Error(t, err)

	_, err = f.svc.Initialize(ctx, "no-such-plan", "stripe", "aa:bb:cc:dd:ee:ff")
	assert.ErrorIs(t, err, ErrPlanUnavailable)

	_, err = f.svc.Initialize(ctx, "free", "stripe", "aa:bb:cc:dd:ee:ff")
	assert.ErrorIs(t, err, ErrPlanUnavailable)

	_, err = f.svc.Initialize(ctx, "day-pass", "paypal", "aa:bb:cc:dd:ee:ff")
	assert.Error(t, err)
}

func TestPaymentConfirmAdvancesStatus(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	f.provider.status = StatusProcessing
	got, err := f.svc.Confirm(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, got.Status)

	f.provider.status = StatusSucceeded
	got, err = f.svc.Confirm(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Status)
	require.NotNil(t, got.EntitlementID)
	assert.Equal(t, 1, f.granter.grants)

	// Terminal payments short-circuit without touching the provider again.
	f.provider.statusErr = errors.New("gateway down")
	got, err = f.svc.Confirm(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Status)
	assert.Equal(t, 1, f.granter.grants)
}

func TestPaymentConfirmFailed(t *testing.T) {
	f := newPaymentFixture()
	p := f.initialized(t)

	f.provider.status = StatusFailed
	got, err := f.svc.Confirm(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, got.Status)
	assert.Zero(t, f.granter.grants)
}

func TestPaymentConfirmProviderErrorLeavesLedgerUntouched(t *testing.T) {
	f := newPaymentFixture()
	p := f.initialized(t)

	f.provider.statusErr = errors.New("timeout")
	_, err := f.svc.Confirm(context.Background(), p.ID)
	require.Error(t, err)

	got, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusInitialized, got.Status)
}

func succeededEvent(eventID, providerPaymentID string) *NormalizedEvent {
	return &NormalizedEvent{
		Type:              EventPaymentSucceeded,
		ProviderEventID:   eventID,
		ProviderPaymentID: providerPaymentID,
		RawPayloadJSON:    `{"id":"` + eventID + `"}`,
	}
}

func TestWebhookSettlesExactlyOnce(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	result, err := f.svc.ApplyWebhookEvent(ctx, "stripe", succeededEvent("evt_1", p.ProviderPaymentID))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, 1, f.granter.grants)

	// A distinct second succeeded event passes dedup but loses the transition
	// guard, so nothing is granted again.
	result, err = f.svc.ApplyWebhookEvent(ctx, "stripe", succeededEvent("evt_2", p.ProviderPaymentID))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, 1, f.granter.grants)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Status)
}

func TestRepairMissingGrants(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	// The succeeded transition commits, then the grant fails. The payment is
	// durably settled without an entitlement and a replayed webhook loses the
	// transition guard, so it cannot finish the job.
	f.granter.err = errors.New("entitlement store down")
	_, err := f.svc.ApplyWebhookEvent(ctx, "stripe", succeededEvent("evt_1", p.ProviderPaymentID))
	require.Error(t, err)

	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Status)
	assert.Nil(t, got.EntitlementID)

	result, err := f.svc.ApplyWebhookEvent(ctx, "stripe", succeededEvent("evt_2", p.ProviderPaymentID))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Zero(t, f.granter.grants)

	// The repair pass finishes the grant once the store recovers.
	f.granter.err = nil
	require.NoError(t, f.svc.RepairMissingGrants(ctx))

	got, err = f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EntitlementID)
	assert.Equal(t, 1, f.granter.grants)

	// Nothing left to repair.
	require.NoError(t, f.svc.RepairMissingGrants(ctx))
	assert.Equal(t, 1, f.granter.grants)
}

func TestWebhookDuplicateEventIsDetected(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	first, err := f.svc.ApplyWebhookEvent(ctx, "stripe", succeededEvent("evt_1", p.ProviderPaymentID))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	replay, err := f.svc.ApplyWebhookEvent(ctx, "stripe", succeededEvent("evt_1", p.ProviderPaymentID))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, 1, f.granter.grants)
}

func TestWebhookFailedEvent(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	event := &NormalizedEvent{
		Type:              EventPaymentFailed,
		ProviderEventID:   "evt_fail",
		ProviderPaymentID: p.ProviderPaymentID,
	}
	result, err := f.svc.ApplyWebhookEvent(ctx, "stripe", event)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, result.Payment.Status)
	assert.Zero(t, f.granter.grants)
}

func TestWebhookUnknownPaymentReference(t *testing.T) {
	f := newPaymentFixture()

	_, err := f.svc.ApplyWebhookEvent(context.Background(), "stripe", succeededEvent("evt_1", "pi_nobody"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhookEventIDFallbackHash(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	event := succeededEvent("", p.ProviderPaymentID)
	result, err := f.svc.ApplyWebhookEvent(ctx, "stripe", event)
	require.NoError(t, err)
	assert.True(t, result.Applied)

	// Same payload, still no event id: hashed identity makes it a duplicate.
	replay, err := f.svc.ApplyWebhookEvent(ctx, "stripe", succeededEvent("", p.ProviderPaymentID))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
}

func TestRefundPartialThenFull(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	f.provider.status = StatusSucceeded
	_, err := f.svc.Confirm(ctx, p.ID)
	require.NoError(t, err)

	got, err := f.svc.Refund(ctx, p.ID, 200, "partial")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, got.Status)
	assert.Equal(t, int64(200), got.RefundedCents)
	assert.Zero(t, f.granter.revokes)

	// Zero amount refunds the remainder; the full refund revokes access.
	got, err = f.svc.Refund(ctx, p.ID, 0, "rest")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, got.Status)
	assert.Equal(t, int64(500), got.RefundedCents)
	assert.Equal(t, 1, f.granter.revokes)
	assert.Equal(t, []int64{200, 300}, f.provider.refundReqs)
}

func TestRefundRejections(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	_, err := f.svc.Refund(ctx, p.ID, 100, "")
	assert.ErrorIs(t, err, ErrNotRefundable)

	f.provider.status = StatusSucceeded
	_, err = f.svc.Confirm(ctx, p.ID)
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, p.ID, 600, "")
	assert.ErrorIs(t, err, ErrRefundTooLarge)

	_, err = f.svc.Refund(ctx, p.ID, -1, "")
	assert.ErrorIs(t, err, ErrRefundTooLarge)

	_, err = f.svc.Refund(ctx, 999, 100, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefundEventReplayIsNoOp(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	p := f.initialized(t)

	f.provider.status = StatusSucceeded
	_, err := f.svc.Confirm(ctx, p.ID)
	require.NoError(t, err)

	refundEvent := func(eventID string, total int64) *NormalizedEvent {
		return &NormalizedEvent{
			Type:                EventChargeRefunded,
			ProviderEventID:     eventID,
			ProviderPaymentID:   p.ProviderPaymentID,
			AmountRefundedCents: total,
		}
	}

	result, err := f.svc.ApplyWebhookEvent(ctx, "stripe", refundEvent("evt_r1", 500))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, result.Payment.Status)
	assert.Equal(t, 1, f.granter.revokes)

	// A later event carrying the same cumulative total changes nothing.
	result, err = f.svc.ApplyWebhookEvent(ctx, "stripe", refundEvent("evt_r2", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.Payment.RefundedCents)
	assert.Equal(t, 1, f.granter.revokes)
}
