package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hotspotfox/HotspotFox/app/models"
	"github.com/hotspotfox/HotspotFox/app/repository"
	"github.com/hotspotfox/HotspotFox/internal/pkg/entitlement"
)

var (
	// ErrNotFound is returned when no payment matches a lookup.
	ErrNotFound = errors.New("payment not found")
	// ErrPlanUnavailable is returned when the requested plan cannot be bought.
	ErrPlanUnavailable = errors.New("plan is not purchasable")
	// ErrNotRefundable is returned when the payment is not in a refundable state.
	ErrNotRefundable = errors.New("payment is not refundable")
	// ErrRefundTooLarge is returned when the requested refund exceeds the remaining amount.
	ErrRefundTooLarge = errors.New("refund amount exceeds refundable remainder")
)

// EntitlementGranter is the slice of the reconciliation engine the payment
// ledger needs: creating access when a payment settles and revoking it when
// the payment is fully refunded.
type EntitlementGranter interface {
	GrantFromPayment(ctx context.Context, p *models.Payment, plan *models.Plan) (*models.Entitlement, error)
	RevokeForPayment(ctx context.Context, p *models.Payment) error
}

// ProviderSource resolves provider names to adapters.
type ProviderSource interface {
	Get(name string) (Provider, error)
}

// ProcessingResult reports what a webhook application did.
type ProcessingResult struct {
	Duplicate bool
	Applied   bool
	Payment   *models.Payment
}

// Service owns the payment ledger: initialization, confirmation polling,
// webhook settlement and refunds. It is provider-neutral; everything
// gateway-specific lives behind the Provider capability.
type Service struct {
	payments  repository.PaymentRepository
	plans     repository.PlanRepository
	providers ProviderSource
	granter   EntitlementGranter
}

// NewService creates a payment service from injected collaborators.
func NewService(payments repository.PaymentRepository, plans repository.PlanRepository, providers ProviderSource, granter EntitlementGranter) *Service {
	return &Service{
		payments:  payments,
		plans:     plans,
		providers: providers,
		granter:   granter,
	}
}

// Initialize validates the plan, creates the provider-side intent and
// persists the payment row in initialized status.
func (s *Service) Initialize(ctx context.Context, planCode, providerName, subjectMAC string) (*models.Payment, error) {
	mac, err := entitlement.NormalizeMAC(subjectMAC)
	if err != nil {
		return nil, err
	}

	plan, err := s.plans.GetByCode(strings.TrimSpace(planCode))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanUnavailable
		}
		return nil, err
	}
	if !plan.IsPurchasable() {
		return nil, ErrPlanUnavailable
	}

	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	intent, err := provider.CreateIntent(ctx, plan.PriceCents, plan.Currency, map[string]string{
		"plan_code":   plan.Code,
		"subject_mac": mac,
		"reference":   uuid.New().String(),
	})
	if err != nil {
		return nil, err
	}

	p := &models.Payment{
		PlanID:            plan.ID,
		Provider:          provider.Name(),
		ProviderPaymentID: intent.ProviderID,
		ClientSecret:      intent.ClientSecret,
		SubjectMAC:        mac,
		Status:            models.PaymentStatusInitialized,
		AmountCents:       plan.PriceCents,
		Currency:          plan.Currency,
	}
	if err := s.payments.Create(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a payment by id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id uint) (*models.Payment, error) {
	_ = ctx
	p, err := s.payments.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// Confirm re-queries the provider for the current intent status and advances
// the local state machine. A succeeded answer that was not yet recorded is
// the signal that creates the entitlement. Unknown answers change nothing.
func (s *Service) Confirm(ctx context.Context, id uint) (*models.Payment, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsTerminal() {
		return p, nil
	}

	provider, err := s.providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	status, err := provider.QueryStatus(ctx, p.ProviderPaymentID)
	if err != nil {
		// Ambiguous result: leave the ledger untouched so the caller can
		// simply retry the confirm.
		return nil, err
	}

	switch status {
	case StatusSucceeded:
		if err := s.settle(ctx, p); err != nil {
			return nil, err
		}
	case StatusFailed:
		if _, err := s.payments.TransitionStatus(p.ID,
			[]string{models.PaymentStatusInitialized, models.PaymentStatusProcessing},
			models.PaymentStatusFailed, nil); err != nil {
			return nil, err
		}
	case StatusProcessing:
		if _, err := s.payments.TransitionStatus(p.ID,
			[]string{models.PaymentStatusInitialized},
			models.PaymentStatusProcessing, nil); err != nil {
			return nil, err
		}
	case StatusInitialized, StatusUnknown:
		// Not yet succeeded; nothing to advance.
	}

	return s.Get(ctx, id)
}

// settle performs the exactly-once transition into succeeded and creates the
// entitlement. The conditional status update is the idempotency guard: the
// loser of a confirm/webhook race affects zero rows and grants nothing.
func (s *Service) settle(ctx context.Context, p *models.Payment) error {
	transitioned, err := s.payments.TransitionStatus(p.ID,
		[]string{models.PaymentStatusInitialized, models.PaymentStatusProcessing},
		models.PaymentStatusSucceeded, nil)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	plan, err := s.plans.GetByID(p.PlanID)
	if err != nil {
		return err
	}
	fresh, err := s.payments.GetByID(p.ID)
	if err != nil {
		return err
	}

	ent, err := s.granter.GrantFromPayment(ctx, fresh, plan)
	if err != nil {
		return err
	}

	fresh.EntitlementID = &ent.ID
	return s.payments.Update(fresh)
}

// RepairMissingGrants creates entitlements for settled payments that have
// none. The succeeded transition and the grant are separate writes; when the
// grant fails after the transition committed, neither a webhook replay nor a
// confirm poll reaches the grant again (both stop at the already-succeeded
// ledger row), so the periodic sweep finishes the job here.
func (s *Service) RepairMissingGrants(ctx context.Context) error {
	payments, err := s.payments.ListSucceededWithoutEntitlement()
	if err != nil {
		return err
	}

	repaired := 0
	for i := range payments {
		p := &payments[i]

		plan, err := s.plans.GetByID(p.PlanID)
		if err != nil {
			log.Errorf("[Payment] Grant repair: plan %d for payment %d: %v", p.PlanID, p.ID, err)
			continue
		}
		ent, err := s.granter.GrantFromPayment(ctx, p, plan)
		if err != nil {
			log.Errorf("[Payment] Grant repair: payment %d: %v", p.ID, err)
			continue
		}
		p.EntitlementID = &ent.ID
		if err := s.payments.Update(p); err != nil {
			log.Errorf("[Payment] Grant repair: backfill for payment %d: %v", p.ID, err)
			continue
		}
		repaired++
	}
	if repaired > 0 {
		log.Infof("[Payment] Repaired %d settled payment(s) that had no entitlement", repaired)
	}
	return nil
}

// ApplyWebhookEvent applies an already-verified, provider-normalized event to
// the ledger. Replays of recorded events are safe no-ops; replays of the
// status transition itself are absorbed by the transition guard.
func (s *Service) ApplyWebhookEvent(ctx context.Context, providerName string, event *NormalizedEvent) (*ProcessingResult, error) {
	provider := strings.ToLower(strings.TrimSpace(providerName))
	if provider == "" || event == nil {
		return nil, errors.New("provider and event are required")
	}

	eventID := strings.TrimSpace(event.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(event.RawPayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	created, stored, err := s.payments.CreateWebhookEventIfNotExists(&models.PaymentWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       string(event.Type),
		PayloadJSON:     event.RawPayloadJSON,
		SignatureValid:  true,
	})
	if err != nil {
		return nil, err
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		return &ProcessingResult{Duplicate: true}, nil
	}

	result, processErr := s.applyEvent(ctx, provider, event)

	errMsg := ""
	if processErr != nil {
		errMsg = processErr.Error()
	}
	if markErr := s.payments.MarkWebhookProcessed(stored.ID, errMsg); markErr != nil {
		log.Errorf("[Payment] Failed to mark webhook event %d processed: %v", stored.ID, markErr)
	}
	return result, processErr
}

func (s *Service) applyEvent(ctx context.Context, provider string, event *NormalizedEvent) (*ProcessingResult, error) {
	p, err := s.payments.GetByProviderPaymentID(provider, event.ProviderPaymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	switch event.Type {
	case EventPaymentSucceeded:
		if err := s.settle(ctx, p); err != nil {
			return nil, err
		}
	case EventPaymentFailed:
		if _, err := s.payments.TransitionStatus(p.ID,
			[]string{models.PaymentStatusInitialized, models.PaymentStatusProcessing},
			models.PaymentStatusFailed, nil); err != nil {
			return nil, err
		}
	case EventChargeRefunded:
		if err := s.applyRefundTotal(ctx, p, event.AmountRefundedCents, ""); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported event type: " + string(event.Type))
	}

	fresh, err := s.payments.GetByID(p.ID)
	if err != nil {
		return nil, err
	}
	return &ProcessingResult{Applied: true, Payment: fresh}, nil
}

// Refund issues a provider refund on an operator's behalf. Omitting the
// amount (zero) refunds the full remainder. A full refund revokes the linked
// entitlement; a partial refund leaves access in place.
func (s *Service) Refund(ctx context.Context, id uint, amountCents int64, reason string) (*models.Payment, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentStatusSucceeded && p.Status != models.PaymentStatusPartiallyRefunded {
		return nil, ErrNotRefundable
	}

	remainder := p.AmountCents - p.RefundedCents
	requested := amountCents
	if requested == 0 {
		requested = remainder
	}
	if requested <= 0 || requested > remainder {
		return nil, ErrRefundTooLarge
	}

	provider, err := s.providers.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	refunded, err := provider.Refund(ctx, p.ProviderPaymentID, requested, reason)
	if err != nil {
		return nil, err
	}
	if refunded <= 0 {
		refunded = requested
	}

	if err := s.applyRefundTotal(ctx, p, p.RefundedCents+refunded, reason); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// applyRefundTotal records a new cumulative refunded amount. Stale or
// replayed totals (not above what is already recorded) are no-ops.
func (s *Service) applyRefundTotal(ctx context.Context, p *models.Payment, totalRefundedCents int64, reason string) error {
	if totalRefundedCents <= p.RefundedCents {
		return nil
	}
	if totalRefundedCents > p.AmountCents {
		totalRefundedCents = p.AmountCents
	}

	full := totalRefundedCents >= p.AmountCents
	target := models.PaymentStatusPartiallyRefunded
	if full {
		target = models.PaymentStatusRefunded
	}

	now := time.Now()
	extra := map[string]interface{}{
		"refunded_cents": totalRefundedCents,
		"refunded_at":    &now,
	}
	if reason != "" {
		extra["refund_reason"] = reason
	}

	transitioned, err := s.payments.TransitionStatus(p.ID,
		[]string{models.PaymentStatusSucceeded, models.PaymentStatusPartiallyRefunded},
		target, extra)
	if err != nil {
		return err
	}
	if !transitioned || !full {
		return nil
	}

	fresh, err := s.payments.GetByID(p.ID)
	if err != nil {
		return err
	}
	return s.granter.RevokeForPayment(ctx, fresh)
}
