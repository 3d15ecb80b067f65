package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/hotspotfox/HotspotFox/app/models"
	"github.com/hotspotfox/HotspotFox/app/repository"
	"github.com/hotspotfox/HotspotFox/internal/pkg/entitlement"
	"github.com/hotspotfox/HotspotFox/internal/pkg/jobqueue"
	metrics "github.com/hotspotfox/HotspotFox/internal/pkg/metrics/counter"
	"github.com/hotspotfox/HotspotFox/internal/pkg/netctl"
)

// maxControllerAttempts is the give-up threshold for authorize retries. Past
// it the entitlement stays apply_failed until an operator intervenes.
const maxControllerAttempts = 10

// JobEnqueuer is the queueing capability the engine needs. Satisfied by
// jobqueue.Queue.
type JobEnqueuer interface {
	EnqueueAuthorize(entitlementID uint) (*jobqueue.Job, error)
	EnqueueUnauthorize(subjectMAC string, entitlementID uint) (*jobqueue.Job, error)
}

// Engine is the reconciliation core: it turns ledger decisions into
// controller actions and controller outcomes back into ledger status. The
// entitlement ledger stays the single source of truth; the controller is
// treated as a cache of it.
type Engine struct {
	ledger     *entitlement.Ledger
	repo       repository.EntitlementRepository
	controller *netctl.Provider
	jobs       JobEnqueuer
	locks      *KeyedMutex
}

// NewEngine creates a reconciliation engine from injected collaborators.
func NewEngine(ledger *entitlement.Ledger, repo repository.EntitlementRepository, controller *netctl.Provider, jobs JobEnqueuer) *Engine {
	return &Engine{
		ledger:     ledger,
		repo:       repo,
		controller: controller,
		jobs:       jobs,
		locks:      NewKeyedMutex(),
	}
}

// GrantFromVoucher creates the entitlement for a voucher redemption. Voucher
// overrides win over the plan defaults.
func (e *Engine) GrantFromVoucher(ctx context.Context, v *models.Voucher, plan *models.Plan, subjectMAC string) (*models.Entitlement, error) {
	download := plan.DownloadKbps
	if v.DownloadKbpsOverride != nil {
		download = *v.DownloadKbpsOverride
	}
	upload := plan.UploadKbps
	if v.UploadKbpsOverride != nil {
		upload = *v.UploadKbpsOverride
	}
	dataCap := plan.DataCapMB
	if v.DataCapMBOverride != nil {
		dataCap = *v.DataCapMBOverride
	}

	now := time.Now()
	return e.grant(ctx, entitlement.GrantInput{
		SubjectMAC:   subjectMAC,
		Source:       models.EntitlementSourceVoucher,
		SourceID:     v.ID,
		AuthorizedAt: now,
		ExpiresAt:    now.Add(time.Duration(plan.DurationMinutes) * time.Minute),
		DownloadKbps: download,
		UploadKbps:   upload,
		DataCapMB:    dataCap,
	})
}

// GrantFromPayment creates the entitlement for a settled payment.
func (e *Engine) GrantFromPayment(ctx context.Context, p *models.Payment, plan *models.Plan) (*models.Entitlement, error) {
	now := time.Now()
	return e.grant(ctx, entitlement.GrantInput{
		SubjectMAC:   p.SubjectMAC,
		Source:       models.EntitlementSourcePayment,
		SourceID:     p.ID,
		AuthorizedAt: now,
		ExpiresAt:    now.Add(time.Duration(plan.DurationMinutes) * time.Minute),
		DownloadKbps: plan.DownloadKbps,
		UploadKbps:   plan.UploadKbps,
		DataCapMB:    plan.DataCapMB,
	})
}

// GrantAdmin creates an operator-issued entitlement. A zero duration falls
// back to the plan duration; source distinguishes paid-equivalent admin
// grants from free ones.
func (e *Engine) GrantAdmin(ctx context.Context, subjectMAC string, plan *models.Plan, durationMinutes int, source string) (*models.Entitlement, error) {
	if source != models.EntitlementSourceAdmin && source != models.EntitlementSourceFree {
		return nil, fmt.Errorf("invalid admin grant source: %s", source)
	}
	if durationMinutes <= 0 {
		durationMinutes = plan.DurationMinutes
	}

	now := time.Now()
	return e.grant(ctx, entitlement.GrantInput{
		SubjectMAC:   subjectMAC,
		Source:       source,
		SourceID:     plan.ID,
		AuthorizedAt: now,
		ExpiresAt:    now.Add(time.Duration(durationMinutes) * time.Minute),
		DownloadKbps: plan.DownloadKbps,
		UploadKbps:   plan.UploadKbps,
		DataCapMB:    plan.DataCapMB,
	})
}

// grant supersedes any open entitlement for the MAC and queues the controller
// authorization. Superseded rows need no unauthorize: the fresh authorize for
// the same MAC replaces the controller state, and an interleaved unauthorize
// could land after it and kick the guest.
func (e *Engine) grant(ctx context.Context, in entitlement.GrantInput) (*models.Entitlement, error) {
	mac, err := entitlement.NormalizeMAC(in.SubjectMAC)
	if err != nil {
		return nil, err
	}
	in.SubjectMAC = mac

	e.locks.Lock(mac)
	defer e.locks.Unlock(mac)

	ent, superseded, err := e.ledger.Grant(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(superseded) > 0 {
		log.Infof("[Reconcile] Grant for %s superseded %d open entitlement(s)", mac, len(superseded))
	}

	if _, err := e.jobs.EnqueueAuthorize(ent.ID); err != nil {
		// The grant is durable; the sweeper re-detects the unapplied row.
		log.Errorf("[Reconcile] Failed to enqueue authorize for entitlement %d: %v", ent.ID, err)
	}
	return ent, nil
}

// RevokeForMAC withdraws all open access for a MAC.
func (e *Engine) RevokeForMAC(ctx context.Context, subjectMAC string) error {
	_ = ctx
	mac, err := entitlement.NormalizeMAC(subjectMAC)
	if err != nil {
		return err
	}

	e.locks.Lock(mac)
	defer e.locks.Unlock(mac)

	applied, err := e.repo.RevokeOpenForMAC(mac)
	if err != nil {
		return err
	}
	for _, ent := range applied {
		if _, err := e.jobs.EnqueueUnauthorize(mac, ent.ID); err != nil {
			log.Errorf("[Reconcile] Failed to enqueue unauthorize for %s: %v", mac, err)
		}
	}
	return nil
}

// RevokeForVoucher closes every open entitlement created from a voucher.
func (e *Engine) RevokeForVoucher(ctx context.Context, v *models.Voucher) error {
	return e.revokeBySource(ctx, models.EntitlementSourceVoucher, v.ID)
}

// RevokeForPayment closes every open entitlement created from a payment.
func (e *Engine) RevokeForPayment(ctx context.Context, p *models.Payment) error {
	return e.revokeBySource(ctx, models.EntitlementSourcePayment, p.ID)
}

func (e *Engine) revokeBySource(ctx context.Context, source string, sourceID uint) error {
	_ = ctx
	open, err := e.repo.ListOpenBySource(source, sourceID)
	if err != nil {
		return err
	}

	for _, ent := range open {
		e.locks.Lock(ent.SubjectMAC)
		wasApplied := ent.Status == models.EntitlementStatusApplied
		err := e.repo.MarkRevoked(ent.ID)
		e.locks.Unlock(ent.SubjectMAC)
		if err != nil {
			return err
		}
		if wasApplied {
			if _, err := e.jobs.EnqueueUnauthorize(ent.SubjectMAC, ent.ID); err != nil {
				log.Errorf("[Reconcile] Failed to enqueue unauthorize for %s: %v", ent.SubjectMAC, err)
			}
		}
	}
	return nil
}

// ProcessAuthorize executes one queued controller authorization. The
// entitlement is re-read first so grants superseded, revoked or expired while
// the job sat in the queue are never applied.
func (e *Engine) ProcessAuthorize(ctx context.Context, entitlementID uint) error {
	ent, err := e.repo.GetByID(entitlementID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Reconcile] Authorize job for unknown entitlement %d, skipping", entitlementID)
			return nil
		}
		return err
	}
	if !ent.IsOpen() {
		log.Infof("[Reconcile] Entitlement %d is %s, skipping authorize", ent.ID, ent.Status)
		return nil
	}

	now := time.Now()
	if ent.IsExpiredAt(now) {
		return e.repo.MarkExpired(ent.ID)
	}

	req := netctl.AuthorizeRequest{
		MAC:             ent.SubjectMAC,
		DurationMinutes: ent.DurationMinutes(now),
		DownloadKbps:    ent.DownloadKbps,
		UploadKbps:      ent.UploadKbps,
		DataCapMB:       ent.DataCapMB,
		Label:           fmt.Sprintf("entitlement-%d", ent.ID),
	}
	if err := e.controller.Get().Authorize(ctx, req); err != nil {
		if cerr := metrics.AddControllerAction(metrics.ActionAuthorizeFailed); cerr != nil {
			log.Debugf("[Reconcile] Counter increment failed: %v", cerr)
		}
		if merr := e.repo.MarkApplyFailed(ent.ID, err.Error()); merr != nil {
			log.Errorf("[Reconcile] Failed to record apply failure for %d: %v", ent.ID, merr)
		}
		return err
	}

	if cerr := metrics.AddControllerAction(metrics.ActionAuthorize); cerr != nil {
		log.Debugf("[Reconcile] Counter increment failed: %v", cerr)
	}
	return e.repo.MarkApplied(ent.ID)
}

// ProcessUnauthorize executes one queued controller deauthorization.
// Unauthorizing a MAC the controller no longer knows is a success.
func (e *Engine) ProcessUnauthorize(ctx context.Context, subjectMAC string) error {
	if err := e.controller.Get().Unauthorize(ctx, subjectMAC); err != nil {
		if cerr := metrics.AddControllerAction(metrics.ActionUnauthorizeFailed); cerr != nil {
			log.Debugf("[Reconcile] Counter increment failed: %v", cerr)
		}
		return err
	}
	if cerr := metrics.AddControllerAction(metrics.ActionUnauthorize); cerr != nil {
		log.Debugf("[Reconcile] Counter increment failed: %v", cerr)
	}
	return nil
}
