package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/hotspotfox/HotspotFox/app/models"
)

// GrantRepairer finishes grants that were lost between a ledger commit and
// the entitlement write. Satisfied by the payment service.
type GrantRepairer interface {
	RepairMissingGrants(ctx context.Context) error
}

// Sweeper periodically closes elapsed entitlements, requeues failed
// authorizations and corrects drift between the ledger and the controller.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	repair   GrantRepairer
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a sweeper for the given engine.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// SetGrantRepairer adds a repair step to each sweep. Must be called before
// Start.
func (s *Sweeper) SetGrantRepairer(r GrantRepairer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repair = r
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.loop()
	log.Infof("[Sweeper] Started (interval: %s)", s.interval)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
	s.wg.Wait()
	log.Info("[Sweeper] Stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.SweepOnce(context.Background()); err != nil {
				log.Errorf("[Sweeper] Sweep error: %v", err)
			}
		}
	}
}

// SweepOnce runs one full reconciliation pass: expiry, retry, drift and grant
// repair.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if err := s.sweepExpired(ctx); err != nil {
		return err
	}
	if err := s.sweepRetryable(ctx); err != nil {
		return err
	}
	if err := s.sweepDrift(ctx); err != nil {
		return err
	}
	if s.repair != nil {
		if err := s.repair.RepairMissingGrants(ctx); err != nil {
			log.Errorf("[Sweeper] Grant repair error: %v", err)
		}
	}
	return nil
}

// sweepExpired closes entitlements whose window elapsed. Applied ones also
// get a controller deauthorization; the controller's own timer usually beats
// the sweep, so the unauthorize is normally a no-op.
func (s *Sweeper) sweepExpired(ctx context.Context) error {
	_ = ctx
	expired, err := s.engine.repo.ListExpired(time.Now())
	if err != nil {
		return err
	}

	for _, ent := range expired {
		wasApplied := ent.Status == models.EntitlementStatusApplied
		if err := s.engine.repo.MarkExpired(ent.ID); err != nil {
			log.Errorf("[Sweeper] Failed to expire entitlement %d: %v", ent.ID, err)
			continue
		}
		if wasApplied {
			if _, err := s.engine.jobs.EnqueueUnauthorize(ent.SubjectMAC, ent.ID); err != nil {
				log.Errorf("[Sweeper] Failed to enqueue unauthorize for %s: %v", ent.SubjectMAC, err)
			}
		}
	}
	if len(expired) > 0 {
		log.Infof("[Sweeper] Expired %d entitlement(s)", len(expired))
	}
	return nil
}

// sweepRetryable re-pends apply_failed entitlements below the attempt cap and
// queues a fresh authorize for each.
func (s *Sweeper) sweepRetryable(ctx context.Context) error {
	_ = ctx
	retryable, err := s.engine.repo.ListRetryable(maxControllerAttempts)
	if err != nil {
		return err
	}

	for _, ent := range retryable {
		if err := s.engine.repo.MarkPending(ent.ID); err != nil {
			log.Errorf("[Sweeper] Failed to re-pend entitlement %d: %v", ent.ID, err)
			continue
		}
		if _, err := s.engine.jobs.EnqueueAuthorize(ent.ID); err != nil {
			log.Errorf("[Sweeper] Failed to enqueue authorize retry for %d: %v", ent.ID, err)
		}
	}
	if len(retryable) > 0 {
		log.Infof("[Sweeper] Requeued %d failed authorization(s)", len(retryable))
	}
	return nil
}

// sweepDrift compares controller truth with ledger truth in both directions:
// applied entitlements missing on the controller are reauthorized, and MACs
// the controller still allows without any open entitlement are cut off.
func (s *Sweeper) sweepDrift(ctx context.Context) error {
	authorized, err := s.engine.controller.Get().ListAuthorized(ctx)
	if err != nil {
		// Controller unreachable: skip drift this round, expiry and retry
		// already ran against the ledger alone.
		log.Warnf("[Sweeper] Drift check skipped, controller list failed: %v", err)
		return nil
	}
	authorizedSet := make(map[string]struct{}, len(authorized))
	for _, mac := range authorized {
		authorizedSet[mac] = struct{}{}
	}

	now := time.Now()
	shouldBe, err := s.engine.repo.ListShouldBeApplied(now)
	if err != nil {
		return err
	}

	reauthorized := 0
	for _, ent := range shouldBe {
		if _, ok := authorizedSet[ent.SubjectMAC]; ok {
			continue
		}
		if err := s.engine.repo.MarkPending(ent.ID); err != nil {
			log.Errorf("[Sweeper] Failed to re-pend drifted entitlement %d: %v", ent.ID, err)
			continue
		}
		if _, err := s.engine.jobs.EnqueueAuthorize(ent.ID); err != nil {
			log.Errorf("[Sweeper] Failed to enqueue drift authorize for %d: %v", ent.ID, err)
			continue
		}
		reauthorized++
	}

	cutOff := 0
	for _, mac := range authorized {
		_, err := s.engine.repo.CurrentForMAC(mac)
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Errorf("[Sweeper] Drift lookup for %s failed: %v", mac, err)
			continue
		}
		if _, err := s.engine.jobs.EnqueueUnauthorize(mac, 0); err != nil {
			log.Errorf("[Sweeper] Failed to enqueue drift unauthorize for %s: %v", mac, err)
			continue
		}
		cutOff++
	}

	if reauthorized > 0 || cutOff > 0 {
		log.Infof("[Sweeper] Drift corrected: %d reauthorized, %d cut off", reauthorized, cutOff)
	}
	return nil
}
