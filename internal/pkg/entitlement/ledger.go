package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/hotspotfox/HotspotFox/app/models"
	"github.com/hotspotfox/HotspotFox/app/repository"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no entitlement matches a lookup.
var ErrNotFound = errors.New("entitlement not found")

// GrantInput carries the parameters for a new access grant. Limits of zero
// mean unlimited.
type GrantInput struct {
	SubjectMAC   string
	Source       string
	SourceID     uint
	AuthorizedAt time.Time
	ExpiresAt    time.Time
	DownloadKbps int
	UploadKbps   int
	DataCapMB    int
}

// Ledger owns the entitlement collection: grants, supersedes and status
// transitions. It never talks to the network controller; the reconciliation
// engine turns ledger state into controller actions.
type Ledger struct {
	repo repository.EntitlementRepository
}

// NewLedger creates an entitlement ledger from an injected repository.
func NewLedger(repo repository.EntitlementRepository) *Ledger {
	return &Ledger{repo: repo}
}

// Grant supersedes any open entitlement for the same MAC and inserts the new
// one in pending status. The superseded entitlements that had reached the
// controller are returned so the caller can deauthorize them.
//
// Callers must serialize grants per MAC (the reconciliation engine holds a
// keyed lock); the supersede-then-insert itself is not race free across
// processes without it.
func (l *Ledger) Grant(ctx context.Context, in GrantInput) (*models.Entitlement, []models.Entitlement, error) {
	_ = ctx
	mac, err := NormalizeMAC(in.SubjectMAC)
	if err != nil {
		return nil, nil, err
	}

	superseded, err := l.repo.RevokeOpenForMAC(mac)
	if err != nil {
		return nil, nil, err
	}

	entitlement := &models.Entitlement{
		SubjectMAC:   mac,
		Source:       in.Source,
		SourceID:     in.SourceID,
		AuthorizedAt: in.AuthorizedAt,
		ExpiresAt:    in.ExpiresAt,
		DownloadKbps: in.DownloadKbps,
		UploadKbps:   in.UploadKbps,
		DataCapMB:    in.DataCapMB,
		Status:       models.EntitlementStatusPending,
	}
	if err := l.repo.Create(entitlement); err != nil {
		return nil, nil, err
	}
	return entitlement, superseded, nil
}

// CurrentFor returns the single open entitlement for a MAC, or ErrNotFound.
func (l *Ledger) CurrentFor(ctx context.Context, mac string) (*models.Entitlement, error) {
	_ = ctx
	normalized, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	entitlement, err := l.repo.CurrentForMAC(normalized)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entitlement, nil
}

// Get returns an entitlement by id, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id uint) (*models.Entitlement, error) {
	_ = ctx
	entitlement, err := l.repo.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entitlement, nil
}

// MarkApplied records a successful controller authorization.
func (l *Ledger) MarkApplied(ctx context.Context, id uint) error {
	_ = ctx
	return l.repo.MarkApplied(id)
}

// MarkApplyFailed records a failed controller authorization attempt. The
// entitlement stays open and retryable; the ledger, not the controller, is
// the durable source of truth for the grant.
func (l *Ledger) MarkApplyFailed(ctx context.Context, id uint, controllerError string) error {
	_ = ctx
	return l.repo.MarkApplyFailed(id, controllerError)
}

// MarkExpired closes an entitlement whose window elapsed.
func (l *Ledger) MarkExpired(ctx context.Context, id uint) error {
	_ = ctx
	return l.repo.MarkExpired(id)
}

// MarkRevoked closes an entitlement explicitly.
func (l *Ledger) MarkRevoked(ctx context.Context, id uint) error {
	_ = ctx
	return l.repo.MarkRevoked(id)
}
