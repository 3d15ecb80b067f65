package netctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hotspotfox/HotspotFox/app/models"
)

// AuthorizeRequest carries everything the controller needs to let a client
// onto the network. Zero rate/cap values mean unlimited.
type AuthorizeRequest struct {
	MAC             string
	DurationMinutes int
	DownloadKbps    int
	UploadKbps      int
	DataCapMB       int
	Label           string
}

// ClientStatus is the controller's view of one client.
type ClientStatus struct {
	MAC        string
	Authorized bool
	RxBytes    int64
	TxBytes    int64
	LastSeen   time.Time
}

// Controller is the network access controller capability consumed by the
// reconciliation engine. Implementations must be safe for concurrent use and
// idempotent: authorizing an already-authorized MAC or unauthorizing an
// unknown one are both successes.
type Controller interface {
	Authorize(ctx context.Context, req AuthorizeRequest) error
	Unauthorize(ctx context.Context, mac string) error
	ClientStatus(ctx context.Context, mac string) (*ClientStatus, error)
	ListAuthorized(ctx context.Context) ([]string, error)
}

// ControllerError wraps any failure talking to the external controller,
// including timeouts. Ambiguous results are failures: the caller retries.
type ControllerError struct {
	Op  string
	Err error
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller %s failed: %v", e.Op, e.Err)
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

// Provider hands out the currently configured controller adapter. The adapter
// is built once from a settings snapshot and replaced only on an explicit
// Reload after an admin configuration change.
type Provider struct {
	mu      sync.RWMutex
	current Controller
}

// NewProvider creates a provider with an initial adapter.
func NewProvider(current Controller) *Provider {
	return &Provider{current: current}
}

// Get returns the active controller adapter.
func (p *Provider) Get() Controller {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Reload rebuilds the adapter from the given settings snapshot.
func (p *Provider) Reload(settings *models.AppSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = NewUnifiClientFromSettings(settings)
}

// Global provider instance, wired at startup.
var (
	globalProvider *Provider
	providerMu     sync.RWMutex
)

// SetGlobalProvider installs the process-wide controller provider.
func SetGlobalProvider(p *Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	globalProvider = p
}

// GetGlobalProvider returns the process-wide controller provider.
func GetGlobalProvider() *Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	if globalProvider == nil {
		panic("netctl provider not initialized")
	}
	return globalProvider
}
