package sandbox

import (
	"context"
	"fmt"
	"time"

	"sessiond/internal/metrics"
	"sessiond/internal/models"
)

// Strategy names accepted by NewCorrelator.
const (
	StrategyEphemeral  = "ephemeral"
	StrategyPooled     = "pooled"
	StrategyPersistent = "persistent"
)

// Handle references a running compute unit acquired for one session turn.
// It carries the tenant that acquired it so a handle can never be released
// into another tenant's session, and any metadata updates the caller must
// persist alongside the session (compute-unit reference, pause timestamp)
// under opaque keys.
type Handle struct {
	SandboxID string
	SessionID string
	TenantID  string
	Strategy  string

	// MetadataUpdates is merged into the session metadata by the caller
	// after Acquire and again after Release. The session manager and
	// storage adapters never interpret these values.
	MetadataUpdates map[string]any
}

// Correlator maps a session to zero-or-one running compute unit.
type Correlator interface {
	// Acquire obtains compute for one session turn. meta is the session's
	// current metadata, consulted only for the correlator's own opaque keys.
	Acquire(ctx context.Context, tenantID, sessionID string, meta map[string]any) (*Handle, error)

	// Release returns or destroys the compute unit behind the handle.
	Release(ctx context.Context, handle *Handle) error
}

// Config selects and parameterizes a correlation strategy.
type Config struct {
	Strategy string
	Template string
	Timeout  time.Duration // per-sandbox lifetime budget
	PoolSize int
	MaxPause time.Duration // provider's maximum suspension duration
}

// NewCorrelator builds the correlator for the configured strategy.
func NewCorrelator(client *Client, cfg Config) (Correlator, error) {
	switch cfg.Strategy {
	case StrategyEphemeral:
		return NewEphemeralCorrelator(client, cfg), nil
	case StrategyPooled:
		return NewPooledCorrelator(client, cfg), nil
	case StrategyPersistent:
		return NewPersistentCorrelator(client, cfg), nil
	default:
		return nil, fmt.Errorf("unknown sandbox strategy %q", cfg.Strategy)
	}
}

func (c Config) timeoutSeconds() int {
	if c.Timeout <= 0 {
		return 120
	}
	return int(c.Timeout / time.Second)
}

func countAcquire(strategy string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Get().SandboxAcquisitions.WithLabelValues(strategy, outcome).Inc()
}

// EphemeralCorrelator creates a fresh sandbox for every turn and destroys
// it immediately after. No compute-layer state to manage; every turn pays
// creation latency and conversation history is re-injected each time.
type EphemeralCorrelator struct {
	client *Client
	cfg    Config
}

// NewEphemeralCorrelator builds the ephemeral-per-turn strategy.
func NewEphemeralCorrelator(client *Client, cfg Config) *EphemeralCorrelator {
	return &EphemeralCorrelator{client: client, cfg: cfg}
}

func (e *EphemeralCorrelator) Acquire(ctx context.Context, tenantID, sessionID string, _ map[string]any) (*Handle, error) {
	id, err := e.client.Create(ctx, CreateRequest{
		Template: e.cfg.Template,
		Timeout:  e.cfg.timeoutSeconds(),
	})
	countAcquire(StrategyEphemeral, err)
	if err != nil {
		return nil, fmt.Errorf("acquire ephemeral sandbox: %w", err)
	}
	return &Handle{
		SandboxID: id,
		SessionID: sessionID,
		TenantID:  tenantID,
		Strategy:  StrategyEphemeral,
	}, nil
}

func (e *EphemeralCorrelator) Release(ctx context.Context, handle *Handle) error {
	if err := e.client.Kill(ctx, handle.SandboxID); err != nil {
		return fmt.Errorf("release ephemeral sandbox: %w", err)
	}
	return nil
}

// PooledCorrelator maintains a bounded pool of warm sandboxes. Pool members
// are not session-sticky, so the caller must re-inject session context into
// whichever unit it is handed.
type PooledCorrelator struct {
	client *Client
	cfg    Config
	warm   chan string
}

// NewPooledCorrelator builds the pooled strategy with cfg.PoolSize slots.
func NewPooledCorrelator(client *Client, cfg Config) *PooledCorrelator {
	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}
	return &PooledCorrelator{
		client: client,
		cfg:    cfg,
		warm:   make(chan string, size),
	}
}

func (p *PooledCorrelator) Acquire(ctx context.Context, tenantID, sessionID string, _ map[string]any) (*Handle, error) {
	var id string
	select {
	case id = <-p.warm:
	default:
		created, err := p.client.Create(ctx, CreateRequest{
			Template: p.cfg.Template,
			Timeout:  p.cfg.timeoutSeconds(),
		})
		countAcquire(StrategyPooled, err)
		if err != nil {
			return nil, fmt.Errorf("acquire pooled sandbox: %w", err)
		}
		id = created
	}
	return &Handle{
		SandboxID: id,
		SessionID: sessionID,
		TenantID:  tenantID,
		Strategy:  StrategyPooled,
	}, nil
}

func (p *PooledCorrelator) Release(ctx context.Context, handle *Handle) error {
	select {
	case p.warm <- handle.SandboxID:
		return nil
	default:
		// Pool is full; this unit is surplus.
		if err := p.client.Kill(ctx, handle.SandboxID); err != nil {
			return fmt.Errorf("release pooled sandbox: %w", err)
		}
		return nil
	}
}

// Drain destroys all warm pool members. Called on shutdown.
func (p *PooledCorrelator) Drain(ctx context.Context) {
	for {
		select {
		case id := <-p.warm:
			_ = p.client.Kill(ctx, id)
		default:
			return
		}
	}
}

// PersistentCorrelator keeps a 1:1 mapping between a session and a
// long-lived sandbox that is paused between turns. The sandbox reference
// and pause timestamp live in the session metadata under opaque keys;
// sessions paused longer than the provider's maximum suspension fall back
// to fresh creation.
type PersistentCorrelator struct {
	client *Client
	cfg    Config
}

// NewPersistentCorrelator builds the persistent-paused strategy.
func NewPersistentCorrelator(client *Client, cfg Config) *PersistentCorrelator {
	return &PersistentCorrelator{client: client, cfg: cfg}
}

func (p *PersistentCorrelator) Acquire(ctx context.Context, tenantID, sessionID string, meta map[string]any) (*Handle, error) {
	if id, ok := meta[models.MetaSandboxID].(string); ok && id != "" {
		if p.pauseWithinWindow(meta) {
			if err := p.client.Resume(ctx, id); err == nil {
				countAcquire(StrategyPersistent, nil)
				return &Handle{
					SandboxID: id,
					SessionID: sessionID,
					TenantID:  tenantID,
					Strategy:  StrategyPersistent,
				}, nil
			}
			// Resume failed; the provider may have already reclaimed it.
		}
		_ = p.client.Kill(ctx, id)
	}

	id, err := p.client.Create(ctx, CreateRequest{
		Template: p.cfg.Template,
		Timeout:  p.cfg.timeoutSeconds(),
	})
	countAcquire(StrategyPersistent, err)
	if err != nil {
		return nil, fmt.Errorf("acquire persistent sandbox: %w", err)
	}
	return &Handle{
		SandboxID: id,
		SessionID: sessionID,
		TenantID:  tenantID,
		Strategy:  StrategyPersistent,
		MetadataUpdates: map[string]any{
			models.MetaSandboxID: id,
		},
	}, nil
}

func (p *PersistentCorrelator) Release(ctx context.Context, handle *Handle) error {
	if err := p.client.Pause(ctx, handle.SandboxID); err != nil {
		return fmt.Errorf("pause persistent sandbox: %w", err)
	}
	if handle.MetadataUpdates == nil {
		handle.MetadataUpdates = map[string]any{}
	}
	handle.MetadataUpdates[models.MetaSandboxID] = handle.SandboxID
	handle.MetadataUpdates[models.MetaSandboxPausedAt] = time.Now().UTC().Format(time.RFC3339)
	return nil
}

func (p *PersistentCorrelator) pauseWithinWindow(meta map[string]any) bool {
	raw, ok := meta[models.MetaSandboxPausedAt].(string)
	if !ok || raw == "" {
		return false
	}
	pausedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	maxPause := p.cfg.MaxPause
	if maxPause <= 0 {
		maxPause = 24 * time.Hour
	}
	return time.Since(pausedAt) < maxPause
}
