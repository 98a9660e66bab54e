package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/example/stream-gateway/internal/logging"
	"github.com/example/stream-gateway/internal/metrics"
)

var (
	// ErrCircuitOpen is returned by Acquire while a key's breaker is cooling
	// down; callers should not retry immediately.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrConnect wraps a failed broker connection during Acquire.
	ErrConnect = errors.New("broker connect failed")
)

// Manager owns the keyed collection of pooled consumers. Acquire and Release
// on the same key are mutually exclusive; different keys proceed
// concurrently.
type Manager struct {
	cfg     gatewaycfg.KafkaConfig
	connect ConnectFunc
	grace   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is one pooling key's critical section: consumer, refcount and breaker
// are only ever mutated with e.mu held.
type entry struct {
	mu      sync.Mutex
	pc      *PooledConsumer
	refs    int
	breaker *circuitBreaker
}

// EntryInfo is a read-only snapshot row for health and metrics surfaces.
type EntryInfo struct {
	Key       string
	Refs      int
	Observers int
	State     ConsumerState
	Breaker   string
}

func NewManager(cfg gatewaycfg.KafkaConfig, grace time.Duration) *Manager {
	return NewManagerWithConnect(cfg, grace, kafkaConnect)
}

// NewManagerWithConnect injects the broker dialer. The gateway's own tests
// (and any embedding without a live broker) pass an in-process connect here.
func NewManagerWithConnect(cfg gatewaycfg.KafkaConfig, grace time.Duration, connect ConnectFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		connect: connect,
		grace:   grace,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*entry{},
	}
}

func (m *Manager) entryFor(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		e = &entry{breaker: newCircuitBreaker(m.cfg.BreakerFailureThreshold, time.Duration(m.cfg.BreakerCooldownMs)*time.Millisecond)}
		m.entries[key] = e
	}
	return e
}

// Acquire resolves or creates the pooled consumer for the subscription and
// takes a reference on it. A connect failure surfaces as a typed error and
// leaves no consumer registered under the key.
func (m *Manager) Acquire(ctx context.Context, sub Subscription) (*PooledConsumer, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	key := sub.Key()
	e := m.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pc != nil {
		st := e.pc.State()
		if st != StateCrashed && st != StateClosed {
			e.refs++
			metrics.PoolRefCount.WithLabelValues(key).Set(float64(e.refs))
			return e.pc, nil
		}
		e.pc = nil
		e.refs = 0
	}

	prev := e.breaker.currentState()
	if !e.breaker.canExecute() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}
	if now := e.breaker.currentState(); now != prev {
		metrics.BreakerTransitions.WithLabelValues(key, now.String()).Inc()
	}

	client, err := m.connect(sub, m.cfg)
	if err != nil {
		e.breaker.onFailure()
		if e.breaker.currentState() == breakerOpen {
			metrics.BreakerTransitions.WithLabelValues(key, "open").Inc()
		}
		logging.NewEventLogger().Consumer("connect", key, "failed", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if e.breaker.currentState() != breakerClosed {
		metrics.BreakerTransitions.WithLabelValues(key, "closed").Inc()
	}
	e.breaker.onSuccess()

	pc := newPooledConsumer(sub, m.cfg, client, m.connect, e.breaker, m.removeCrashed)
	runCtx, cancel := context.WithCancel(m.ctx)
	pc.cancel = cancel
	e.pc = pc
	e.refs = 1
	go pc.run(runCtx)

	metrics.PoolSize.Inc()
	metrics.PoolRefCount.WithLabelValues(key).Set(1)
	logging.NewEventLogger().Consumer("connect", key, "success", "")
	return pc, nil
}

// Release drops one reference. At zero the consumer is unsubscribed,
// disconnected and removed from the pool within the teardown grace period.
// Releasing a consumer that already crashed is a no-op.
func (m *Manager) Release(pc *PooledConsumer) {
	if pc == nil {
		return
	}
	m.mu.Lock()
	e := m.entries[pc.key]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc != pc {
		return
	}
	e.refs--
	if e.refs > 0 {
		metrics.PoolRefCount.WithLabelValues(pc.key).Set(float64(e.refs))
		return
	}
	e.pc = nil
	e.refs = 0
	metrics.PoolSize.Dec()
	metrics.PoolRefCount.DeleteLabelValues(pc.key)
	pc.shutdown(m.grace)
}

// removeCrashed clears a crashed consumer's pool entry so the next Acquire
// constructs a fresh one (subject to the breaker).
func (m *Manager) removeCrashed(pc *PooledConsumer) {
	m.mu.Lock()
	e := m.entries[pc.key]
	m.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.pc == pc {
		e.pc = nil
		e.refs = 0
		metrics.PoolSize.Dec()
		metrics.PoolRefCount.DeleteLabelValues(pc.key)
	}
	e.mu.Unlock()
}

// Snapshot returns one row per key with a live or breaker-tracked state.
// Read-only; used by the health and metrics surfaces.
func (m *Manager) Snapshot() []EntryInfo {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	es := make([]*entry, 0, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		es = append(es, e)
	}
	m.mu.Unlock()

	out := make([]EntryInfo, 0, len(keys))
	for i, e := range es {
		e.mu.Lock()
		info := EntryInfo{Key: keys[i], Refs: e.refs, Breaker: e.breaker.currentState().String()}
		if e.pc != nil {
			info.State = e.pc.State()
			info.Observers = e.pc.Observers()
		} else {
			info.State = StateClosed
		}
		e.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// Healthy reports broker connectivity: false when any key's breaker is open.
func (m *Manager) Healthy() bool {
	for _, info := range m.Snapshot() {
		if info.Breaker == "open" {
			return false
		}
	}
	return true
}

// Close tears down every pooled consumer. Used on gateway shutdown.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	es := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		es = append(es, e)
	}
	m.entries = map[string]*entry{}
	m.mu.Unlock()
	for _, e := range es {
		e.mu.Lock()
		if e.pc != nil {
			e.pc.shutdown(m.grace)
			e.pc = nil
		}
		e.mu.Unlock()
	}
}
