package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/example/stream-gateway/internal/logging"
	"github.com/example/stream-gateway/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ConsumerState is the pooled-consumer lifecycle.
type ConsumerState int32

const (
	StateStarting ConsumerState = iota
	StateRunning
	StatePaused
	StateCrashed
	StateClosed
)

func (s ConsumerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCrashed:
		return "crashed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrConsumerCrashed is the terminal error delivered to attached sessions
// when a consumer exhausts its reconnect budget.
var ErrConsumerCrashed = errors.New("broker consumer crashed")

// Observer receives the fan-out of one pooled consumer. Implementations must
// not block in Deliver; a saturated observer reports itself paused instead.
// Detach is the unsubscribe contract: an observer stays registered until the
// owning session detaches or the consumer terminates it.
type Observer interface {
	// Deliver hands one record to the observer in broker arrival order.
	// The return reports whether the record was accepted.
	Deliver(rec *kgo.Record) bool

	// Paused reports whether delivery to this observer is currently gated
	// by flow control.
	Paused() bool

	// Terminate notifies the observer of an unrecoverable consumer failure.
	// Called at most once; the observer is detached afterwards.
	Terminate(err error)
}

// PooledConsumer owns exactly one broker consumer connection and fans fetched
// records out to its attached observers. It is created lazily by the Manager
// on first subscriber and torn down when the last one releases it.
type PooledConsumer struct {
	sub     Subscription
	key     string
	cfg     gatewaycfg.KafkaConfig
	connect ConnectFunc
	breaker *circuitBreaker
	onCrash func(*PooledConsumer)

	state atomic.Int32

	mu          sync.Mutex
	client      BrokerClient
	observers   map[string]Observer
	fetchPaused bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newPooledConsumer(sub Subscription, cfg gatewaycfg.KafkaConfig, client BrokerClient, connect ConnectFunc, breaker *circuitBreaker, onCrash func(*PooledConsumer)) *PooledConsumer {
	pc := &PooledConsumer{
		sub:       sub,
		key:       sub.Key(),
		cfg:       cfg,
		connect:   connect,
		breaker:   breaker,
		onCrash:   onCrash,
		client:    client,
		observers: map[string]Observer{},
		done:      make(chan struct{}),
	}
	pc.state.Store(int32(StateStarting))
	return pc
}

func (pc *PooledConsumer) Key() string                { return pc.key }
func (pc *PooledConsumer) Subscription() Subscription { return pc.sub }
func (pc *PooledConsumer) State() ConsumerState       { return ConsumerState(pc.state.Load()) }

// Observers reports how many sessions are currently attached.
func (pc *PooledConsumer) Observers() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.observers)
}

// Attach registers an observer under the session id. Fails when the consumer
// is no longer serving.
func (pc *PooledConsumer) Attach(id string, ob Observer) error {
	switch pc.State() {
	case StateCrashed:
		return ErrConsumerCrashed
	case StateClosed:
		return errors.New("consumer closed")
	}
	pc.mu.Lock()
	pc.observers[id] = ob
	pc.mu.Unlock()
	return nil
}

// Detach removes the observer. Idempotent. A detach can leave every remaining
// observer paused, so the global pause condition is re-evaluated.
func (pc *PooledConsumer) Detach(id string) {
	pc.mu.Lock()
	delete(pc.observers, id)
	pc.mu.Unlock()
	pc.maybePause()
}

// Resume re-enables the broker fetch if it had been globally paused. Sessions
// call this after an acknowledgment returns them to the active state.
func (pc *PooledConsumer) Resume() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.fetchPaused || pc.client == nil {
		return
	}
	pc.client.ResumeFetchTopics(pc.sub.TopicNames()...)
	pc.fetchPaused = false
	pc.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
	metrics.FetchResumeTotal.Inc()
	logging.NewEventLogger().Consumer("resume", pc.key, "success", "")
}

// run is the fetch/dispatch loop; one goroutine per pooled consumer.
func (pc *PooledConsumer) run(ctx context.Context) {
	defer close(pc.done)
	pc.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	for {
		if ctx.Err() != nil {
			return
		}
		pc.mu.Lock()
		client := pc.client
		pc.mu.Unlock()
		if client == nil {
			return
		}
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil || pc.State() == StateClosed {
			return
		}
		if fetches.IsClientClosed() {
			if !pc.reconnect(ctx) {
				return
			}
			continue
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return
				}
				logging.NewEventLogger().Consumer("error", pc.key, "failed", fe.Err.Error())
				fatal = true
			}
			if fatal {
				if !pc.reconnect(ctx) {
					return
				}
				continue
			}
		}
		fetches.EachRecord(pc.dispatch)
		pc.maybePause()
	}
}

// dispatch forwards one record to every non-paused observer. Delivery is
// filtered per observer: a paused session is skipped without affecting its
// siblings.
func (pc *PooledConsumer) dispatch(rec *kgo.Record) {
	pc.mu.Lock()
	obs := make([]Observer, 0, len(pc.observers))
	for _, ob := range pc.observers {
		obs = append(obs, ob)
	}
	pc.mu.Unlock()
	for _, ob := range obs {
		if ob.Paused() {
			continue
		}
		ob.Deliver(rec)
	}
}

// maybePause pauses the broker fetch only when every attached observer is
// paused. With zero observers the fetch keeps running; teardown is the
// Manager's decision, not flow control's.
func (pc *PooledConsumer) maybePause() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.fetchPaused || pc.client == nil || len(pc.observers) == 0 {
		return
	}
	for _, ob := range pc.observers {
		if !ob.Paused() {
			return
		}
	}
	pc.client.PauseFetchTopics(pc.sub.TopicNames()...)
	pc.fetchPaused = true
	pc.state.CompareAndSwap(int32(StateRunning), int32(StatePaused))
	metrics.FetchPauseTotal.Inc()
	logging.NewEventLogger().Consumer("pause", pc.key, "success", "all sessions paused")
}

// reconnect runs the bounded backoff sequence after a fetch failure. It
// returns false when the consumer is terminal: either shut down, or crashed
// after exhausting the attempt budget.
func (pc *PooledConsumer) reconnect(ctx context.Context) bool {
	ev := logging.NewEventLogger()
	pc.mu.Lock()
	if pc.client != nil {
		pc.client.Close()
		pc.client = nil
	}
	pc.fetchPaused = false
	pc.mu.Unlock()

	delay := time.Duration(pc.cfg.BackoffBaseMs) * time.Millisecond
	maxDelay := time.Duration(pc.cfg.BackoffCapMs) * time.Millisecond
	for attempt := 1; attempt <= pc.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if pc.State() == StateClosed {
			return false
		}
		metrics.ReconnectTotal.Inc()
		ev.Consumer("reconnect", pc.key, "attempt", "")
		client, err := pc.connect(pc.sub, pc.cfg)
		if err == nil {
			pc.mu.Lock()
			pc.client = client
			pc.mu.Unlock()
			pc.breaker.onSuccess()
			pc.state.Store(int32(StateRunning))
			ev.Consumer("reconnect", pc.key, "success", "")
			return true
		}
		pc.breaker.onFailure()
		ev.Consumer("reconnect", pc.key, "failed", err.Error())
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	pc.crash()
	return false
}

// crash marks the consumer unrecoverable: the breaker opens, every attached
// session receives a terminal notification, and the pool entry is removed.
func (pc *PooledConsumer) crash() {
	pc.state.Store(int32(StateCrashed))
	pc.breaker.forceOpen()
	metrics.BreakerTransitions.WithLabelValues(pc.key, "open").Inc()
	logging.NewEventLogger().Consumer("crash", pc.key, "failed", "reconnect attempts exhausted")

	pc.mu.Lock()
	obs := make([]Observer, 0, len(pc.observers))
	for _, ob := range pc.observers {
		obs = append(obs, ob)
	}
	pc.observers = map[string]Observer{}
	pc.mu.Unlock()
	for _, ob := range obs {
		ob.Terminate(ErrConsumerCrashed)
	}
	if pc.onCrash != nil {
		pc.onCrash(pc)
	}
}

// shutdown tears the consumer down: leave the group, close the connection,
// wait for the fetch loop within the grace period.
func (pc *PooledConsumer) shutdown(grace time.Duration) {
	pc.state.Store(int32(StateClosed))
	if pc.cancel != nil {
		pc.cancel()
	}
	pc.mu.Lock()
	if pc.client != nil {
		pc.client.Close()
		pc.client = nil
	}
	pc.mu.Unlock()
	select {
	case <-pc.done:
	case <-time.After(grace):
		logging.Warn("consumer_shutdown_timeout", logging.F("key", pc.key))
	}
	logging.NewEventLogger().Consumer("close", pc.key, "success", "")
}
