package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/stream-gateway/internal/logging"
	"github.com/example/stream-gateway/internal/metrics"
	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// consumerRef is the slice of the pooled consumer a session holds after
// attach. Narrow so session tests run without a broker consumer.
type consumerRef interface {
	Resume()
}

// session is one authorized WebSocket subscriber. It implements the pool's
// Observer contract: Deliver runs on the consumer's fetch goroutine and must
// never block, so outbound payloads go through a buffered channel drained by
// the write pump.
//
// Flow control is credit based. Every forwarded message increments the
// unacked counter; once it reaches the threshold the session marks itself
// paused and stops accepting records until the client sends an ACK, which
// resets the counter to zero.
type session struct {
	id     string
	jobID  string
	tenant string
	key    string

	conn      *websocket.Conn
	pc        consumerRef
	threshold int

	unacked atomic.Int64
	paused  atomic.Bool
	lag     prom.Gauge

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id, jobID, tenant string, conn *websocket.Conn, threshold int) *session {
	return &session{
		id:        id,
		jobID:     jobID,
		tenant:    tenant,
		conn:      conn,
		threshold: threshold,
		lag:       metrics.SessionUnacked.WithLabelValues(id),
		// buffer holds a full credit window so Deliver never blocks on
		// a slow writer before flow control kicks in
		send:   make(chan []byte, threshold),
		closed: make(chan struct{}),
	}
}

// Deliver implements pool.Observer. It accepts the record when the session
// still has credit; the forward that would exceed the window instead flips
// the session to paused and is not delivered.
func (s *session) Deliver(rec *kgo.Record) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	n := s.unacked.Add(1)
	if n > int64(s.threshold) {
		s.unacked.Add(-1)
		if s.paused.CompareAndSwap(false, true) {
			metrics.PauseTotal.Inc()
			logging.NewEventLogger().Stream("pause", s.id, s.jobID, s.key, "credit window exhausted")
		}
		return false
	}
	s.lag.Set(float64(n))
	select {
	case s.send <- rec.Value:
		metrics.ForwardedTotal.Inc()
		return true
	default:
		// writer stalled with credit remaining; drop rather than block
		// the shared fetch loop
		s.unacked.Add(-1)
		metrics.DroppedTotal.Inc()
		return false
	}
}

// Paused implements pool.Observer.
func (s *session) Paused() bool { return s.paused.Load() }

// Terminate implements pool.Observer: the consumer serving this session hit
// an unrecoverable failure.
func (s *session) Terminate(err error) {
	logging.NewEventLogger().Stream("terminal", s.id, s.jobID, s.key, err.Error())
	s.closeWith(websocket.CloseInternalServerErr, "stream terminated: "+err.Error())
}

// ack resets the credit window. Resuming a paused session may lift the
// consumer's global fetch pause, so the pooled consumer is poked.
func (s *session) ack() {
	s.unacked.Store(0)
	s.lag.Set(0)
	if s.paused.CompareAndSwap(true, false) {
		metrics.ResumeTotal.Inc()
		logging.NewEventLogger().Stream("resume", s.id, s.jobID, s.key, "")
		if s.pc != nil {
			s.pc.Resume()
		}
	}
}

// closeWith sends a close frame with the given code and closes the
// connection. Idempotent; the first caller wins.
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with ping frames. One goroutine per session.
func (s *session) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				logging.Warn("ws_write_error", logging.F("session_id", s.id), logging.F("err", err.Error()))
				s.closeWith(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second))
		}
	}
}
