package gateway

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/example/stream-gateway/internal/auth"
	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/example/stream-gateway/internal/logging"
	"github.com/example/stream-gateway/internal/metrics"
	"github.com/example/stream-gateway/internal/pool"
	"github.com/gorilla/websocket"
	ulid "github.com/oklog/ulid/v2"
)

// Application close codes in the 4000-4999 private range; standard codes are
// used where RFC 6455 defines a matching meaning.
const (
	closeInvalidCredential = 4001
	closeTenantMismatch    = 4003
	closeUnknownJob        = 4004
)

var ackMessage = []byte("ACK")

type wsServer struct {
	upgrader websocket.Upgrader
	cfg      *gatewaycfg.Config
	gate     *auth.Gate
	pool     *pool.Manager
	reg      *registry
}

func newWSServer(cfg *gatewaycfg.Config, gate *auth.Gate, pm *pool.Manager, reg *registry) *wsServer {
	return &wsServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.Server.AllowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.Server.AllowedOrigins {
					if o == origin {
						return true
					}
				}
				return false
			},
		},
		cfg:  cfg,
		gate: gate,
		pool: pm,
		reg:  reg,
	}
}

// jobIDFromPath extracts the job id from /ws/jobs/{jobID}/stream.
func jobIDFromPath(p string) string {
	rest, ok := strings.CutPrefix(p, "/ws/jobs/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/stream")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}
	// browser WebSocket clients cannot set headers; accept a query token
	return r.URL.Query().Get("token")
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	token := bearerToken(r)

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("ws_upgrade_error", logging.F("err", err.Error()))
		return
	}

	// authorization happens post-upgrade so the denial reaches the client
	// as a close frame with a typed code instead of a bare HTTP status
	tenant, err := s.gate.Authorize(r.Context(), token, jobID)
	if err != nil {
		metrics.AuthDeniedTotal.Inc()
		logging.NewEventLogger().Auth("reject", tenant, logging.RemoteAddr(r), false, err.Error())
		closeDenied(c, err)
		return
	}

	sub := pool.Subscription{
		GroupID: s.cfg.Kafka.Group,
		Topics: []pool.TopicSpec{{
			Name:     s.cfg.Kafka.JobTopicPrefix + jobID,
			Strategy: s.cfg.Kafka.AssignStrategy,
		}},
	}
	pc, err := s.pool.Acquire(r.Context(), sub)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrCircuitOpen):
			writeClose(c, websocket.CloseTryAgainLater, "broker unavailable, retry later")
		default:
			writeClose(c, websocket.CloseInternalServerErr, "broker connect failed")
		}
		_ = c.Close()
		return
	}

	sess := newSession(ulid.Make().String(), jobID, tenant, c, s.cfg.Kafka.PauseThreshold)
	sess.pc = pc
	sess.key = pc.Key()

	s.reg.add(sess)
	metrics.WSConnections.Inc()
	defer func() {
		if s.reg.remove(sess.id) {
			pc.Detach(sess.id)
			s.pool.Release(pc)
			metrics.WSConnections.Dec()
			metrics.SessionUnacked.DeleteLabelValues(sess.id)
			logging.NewEventLogger().Stream("detach", sess.id, jobID, sess.key, "")
		}
		sess.closeWith(websocket.CloseNormalClosure, "")
	}()

	if err := pc.Attach(sess.id, sess); err != nil {
		sess.closeWith(websocket.CloseInternalServerErr, "consumer unavailable")
		return
	}
	logging.NewEventLogger().Stream("attach", sess.id, jobID, sess.key, "")

	readTimeout := time.Duration(s.cfg.Server.ReadTimeoutMs) * time.Millisecond
	writeTimeout := time.Duration(s.cfg.Server.WriteTimeoutMs) * time.Millisecond
	go sess.writePump(writeTimeout, readTimeout/3)

	c.SetReadLimit(s.cfg.Server.MaxMessageBytes)
	_ = c.SetReadDeadline(time.Now().Add(readTimeout))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage || !bytes.Equal(bytes.TrimSpace(msg), ackMessage) {
			sess.closeWith(websocket.CloseProtocolError, "expected ACK")
			return
		}
		sess.ack()
	}
}

// closeDenied maps an authorization failure to its close code.
func closeDenied(c *websocket.Conn, err error) {
	var code int
	var reason string
	switch {
	case errors.Is(err, auth.ErrTenantMismatch):
		code, reason = closeTenantMismatch, "tenant mismatch"
	case errors.Is(err, auth.ErrUnknownJob):
		code, reason = closeUnknownJob, "unknown job"
	case errors.Is(err, auth.ErrInvalidToken):
		code, reason = closeInvalidCredential, "invalid credential"
	default:
		code, reason = websocket.CloseInternalServerErr, "authorization unavailable"
	}
	writeClose(c, code, reason)
	_ = c.Close()
}

func writeClose(c *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
