package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/stream-gateway/internal/auth"
	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/example/stream-gateway/internal/jobs"
	"github.com/example/stream-gateway/internal/logging"
	"github.com/example/stream-gateway/internal/metrics"
	"github.com/example/stream-gateway/internal/pool"
)

// Gateway wires the consumer pool, the authorization gate and the WebSocket
// surface together and owns their shutdown order.
type Gateway struct {
	cfg  *gatewaycfg.Config
	st   *jobs.Store
	au   *auth.Verifier
	gate *auth.Gate
	pm   *pool.Manager
	reg  *registry
}

func New(configPath string) (*Gateway, error) {
	cfg, err := gatewaycfg.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &Gateway{cfg: cfg}, nil
}

// Start runs the gateway until ctx is cancelled. Blocking.
func (g *Gateway) Start(ctx context.Context) error {
	stopLog := logging.Init(g.cfg.Logging)
	defer stopLog()
	logging.Info("gateway_start", logging.F("listen", g.cfg.Server.Listen))

	st, err := jobs.NewStore(g.cfg.Postgres, g.cfg.Redis)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	g.st = st

	v, err := auth.NewVerifier(g.cfg.Auth, st.Redis())
	if err != nil {
		return fmt.Errorf("verifier: %w", err)
	}
	g.au = v
	if g.cfg.Auth.KeyDir != "" {
		if err := v.WatchKeys(ctx); err != nil {
			logging.Warn("key_watch_error", logging.Err(err))
		}
	}
	g.gate = auth.NewGate(v, st)

	grace := time.Duration(g.cfg.Server.ShutdownTimeoutMs) * time.Millisecond
	g.pm = pool.NewManager(g.cfg.Kafka, grace)
	g.reg = newRegistry()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", g.handleReady)
	mux.HandleFunc("/admin/revoke", g.handleRevoke)
	mux.Handle("/ws/", newWSServer(g.cfg, g.gate, g.pm, g.reg))
	server := &http.Server{Addr: g.cfg.Server.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		g.reg.closeAll("gateway shutting down")
		g.pm.Close()
		g.st.Close()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleRevoke marks a token id revoked. Revocation is honored at connect
// time; live sessions are not retroactively torn down.
func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jti := r.URL.Query().Get("jti")
	if jti == "" {
		http.Error(w, "missing jti", http.StatusBadRequest)
		return
	}
	if err := g.au.Revoke(r.Context(), jti); err != nil {
		http.Error(w, "revoke failed", http.StatusInternalServerError)
		return
	}
	logging.NewEventLogger().Auth("revoke", "", logging.RemoteAddr(r), true, "")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("revoked"))
}

// handleReady reports degraded (503) while any pooling key's breaker is open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	type consumerRow struct {
		Key     string `json:"key"`
		Refs    int    `json:"refs"`
		State   string `json:"state"`
		Breaker string `json:"breaker"`
	}
	infos := g.pm.Snapshot()
	rows := make([]consumerRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, consumerRow{Key: info.Key, Refs: info.Refs, State: info.State.String(), Breaker: info.Breaker})
	}
	body := map[string]any{
		"status":    "ready",
		"sessions":  g.reg.size(),
		"consumers": rows,
	}
	code := http.StatusOK
	if !g.pm.Healthy() {
		body["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
