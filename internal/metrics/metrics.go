package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSConnections = prom.NewGauge(prom.GaugeOpts{Name: "gateway_ws_connections", Help: "Active WS sessions"})
	PoolSize      = prom.NewGauge(prom.GaugeOpts{Name: "gateway_pool_consumers", Help: "Live pooled broker consumers"})
	PoolRefCount  = prom.NewGaugeVec(prom.GaugeOpts{Name: "gateway_pool_refcount", Help: "Sessions attached per pooling key"}, []string{"key"})

	ForwardedTotal = prom.NewCounter(prom.CounterOpts{Name: "gateway_forwarded_messages_total", Help: "Messages forwarded to clients"})
	DroppedTotal   = prom.NewCounter(prom.CounterOpts{Name: "gateway_dropped_messages_total", Help: "Messages dropped on saturated session buffers"})
	SessionUnacked = prom.NewGaugeVec(prom.GaugeOpts{Name: "gateway_session_unacked", Help: "Unacknowledged forwarded messages per session"}, []string{"session"})

	PauseTotal       = prom.NewCounter(prom.CounterOpts{Name: "gateway_session_pause_total", Help: "Session flow-control pause transitions"})
	ResumeTotal      = prom.NewCounter(prom.CounterOpts{Name: "gateway_session_resume_total", Help: "Session flow-control resume transitions"})
	FetchPauseTotal  = prom.NewCounter(prom.CounterOpts{Name: "gateway_fetch_pause_total", Help: "Broker fetch pauses (all attached sessions paused)"})
	FetchResumeTotal = prom.NewCounter(prom.CounterOpts{Name: "gateway_fetch_resume_total", Help: "Broker fetch resumes"})

	AuthDeniedTotal    = prom.NewCounter(prom.CounterOpts{Name: "gateway_auth_denied_total", Help: "Rejected streaming requests"})
	ReconnectTotal     = prom.NewCounter(prom.CounterOpts{Name: "gateway_consumer_reconnect_total", Help: "Broker consumer reconnect attempts"})
	BreakerTransitions = prom.NewCounterVec(prom.CounterOpts{Name: "gateway_breaker_transitions_total", Help: "Circuit breaker state transitions"}, []string{"key", "to"})
)

func init() {
	prom.MustRegister(
		WSConnections, PoolSize, PoolRefCount,
		ForwardedTotal, DroppedTotal, SessionUnacked,
		PauseTotal, ResumeTotal, FetchPauseTotal, FetchResumeTotal,
		AuthDeniedTotal, ReconnectTotal, BreakerTransitions,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
