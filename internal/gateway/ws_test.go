package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/stream-gateway/internal/auth"
	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/example/stream-gateway/internal/jobs"
	"github.com/example/stream-gateway/internal/pool"
	"github.com/gorilla/websocket"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeBroker stands in for a live group consumer behind the pool.
type fakeBroker struct {
	fetchCh chan kgo.Fetches
	closeCh chan struct{}
	once    sync.Once
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{fetchCh: make(chan kgo.Fetches, 16), closeCh: make(chan struct{})}
}

func (f *fakeBroker) PollFetches(ctx context.Context) kgo.Fetches {
	select {
	case fs := <-f.fetchCh:
		return fs
	case <-ctx.Done():
		return kgo.Fetches{}
	case <-f.closeCh:
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{
			Partitions: []kgo.FetchPartition{{Err: kgo.ErrClientClosed}},
		}}}}
	}
}

func (f *fakeBroker) PauseFetchTopics(topics ...string) []string { return topics }
func (f *fakeBroker) ResumeFetchTopics(topics ...string)         {}
func (f *fakeBroker) Close()                                     { f.once.Do(func() { close(f.closeCh) }) }

func (f *fakeBroker) push(vals ...string) {
	recs := make([]*kgo.Record, 0, len(vals))
	for _, v := range vals {
		recs = append(recs, &kgo.Record{Value: []byte(v)})
	}
	f.fetchCh <- kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "t",
		Partitions: []kgo.FetchPartition{{Records: recs}},
	}}}}
}

// wsEnv runs one gateway WS surface against a fake broker dialer and an
// in-memory job owner table.
type wsEnv struct {
	srv *httptest.Server
	v   *auth.Verifier
	pm  *pool.Manager

	mu      sync.Mutex
	fail    bool
	brokers []*fakeBroker
}

func (e *wsEnv) connect(sub pool.Subscription, cfg gatewaycfg.KafkaConfig) (pool.BrokerClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return nil, errors.New("dial fake: connection refused")
	}
	fb := newFakeBroker()
	e.brokers = append(e.brokers, fb)
	return fb, nil
}

func (e *wsEnv) dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.brokers)
}

func (e *wsEnv) setFail(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = v
}

func (e *wsEnv) broker(t *testing.T, i int) *fakeBroker {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		if len(e.brokers) > i {
			fb := e.brokers[i]
			e.mu.Unlock()
			return fb
		}
		e.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("broker %d never dialed", i)
	return nil
}

func newWSEnv(t *testing.T, owners map[string]string, threshold int) *wsEnv {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	v, err := auth.NewVerifier(gatewaycfg.AuthConfig{
		Issuer:      "gateway-test",
		Audience:    "clients",
		KeyID:       "k1",
		PublicKeys:  map[string]string{"k1": base64.RawStdEncoding.EncodeToString(pub)},
		PrivateKey:  base64.RawStdEncoding.EncodeToString(priv),
		SkewSeconds: 5,
	}, nil)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	cfg := &gatewaycfg.Config{
		Server: gatewaycfg.ServerConfig{
			MaxMessageBytes: 1 << 20,
			ReadTimeoutMs:   3000,
			WriteTimeoutMs:  3000,
		},
		Kafka: gatewaycfg.KafkaConfig{
			Brokers:                 []string{"fake:9092"},
			Group:                   "gw",
			JobTopicPrefix:          "jobs.",
			PauseThreshold:          threshold,
			MaxReconnectAttempts:    1,
			BackoffBaseMs:           1,
			BackoffCapMs:            2,
			BreakerFailureThreshold: 1,
			BreakerCooldownMs:       60000,
		},
	}

	env := &wsEnv{v: v}
	gate := auth.NewGate(v, auth.ResolverFunc(func(ctx context.Context, jobID string) (string, error) {
		if owner, ok := owners[jobID]; ok {
			return owner, nil
		}
		return "", jobs.ErrNotFound
	}))
	pm := pool.NewManagerWithConnect(cfg.Kafka, 500*time.Millisecond, env.connect)
	t.Cleanup(pm.Close)
	env.pm = pm

	env.srv = httptest.NewServer(newWSServer(cfg, gate, pm, newRegistry()))
	t.Cleanup(env.srv.Close)
	return env
}

// waitAttached blocks until n sessions are attached to a pooled consumer, so
// a push cannot outrun the handler's attach.
func (e *wsEnv) waitAttached(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range e.pm.Snapshot() {
			if info.Observers >= n {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("never saw %d attached sessions", n)
}

func (e *wsEnv) url(jobID string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/jobs/" + jobID + "/stream"
}

func (e *wsEnv) token(t *testing.T, tenant string) string {
	t.Helper()
	tok, _, _, err := e.v.Issue(tenant, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	c, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readCloseCode reads until the server closes and returns the close code.
func readCloseCode(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame, got %v", err)
		}
		return ce.Code
	}
}

func readBinary(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", mt)
	}
	return string(msg)
}

func TestWSRejectsInvalidToken(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	c := dialWS(t, env.url("job-1"), "not-a-token")
	if code := readCloseCode(t, c); code != closeInvalidCredential {
		t.Fatalf("close code = %d, want %d", code, closeInvalidCredential)
	}
	if env.dials() != 0 {
		t.Fatalf("unauthorized request must not dial the broker")
	}
}

func TestWSRejectsForeignTenant(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	c := dialWS(t, env.url("job-1"), env.token(t, "tenant-b"))
	if code := readCloseCode(t, c); code != closeTenantMismatch {
		t.Fatalf("close code = %d, want %d", code, closeTenantMismatch)
	}
}

func TestWSRejectsUnknownJob(t *testing.T) {
	env := newWSEnv(t, map[string]string{}, 500)
	c := dialWS(t, env.url("job-404"), env.token(t, "tenant-a"))
	if code := readCloseCode(t, c); code != closeUnknownJob {
		t.Fatalf("close code = %d, want %d", code, closeUnknownJob)
	}
}

func TestWSUnknownPathRejected(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	badURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/other"
	if _, _, err := websocket.DefaultDialer.Dial(badURL, nil); err == nil {
		t.Fatalf("expected handshake failure for unknown path")
	}
}

func TestWSForwardsRecordsInOrder(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	c := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))

	fb := env.broker(t, 0)
	env.waitAttached(t, 1)
	fb.push("m1", "m2")
	if got := readBinary(t, c); got != "m1" {
		t.Fatalf("first message = %q, want m1", got)
	}
	if got := readBinary(t, c); got != "m2" {
		t.Fatalf("second message = %q, want m2", got)
	}

	if err := c.WriteMessage(websocket.TextMessage, []byte("ACK")); err != nil {
		t.Fatal(err)
	}
	fb.push("m3")
	if got := readBinary(t, c); got != "m3" {
		t.Fatalf("post-ack message = %q, want m3", got)
	}
}

func TestWSFlowControlPausesAndAckResumes(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 2)
	c := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))

	fb := env.broker(t, 0)
	env.waitAttached(t, 1)
	fb.push("m1", "m2", "m3")
	if got := readBinary(t, c); got != "m1" {
		t.Fatalf("got %q, want m1", got)
	}
	if got := readBinary(t, c); got != "m2" {
		t.Fatalf("got %q, want m2", got)
	}

	// m3 exceeded the window: the session pauses and, as the only attached
	// session, the broker fetch pauses with it
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		infos := env.pm.Snapshot()
		if len(infos) == 1 && infos[0].State == pool.StatePaused {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if infos := env.pm.Snapshot(); len(infos) != 1 || infos[0].State != pool.StatePaused {
		t.Fatalf("consumer not paused past the credit window: %+v", infos)
	}

	if err := c.WriteMessage(websocket.TextMessage, []byte("ACK")); err != nil {
		t.Fatal(err)
	}
	fb.push("m4")
	// m3 was withheld, not queued: the next frame is m4
	if got := readBinary(t, c); got != "m4" {
		t.Fatalf("post-ack message = %q, want m4", got)
	}
}

func TestWSSharedConsumerFansOut(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	c1 := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))
	c2 := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))

	fb := env.broker(t, 0)
	env.waitAttached(t, 2)
	fb.push("shared")

	if got := readBinary(t, c1); got != "shared" {
		t.Fatalf("client 1 got %q", got)
	}
	if got := readBinary(t, c2); got != "shared" {
		t.Fatalf("client 2 got %q", got)
	}
	if env.dials() != 1 {
		t.Fatalf("expected one broker dial for both clients, got %d", env.dials())
	}
}

func TestWSProtocolErrorCloses(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	c := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))
	env.broker(t, 0)

	if err := c.WriteMessage(websocket.TextMessage, []byte("HELLO")); err != nil {
		t.Fatal(err)
	}
	if code := readCloseCode(t, c); code != websocket.CloseProtocolError {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseProtocolError)
	}
}

func TestWSBrokerConnectFailureCloses(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	env.setFail(true)

	c := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))
	if code := readCloseCode(t, c); code != websocket.CloseInternalServerErr {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseInternalServerErr)
	}

	// breaker threshold is 1: the next attempt is refused without a dial
	c2 := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))
	if code := readCloseCode(t, c2); code != websocket.CloseTryAgainLater {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseTryAgainLater)
	}
}

func TestWSConsumerCrashTerminatesSessions(t *testing.T) {
	env := newWSEnv(t, map[string]string{"job-1": "tenant-a"}, 500)
	c := dialWS(t, env.url("job-1"), env.token(t, "tenant-a"))
	fb := env.broker(t, 0)
	env.waitAttached(t, 1)

	// connection drops and every reconnect attempt fails
	env.setFail(true)
	fb.Close()

	if code := readCloseCode(t, c); code != websocket.CloseInternalServerErr {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseInternalServerErr)
	}
}

func TestJobIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/ws/jobs/job-1/stream", "job-1"},
		{"/ws/jobs/a.b.c/stream", "a.b.c"},
		{"/ws/jobs//stream", ""},
		{"/ws/jobs/job-1", ""},
		{"/ws/jobs/job-1/extra/stream", ""},
		{"/ws/other", ""},
		{"/", ""},
	}
	for _, tc := range cases {
		if got := jobIDFromPath(tc.path); got != tc.want {
			t.Fatalf("jobIDFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
