package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeClient stands in for *kgo.Client. Fetch batches are fed through a
// channel; pause/resume/close calls are recorded.
type fakeClient struct {
	fetchCh chan kgo.Fetches

	mu          sync.Mutex
	pauseCalls  int
	resumeCalls int
	closed      bool
	closeCh     chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		fetchCh: make(chan kgo.Fetches, 16),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeClient) PollFetches(ctx context.Context) kgo.Fetches {
	select {
	case fs := <-f.fetchCh:
		return fs
	case <-ctx.Done():
		return kgo.Fetches{}
	case <-f.closeCh:
		return closedFetches()
	}
}

func (f *fakeClient) PauseFetchTopics(topics ...string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return topics
}

func (f *fakeClient) ResumeFetchTopics(topics ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) pauses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauseCalls
}

func (f *fakeClient) resumes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeCalls
}

func (f *fakeClient) push(recs ...*kgo.Record) {
	f.fetchCh <- recordFetches(recs...)
}

func recordFetches(recs ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "t",
		Partitions: []kgo.FetchPartition{{Records: recs}},
	}}}}
}

func errorFetches(err error) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "t",
		Partitions: []kgo.FetchPartition{{Err: err}},
	}}}}
}

func closedFetches() kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "",
		Partitions: []kgo.FetchPartition{{Err: kgo.ErrClientClosed}},
	}}}}
}

// fakeObserver records delivered records and termination.
type fakeObserver struct {
	mu       sync.Mutex
	recs     []*kgo.Record
	pausedFl atomic.Bool
	termErr  error
	termCh   chan struct{}
	termOnce sync.Once
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{termCh: make(chan struct{})}
}

func (o *fakeObserver) Deliver(rec *kgo.Record) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recs = append(o.recs, rec)
	return true
}

func (o *fakeObserver) Paused() bool { return o.pausedFl.Load() }

func (o *fakeObserver) Terminate(err error) {
	o.termOnce.Do(func() {
		o.mu.Lock()
		o.termErr = err
		o.mu.Unlock()
		close(o.termCh)
	})
}

func (o *fakeObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
