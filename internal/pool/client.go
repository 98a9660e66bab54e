package pool

import (
	"context"
	"strings"
	"time"

	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// BrokerClient is the slice of the franz-go client the pool needs. Keeping it
// narrow lets tests substitute an in-process fake for the real kgo.Client.
type BrokerClient interface {
	// PollFetches blocks until fetches are ready, the context ends, or the
	// client is closed.
	PollFetches(ctx context.Context) kgo.Fetches

	// PauseFetchTopics stops fetching the given topics and returns all
	// currently paused topics.
	PauseFetchTopics(topics ...string) []string

	// ResumeFetchTopics undoes PauseFetchTopics.
	ResumeFetchTopics(topics ...string)

	// Close leaves the consumer group and releases resources.
	Close()
}

// Verify that *kgo.Client implements BrokerClient at compile time.
var _ BrokerClient = (*kgo.Client)(nil)

// ConnectFunc dials one group consumer for a subscription. Replaced in tests.
type ConnectFunc func(sub Subscription, cfg gatewaycfg.KafkaConfig) (BrokerClient, error)

// groupBalancer maps the configured assignment strategy onto a franz-go
// balancer. Unknown values fall back to cooperative-sticky.
func groupBalancer(strategy string) kgo.GroupBalancer {
	switch strings.ToLower(strategy) {
	case "roundrobin", "round-robin":
		return kgo.RoundRobinBalancer()
	case "range":
		return kgo.RangeBalancer()
	case "sticky":
		return kgo.StickyBalancer()
	default:
		return kgo.CooperativeStickyBalancer()
	}
}

func kafkaConnect(sub Subscription, cfg gatewaycfg.KafkaConfig) (BrokerClient, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(sub.GroupID),
		kgo.ConsumeTopics(sub.TopicNames()...),
		kgo.Balancers(groupBalancer(cfg.AssignStrategy)),
		kgo.InstanceID(sub.GroupID + "-" + uuid.NewString()),
		kgo.DialTimeout(time.Duration(cfg.DialTimeoutMs) * time.Millisecond),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMs) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return cl, nil
}
