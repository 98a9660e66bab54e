package pool

import (
	"errors"
	"sort"
	"strings"
)

// TopicSpec names one topic and the partition-assignment strategy requested
// for it. The strategy does not participate in pooling equivalence.
type TopicSpec struct {
	Name     string
	Strategy string
}

// Subscription describes what a pooled consumer reads: a consumer-group id
// and a set of topics. Two subscriptions with the same group and the same
// topic set are interchangeable regardless of topic order.
type Subscription struct {
	GroupID string
	Topics  []TopicSpec
}

var errEmptySubscription = errors.New("subscription requires a group id and at least one topic")

func (s Subscription) Validate() error {
	if s.GroupID == "" || len(s.Topics) == 0 {
		return errEmptySubscription
	}
	for _, t := range s.Topics {
		if t.Name == "" {
			return errEmptySubscription
		}
	}
	return nil
}

// TopicNames returns the topic names in canonical (sorted, deduplicated) order.
func (s Subscription) TopicNames() []string {
	names := make([]string, 0, len(s.Topics))
	seen := map[string]bool{}
	for _, t := range s.Topics {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Key is the pooling key: group id plus the canonical topic set. Insertion
// order must not produce distinct keys for logically identical subscriptions.
func (s Subscription) Key() string {
	return s.GroupID + "|" + strings.Join(s.TopicNames(), ",")
}
