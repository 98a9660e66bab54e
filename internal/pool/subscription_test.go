package pool

import "testing"

func TestSubscriptionKeyOrderIndependent(t *testing.T) {
	s1 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a"}, {Name: "b"}}}
	s2 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "b"}, {Name: "a"}}}
	if s1.Key() != s2.Key() {
		t.Fatalf("keys differ for identical topic sets: %q vs %q", s1.Key(), s2.Key())
	}
}

func TestSubscriptionKeySeparatesGroups(t *testing.T) {
	s1 := Subscription{GroupID: "g1", Topics: []TopicSpec{{Name: "a"}}}
	s2 := Subscription{GroupID: "g2", Topics: []TopicSpec{{Name: "a"}}}
	if s1.Key() == s2.Key() {
		t.Fatalf("keys collide across groups: %q", s1.Key())
	}
}

func TestSubscriptionKeySeparatesTopicSets(t *testing.T) {
	s1 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a"}}}
	s2 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a"}, {Name: "b"}}}
	if s1.Key() == s2.Key() {
		t.Fatalf("keys collide across topic sets: %q", s1.Key())
	}
}

func TestSubscriptionKeyDeduplicatesTopics(t *testing.T) {
	s1 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a"}, {Name: "a"}}}
	s2 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a"}}}
	if s1.Key() != s2.Key() {
		t.Fatalf("duplicate topics should not change the key")
	}
}

func TestSubscriptionStrategyDoesNotAffectKey(t *testing.T) {
	s1 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a", Strategy: "range"}}}
	s2 := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a", Strategy: "roundrobin"}}}
	if s1.Key() != s2.Key() {
		t.Fatalf("assignment strategy must not participate in pooling equivalence")
	}
}

func TestSubscriptionValidate(t *testing.T) {
	cases := []Subscription{
		{},
		{GroupID: "g"},
		{Topics: []TopicSpec{{Name: "a"}}},
		{GroupID: "g", Topics: []TopicSpec{{Name: ""}}},
	}
	for i, s := range cases {
		if err := s.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	ok := Subscription{GroupID: "g", Topics: []TopicSpec{{Name: "a"}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid subscription rejected: %v", err)
	}
}
