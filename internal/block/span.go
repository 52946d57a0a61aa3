package block

import "sort"

// TopicSet is a set of topic names.
type TopicSet map[string]struct{}

// NewTopicSet builds a set from names.
func NewTopicSet(topics ...string) TopicSet {
	s := make(TopicSet, len(topics))
	for _, t := range topics {
		s[t] = struct{}{}
	}
	return s
}

// Equal compares by value.
func (s TopicSet) Equal(o TopicSet) bool {
	if len(s) != len(o) {
		return false
	}
	for t := range s {
		if _, ok := o[t]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the topics in lexical order.
func (s TopicSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Span is a contiguous run of blocks that all need the same topics fetched.
type Span struct {
	BeginID int
	EndID   int
	Topics  TopicSet
}

// loadOrder returns [begin..n) followed by [0..begin).
func loadOrder(begin, n int) []int {
	order := make([]int, 0, n)
	for i := begin; i < n; i++ {
		order = append(order, i)
	}
	for i := 0; i < begin; i++ {
		order = append(order, i)
	}
	return order
}

// computeSpans walks blocks in load order and groups neighbours whose missing
// topics are equal. A jump in index (the wraparound) always starts a new span.
func computeSpans(order []int, store *Store, desired TopicSet) []Span {
	var spans []Span
	var active *Span
	for _, id := range order {
		toFetch := make(TopicSet, len(desired))
		existing := store.Get(id)
		for topic := range desired {
			if existing != nil {
				if _, ok := existing.MessagesByTopic[topic]; ok {
					continue
				}
			}
			toFetch[topic] = struct{}{}
		}

		if active != nil && id == active.EndID+1 && active.Topics.Equal(toFetch) {
			active.EndID = id
			continue
		}
		if active != nil {
			spans = append(spans, *active)
		}
		active = &Span{BeginID: id, EndID: id, Topics: toFetch}
	}
	if active != nil {
		spans = append(spans, *active)
	}
	return spans
}
