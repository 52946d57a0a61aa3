package block

import (
	"github.com/gftdcojp/playback-loader/internal/interval"
	"github.com/gftdcojp/playback-loader/internal/types"
)

// MessageBlock holds the messages received within one fixed-duration bucket.
// A topic key with an empty slice means the topic was checked and had no
// messages; a missing key means the topic has not been checked yet. Blocks are
// immutable once stored.
type MessageBlock struct {
	MessagesByTopic map[string][]types.MessageEvent `json:"messages_by_topic"`
	SizeInBytes     int64                           `json:"size_in_bytes"`
}

// HasTopics reports whether every topic in the set has been checked.
func (b *MessageBlock) HasTopics(topics TopicSet) bool {
	if b == nil {
		return false
	}
	for topic := range topics {
		if _, ok := b.MessagesByTopic[topic]; !ok {
			return false
		}
	}
	return true
}

// MessageCount returns the number of messages across all topics.
func (b *MessageBlock) MessageCount() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, events := range b.MessagesByTopic {
		n += len(events)
	}
	return n
}

// merge returns a new block holding existing's topics overlaid with fresh.
func merge(existing *MessageBlock, fresh map[string][]types.MessageEvent, freshBytes int64) *MessageBlock {
	out := &MessageBlock{
		MessagesByTopic: make(map[string][]types.MessageEvent, len(fresh)),
		SizeInBytes:     freshBytes,
	}
	if existing != nil {
		for topic, events := range existing.MessagesByTopic {
			out.MessagesByTopic[topic] = events
		}
		out.SizeInBytes += existing.SizeInBytes
	}
	for topic, events := range fresh {
		if replaced, ok := out.MessagesByTopic[topic]; ok {
			out.SizeInBytes -= eventBytes(replaced)
		}
		out.MessagesByTopic[topic] = events
	}
	return out
}

func eventBytes(events []types.MessageEvent) int64 {
	var n int64
	for i := range events {
		n += events[i].SizeInBytes
	}
	return n
}

// MessageCache is the block array as seen by a progress consumer.
type MessageCache struct {
	Blocks    []*MessageBlock `json:"blocks"`
	StartTime types.Time      `json:"start_time"`
}

// Progress is a read-only snapshot of what has been loaded.
type Progress struct {
	FullyLoadedFractionRanges []interval.Range `json:"fully_loaded_fraction_ranges"`
	MessageCache              *MessageCache    `json:"message_cache,omitempty"`
}

// LoadedFraction sums the fully loaded ranges.
func (p Progress) LoadedFraction() float64 {
	var f float64
	for _, r := range p.FullyLoadedFractionRanges {
		f += r.End - r.Start
	}
	return f
}
