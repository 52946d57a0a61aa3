package types

import "context"

// Initialization is the metadata a source reports before use.
type Initialization struct {
	Start             Time
	End               Time
	Topics            []Topic
	TopicStats        map[string]TopicStats
	Problems          []Problem
	Datatypes         map[string]Datatype
	PublishersByTopic map[string][]string
}

// MessageIteratorArgs selects the topics and the inclusive time window to read.
type MessageIteratorArgs struct {
	Topics []string
	Start  Time
	End    Time
}

// IteratorResult carries either a message or a problem.
type IteratorResult struct {
	MsgEvent     *MessageEvent
	Problem      *Problem
	ConnectionID int
}

// MessageIterator yields results in non-decreasing receive time order.
// Next returns io.EOF once the sequence is exhausted.
type MessageIterator interface {
	Next(ctx context.Context) (*IteratorResult, error)
	Close() error
}

// GetBackfillMessagesArgs asks for the latest message per topic at or before Time.
type GetBackfillMessagesArgs struct {
	Topics []string
	Time   Time
}

// Source is the interface every playback backend must implement.
type Source interface {
	Initialize(ctx context.Context) (*Initialization, error)
	MessageIterator(ctx context.Context, args MessageIteratorArgs) (MessageIterator, error)
	GetBackfillMessages(ctx context.Context, args GetBackfillMessagesArgs) ([]MessageEvent, error)
}
