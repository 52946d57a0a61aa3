package playback

import "time"

// Time is an instant as whole seconds plus nanoseconds.
type Time struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// Range is a half-open fraction of the playback range.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Status summarizes the server's source and loader.
type Status struct {
	Name            string   `json:"name"`
	Initialized     bool     `json:"initialized"`
	Start           Time     `json:"start"`
	End             Time     `json:"end"`
	Topics          []string `json:"topics"`
	LastSeek        Time     `json:"last_seek"`
	Loading         bool     `json:"loading"`
	LoadedFraction  float64  `json:"loaded_fraction"`
	CacheBytes      int64    `json:"cache_bytes"`
	BlockCount      int      `json:"block_count"`
	BlockDurationNs int64    `json:"block_duration_ns"`
	LastError       string   `json:"last_error,omitempty"`
}

// Progress reports which parts of the range are loaded for every
// subscribed topic.
type Progress struct {
	FullyLoadedFractionRanges []Range `json:"fully_loaded_fraction_ranges"`
	LoadedFraction            float64 `json:"loaded_fraction"`
	CacheBytes                int64   `json:"cache_bytes"`
}

// SeekRequest asks the server to load around Time.
type SeekRequest struct {
	Time Time `json:"time"`
}

// SeekResponse carries the seek time after clamping to the range.
type SeekResponse struct {
	Time Time `json:"time"`
}

// TopicsRequest replaces the subscribed topics.
type TopicsRequest struct {
	Topics []string `json:"topics"`
}

// TopicInfo describes a topic offered by the source.
type TopicInfo struct {
	Name        string `json:"name"`
	SchemaName  string `json:"schema_name,omitempty"`
	NumMessages uint64 `json:"num_messages"`
}

// TopicsResponse lists subscribed and available topics.
type TopicsResponse struct {
	Topics    []string    `json:"topics"`
	Available []TopicInfo `json:"available,omitempty"`
}

// BlockSummary describes one cache slot.
type BlockSummary struct {
	ID           int      `json:"id"`
	Start        Time     `json:"start"`
	Loaded       bool     `json:"loaded"`
	Topics       []string `json:"topics,omitempty"`
	MessageCount int      `json:"message_count"`
	SizeBytes    int64    `json:"size_bytes"`
}

// Message is a cached or backfilled message.
type Message struct {
	Topic       string `json:"topic"`
	SchemaName  string `json:"schema_name,omitempty"`
	ReceiveTime Time   `json:"receive_time"`
	PublishTime Time   `json:"publish_time"`
	Data        []byte `json:"data,omitempty"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

// Block is the content of one cache slot, by topic.
type Block struct {
	ID              int                  `json:"id"`
	Start           Time                 `json:"start"`
	MessagesByTopic map[string][]Message `json:"messages_by_topic"`
	SizeBytes       int64                `json:"size_bytes"`
}

// Problem is a recorded data-quality issue.
type Problem struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Tip       string    `json:"tip,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ErrorResponse is returned by both transports on failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeUnavailable = "unavailable"
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeInternal    = "internal"
)
