package types

// SourceKind identifies the backend a playback source reads from.
type SourceKind int

const (
	SourceMemory SourceKind = iota
	SourceFile
	SourceBlob
	SourceStream
)

func (k SourceKind) String() string {
	switch k {
	case SourceMemory:
		return "memory"
	case SourceFile:
		return "file"
	case SourceBlob:
		return "blob"
	case SourceStream:
		return "stream"
	default:
		return "unknown"
	}
}

// ParseSourceKind is the inverse of SourceKind.String.
func ParseSourceKind(s string) (SourceKind, bool) {
	switch s {
	case "memory":
		return SourceMemory, true
	case "file":
		return SourceFile, true
	case "blob":
		return SourceBlob, true
	case "stream":
		return SourceStream, true
	}
	return 0, false
}

// MessageEvent is a single message received on a topic. Message holds the
// undecoded payload.
type MessageEvent struct {
	Topic       string `json:"topic"`
	SchemaName  string `json:"schema_name,omitempty"`
	ReceiveTime Time   `json:"receive_time"`
	PublishTime Time   `json:"publish_time"`
	Message     []byte `json:"message,omitempty"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

// Severity of a reported problem.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
)

// Problem describes a data-quality or delivery issue that did not abort work.
type Problem struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Error    string   `json:"error,omitempty"`
	Tip      string   `json:"tip,omitempty"`
}

// ProblemSink records problems under a stable id so repeated occurrences
// collapse and recovery can clear them.
type ProblemSink interface {
	AddProblem(id string, p Problem)
	RemoveProblem(id string)
}

// Topic is a named channel of messages.
type Topic struct {
	Name       string `json:"name"`
	SchemaName string `json:"schema_name,omitempty"`
}

// TopicStats summarizes a topic's messages within a source.
type TopicStats struct {
	NumMessages      uint64 `json:"num_messages"`
	FirstMessageTime *Time  `json:"first_message_time,omitempty"`
	LastMessageTime  *Time  `json:"last_message_time,omitempty"`
}

// Datatype describes a schema a source publishes.
type Datatype struct {
	Name       string `json:"name"`
	Encoding   string `json:"encoding,omitempty"`
	Definition []byte `json:"definition,omitempty"`
}
