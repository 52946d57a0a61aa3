package playback

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

var (
	// ErrUnavailable means the server's source has not finished initializing.
	ErrUnavailable = errors.New("playback: source not initialized")
	// ErrNotFound means the requested block does not exist.
	ErrNotFound = errors.New("playback: not found")
)

// RemoteError is an error reported by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("playback: server: %s", e.Message)
}

// Is maps server error codes onto the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Code == CodeUnavailable
	case ErrNotFound:
		return e.Code == CodeNotFound
	}
	return false
}

// decodeReply unmarshals data into v unless it carries an error.
func decodeReply(data []byte, v any) error {
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return &RemoteError{Code: e.Code, Message: e.Error}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("playback: decoding response: %w", err)
	}
	return nil
}

// isNoResponders checks whether no server is subscribed to the subject.
func isNoResponders(err error) bool {
	return errors.Is(err, nats.ErrNoResponders)
}
