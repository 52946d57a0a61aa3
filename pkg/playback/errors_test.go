package playback

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestDecodeReply_Error(t *testing.T) {
	err := decodeReply([]byte(`{"error":"boom","code":"internal"}`), &Status{})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != CodeInternal || remote.Message != "boom" {
		t.Errorf("unexpected remote error: %+v", remote)
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) {
		t.Error("internal error should not match the sentinels")
	}
}

func TestDecodeReply_Array(t *testing.T) {
	var blocks []BlockSummary
	if err := decodeReply([]byte(`[{"id":1,"loaded":true}]`), &blocks); err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].ID != 1 {
		t.Errorf("unexpected blocks: %+v", blocks)
	}
}

func TestDecodeReply_Invalid(t *testing.T) {
	if err := decodeReply([]byte(`not json`), &Status{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestIsNoResponders(t *testing.T) {
	if !isNoResponders(fmt.Errorf("wrapped: %w", nats.ErrNoResponders)) {
		t.Error("expected true for wrapped ErrNoResponders")
	}
	if isNoResponders(nil) {
		t.Error("expected false for nil")
	}
	if isNoResponders(nats.ErrTimeout) {
		t.Error("expected false for timeout")
	}
}
