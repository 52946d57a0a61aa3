package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/playback-loader/internal/file"
	"github.com/gftdcojp/playback-loader/internal/types"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu      sync.RWMutex
	objects map[string][]byte
	gets    int
	putErr  error
	getErr  error
	headErr error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(params.Body)
	m.mu.Lock()
	m.objects[*params.Key] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	m.gets++
	data, ok := m.objects[*params.Key]
	m.mu.Unlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}

	// Handle range requests
	if params.Range != nil {
		var start, end int64
		fmt.Sscanf(*params.Range, "bytes=%d-%d", &start, &end)
		if start < int64(len(data)) {
			if end >= int64(len(data)) {
				end = int64(len(data)) - 1
			}
			data = data[start : end+1]
		} else {
			data = nil
		}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: intPtr(int64(len(data))),
	}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.RLock()
	data, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: intPtr(int64(len(data)))}, nil
}

func (m *mockS3) getCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gets
}

func intPtr(v int64) *int64 { return &v }

func TestObject_ReadAll(t *testing.T) {
	mock := newMockS3()
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	mock.objects["data.bin"] = payload

	obj, err := OpenObject(context.Background(), mock, "test-bucket", "data.bin", 8)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Close()

	if obj.Size() != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), obj.Size())
	}
	got, err := io.ReadAll(obj)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
	// 36 bytes in windows of at least 8 bytes.
	if n := mock.getCount(); n > 5 {
		t.Errorf("expected at most 5 ranged requests, got %d", n)
	}
}

func TestObject_SeekAndRead(t *testing.T) {
	mock := newMockS3()
	mock.objects["data.bin"] = []byte("0123456789")

	obj, err := OpenObject(context.Background(), mock, "test-bucket", "data.bin", 4)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := obj.Seek(-3, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(obj, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "789" {
		t.Errorf("expected 789, got %q", buf)
	}

	if _, err := obj.Seek(2, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := obj.Seek(1, io.SeekCurrent); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(obj, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "345" {
		t.Errorf("expected 345, got %q", buf)
	}

	if _, err := obj.Seek(-1, io.SeekStart); !errors.Is(err, errNegativeOffset) {
		t.Errorf("expected negative offset error, got %v", err)
	}

	if _, err := obj.Seek(0, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if _, err := obj.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF at end, got %v", err)
	}
}

func TestObject_Missing(t *testing.T) {
	mock := newMockS3()
	if _, err := OpenObject(context.Background(), mock, "test-bucket", "nope", 0); err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestSource_PlaysBackRecording(t *testing.T) {
	mock := newMockS3()
	ctx := context.Background()

	events := []types.MessageEvent{
		{Topic: "/imu", ReceiveTime: types.NewTime(1, 0), Message: []byte("a")},
		{Topic: "/gps", ReceiveTime: types.NewTime(2, 0), Message: []byte("bb")},
		{Topic: "/imu", ReceiveTime: types.NewTime(3, 0), Message: []byte("ccc")},
	}
	var buf bytes.Buffer
	if err := file.WriteMessages(&buf, events, nil); err != nil {
		t.Fatal(err)
	}
	if err := Upload(ctx, mock, "test-bucket", "drives/a.mcap", &buf, zap.NewNop()); err != nil {
		t.Fatal(err)
	}

	src := NewSource(mock, "test-bucket", "drives/a.mcap", zap.NewNop())
	if src.Name() != "s3://test-bucket/drives/a.mcap" {
		t.Errorf("unexpected name %q", src.Name())
	}

	init, err := src.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if init.Start != types.NewTime(1, 0) || init.End != types.NewTime(3, 0) {
		t.Errorf("unexpected bounds %s..%s", init.Start, init.End)
	}

	it, err := src.MessageIterator(ctx, types.MessageIteratorArgs{
		Topics: []string{"/imu"},
		Start:  init.Start,
		End:    init.End,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var got []string
	for {
		res, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(res.MsgEvent.Message))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "ccc" {
		t.Errorf("unexpected messages %v", got)
	}

	backfill, err := src.GetBackfillMessages(ctx, types.GetBackfillMessagesArgs{
		Topics: []string{"/gps"},
		Time:   types.NewTime(10, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(backfill) != 1 || string(backfill[0].Message) != "bb" {
		t.Errorf("unexpected backfill %+v", backfill)
	}
}

func TestUpload_Error(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("denied")
	err := Upload(context.Background(), mock, "b", "k", bytes.NewReader(nil), nil)
	if err == nil || !errors.Is(err, mock.putErr) {
		t.Fatalf("expected wrapped put error, got %v", err)
	}
}
