package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/playback-loader/internal/metrics"
)

// S3API is the subset of the S3 client used by blob sources.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DefaultReadAhead is the minimum span fetched per ranged request.
const DefaultReadAhead = 1024 * 1024

var errNegativeOffset = errors.New("seek to negative offset")

// Object reads an S3 object through ranged GETs, keeping the last fetched
// window so small sequential reads do not each cost a request.
type Object struct {
	ctx       context.Context
	s3        S3API
	bucket    string
	key       string
	size      int64
	readAhead int64

	off    int64
	buf    []byte
	bufOff int64
}

// OpenObject stats the object and returns a reader positioned at its start.
func OpenObject(ctx context.Context, api S3API, bucket, key string, readAhead int64) (*Object, error) {
	head, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
	}
	if head.ContentLength == nil {
		return nil, fmt.Errorf("stat s3://%s/%s: missing content length", bucket, key)
	}
	if readAhead <= 0 {
		readAhead = DefaultReadAhead
	}
	return &Object{
		ctx:       ctx,
		s3:        api,
		bucket:    bucket,
		key:       key,
		size:      *head.ContentLength,
		readAhead: readAhead,
	}, nil
}

// Size returns the object length in bytes.
func (o *Object) Size() int64 { return o.size }

func (o *Object) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if o.off >= o.size {
		return 0, io.EOF
	}
	if o.off < o.bufOff || o.off >= o.bufOff+int64(len(o.buf)) {
		if err := o.fill(int64(len(p))); err != nil {
			return 0, err
		}
	}
	n := copy(p, o.buf[o.off-o.bufOff:])
	o.off += int64(n)
	return n, nil
}

// fill fetches at least want bytes starting at the current offset.
func (o *Object) fill(want int64) error {
	if want < o.readAhead {
		want = o.readAhead
	}
	end := o.off + want - 1
	if end >= o.size {
		end = o.size - 1
	}
	rangeHeader := fmt.Sprintf("bytes=%d-%d", o.off, end)

	began := time.Now()
	resp, err := o.s3.GetObject(o.ctx, &s3.GetObjectInput{
		Bucket: &o.bucket,
		Key:    &o.key,
		Range:  &rangeHeader,
	})
	if err != nil {
		return fmt.Errorf("S3 range request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading S3 response: %w", err)
	}
	metrics.S3DownloadDuration.WithLabelValues(o.bucket).Observe(time.Since(began).Seconds())
	if len(data) == 0 {
		return io.ErrUnexpectedEOF
	}

	o.buf = data
	o.bufOff = o.off
	return nil
}

func (o *Object) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = o.off + offset
	case io.SeekEnd:
		abs = o.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errNegativeOffset
	}
	o.off = abs
	return abs, nil
}

// Close drops the cached window.
func (o *Object) Close() error {
	o.buf = nil
	return nil
}
