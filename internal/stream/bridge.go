package stream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"datagen-pipeline/internal/model"
)

// errZeroProgress signals the annealing loop that no data has arrived
// yet and the stream is still unsealed; it never escapes this file.
var errZeroProgress = errors.New("stream: zero progress, still unsealed")

// Bridge connects two concurrent nodes in streaming mode: an in-memory
// hand-off with the same seal/read contract as a file stream, plus zero-progress annealing on the reader so a downstream
// node that starts before its upstream has produced anything does not
// mistake "nothing yet" for "sealed and drained". The buffer is an
// unbounded slice: writers never block on a slow reader.
type Bridge struct {
	*MemoryStream
}

// NewBridge builds a streaming bridge identified by name.
func NewBridge(name string) *Bridge {
	return &Bridge{MemoryStream: NewMemoryStream("memory://" + name)}
}

func (b *Bridge) GetReader(ctx context.Context, offset int64) (Reader, error) {
	return &bridgeReader{stream: b.MemoryStream, pos: offset}, nil
}

// annealingAttempts and annealingInterval bound the zero-progress
// retry: roughly 5 attempts of 100ms each before an empty, unsealed
// read is treated as genuinely empty for this call.
const (
	annealingAttempts = 5
	annealingInterval = 100 * time.Millisecond
)

type bridgeReader struct {
	stream *MemoryStream
	pos    int64
}

func (r *bridgeReader) Read(ctx context.Context, batchSize int, timeout time.Duration) ([]model.Envelope, error) {
	var bo backoff.BackOff = backoff.WithMaxRetries(backoff.NewConstantBackOff(annealingInterval), annealingAttempts)
	bo = backoff.WithContext(bo, ctx)

	var batch []model.Envelope
	op := func() error {
		r.stream.mu.Lock()
		avail := int64(len(r.stream.records))
		sealed := r.stream.sealed
		if r.pos < avail {
			end := r.pos + int64(batchSize)
			if end > avail {
				end = avail
			}
			batch = append(batch, r.stream.records[r.pos:end]...)
			r.pos = end
		}
		r.stream.mu.Unlock()

		if len(batch) > 0 || sealed {
			return nil
		}
		return errZeroProgress
	}

	if err := backoff.Retry(op, bo); err != nil && !errors.Is(err, errZeroProgress) {
		return nil, err
	}
	return batch, nil
}

func (r *bridgeReader) Close() error { return nil }
