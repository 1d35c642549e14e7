package stream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"datagen-pipeline/internal/model"
)

// MemoryHub is the registry of named in-process streams. A pipeline
// holds exactly one hub for the caller-requested memory:// endpoints
// of a single run; streaming bridges are built with NewBridge and are
// not registered in it.
type MemoryHub struct {
	mu      sync.Mutex
	streams map[string]*MemoryStream
}

// NewMemoryHub builds an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{streams: make(map[string]*MemoryStream)}
}

// Get returns the named stream, creating it on first use.
func (h *MemoryHub) Get(name string) *MemoryStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[name]; ok {
		return s
	}
	s := NewMemoryStream("memory://" + name)
	h.streams[name] = s
	return s
}

// MemoryStream is a non-durable Bus endpoint backed by an in-memory
// slice guarded by a mutex. It never persists a .done marker to disk;
// pipeline.Create rejects a memory:// intermediate against a job
// spec marked Recoverable before Run ever starts, rather than letting
// it silently break resume later.
type MemoryStream struct {
	uri string

	mu       sync.Mutex
	records  []model.Envelope
	sealed   bool
	writerOn bool
}

func NewMemoryStream(uri string) *MemoryStream {
	return &MemoryStream{uri: uri}
}

func (s *MemoryStream) URI() string { return s.uri }

func (s *MemoryStream) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *MemoryStream) Seal() error {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStream) Unseal() error {
	s.mu.Lock()
	s.sealed = false
	s.mu.Unlock()
	return nil
}

func (s *MemoryStream) Clear() error {
	s.mu.Lock()
	s.records = nil
	s.sealed = false
	s.mu.Unlock()
	return nil
}

func (s *MemoryStream) RecordCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

func (s *MemoryStream) GetReader(ctx context.Context, offset int64) (Reader, error) {
	return &memoryReader{stream: s, pos: offset}, nil
}

func (s *MemoryStream) GetWriter(cfg WriterConfig) (Writer, error) {
	s.mu.Lock()
	if s.writerOn {
		s.mu.Unlock()
		return nil, errors.Errorf("stream %s: writer already open", s.uri)
	}
	s.writerOn = true
	s.mu.Unlock()

	base := &memoryWriter{stream: s}
	if cfg.Async {
		return newAsyncWriter(base, cfg), nil
	}
	return base, nil
}

type memoryReader struct {
	stream *MemoryStream
	pos    int64
}

func (r *memoryReader) Read(ctx context.Context, batchSize int, timeout time.Duration) ([]model.Envelope, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.stream.mu.Lock()
		avail := int64(len(r.stream.records))
		sealed := r.stream.sealed
		var batch []model.Envelope
		if r.pos < avail {
			end := r.pos + int64(batchSize)
			if end > avail {
				end = avail
			}
			batch = append(batch, r.stream.records[r.pos:end]...)
			r.pos = end
		}
		r.stream.mu.Unlock()

		if len(batch) > 0 {
			return batch, nil
		}
		if sealed {
			return nil, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeoutExceeded
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *memoryReader) Close() error { return nil }

type memoryWriter struct {
	stream *MemoryStream
}

func (w *memoryWriter) Write(records []model.Envelope) error {
	w.stream.mu.Lock()
	w.stream.records = append(w.stream.records, records...)
	w.stream.mu.Unlock()
	return nil
}

// Close releases the writer slot without sealing; the caller seals
// explicitly once it knows the producing node reached completed.
func (w *memoryWriter) Close() error {
	w.stream.mu.Lock()
	w.stream.writerOn = false
	w.stream.mu.Unlock()
	return nil
}
