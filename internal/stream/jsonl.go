package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"datagen-pipeline/internal/model"
)

// JSONLStream is a file-backed Bus endpoint storing one JSON object
// per line, with the anchor field present on every line.
type JSONLStream struct {
	uri  string
	path string

	mu       sync.Mutex
	writerOn bool
}

// NewJSONLStream builds a JSONLStream rooted at path on disk.
func NewJSONLStream(uri, path string) *JSONLStream {
	return &JSONLStream{uri: uri, path: path}
}

func (s *JSONLStream) URI() string { return s.uri }

func (s *JSONLStream) donePath() string {
	return s.path + ".done"
}

func (s *JSONLStream) Sealed() bool {
	_, err := os.Stat(s.donePath())
	return err == nil
}

func (s *JSONLStream) Seal() error {
	count, err := s.RecordCount()
	if err != nil {
		return errors.Wrapf(err, "seal %s", s.uri)
	}
	payload, _ := json.Marshal(map[string]any{
		"records":   count,
		"sealed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := os.WriteFile(s.donePath(), payload, 0o644); err != nil {
		return errors.Wrapf(err, "seal %s", s.uri)
	}
	return nil
}

func (s *JSONLStream) Unseal() error {
	err := os.Remove(s.donePath())
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unseal %s", s.uri)
	}
	return nil
}

func (s *JSONLStream) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clear %s", s.uri)
	}
	if err := os.Remove(s.donePath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clear %s", s.uri)
	}
	return nil
}

func (s *JSONLStream) RecordCount() (int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "count %s", s.uri)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		count++
	}
	return count, scanner.Err()
}

func (s *JSONLStream) GetReader(ctx context.Context, offset int64) (Reader, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "open reader %s", s.uri)
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			f, err = os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o644)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "open reader %s", s.uri)
		}
	}

	r := &jsonlReader{stream: s, f: f, scanner: bufio.NewScanner(f), nextIdx: offset}
	r.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if offset > 0 {
		if err := r.seek(offset); err != nil {
			f.Close()
			return nil, err
		}
	}
	return r, nil
}

func (s *JSONLStream) GetWriter(cfg WriterConfig) (Writer, error) {
	s.mu.Lock()
	if s.writerOn {
		s.mu.Unlock()
		return nil, errors.Errorf("stream %s: writer already open", s.uri)
	}
	s.writerOn = true
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "open writer %s", s.uri)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open writer %s", s.uri)
	}

	base := &jsonlWriter{stream: s, f: f}
	if cfg.Async {
		return newAsyncWriter(base, cfg), nil
	}
	return base, nil
}

func (s *JSONLStream) releaseWriter() {
	s.mu.Lock()
	s.writerOn = false
	s.mu.Unlock()
}

type jsonlReader struct {
	stream  *JSONLStream
	f       *os.File
	scanner *bufio.Scanner
	nextIdx int64
	pending model.Envelope
}

// seek skips to the offset-th line and verifies its anchor matches
// offset before handing the reader back, per the checkpoint policy:
// refuse to run rather than silently resume from the wrong physical
// position. The verified line is buffered in pending since the
// scanner can't be rewound once read.
func (r *jsonlReader) seek(offset int64) error {
	for i := int64(0); i < offset; i++ {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return errors.Wrapf(err, "stream %s: cannot seek to offset %d", r.stream.uri, offset)
			}
			return errors.Wrapf(ErrCheckpointMismatch, "stream %s: checkpoint offset %d but stream ends at %d", r.stream.uri, offset, i)
		}
	}

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return errors.Wrapf(err, "stream %s: cannot verify offset %d", r.stream.uri, offset)
		}
		// stream has exactly offset records; nothing left to verify.
		return nil
	}
	var env model.Envelope
	if err := json.Unmarshal(r.scanner.Bytes(), &env); err != nil {
		return errors.Wrapf(err, "decode %s", r.stream.uri)
	}
	anchor, ok := model.Anchor(env)
	if !ok {
		anchor = offset
		env[model.AnchorKey] = anchor
	}
	if anchor != offset {
		return errors.Wrapf(ErrCheckpointMismatch, "stream %s: checkpoint offset %d but first surviving record anchor is %d", r.stream.uri, offset, anchor)
	}
	r.pending = env
	return nil
}

func (r *jsonlReader) Read(ctx context.Context, batchSize int, timeout time.Duration) ([]model.Envelope, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	var batch []model.Envelope
	if r.pending != nil {
		batch = append(batch, r.pending)
		r.nextIdx++
		r.pending = nil
	}
	for len(batch) < batchSize {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return batch, errors.Wrapf(err, "read %s", r.stream.uri)
			}
			if r.stream.Sealed() {
				return batch, nil
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				if len(batch) > 0 {
					return batch, nil
				}
				return batch, ErrTimeoutExceeded
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env model.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return batch, errors.Wrapf(err, "decode %s", r.stream.uri)
		}
		if _, ok := model.Anchor(env); !ok {
			env[model.AnchorKey] = r.nextIdx
		}
		r.nextIdx++
		batch = append(batch, env)
	}
	return batch, nil
}

func (r *jsonlReader) Close() error {
	return r.f.Close()
}

type jsonlWriter struct {
	stream *JSONLStream
	f      *os.File
}

func (w *jsonlWriter) Write(records []model.Envelope) error {
	buf := make([]byte, 0, 256*len(records))
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "encode %s", w.stream.uri)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if _, err := w.f.Write(buf); err != nil {
		return errors.Wrapf(err, "write %s", w.stream.uri)
	}
	return nil
}

// Close flushes and closes the underlying file. It does not seal the
// stream; the caller seals explicitly once it knows the producing
// node reached completed, never on a failed or canceled run.
func (w *jsonlWriter) Close() error {
	defer w.stream.releaseWriter()
	if err := w.f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", w.stream.uri)
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", w.stream.uri)
	}
	return nil
}
