package stream

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/pkg/utils"
)

// CSVStream is a file-backed Bus endpoint with a header row and the
// anchor field stored as a column. encoding/csv's quoted-field
// handling covers embedded newlines correctly for resume counting.
type CSVStream struct {
	uri  string
	path string

	mu       sync.Mutex
	writerOn bool
}

func NewCSVStream(uri, path string) *CSVStream {
	return &CSVStream{uri: uri, path: path}
}

func (s *CSVStream) URI() string      { return s.uri }
func (s *CSVStream) donePath() string { return s.path + ".done" }
func (s *CSVStream) Sealed() bool {
	_, err := os.Stat(s.donePath())
	return err == nil
}

func (s *CSVStream) Seal() error {
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

func (s *CSVStream) Unseal() error {
	err := os.Remove(s.donePath())
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unseal %s", s.uri)
	}
	return nil
}

func (s *CSVStream) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clear %s", s.uri)
	}
	if err := os.Remove(s.donePath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "clear %s", s.uri)
	}
	return nil
}

func (s *CSVStream) RecordCount() (int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "count %s", s.uri)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", s.uri)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int64(len(rows) - 1), nil // minus header
}

func (s *CSVStream) GetReader(ctx context.Context, offset int64) (Reader, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "open reader %s", s.uri)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open reader %s", s.uri)
	}
	cr := csv.NewReader(f)
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil && err.Error() != "EOF" {
		f.Close()
		return nil, errors.Wrapf(err, "read header %s", s.uri)
	}

	r := &csvReader{stream: s, f: f, cr: cr, header: header, nextIdx: offset}
	if offset > 0 {
		if err := r.seek(offset); err != nil {
			f.Close()
			return nil, err
		}
	}
	return r, nil
}

func (s *CSVStream) GetWriter(cfg WriterConfig) (Writer, error) {
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

	existing, _ := s.RecordCount()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open writer %s", s.uri)
	}

	base := &csvWriter{stream: s, f: f, cw: csv.NewWriter(f), wroteHeader: existing > 0}
	if cfg.Async {
		return newAsyncWriter(base, cfg), nil
	}
	return base, nil
}

func (s *CSVStream) releaseWriter() {
	s.mu.Lock()
	s.writerOn = false
	s.mu.Unlock()
}

type csvReader struct {
	stream  *CSVStream
	f       *os.File
	cr      *csv.Reader
	header  []string
	nextIdx int64
	pending model.Envelope
}

// seek skips to the offset-th row and verifies its anchor matches
// offset before handing the reader back, per the checkpoint policy:
// refuse to run rather than silently resume from the wrong physical
// position. The verified row is buffered in pending since csv.Reader
// can't be rewound once read.
func (r *csvReader) seek(offset int64) error {
	for i := int64(0); i < offset; i++ {
		if _, err := r.cr.Read(); err != nil {
			if err.Error() == "EOF" {
				return errors.Wrapf(ErrCheckpointMismatch, "stream %s: checkpoint offset %d but stream ends at %d", r.stream.uri, offset, i)
			}
			return errors.Wrapf(err, "stream %s: cannot seek to offset %d", r.stream.uri, offset)
		}
	}

	row, err := r.cr.Read()
	if err != nil {
		if err.Error() == "EOF" {
			// stream has exactly offset records; nothing left to verify.
			return nil
		}
		return errors.Wrapf(err, "stream %s: cannot verify offset %d", r.stream.uri, offset)
	}
	env := rowToEnvelope(r.header, row)
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

func (r *csvReader) Read(ctx context.Context, batchSize int, timeout time.Duration) ([]model.Envelope, error) {
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
		row, err := r.cr.Read()
		if err != nil {
			if err.Error() == "EOF" {
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
			return batch, errors.Wrapf(err, "read %s", r.stream.uri)
		}
		env := rowToEnvelope(r.header, row)
		if _, ok := model.Anchor(env); !ok {
			env[model.AnchorKey] = r.nextIdx
		}
		r.nextIdx++
		batch = append(batch, env)
	}
	return batch, nil
}

func (r *csvReader) Close() error { return r.f.Close() }

type csvWriter struct {
	stream      *CSVStream
	f           *os.File
	cw          *csv.Writer
	header      []string
	wroteHeader bool
}

func (w *csvWriter) Write(records []model.Envelope) error {
	for _, rec := range records {
		if !w.wroteHeader {
			w.header = sortedKeys(rec)
			if err := w.cw.Write(w.header); err != nil {
				return errors.Wrapf(err, "write header %s", w.stream.uri)
			}
			w.wroteHeader = true
		}
		row := envelopeToRow(w.header, rec)
		if err := w.cw.Write(row); err != nil {
			return errors.Wrapf(err, "write %s", w.stream.uri)
		}
	}
	w.cw.Flush()
	return w.cw.Error()
}

// Close flushes and closes the underlying file. It does not seal the
// stream; the caller seals explicitly once it knows the producing
// node reached completed, never on a failed or canceled run.
func (w *csvWriter) Close() error {
	defer w.stream.releaseWriter()
	w.cw.Flush()
	if err := w.cw.Error(); err != nil {
		return errors.Wrapf(err, "flush %s", w.stream.uri)
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", w.stream.uri)
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", w.stream.uri)
	}
	return nil
}

func sortedKeys(rec model.Envelope) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func rowToEnvelope(header, row []string) model.Envelope {
	env := make(model.Envelope, len(header))
	for i, col := range header {
		if i >= len(row) {
			continue
		}
		env[col] = utils.ParseValue(row[i])
	}
	return env
}

func envelopeToRow(header []string, rec model.Envelope) []string {
	row := make([]string, len(header))
	for i, col := range header {
		row[i] = formatCSVValue(rec[col])
	}
	return row
}

func formatCSVValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
