// Package stream implements the bus: addressable read/write endpoints
// identified by a URI, with a sealing protocol and an asynchronous
// batch writer used for bounded-memory streaming between nodes.
package stream

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"datagen-pipeline/internal/model"
)

// Sentinel errors, typed per the taxonomy in the transient-I/O and
// checkpoint error categories. Callers use errors.Is/errors.As.
var (
	ErrProtocolUnknown     = errors.New("stream: unknown protocol")
	ErrTimeoutExceeded     = errors.New("stream: read timeout exceeded")
	ErrCheckpointMismatch  = errors.New("stream: checkpoint offset does not match stream content")
	ErrIOFailure           = errors.New("stream: io failure")
	ErrBackpressureBlocked = errors.New("stream: writer blocked on backpressure")
)

// Reader reads successive batches of boxed records from a stream.
// A file or memory Read returning (nil, nil) means the stream is
// sealed and fully drained. A bridge Read also returns (nil, nil) when
// its annealing window passes on a stream that is still unsealed, so
// callers check Sealed() to tell the two cases apart.
type Reader interface {
	Read(ctx context.Context, batchSize int, timeout time.Duration) ([]model.Envelope, error)
	Close() error
}

// Writer appends boxed records to a stream. Close flushes and syncs
// but does not seal — sealing is the caller's decision, made only
// once the producing node's terminal status is known.
type Writer interface {
	Write(records []model.Envelope) error
	Close() error
}

// Stream is one addressable bus endpoint.
type Stream interface {
	URI() string
	GetReader(ctx context.Context, offset int64) (Reader, error)
	GetWriter(cfg WriterConfig) (Writer, error)
	Seal() error
	Unseal() error
	Clear() error
	Sealed() bool
	RecordCount() (int64, error)
}

// WriterConfig configures a stream's writer, including the optional
// asynchronous batch-writer wrapper.
type WriterConfig struct {
	Async          bool
	QueueSize      int
	FlushBatchSize int
	FlushInterval  time.Duration
	RetryInterval  time.Duration
}

// DefaultWriterConfig returns the synchronous default: every Write
// call performs one physical append immediately.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:      256,
		FlushBatchSize: 64,
		FlushInterval:  200 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
	}
}

// Scheme identifies the stream protocol of a URI.
type Scheme string

const (
	SchemeJSONL  Scheme = "jsonl"
	SchemeCSV    Scheme = "csv"
	SchemeMemory Scheme = "memory"
)

var extToScheme = map[string]Scheme{
	".jsonl": SchemeJSONL,
	".ndjson": SchemeJSONL,
	".csv":   SchemeCSV,
}

var schemeToExt = map[Scheme]string{
	SchemeJSONL:  ".jsonl",
	SchemeCSV:    ".csv",
	SchemeMemory: "",
}

// ParseURI splits a URI of the form "scheme://path" or a bare path
// with a known extension into a scheme and a filesystem path,
// auto-completing whichever half is missing.
func ParseURI(uri string) (Scheme, string, error) {
	if idx := strings.Index(uri, "://"); idx >= 0 {
		scheme := Scheme(uri[:idx])
		path := uri[idx+3:]
		switch scheme {
		case SchemeJSONL, SchemeCSV, SchemeMemory:
			if scheme != SchemeMemory && filepath.Ext(path) == "" {
				path += schemeToExt[scheme]
			}
			return scheme, path, nil
		default:
			return "", "", ErrProtocolUnknown
		}
	}

	ext := strings.ToLower(filepath.Ext(uri))
	scheme, ok := extToScheme[ext]
	if !ok {
		return "", "", ErrProtocolUnknown
	}
	return scheme, uri, nil
}

// Open resolves uri to a concrete Stream implementation. memoryHub is
// the shared registry used to locate named memory:// endpoints; it
// may be nil when uri cannot resolve to a memory stream.
func Open(uri string, memoryHub *MemoryHub) (Stream, error) {
	scheme, path, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case SchemeJSONL:
		return NewJSONLStream(uri, path), nil
	case SchemeCSV:
		return NewCSVStream(uri, path), nil
	case SchemeMemory:
		if memoryHub == nil {
			return nil, errors.New("stream: memory:// endpoint requested without a hub")
		}
		return memoryHub.Get(path), nil
	default:
		return nil, ErrProtocolUnknown
	}
}
