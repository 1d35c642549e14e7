// Package node implements the execution container: it owns one
// operator, binds one input and one output stream, and drives the
// read-invoke-write-checkpoint loop under either a sequential or a
// parallel scheduling engine.
package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/operator"
	"datagen-pipeline/internal/recordctx"
	"datagen-pipeline/internal/stream"
)

// CheckpointFunc persists a node's latest durable progress. The
// pipeline supplies this; the node calls it after every successful
// batch write, never before.
type CheckpointFunc func(nodeID string, progress int64) error

// HookFunc is the observer callback surface: usage reports and log
// lines from operator calls, and lifecycle transitions from the node
// itself.
type HookFunc struct {
	OnUsage      func(nodeID string, stats recordctx.UsageStats)
	OnLog        func(nodeID, level, msg string)
	OnError      func(nodeID string, kind string, err error)
	OnTransition func(nodeID string, status model.Status)
}

// Node drives one operator against one input/output stream pair.
type Node struct {
	ID           string
	PipelineID   string
	BatchSize    int
	ParallelSize int
	Extra        map[string]any

	adapter    *operator.Adapter
	in         stream.Stream
	out        stream.Stream
	writerCfg  stream.WriterConfig
	checkpoint CheckpointFunc
	hooks      HookFunc

	mu       sync.Mutex
	status   model.Status
	progress int64

	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// New builds a Node bound to op via the operator adapter.
func New(id, pipelineID string, op any, batchSize, parallelSize int, extra map[string]any, checkpoint CheckpointFunc, hooks HookFunc) (*Node, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	if parallelSize < 1 {
		parallelSize = 1
	}
	// Per-item operators fan out across a batch only under the parallel
	// engine; the sequential engine calls them one item at a time.
	itemWorkers := batchSize
	if parallelSize == 1 {
		itemWorkers = 1
	}
	adapter, err := operator.NewAdapter(op, itemWorkers)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", id)
	}
	return &Node{
		ID:           id,
		PipelineID:   pipelineID,
		BatchSize:    batchSize,
		ParallelSize: parallelSize,
		Extra:        extra,
		adapter:      adapter,
		checkpoint:   checkpoint,
		hooks:        hooks,
		status:       model.StatusPending,
	}, nil
}

// BindIO attaches the node's input and output streams and the writer
// configuration to use when it opens its output.
func (n *Node) BindIO(in, out stream.Stream, writerCfg stream.WriterConfig) {
	n.in = in
	n.out = out
	n.writerCfg = writerCfg
}

// Status returns the node's current lifecycle state.
func (n *Node) Status() model.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Progress returns the count of input records the node has durably
// consumed from its reader; this is also the offset Run will pass to
// GetReader on the next resume.
func (n *Node) Progress() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.progress
}

func (n *Node) setStatus(s model.Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
	if n.hooks.OnTransition != nil {
		n.hooks.OnTransition(n.ID, s)
	}
}

func (n *Node) setProgress(p int64) {
	n.mu.Lock()
	if p > n.progress {
		n.progress = p
	}
	n.mu.Unlock()
}

// Cancel requests cooperative cancellation. In-flight batches are
// allowed to finish; no new batch is dispatched after this call
// returns.
func (n *Node) Cancel() {
	n.cancelled.Store(true)
	n.setStatus(model.StatusCanceling)
	if n.cancel != nil {
		n.cancel()
	}
}

// Run drives the node to completion, failure, or cancellation. resumeFrom
// is the offset to seek the reader to (0 for a fresh run). It returns
// once the node reaches a terminal status; Close has already run by
// the time Run returns.
func (n *Node) Run(ctx context.Context, resumeFrom int64) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	defer cancel()

	if resumeFrom > 0 {
		n.setStatus(model.StatusResuming)
	}

	reader, rerr := n.in.GetReader(ctx, resumeFrom)
	if rerr != nil {
		n.setStatus(model.StatusFailed)
		n.reportError("configuration", rerr)
		return errors.Wrapf(rerr, "node %s: open reader", n.ID)
	}

	writer, werr := n.out.GetWriter(n.writerCfg)
	if werr != nil {
		reader.Close()
		n.setStatus(model.StatusFailed)
		n.reportError("configuration", werr)
		return errors.Wrapf(werr, "node %s: open writer", n.ID)
	}

	n.setProgress(resumeFrom)
	n.setStatus(model.StatusRunning)

	if n.ParallelSize > 1 {
		err = n.runParallel(ctx, reader, writer, resumeFrom)
	} else {
		err = n.runSequential(ctx, reader, writer, resumeFrom)
	}

	n.close(reader, writer, err)
	return err
}

// close implements the discipline every exit path must follow: writer
// is closed first (flushing any async queue, but never sealing), then
// the reader, and only once the terminal status is settled as
// completed does the output stream get sealed. A failed or canceled
// run leaves its output unsealed so a downstream reader polling for
// completion never observes a sealed stream that isn't actually done.
func (n *Node) close(reader stream.Reader, writer stream.Writer, runErr error) {
	final := model.StatusCompleted
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		final = model.StatusCanceled
	case runErr != nil:
		final = model.StatusFailed
	case n.cancelled.Load():
		final = model.StatusCanceled
	}

	if cerr := writer.Close(); cerr != nil && final == model.StatusCompleted {
		final = model.StatusFailed
		n.reportError("transient_io", cerr)
	}
	reader.Close()

	if final == model.StatusCompleted {
		if serr := n.out.Seal(); serr != nil {
			final = model.StatusFailed
			n.reportError("transient_io", serr)
		}
	}
	n.setStatus(final)
}

func (n *Node) reportError(kind string, err error) {
	if n.hooks.OnError != nil {
		n.hooks.OnError(n.ID, kind, err)
	}
}

func (n *Node) newOpCtx(ctx context.Context) *recordctx.Context {
	return recordctx.New(ctx, n.ID, n.PipelineID, n.Extra, &n.cancelled,
		func(stats recordctx.UsageStats) {
			if n.hooks.OnUsage != nil {
				n.hooks.OnUsage(n.ID, stats)
			}
		},
		func(level, msg string) {
			if n.hooks.OnLog != nil {
				n.hooks.OnLog(n.ID, level, msg)
			}
		},
	)
}

const readTimeout = 30 * time.Second
