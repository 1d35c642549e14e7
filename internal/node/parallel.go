package node

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/stream"
)

// runParallel dispatches batches to a worker pool capped at
// ParallelSize in-flight batches, then serializes their writes back
// in dispatch order so the output stream's physical index sequence
// stays strictly increasing regardless of which worker finishes
// first.
func (n *Node) runParallel(ctx context.Context, reader stream.Reader, writer stream.Writer, resumeFrom int64) error {
	sem := semaphore.NewWeighted(int64(n.ParallelSize))
	g, gctx := errgroup.WithContext(ctx)

	type completedBatch struct {
		envelopes []model.Envelope
		length    int64
	}

	var mu sync.Mutex
	pending := make(map[int64]completedBatch)
	var dispatchOrder []int64
	nextToWrite := 0
	consumed := resumeFrom

	seq := int64(0)
	for {
		if n.cancelled.Load() || gctx.Err() != nil {
			break
		}

		batch, err := reader.Read(gctx, n.BatchSize, readTimeout)
		if err != nil {
			if errors.Is(err, stream.ErrTimeoutExceeded) {
				continue
			}
			n.reportError("transient_io", err)
			return err
		}
		if len(batch) == 0 {
			if n.in.Sealed() {
				break
			}
			continue
		}

		items := make([]model.Record, len(batch))
		anchors := make([]int64, len(batch))
		for i, env := range batch {
			idx, ok := model.Anchor(env)
			if !ok {
				return errors.Errorf("node %s: record missing anchor field", n.ID)
			}
			anchors[i] = idx
			items[i] = model.Unbox(env)
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		mySeq := seq
		seq++
		batchLen := int64(len(batch))
		mu.Lock()
		dispatchOrder = append(dispatchOrder, mySeq)
		mu.Unlock()

		g.Go(func() error {
			defer sem.Release(1)

			opCtx := n.newOpCtx(gctx)
			groups, err := n.adapter.Call(opCtx, items)
			if err != nil {
				n.reportError("operator", err)
				return errors.Wrapf(err, "node %s: operator", n.ID)
			}
			out := make([]model.Envelope, 0, len(groups))
			for i, group := range groups {
				out = append(out, boxGroup(anchors[i], group)...)
			}

			mu.Lock()
			defer mu.Unlock()
			pending[mySeq] = completedBatch{envelopes: out, length: batchLen}
			for nextToWrite < len(dispatchOrder) {
				key := dispatchOrder[nextToWrite]
				cb, ready := pending[key]
				if !ready {
					break
				}
				delete(pending, key)
				if werr := writer.Write(cb.envelopes); werr != nil {
					n.reportError("transient_io", werr)
					return werr
				}
				consumed += cb.length
				n.setProgress(consumed)
				if n.checkpoint != nil {
					if cerr := n.checkpoint(n.ID, consumed); cerr != nil {
						n.reportError("checkpoint", cerr)
						return cerr
					}
				}
				nextToWrite++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if n.cancelled.Load() {
		return context.Canceled
	}
	return nil
}
