package node

import (
	"context"

	"github.com/pkg/errors"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/stream"
)

// runSequential reads a batch, invokes the operator, writes the
// result, and checkpoints, one batch at a time. It terminates when
// the reader returns empty with the input sealed.
func (n *Node) runSequential(ctx context.Context, reader stream.Reader, writer stream.Writer, resumeFrom int64) error {
	consumed := resumeFrom
	for {
		if n.cancelled.Load() || ctx.Err() != nil {
			return context.Canceled
		}

		batch, err := reader.Read(ctx, n.BatchSize, readTimeout)
		if err != nil {
			if errors.Is(err, stream.ErrTimeoutExceeded) {
				continue
			}
			n.reportError("transient_io", err)
			return err
		}
		if len(batch) == 0 {
			if n.in.Sealed() {
				return nil
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

		opCtx := n.newOpCtx(ctx)
		groups, err := n.adapter.Call(opCtx, items)
		if err != nil {
			n.reportError("operator", err)
			return errors.Wrapf(err, "node %s: operator", n.ID)
		}

		out := make([]model.Envelope, 0, len(groups))
		for i, group := range groups {
			out = append(out, boxGroup(anchors[i], group)...)
		}

		if err := writer.Write(out); err != nil {
			n.reportError("transient_io", err)
			return err
		}

		consumed += int64(len(batch))
		n.setProgress(consumed)
		if n.checkpoint != nil {
			if err := n.checkpoint(n.ID, consumed); err != nil {
				n.reportError("checkpoint", err)
				return err
			}
		}
	}
}

// boxGroup boxes the results an operator produced for one input item.
// A single result keeps the parent's own anchor (1:1); multiple
// results are tagged with derived child anchors (1:N).
func boxGroup(parent int64, group []model.Record) []model.Envelope {
	if len(group) == 1 {
		return []model.Envelope{model.Box(group[0], parent)}
	}
	out := make([]model.Envelope, len(group))
	for j, r := range group {
		out[j] = model.Box(r, model.ChildIndex(parent, j))
	}
	return out
}
