package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/node"
	"datagen-pipeline/internal/recordctx"
	"datagen-pipeline/internal/stream"
)

// reverseDelayOperator sleeps longer for earlier items than later ones,
// so a naive write-on-completion scheme would reorder the output.
type reverseDelayOperator struct{ total int }

func (o reverseDelayOperator) ProcessItem(ctx *recordctx.Context, item model.Record) (model.Record, error) {
	v, _ := item["v"].(int)
	delay := time.Duration(o.total-v) * 15 * time.Millisecond
	time.Sleep(delay)
	return item, nil
}

func TestParallelNodePreservesStrictDispatchOrder(t *testing.T) {
	const n = 6
	in := stream.NewMemoryStream("memory://par-in")
	out := stream.NewMemoryStream("memory://par-out")

	records := make([]model.Record, n)
	for i := 0; i < n; i++ {
		records[i] = model.Record{"v": i}
	}
	seedMemoryStream(t, in, records)

	nd, err := node.New("n1", "p1", reverseDelayOperator{total: n}, 1, 4, nil, nil, node.HookFunc{})
	require.NoError(t, err)
	nd.BindIO(in, out, stream.DefaultWriterConfig())

	require.NoError(t, nd.Run(context.Background(), 0))
	assert.Equal(t, model.StatusCompleted, nd.Status())
	assert.Equal(t, int64(n), nd.Progress())

	got := drainMemoryStream(t, out)
	require.Len(t, got, n)
	for i, env := range got {
		idx, ok := model.Anchor(env)
		require.True(t, ok)
		assert.Equal(t, int64(i), idx, "output anchors must appear in dispatch order regardless of worker finish order")
	}
}

func TestParallelNodeCancelStopsDispatch(t *testing.T) {
	in := stream.NewMemoryStream("memory://par-cancel-in")
	out := stream.NewMemoryStream("memory://par-cancel-out")

	records := make([]model.Record, 20)
	for i := range records {
		records[i] = model.Record{"v": i}
	}
	seedMemoryStream(t, in, records)

	nd, err := node.New("n1", "p1", slowOperator{delay: 30 * time.Millisecond}, 1, 2, nil, nil, node.HookFunc{})
	require.NoError(t, err)
	nd.BindIO(in, out, stream.DefaultWriterConfig())

	go func() {
		time.Sleep(20 * time.Millisecond)
		nd.Cancel()
	}()

	err = nd.Run(context.Background(), 0)
	assert.Error(t, err)
	assert.Equal(t, model.StatusCanceled, nd.Status())
	assert.False(t, out.Sealed(), "a canceled node must leave its output unsealed")

	count, rcErr := out.RecordCount()
	require.NoError(t, rcErr)
	assert.Less(t, count, int64(20), "cancellation should stop dispatch before the full input is consumed")
}

type slowOperator struct{ delay time.Duration }

func (o slowOperator) ProcessItem(ctx *recordctx.Context, item model.Record) (model.Record, error) {
	time.Sleep(o.delay)
	return item, nil
}
