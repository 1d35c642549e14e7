package stream_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/stream"
)

func TestBridgeAnnealsOverZeroProgress(t *testing.T) {
	b := stream.NewBridge("anneal")
	r, err := b.GetReader(context.Background(), 0)
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(120 * time.Millisecond)
		w, werr := b.GetWriter(stream.DefaultWriterConfig())
		require.NoError(t, werr)
		require.NoError(t, w.Write([]model.Envelope{model.Box(model.Record{"v": 1}, 0)}))
	}()

	batch, err := r.Read(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, batch, 1, "the annealing retry loop should wait out the writer's late start")

	wg.Wait()
}

func TestBridgeReadReturnsEmptyOnceSealedAndDrained(t *testing.T) {
	b := stream.NewBridge("drained")
	require.NoError(t, b.Seal())

	r, err := b.GetReader(context.Background(), 0)
	require.NoError(t, err)
	defer r.Close()

	batch, err := r.Read(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, batch, 0)
}
