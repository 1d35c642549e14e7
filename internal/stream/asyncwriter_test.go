package stream_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/stream"
)

func TestAsyncWriterFlushesOnBatchSizeThreshold(t *testing.T) {
	mock := clock.NewMock()
	prev := stream.Clock
	stream.Clock = mock
	defer func() { stream.Clock = prev }()

	s := stream.NewMemoryStream("memory://asyncwriter-threshold")
	cfg := stream.WriterConfig{Async: true, QueueSize: 16, FlushBatchSize: 2, FlushInterval: time.Hour}
	w, err := s.GetWriter(cfg)
	require.NoError(t, err)

	require.NoError(t, w.Write([]model.Envelope{
		model.Box(model.Record{"v": 1}, 0),
		model.Box(model.Record{"v": 2}, 1),
	}))

	// give the background flush worker a chance to drain the channel;
	// the batch-size threshold should trigger a flush without needing
	// the ticker to fire, since the mock clock never advances here.
	time.Sleep(20 * time.Millisecond)
	count, err := s.RecordCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, w.Close())
}

func TestAsyncWriterFlushesOnTick(t *testing.T) {
	mock := clock.NewMock()
	prev := stream.Clock
	stream.Clock = mock
	defer func() { stream.Clock = prev }()

	s := stream.NewMemoryStream("memory://asyncwriter-tick")
	cfg := stream.WriterConfig{Async: true, QueueSize: 16, FlushBatchSize: 64, FlushInterval: 50 * time.Millisecond}
	w, err := s.GetWriter(cfg)
	require.NoError(t, err)

	require.NoError(t, w.Write([]model.Envelope{model.Box(model.Record{"v": 1}, 0)}))

	// let the worker pick the record up, then fire the ticker; the count
	// is checked before Close so only the tick can have flushed it.
	time.Sleep(20 * time.Millisecond)
	mock.Add(50 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	count, err := s.RecordCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, w.Close())
}
