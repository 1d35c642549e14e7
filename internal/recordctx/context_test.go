package recordctx_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"datagen-pipeline/internal/recordctx"
)

func TestContextReportsCancellationFromSharedFlag(t *testing.T) {
	var cancelled atomic.Bool
	ctx := recordctx.New(context.Background(), "n1", "p1", nil, &cancelled, nil, nil)

	assert.False(t, ctx.IsCancelled())
	cancelled.Store(true)
	assert.True(t, ctx.IsCancelled())
}

func TestContextReportsCancellationFromGoContext(t *testing.T) {
	goCtx, cancel := context.WithCancel(context.Background())
	var flag atomic.Bool
	ctx := recordctx.New(goCtx, "n1", "p1", nil, &flag, nil, nil)

	assert.False(t, ctx.IsCancelled())
	cancel()
	assert.True(t, ctx.IsCancelled(), "cancellation observed via the underlying go context too, not just the shared flag")
}

func TestContextForwardsUsageAndLogToHooks(t *testing.T) {
	var gotUsage recordctx.UsageStats
	var gotLevel, gotMsg string
	var flag atomic.Bool

	ctx := recordctx.New(context.Background(), "n1", "p1", map[string]any{"k": "v"}, &flag,
		func(stats recordctx.UsageStats) { gotUsage = stats },
		func(level, msg string) { gotLevel, gotMsg = level, msg },
	)

	ctx.ReportUsage(recordctx.UsageStats{"tokens": 42})
	ctx.Log("info", "hello")

	assert.Equal(t, 42, gotUsage["tokens"])
	assert.Equal(t, "info", gotLevel)
	assert.Equal(t, "hello", gotMsg)
	assert.Equal(t, "n1", ctx.NodeID())
	assert.Equal(t, "p1", ctx.PipelineID())
	assert.Equal(t, "v", ctx.Extra()["k"])
}
