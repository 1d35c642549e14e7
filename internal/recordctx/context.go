// Package recordctx carries per-node identity, cancellation, and
// reporting hooks into operator calls, mirroring the node context an
// operator sees without exposing pipeline internals.
package recordctx

import (
	"context"
	"sync/atomic"
)

// UsageStats is an opaque bag of usage counters an operator reports
// back to the pipeline (e.g. LLM token counts). The runtime never
// interprets these; it only forwards them to hooks.
type UsageStats map[string]interface{}

// Context is handed to every operator call. It is safe for
// concurrent use by the parallel engine's batch-local workers.
type Context struct {
	nodeID     string
	pipelineID string
	extra      map[string]any

	goCtx     context.Context
	cancelled *atomic.Bool

	onUsage func(UsageStats)
	onLog   func(level, msg string)
}

// New builds a Context bound to goCtx. cancelled is shared with the
// node so operators see cancellation requests without a channel poll
// per call.
func New(goCtx context.Context, nodeID, pipelineID string, extra map[string]any, cancelled *atomic.Bool, onUsage func(UsageStats), onLog func(level, msg string)) *Context {
	return &Context{
		nodeID:     nodeID,
		pipelineID: pipelineID,
		extra:      extra,
		goCtx:      goCtx,
		cancelled:  cancelled,
		onUsage:    onUsage,
		onLog:      onLog,
	}
}

// NodeID is the owning node's identifier.
func (c *Context) NodeID() string { return c.nodeID }

// PipelineID is the owning pipeline's identifier.
func (c *Context) PipelineID() string { return c.pipelineID }

// Extra returns the node's uninterpreted per-node config, passed
// through verbatim from the pipeline job spec.
func (c *Context) Extra() map[string]any { return c.extra }

// Context returns the underlying cancellation context, for operators
// that call out to context-aware clients (HTTP, LLM SDKs, ...).
func (c *Context) Context() context.Context { return c.goCtx }

// IsCancelled reports whether the owning node has been asked to
// cancel. Long-running operators should poll this between steps.
func (c *Context) IsCancelled() bool {
	if c.cancelled != nil && c.cancelled.Load() {
		return true
	}
	return c.goCtx.Err() != nil
}

// ReportUsage forwards usage counters (token counts, API call
// tallies, ...) to the pipeline's hooks.
func (c *Context) ReportUsage(stats UsageStats) {
	if c.onUsage != nil {
		c.onUsage(stats)
	}
}

// Log emits a structured log line tagged with this node's identity.
func (c *Context) Log(level, msg string) {
	if c.onLog != nil {
		c.onLog(level, msg)
	}
}
