// Package pipeline implements the topology planner and lifecycle
// controller: it plans a linear chain of nodes from an operator list
// and boundary URIs, materializes streams and nodes, persists the
// runtime manifest, and drives execution in sequential or streaming
// mode.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"datagen-pipeline/internal/checkpoint"
	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/node"
	"datagen-pipeline/internal/operator"
	"datagen-pipeline/internal/recordctx"
	"datagen-pipeline/internal/stream"
	"datagen-pipeline/pkg/utils"
)

// Hooks is the observer surface a caller can attach to a pipeline run.
type Hooks struct {
	OnUsage      func(nodeID string, stats map[string]interface{})
	OnLog        func(nodeID, level, msg string)
	OnError      func(nodeID, kind string, err error)
	OnTransition func(nodeID string, status model.Status)
}

// Pipeline owns a topology of nodes and drives their lifecycle.
type Pipeline struct {
	ID       string
	spec     model.PipelineJobSpec
	registry *operator.Registry
	hooks    Hooks

	store *checkpoint.Store
	hub   *stream.MemoryHub

	mu        sync.Mutex
	status    model.Status
	states    []model.NodeState
	autoOut   []bool
	nodes     []*node.Node
	streams   []stream.Stream // len(nodes)+1, boundary-to-boundary
	metrics   map[string]model.NodeMetrics
	startedAt time.Time
	endedAt   time.Time
}

// Create plans a fresh topology for spec, clearing any prior run's
// durable artifacts under the same pipeline ID, and writes the
// initial runtime manifest.
func Create(spec model.PipelineJobSpec, registry *operator.Registry, hooks Hooks) (*Pipeline, error) {
	if spec.PipelineID == "" {
		spec.PipelineID = uuid.New().String()
	}
	if spec.ResultsDir == "" {
		spec.ResultsDir = "tmp/results"
	}

	resultsDir, err := utils.NewOutputManager(spec.ResultsDir).CreateJobOutputDir(spec.PipelineID)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s: create results dir", spec.PipelineID)
	}
	store, err := checkpoint.New(resultsDir)
	if err != nil {
		return nil, err
	}
	if err := store.Clear(); err != nil {
		return nil, err
	}

	states, autoOut := plan(spec.PipelineID, spec)
	if err := validateRecoverable(spec.PipelineID, spec, states); err != nil {
		return nil, err
	}

	p := &Pipeline{
		ID:       spec.PipelineID,
		spec:     spec,
		registry: registry,
		hooks:    hooks,
		store:    store,
		hub:      stream.NewMemoryHub(),
		status:   model.StatusPending,
		states:   states,
		autoOut:  autoOut,
		metrics:  make(map[string]model.NodeMetrics, len(states)),
	}

	if err := p.clearIntermediates(); err != nil {
		return nil, err
	}
	if err := p.saveManifest(); err != nil {
		return nil, err
	}
	if err := p.materialize(); err != nil {
		return nil, err
	}
	return p, nil
}

// Resume reconstructs a pipeline from its durable manifest under
// resultsRoot/pipelineID, applying the durable progress as each
// node's resume offset. Manifest paths override spec; registry must
// still be supplied since operator instances are not durable.
func Resume(resultsRoot, pipelineID string, registry *operator.Registry, hooks Hooks) (*Pipeline, error) {
	resultsDir, err := utils.NewOutputManager(resultsRoot).CreateJobOutputDir(pipelineID)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s: resume results dir", pipelineID)
	}
	store, err := checkpoint.New(resultsDir)
	if err != nil {
		return nil, err
	}
	manifest, err := store.LoadManifest()
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s: resume", pipelineID)
	}

	progress, err := store.LoadProgress()
	if err != nil {
		return nil, err
	}

	states := manifest.Nodes
	autoOut := make([]bool, len(states))
	for i := range states {
		if p, ok := progress[states[i].NodeID]; ok {
			states[i].Progress = p
		}
		if states[i].Status != model.StatusCompleted {
			states[i].Status = model.StatusPending
		}
	}

	p := &Pipeline{
		ID:       pipelineID,
		spec:     model.PipelineJobSpec{PipelineID: pipelineID, InputURI: manifest.InputURI, OutputURI: manifest.OutputURI, Streaming: manifest.Streaming, ResultsDir: resultsRoot, AsyncWriter: manifest.AsyncWriter, Retry: manifest.Retry, Recoverable: manifest.Recoverable},
		registry: registry,
		hooks:    hooks,
		store:    store,
		hub:      stream.NewMemoryHub(),
		status:   model.StatusResuming,
		states:   states,
		autoOut:  autoOut,
		metrics:  make(map[string]model.NodeMetrics, len(states)),
	}

	// unseal the last non-completed node's output so it can be
	// appended to on restart.
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].Status != model.StatusCompleted {
			s, err := stream.Open(states[i].OutputURI, p.hub)
			if err == nil {
				_ = s.Unseal()
			}
			break
		}
	}

	if err := p.materialize(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) saveManifest() error {
	m := model.Manifest{
		PipelineID:  p.ID,
		Status:      p.status,
		Streaming:   p.spec.Streaming,
		InputURI:    p.spec.InputURI,
		OutputURI:   p.spec.OutputURI,
		AsyncWriter: p.spec.AsyncWriter,
		Retry:       p.spec.Retry,
		Recoverable: p.spec.Recoverable,
		Nodes:       p.states,
	}
	return p.store.SaveManifest(m)
}

// validateRecoverable enforces the configuration-error policy: an
// intermediate link (any node boundary other than the pipeline's own
// input/output) may not resolve to a memory-backed stream when the
// caller has declared the pipeline recoverable. Auto-generated
// intermediates are always file-backed, so this only ever fires
// against an explicit per-node URI override.
func validateRecoverable(pipelineID string, spec model.PipelineJobSpec, states []model.NodeState) error {
	if !spec.Recoverable {
		return nil
	}
	for i, st := range states {
		if i != 0 {
			if scheme, _, err := stream.ParseURI(st.InputURI); err == nil && scheme == stream.SchemeMemory {
				return errors.Errorf("pipeline %s: node %s: intermediate input %s is memory-backed but the pipeline is marked recoverable", pipelineID, st.NodeID, st.InputURI)
			}
		}
		if i != len(states)-1 {
			if scheme, _, err := stream.ParseURI(st.OutputURI); err == nil && scheme == stream.SchemeMemory {
				return errors.Errorf("pipeline %s: node %s: intermediate output %s is memory-backed but the pipeline is marked recoverable", pipelineID, st.NodeID, st.OutputURI)
			}
		}
	}
	return nil
}

// clearIntermediates deletes stale auto-generated intermediate
// payloads belonging to this pipeline ID before a fresh Create run.
func (p *Pipeline) clearIntermediates() error {
	for i, auto := range p.autoOut {
		if !auto {
			continue
		}
		s, err := stream.Open(p.states[i].OutputURI, p.hub)
		if err != nil {
			continue
		}
		if err := s.Clear(); err != nil {
			return errors.Wrapf(err, "pipeline %s: clear intermediate %s", p.ID, p.states[i].OutputURI)
		}
	}
	return nil
}

// materialize builds the Node and Stream objects for the current
// topology. Streams are shared between adjacent nodes (node i's
// output stream object is node i+1's input stream object) so a
// streaming-mode bridge substitution is visible on both sides.
func (p *Pipeline) materialize() error {
	n := len(p.states)
	p.streams = make([]stream.Stream, n+1)
	p.nodes = make([]*node.Node, n)

	boundaryIn, err := stream.Open(p.spec.InputURI, p.hub)
	if err != nil {
		return errors.Wrapf(err, "pipeline %s: open input %s", p.ID, p.spec.InputURI)
	}
	p.streams[0] = boundaryIn

	for i, st := range p.states {
		var out stream.Stream
		if i == n-1 {
			out, err = stream.Open(p.spec.OutputURI, p.hub)
		} else if p.spec.Streaming && p.autoOut[i] {
			out = stream.NewBridge(fmt.Sprintf("%s-%s", p.ID, st.NodeID))
		} else {
			out, err = stream.Open(st.OutputURI, p.hub)
		}
		if err != nil {
			return errors.Wrapf(err, "pipeline %s: open output for node %s", p.ID, st.NodeID)
		}
		p.streams[i+1] = out

		op, err := p.registry.Build(st.OperatorName, st.Extra)
		if err != nil {
			return errors.Wrapf(err, "pipeline %s: node %s", p.ID, st.NodeID)
		}

		nd, err := node.New(st.NodeID, p.ID, op, st.BatchSize, st.ParallelSize, st.Extra, p.checkpointFunc, p.nodeHooks())
		if err != nil {
			return err
		}
		nd.BindIO(p.streams[i], out, p.writerConfig())
		p.nodes[i] = nd
	}
	return nil
}

// writerConfig translates the job spec's async_writer block into a
// stream.WriterConfig, falling back to the synchronous default when
// the caller left it unconfigured.
func (p *Pipeline) writerConfig() stream.WriterConfig {
	a := p.spec.AsyncWriter
	if !a.Enabled {
		return stream.DefaultWriterConfig()
	}
	cfg := stream.DefaultWriterConfig()
	cfg.Async = true
	if a.QueueSize > 0 {
		cfg.QueueSize = a.QueueSize
	}
	if a.FlushBatchSize > 0 {
		cfg.FlushBatchSize = a.FlushBatchSize
	}
	if a.FlushInterval != "" {
		cfg.FlushInterval = utils.ParseDuration(a.FlushInterval)
	}
	return cfg
}

func (p *Pipeline) checkpointFunc(nodeID string, progress int64) error {
	return p.store.SaveProgress(nodeID, progress)
}

func (p *Pipeline) nodeHooks() node.HookFunc {
	return node.HookFunc{
		OnUsage: func(nodeID string, stats recordctx.UsageStats) {
			if p.hooks.OnUsage != nil {
				p.hooks.OnUsage(nodeID, stats)
			}
		},
		OnLog: func(nodeID, level, msg string) {
			if p.hooks.OnLog != nil {
				p.hooks.OnLog(nodeID, level, msg)
			}
		},
		OnError: func(nodeID, kind string, err error) {
			p.recordNodeError(nodeID)
			if p.hooks.OnError != nil {
				p.hooks.OnError(nodeID, kind, err)
			}
		},
		OnTransition: func(nodeID string, status model.Status) {
			p.updateNodeStatus(nodeID, status)
			if p.hooks.OnTransition != nil {
				p.hooks.OnTransition(nodeID, status)
			}
		},
	}
}

func (p *Pipeline) updateNodeStatus(nodeID string, status model.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.states {
		if p.states[i].NodeID == nodeID {
			p.states[i].Status = status
			if i < len(p.nodes) && p.nodes[i] != nil {
				p.states[i].Progress = p.nodes[i].Progress()
			}
		}
	}

	m := p.metrics[nodeID]
	m.NodeID = nodeID
	switch status {
	case model.StatusRunning, model.StatusResuming:
		if m.StartTime.IsZero() {
			m.StartTime = time.Now()
		}
	case model.StatusCompleted, model.StatusFailed, model.StatusCanceled:
		m.EndTime = time.Now()
		if !m.StartTime.IsZero() {
			m.Duration = m.EndTime.Sub(m.StartTime)
			if secs := m.Duration.Seconds(); secs > 0 {
				m.ThroughputRPS = float64(m.RecordsProcessed) / secs
			}
		}
	}
	p.metrics[nodeID] = m

	_ = p.saveManifest()
}

func (p *Pipeline) recordNodeError(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics[nodeID]
	m.NodeID = nodeID
	m.ErrorCount++
	p.metrics[nodeID] = m
}

// Metrics returns a point-in-time snapshot of the pipeline's overall
// and per-node metrics. Each node's RecordsProcessed comes from its
// live Node.Progress() while materialized (so a snapshot taken
// mid-run reflects the current batch, not just the last checkpoint),
// falling back to the durable state's Progress for a pipeline that
// hasn't been materialized in this process.
func (p *Pipeline) Metrics() model.PipelineMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	nodes := make(map[string]model.NodeMetrics, len(p.states))
	for i, st := range p.states {
		m := p.metrics[st.NodeID]
		m.NodeID = st.NodeID
		if i < len(p.nodes) && p.nodes[i] != nil {
			m.RecordsProcessed = p.nodes[i].Progress()
		} else {
			m.RecordsProcessed = st.Progress
		}
		if secs := m.Duration.Seconds(); secs > 0 {
			m.ThroughputRPS = float64(m.RecordsProcessed) / secs
		}
		nodes[st.NodeID] = m
	}
	return model.PipelineMetrics{
		PipelineID: p.ID,
		StartTime:  p.startedAt,
		EndTime:    p.endedAt,
		Nodes:      nodes,
	}
}

// Run drives the pipeline to completion. Sequential mode runs nodes
// one at a time; streaming mode activates every non-completed node
// concurrently, connected by bridges on their auto-generated
// intermediate links.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setStatus(model.StatusRunning)

	p.mu.Lock()
	if p.startedAt.IsZero() {
		p.startedAt = time.Now()
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.endedAt = time.Now()
		p.mu.Unlock()
	}()

	var err error
	if p.spec.Streaming {
		err = p.runStreaming(ctx)
	} else {
		err = p.runSequential(ctx)
	}

	if err != nil {
		p.cancelNodes()
		p.setStatus(model.StatusFailed)
		return err
	}
	p.setStatus(model.StatusCompleted)
	return nil
}

// RunWithRetry drives p to completion the way Run does, but on a
// non-cancellation failure it resumes the run from its own durable
// checkpoint and tries again, backing off between attempts per the
// pipeline's Retry config (carried in the manifest, so it survives a
// process restart across a resume). A pipeline with no Retry config
// behaves exactly like a plain Run. This is a job-level safety net
// for infrastructure flakiness that escaped the stream layer's own
// retry paths (the bridge's zero-progress annealing, the async
// writer's queue) — an operator error still fails its node
// immediately and is not retried here.
//
// onResume, if non-nil, is called with the replacement *Pipeline
// each time a retry attempt resumes, so a caller tracking the
// pipeline by pointer (an in-memory registry of running jobs, say)
// can keep its reference current. RunWithRetry always operates on
// the latest such pointer internally.
func RunWithRetry(ctx context.Context, p *Pipeline, registry *operator.Registry, hooks Hooks, onResume func(*Pipeline)) error {
	cfg := p.spec.Retry
	runErr := p.Run(ctx)
	if runErr == nil || cfg.MaxRetries <= 0 || errors.Is(runErr, context.Canceled) {
		return runErr
	}

	eb := backoff.NewExponentialBackOff()
	if d, err := time.ParseDuration(cfg.InitialDelay); err == nil {
		eb.InitialInterval = d
	}
	if d, err := time.ParseDuration(cfg.MaxDelay); err == nil {
		eb.MaxInterval = d
	}
	if cfg.BackoffFactor > 0 {
		eb.Multiplier = cfg.BackoffFactor
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxRetries)), ctx)

	resultsRoot := p.spec.ResultsDir
	pipelineID := p.ID
	attempt := 0
	op := func() error {
		attempt++
		resumed, err := Resume(resultsRoot, pipelineID, registry, hooks)
		if err != nil {
			return errors.Wrapf(err, "pipeline %s: retry %d: resume", pipelineID, attempt)
		}
		if onResume != nil {
			onResume(resumed)
		}
		runErr = resumed.Run(ctx)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return err
	}
	return runErr
}

func (p *Pipeline) runSequential(ctx context.Context) error {
	for i, nd := range p.nodes {
		if p.states[i].Status == model.StatusCompleted {
			continue
		}
		if err := nd.Run(ctx, p.states[i].Progress); err != nil {
			return errors.Wrapf(err, "pipeline %s: node %s", p.ID, nd.ID)
		}
	}
	return nil
}

// runStreaming activates every non-completed node concurrently. The
// errgroup's shared context cancels its siblings' reads/writes on the
// first error, but that alone never drives a live sibling through the
// observable canceling status or fires its OnTransition hook — only
// an actual Node.Cancel() call does that. So the erroring goroutine
// cancels its siblings itself, as soon as its own node has exited,
// rather than waiting for Run to collect every goroutine first.
func (p *Pipeline) runStreaming(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, nd := range p.nodes {
		if p.states[i].Status == model.StatusCompleted {
			continue
		}
		i, nd := i, nd
		g.Go(func() error {
			err := nd.Run(gctx, p.states[i].Progress)
			if err != nil && !errors.Is(err, context.Canceled) {
				p.cancelNodes()
			}
			return err
		})
	}
	return g.Wait()
}

// Cancel propagates cancellation to every node that has not yet
// reached a terminal status. Used for caller/signal-driven shutdown.
func (p *Pipeline) Cancel() {
	p.setStatus(model.StatusCanceling)
	p.cancelNodes()
}

func (p *Pipeline) cancelNodes() {
	for _, nd := range p.nodes {
		switch nd.Status() {
		case model.StatusCompleted, model.StatusFailed, model.StatusCanceled:
			continue
		default:
			nd.Cancel()
		}
	}
}

func (p *Pipeline) setStatus(s model.Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
	_ = p.saveManifest()
}

// Status returns the pipeline's current lifecycle state.
func (p *Pipeline) Status() model.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
