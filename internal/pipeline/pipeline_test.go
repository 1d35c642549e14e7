package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datagen-pipeline/internal/builtins"
	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/operator"
	"datagen-pipeline/internal/pipeline"
	"datagen-pipeline/internal/recordctx"
	"datagen-pipeline/internal/stream"
)

// flakyOperator fails its ProcessItem call the first n times calls is
// incremented to, then succeeds permanently. Used to drive a node
// into a genuine failure so RunWithRetry's resume-and-retry path runs
// against a real checkpoint rather than a mocked Run error.
type flakyOperator struct {
	calls     *atomic.Int64
	failUntil int64
}

func (f flakyOperator) ProcessItem(ctx *recordctx.Context, item model.Record) (model.Record, error) {
	if f.calls.Add(1) <= f.failUntil {
		return nil, fmt.Errorf("simulated transient failure")
	}
	return item, nil
}

func testRegistry() *operator.Registry {
	r := operator.NewRegistry()
	r.Register("upper", func(extra map[string]any) (any, error) { return builtins.UppercaseOperator{}, nil })
	r.Register("timestamp", func(extra map[string]any) (any, error) { return builtins.TimestampOperator{}, nil })
	return r
}

// writeJSONLInput writes a raw, unboxed JSONL file and seals it, the
// way a complete static input dataset is handed to a pipeline. An
// unsealed boundary stream would leave the node's reader waiting for
// more data that will never arrive.
func writeJSONLInput(t *testing.T, path string, records []map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, r := range records {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	require.NoError(t, stream.NewJSONLStream("jsonl://"+path, path).Seal())
}

func readJSONLOutput(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		out = append(out, rec)
	}
	return out
}

func TestPipelineCreateRunSingleNode(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}, {"text": "b"}, {"text": "c"}})

	spec := model.PipelineJobSpec{
		PipelineID: "test-single",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: filepath.Join(dir, "results"),
		Nodes:      []model.NodeSpec{{NodeID: "n1", OperatorName: "upper", BatchSize: 2}},
	}

	p, err := pipeline.Create(spec, testRegistry(), pipeline.Hooks{})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, model.StatusCompleted, p.Status())

	got := readJSONLOutput(t, outPath)
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0]["text"])
	assert.Equal(t, "B", got[1]["text"])
	assert.Equal(t, "C", got[2]["text"])
}

func TestPipelineResumeOfCompletedRunIsNoOp(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	resultsDir := filepath.Join(dir, "results")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}, {"text": "b"}, {"text": "c"}, {"text": "d"}})

	spec := model.PipelineJobSpec{
		PipelineID: "test-resume",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: resultsDir,
		Nodes:      []model.NodeSpec{{NodeID: "n1", OperatorName: "upper", BatchSize: 10}},
	}

	p1, err := pipeline.Create(spec, testRegistry(), pipeline.Hooks{})
	require.NoError(t, err)
	require.NoError(t, p1.Run(context.Background()))
	require.Equal(t, model.StatusCompleted, p1.Status())

	// a completed node resumed again is a no-op: its status is already
	// durable as completed, so Resume must not reprocess it.
	p2, err := pipeline.Resume(resultsDir, "test-resume", testRegistry(), pipeline.Hooks{})
	require.NoError(t, err)
	require.NoError(t, p2.Run(context.Background()))
	assert.Equal(t, model.StatusCompleted, p2.Status())

	got := readJSONLOutput(t, outPath)
	assert.Len(t, got, 4, "resuming a fully completed pipeline must not duplicate output")
}

func TestCreateRejectsMemoryBackedIntermediateWhenRecoverable(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}})

	spec := model.PipelineJobSpec{
		PipelineID:  "test-memory-intermediate",
		InputURI:    "jsonl://" + inPath,
		OutputURI:   "jsonl://" + outPath,
		ResultsDir:  filepath.Join(dir, "results"),
		Recoverable: true,
		Nodes: []model.NodeSpec{
			{NodeID: "n1", OperatorName: "upper", BatchSize: 10, OutputURI: "memory://bridge"},
			{NodeID: "n2", OperatorName: "timestamp", BatchSize: 10, InputURI: "memory://bridge"},
		},
	}

	_, err := pipeline.Create(spec, testRegistry(), pipeline.Hooks{})
	require.Error(t, err, "a memory-backed intermediate must be rejected up front when the pipeline declares itself recoverable")
}

func TestCreateAllowsMemoryBackedIntermediateWhenNotRecoverable(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}})

	spec := model.PipelineJobSpec{
		PipelineID: "test-memory-intermediate-ok",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: filepath.Join(dir, "results"),
		Nodes: []model.NodeSpec{
			{NodeID: "n1", OperatorName: "upper", BatchSize: 10, OutputURI: "memory://bridge"},
			{NodeID: "n2", OperatorName: "timestamp", BatchSize: 10, InputURI: "memory://bridge"},
		},
	}

	_, err := pipeline.Create(spec, testRegistry(), pipeline.Hooks{})
	require.NoError(t, err, "a pipeline that never declared itself recoverable may use memory-backed intermediates freely")
}

func TestRunWithRetryResumesPastATransientNodeFailure(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}, {"text": "b"}, {"text": "c"}})

	var calls atomic.Int64
	reg := operator.NewRegistry()
	reg.Register("flaky", func(extra map[string]any) (any, error) {
		return flakyOperator{calls: &calls, failUntil: 3}, nil
	})

	spec := model.PipelineJobSpec{
		PipelineID: "test-retry",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: filepath.Join(dir, "results"),
		Nodes:      []model.NodeSpec{{NodeID: "n1", OperatorName: "flaky", BatchSize: 10}},
		Retry:      model.RetryConfig{MaxRetries: 2, InitialDelay: "1ms", MaxDelay: "5ms"},
	}

	p, err := pipeline.Create(spec, reg, pipeline.Hooks{})
	require.NoError(t, err)

	var resumedTo *pipeline.Pipeline
	err = pipeline.RunWithRetry(context.Background(), p, reg, pipeline.Hooks{}, func(resumed *pipeline.Pipeline) {
		resumedTo = resumed
	})
	require.NoError(t, err, "the first attempt fails all three items, the resumed attempt re-reads them past the failure point")
	require.NotNil(t, resumedTo, "onResume must fire once the first attempt fails")
	assert.Equal(t, model.StatusCompleted, resumedTo.Status())

	got := readJSONLOutput(t, outPath)
	assert.Len(t, got, 3, "the failed attempt must not have written any partial output that the retry then duplicates")
}

func TestRunWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}})

	var calls atomic.Int64
	reg := operator.NewRegistry()
	reg.Register("flaky", func(extra map[string]any) (any, error) {
		return flakyOperator{calls: &calls, failUntil: 1000}, nil
	})

	spec := model.PipelineJobSpec{
		PipelineID: "test-retry-exhausted",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: filepath.Join(dir, "results"),
		Nodes:      []model.NodeSpec{{NodeID: "n1", OperatorName: "flaky", BatchSize: 10}},
		Retry:      model.RetryConfig{MaxRetries: 1, InitialDelay: "1ms", MaxDelay: "5ms"},
	}

	p, err := pipeline.Create(spec, reg, pipeline.Hooks{})
	require.NoError(t, err)

	err = pipeline.RunWithRetry(context.Background(), p, reg, pipeline.Hooks{}, nil)
	assert.Error(t, err, "an operator that never stops failing must still surface an error once retries run out")
}

func TestPipelineMetricsReflectCompletedRun(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}, {"text": "b"}, {"text": "c"}})

	spec := model.PipelineJobSpec{
		PipelineID: "test-metrics",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: filepath.Join(dir, "results"),
		Nodes:      []model.NodeSpec{{NodeID: "n1", OperatorName: "upper", BatchSize: 10}},
	}

	p, err := pipeline.Create(spec, testRegistry(), pipeline.Hooks{})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	snap := p.Metrics()
	assert.Equal(t, "test-metrics", snap.PipelineID)
	assert.False(t, snap.StartTime.IsZero())
	assert.False(t, snap.EndTime.IsZero())
	require.Contains(t, snap.Nodes, "n1")
	assert.Equal(t, int64(3), snap.Nodes["n1"].RecordsProcessed)
	assert.Equal(t, int64(0), snap.Nodes["n1"].ErrorCount)
	assert.False(t, snap.Nodes["n1"].StartTime.IsZero())
	assert.False(t, snap.Nodes["n1"].EndTime.IsZero())
}

func TestPipelineMetricsCountErrorsOnFailedAttempt(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}})

	var calls atomic.Int64
	reg := operator.NewRegistry()
	reg.Register("flaky", func(extra map[string]any) (any, error) {
		return flakyOperator{calls: &calls, failUntil: 1000}, nil
	})

	spec := model.PipelineJobSpec{
		PipelineID: "test-metrics-errors",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: filepath.Join(dir, "results"),
		Nodes:      []model.NodeSpec{{NodeID: "n1", OperatorName: "flaky", BatchSize: 10}},
	}

	p, err := pipeline.Create(spec, reg, pipeline.Hooks{})
	require.NoError(t, err)
	require.Error(t, p.Run(context.Background()))

	snap := p.Metrics()
	assert.GreaterOrEqual(t, snap.Nodes["n1"].ErrorCount, int64(1))
}

func TestPipelineChainsIntermediateAutoGeneratedStream(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")
	writeJSONLInput(t, inPath, []map[string]any{{"text": "a"}})

	spec := model.PipelineJobSpec{
		PipelineID: "test-chain",
		InputURI:   "jsonl://" + inPath,
		OutputURI:  "jsonl://" + outPath,
		ResultsDir: filepath.Join(dir, "results"),
		Nodes: []model.NodeSpec{
			{NodeID: "n1", OperatorName: "upper", BatchSize: 10},
			{NodeID: "n2", OperatorName: "timestamp", BatchSize: 10},
		},
	}

	p, err := pipeline.Create(spec, testRegistry(), pipeline.Hooks{})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	got := readJSONLOutput(t, outPath)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0]["text"])
	assert.NotEmpty(t, got[0]["processed_at"])
}
