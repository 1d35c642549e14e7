package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datagen-pipeline/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [{"operator": "upper"}]
	}`)

	spec, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tmp/results", spec.ResultsDir)
	require.Len(t, spec.Nodes, 1)
	assert.Equal(t, "node-0-upper", spec.Nodes[0].NodeID)
	assert.Equal(t, 32, spec.Nodes[0].BatchSize)
	assert.Equal(t, 1, spec.Nodes[0].ParallelSize)
}

func TestLoadRejectsMissingInputURI(t *testing.T) {
	path := writeConfig(t, `{"output_uri": "jsonl://out.jsonl", "nodes": [{"operator": "upper"}]}`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyNodeList(t *testing.T) {
	path := writeConfig(t, `{"input_uri": "jsonl://in.jsonl", "output_uri": "jsonl://out.jsonl", "nodes": []}`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateNodeIDs(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [
			{"node_id": "dup", "operator": "upper"},
			{"node_id": "dup", "operator": "lower"}
		]
	}`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidFlushInterval(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [{"operator": "upper"}],
		"async_writer": {"enabled": true, "flush_interval": "not-a-duration"}
	}`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadFillsAsyncWriterDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [{"operator": "upper"}],
		"async_writer": {"enabled": true}
	}`)
	spec, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 256, spec.AsyncWriter.QueueSize)
	assert.Equal(t, 64, spec.AsyncWriter.FlushBatchSize)
	assert.Equal(t, "200ms", spec.AsyncWriter.FlushInterval)
}

func TestLoadFillsRetryDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [{"operator": "upper"}],
		"retry": {"max_retries": 3}
	}`)
	spec, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1s", spec.Retry.InitialDelay)
	assert.Equal(t, "30s", spec.Retry.MaxDelay)
	assert.Equal(t, 2.0, spec.Retry.BackoffFactor)
}

func TestLoadRetryZeroMaxRetriesSkipsValidation(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [{"operator": "upper"}],
		"retry": {"initial_delay": "not-a-duration"}
	}`)
	spec, err := config.Load(path)
	require.NoError(t, err, "retry block with max_retries<=0 opts out of the wrapper entirely, so a garbage initial_delay is never parsed")
	assert.Equal(t, 0, spec.Retry.MaxRetries)
}

func TestLoadRejectsInvalidRetryInitialDelay(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [{"operator": "upper"}],
		"retry": {"max_retries": 2, "initial_delay": "not-a-duration"}
	}`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadPreservesExplicitRetryValues(t *testing.T) {
	path := writeConfig(t, `{
		"input_uri": "jsonl://in.jsonl",
		"output_uri": "jsonl://out.jsonl",
		"nodes": [{"operator": "upper"}],
		"retry": {"max_retries": 5, "initial_delay": "500ms", "max_delay": "10s", "backoff_factor": 1.5}
	}`)
	spec, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, spec.Retry.MaxRetries)
	assert.Equal(t, "500ms", spec.Retry.InitialDelay)
	assert.Equal(t, "10s", spec.Retry.MaxDelay)
	assert.Equal(t, 1.5, spec.Retry.BackoffFactor)
}
