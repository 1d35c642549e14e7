// Package config loads and validates pipeline job specifications from
// JSON, in the load-then-validate shape used across the pack.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"datagen-pipeline/internal/model"
)

// Load reads a pipeline job spec from a JSON file and validates it.
func Load(path string) (*model.PipelineJobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var spec model.PipelineJobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validate(&spec); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &spec, nil
}

func validate(spec *model.PipelineJobSpec) error {
	if spec.InputURI == "" {
		return fmt.Errorf("input_uri is required")
	}
	if spec.OutputURI == "" {
		return fmt.Errorf("output_uri is required")
	}
	if len(spec.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	if spec.ResultsDir == "" {
		spec.ResultsDir = "tmp/results"
	}

	seen := make(map[string]bool, len(spec.Nodes))
	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		if n.OperatorName == "" {
			return fmt.Errorf("node %d: operator is required", i)
		}
		if n.NodeID == "" {
			n.NodeID = fmt.Sprintf("node-%d-%s", i, n.OperatorName)
		}
		if seen[n.NodeID] {
			return fmt.Errorf("node %q: duplicate node_id", n.NodeID)
		}
		seen[n.NodeID] = true
		if n.BatchSize <= 0 {
			n.BatchSize = 32
		}
		if n.ParallelSize <= 0 {
			n.ParallelSize = 1
		}
	}

	if spec.AsyncWriter.Enabled {
		if spec.AsyncWriter.QueueSize <= 0 {
			spec.AsyncWriter.QueueSize = 256
		}
		if spec.AsyncWriter.FlushBatchSize <= 0 {
			spec.AsyncWriter.FlushBatchSize = 64
		}
		if spec.AsyncWriter.FlushInterval == "" {
			spec.AsyncWriter.FlushInterval = "200ms"
		} else if _, err := time.ParseDuration(spec.AsyncWriter.FlushInterval); err != nil {
			return fmt.Errorf("async_writer.flush_interval: %w", err)
		}
	}

	if spec.Retry.MaxRetries > 0 {
		if spec.Retry.InitialDelay == "" {
			spec.Retry.InitialDelay = "1s"
		} else if _, err := time.ParseDuration(spec.Retry.InitialDelay); err != nil {
			return fmt.Errorf("retry.initial_delay: %w", err)
		}
		if spec.Retry.MaxDelay == "" {
			spec.Retry.MaxDelay = "30s"
		} else if _, err := time.ParseDuration(spec.Retry.MaxDelay); err != nil {
			return fmt.Errorf("retry.max_delay: %w", err)
		}
		if spec.Retry.BackoffFactor <= 0 {
			spec.Retry.BackoffFactor = 2.0
		}
	}

	return nil
}
