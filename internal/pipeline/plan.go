package pipeline

import (
	"fmt"
	"path/filepath"

	"datagen-pipeline/internal/model"
)

// plan applies the path-priority policy (P1 caller URI > boundary URI
// > auto-generated intermediate URI) to build the durable NodeState
// list for a fresh topology. It never consults prior checkpoint
// state; Resume is responsible for reconciling against that. autoOut
// marks, per node, whether its output URI was auto-generated rather
// than pinned by the caller or the pipeline boundary — only those
// links are eligible to become streaming bridges in streaming mode.
func plan(pipelineID string, spec model.PipelineJobSpec) (states []model.NodeState, autoOut []bool) {
	states = make([]model.NodeState, len(spec.Nodes))
	autoOut = make([]bool, len(spec.Nodes))
	for i, n := range spec.Nodes {
		state := model.NodeState{
			NodeID:       n.NodeID,
			OperatorName: n.OperatorName,
			BatchSize:    n.BatchSize,
			ParallelSize: n.ParallelSize,
			Status:       model.StatusPending,
			Extra:        n.Extra,
		}

		if n.InputURI != "" {
			state.InputURI = n.InputURI
		} else if i == 0 {
			state.InputURI = spec.InputURI
		} else {
			state.InputURI = states[i-1].OutputURI
		}

		if n.OutputURI != "" {
			state.OutputURI = n.OutputURI
		} else if i == len(spec.Nodes)-1 {
			state.OutputURI = spec.OutputURI
		} else {
			state.OutputURI = intermediateURI(spec.ResultsDir, pipelineID, state.NodeID)
			autoOut[i] = true
		}

		states[i] = state
	}
	return states, autoOut
}

// intermediateURI generates a welded URI for a node whose output was
// not pinned by the caller or the pipeline boundary.
func intermediateURI(resultsDir, pipelineID, nodeID string) string {
	dir := filepath.Join(resultsDir, pipelineID, "intermediate")
	return fmt.Sprintf("jsonl://%s", filepath.Join(dir, nodeID+".jsonl"))
}
