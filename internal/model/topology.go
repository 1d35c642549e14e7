package model

// Status is the lifecycle state shared by nodes and pipelines.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResuming  Status = "resuming"
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// NodeSpec is the caller-supplied configuration for one node in a
// pipeline's operator chain. Only OperatorName is required; URIs and
// sizing are filled in by the planner's path-priority policy when
// left blank.
type NodeSpec struct {
	NodeID       string         `json:"node_id"`
	OperatorName string         `json:"operator"`
	InputURI     string         `json:"input_uri,omitempty"`
	OutputURI    string         `json:"output_uri,omitempty"`
	BatchSize    int            `json:"batch_size,omitempty"`
	ParallelSize int            `json:"parallel_size,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// PipelineJobSpec is the entire pipeline configuration: a boundary
// input/output URI and an ordered chain of node specs.
type PipelineJobSpec struct {
	PipelineID  string      `json:"pipeline_id,omitempty"`
	InputURI    string      `json:"input_uri"`
	OutputURI   string      `json:"output_uri"`
	ResultsDir  string      `json:"results_dir,omitempty"`
	Streaming   bool        `json:"streaming"`
	Nodes       []NodeSpec  `json:"nodes"`
	AsyncWriter AsyncSpec   `json:"async_writer,omitempty"`
	Retry       RetryConfig `json:"retry,omitempty"`

	// Recoverable declares that the caller intends to be able to call
	// Resume on this pipeline later. When true, Create refuses a
	// topology whose intermediate links resolve to a memory-backed
	// stream, since a memory:// endpoint holds no durable state across
	// a process restart and would silently break resume rather than
	// failing loudly at the point the misconfiguration was made.
	Recoverable bool `json:"recoverable,omitempty"`
}

// AsyncSpec configures the stream bus's asynchronous batch writer.
type AsyncSpec struct {
	Enabled        bool   `json:"enabled"`
	QueueSize      int    `json:"queue_size,omitempty"`
	FlushBatchSize int    `json:"flush_batch_size,omitempty"`
	FlushInterval  string `json:"flush_interval,omitempty"` // parsed via time.ParseDuration
}

// RetryConfig governs the job-level retry wrapper around a whole
// pipeline run: if Run fails for a reason other than context
// cancellation, the wrapper resumes the run from its last checkpoint
// up to MaxRetries times, backing off between attempts. This is
// coarser than the per-node error policy (an operator failure still
// fails its node immediately); it exists to absorb infrastructure
// flakiness that escaped the stream layer's own retry paths.
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries,omitempty"`
	InitialDelay  string  `json:"initial_delay,omitempty"` // parsed via time.ParseDuration
	MaxDelay      string  `json:"max_delay,omitempty"`     // parsed via time.ParseDuration
	BackoffFactor float64 `json:"backoff_factor,omitempty"`
}

// NodeState is the durable, observable snapshot of one node, as
// recorded in the runtime manifest.
type NodeState struct {
	NodeID       string         `json:"node_id"`
	OperatorName string         `json:"operator"`
	InputURI     string         `json:"input_uri"`
	OutputURI    string         `json:"output_uri"`
	BatchSize    int            `json:"batch_size"`
	ParallelSize int            `json:"parallel_size"`
	Progress     int64          `json:"progress"`
	Status       Status         `json:"status"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Manifest is the durable topology snapshot written to runtime.json.
type Manifest struct {
	PipelineID  string      `json:"pipeline_id"`
	Status      Status      `json:"status"`
	Streaming   bool        `json:"streaming"`
	InputURI    string      `json:"input_uri"`
	OutputURI   string      `json:"output_uri"`
	AsyncWriter AsyncSpec   `json:"async_writer,omitempty"`
	Retry       RetryConfig `json:"retry,omitempty"`
	Recoverable bool        `json:"recoverable,omitempty"`
	Nodes       []NodeState `json:"nodes"`
}
