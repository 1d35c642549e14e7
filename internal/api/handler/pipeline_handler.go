package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"datagen-pipeline/internal/model"
	"datagen-pipeline/internal/operator"
	"datagen-pipeline/internal/pipeline"
	"datagen-pipeline/internal/store"
	"datagen-pipeline/pkg/logging"
	"datagen-pipeline/pkg/utils"
)

var (
	registry   *operator.Registry
	resultsDir = "tmp/results"

	running = newRunningRegistry()
)

// runningRegistry tracks the in-memory *pipeline.Pipeline for every
// run this process is currently driving. Every route handler reaches
// it from its own request goroutine, and CreatePipeline/ResumePipeline
// each hand a reference to a further background goroutine running
// RunWithRetry, so all access goes through the mutex rather than the
// bare map the first cut of this handler used.
type runningRegistry struct {
	mu sync.Mutex
	m  map[string]*pipeline.Pipeline
}

func newRunningRegistry() *runningRegistry {
	return &runningRegistry{m: make(map[string]*pipeline.Pipeline)}
}

func (r *runningRegistry) set(id string, p *pipeline.Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = p
}

func (r *runningRegistry) get(id string) (*pipeline.Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	return p, ok
}

func (r *runningRegistry) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// apiHooks wires a pipeline's log and error events into the same
// colorized logging every other ambient line in this process goes
// through, so a run submitted over the API is no quieter in the
// process log than one driven from cmd/pipeline.
func apiHooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnLog: func(nodeID, level, msg string) { logging.NodeEvent(nodeID, level, msg) },
		OnError: func(nodeID, kind string, err error) {
			logging.Errorf("node %s: %s: %v", nodeID, kind, err)
		},
	}
}

// Init wires the handler's operator registry and default results
// directory. Must be called once before any route is served.
func Init(reg *operator.Registry, defaultResultsDir string) {
	registry = reg
	if defaultResultsDir != "" {
		resultsDir = defaultResultsDir
	}
}

// CreatePipeline creates and starts a new pipeline run.
// @Summary Create a new pipeline run
// @Description Submit a pipeline job spec and start it asynchronously
// @Tags pipelines
// @Accept json
// @Produce json
// @Param pipeline body model.PipelineJobSpec true "Pipeline job spec"
// @Success 200 {object} map[string]interface{} "Run created successfully"
// @Failure 400 {object} map[string]interface{} "Invalid request payload"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /pipelines [post]
func CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var spec model.PipelineJobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if spec.InputURI == "" || spec.OutputURI == "" || len(spec.Nodes) == 0 {
		http.Error(w, "input_uri, output_uri and at least one node are required", http.StatusBadRequest)
		return
	}
	if spec.ResultsDir == "" {
		spec.ResultsDir = resultsDir
	}
	if spec.PipelineID == "" {
		spec.PipelineID = uuid.New().String()
	}

	pl, err := pipeline.Create(spec, registry, apiHooks())
	if err != nil {
		http.Error(w, "Failed to create pipeline: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := store.SaveRun(spec.PipelineID, spec); err != nil {
		http.Error(w, "Failed to record run", http.StatusInternalServerError)
		return
	}

	running.set(spec.PipelineID, pl)

	go func() {
		ctx := context.Background()
		onResume := func(resumed *pipeline.Pipeline) { running.set(spec.PipelineID, resumed) }
		if err := pipeline.RunWithRetry(ctx, pl, registry, apiHooks(), onResume); err != nil {
			logging.Errorf("❌ pipeline %s failed: %v", spec.PipelineID, err)
			store.SaveRunError(spec.PipelineID, err)
			store.UpdateRunStatus(spec.PipelineID, string(model.StatusFailed))
			return
		}
		store.UpdateRunStatus(spec.PipelineID, string(model.StatusCompleted))
	}()

	resp := map[string]interface{}{
		"message":     "Pipeline run created successfully",
		"pipeline_id": spec.PipelineID,
		"status":      "pending",
		"createdAt":   time.Now().UTC(),
	}
	writeJSON(w, resp)
}

// ListPipelines retrieves all pipeline runs.
// @Summary List pipeline runs
// @Tags pipelines
// @Produce json
// @Success 200 {array} map[string]interface{}
// @Router /pipelines [get]
func ListPipelines(w http.ResponseWriter, r *http.Request) {
	runs, err := store.ListRuns()
	if err != nil {
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

// GetPipeline retrieves one run's spec and registry status.
// @Summary Get a pipeline run
// @Tags pipelines
// @Produce json
// @Param id path string true "Pipeline ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /pipelines/{id} [get]
func GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "")
	if !ok {
		return
	}
	run, err := store.GetRun(id)
	if err != nil {
		http.Error(w, "Pipeline not found", http.StatusNotFound)
		return
	}
	writeJSON(w, run)
}

// GetPipelineProgress reports live per-node progress for a pipeline
// held by this process. For a pipeline this process does not hold it
// returns 404; it does not read the durable manifest.
// @Summary Get pipeline progress
// @Tags pipelines
// @Produce json
// @Param id path string true "Pipeline ID"
// @Success 200 {object} map[string]interface{}
// @Router /pipelines/{id}/progress [get]
func GetPipelineProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/progress")
	if !ok {
		return
	}
	pl, inMemory := running.get(id)
	if !inMemory {
		http.Error(w, "Pipeline not active in this process; inspect its results directory", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"pipeline_id": id,
		"status":      pl.Status(),
		"metrics":     pl.Metrics(),
	})
}

// GetPipelineErrors returns the recorded errors for a run.
// @Summary Get pipeline errors
// @Tags pipelines
// @Produce json
// @Param id path string true "Pipeline ID"
// @Success 200 {array} map[string]interface{}
// @Router /pipelines/{id}/errors [get]
func GetPipelineErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/errors")
	if !ok {
		return
	}
	errs, err := store.GetRunErrors(id)
	if err != nil {
		http.Error(w, "Failed to fetch errors", http.StatusInternalServerError)
		return
	}
	writeJSON(w, errs)
}

// GetPipelineResults lists the files a run has produced under its
// results directory, with download links and basic file metadata.
// @Summary List pipeline result files
// @Tags pipelines
// @Produce json
// @Param id path string true "Pipeline ID"
// @Success 200 {array} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /pipelines/{id}/results [get]
func GetPipelineResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/results")
	if !ok {
		return
	}

	om := utils.NewOutputManager(resultsDir)
	jobDir, err := om.CreateJobOutputDir(id)
	if err != nil {
		http.Error(w, "Results directory unavailable", http.StatusNotFound)
		return
	}

	entries, err := os.ReadDir(jobDir)
	if err != nil {
		http.Error(w, "Failed to list results", http.StatusInternalServerError)
		return
	}

	files := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path, err := om.GetOutputFilePath(id, e.Name())
		if err != nil {
			continue
		}
		size, _ := om.GetFileSize(path)
		files = append(files, map[string]interface{}{
			"name":        e.Name(),
			"type":        om.GetFileType(e.Name()),
			"size":        size,
			"downloadUrl": om.GetDownloadURL(id, e.Name()),
		})
	}
	writeJSON(w, files)
}

// DownloadPipelineFile streams one file out of a pipeline's results
// directory, at the URL GetPipelineResults's downloadUrl field points
// to.
// @Summary Download a pipeline result file
// @Tags pipelines
// @Produce application/octet-stream
// @Param id path string true "Pipeline ID"
// @Param file path string true "Result file name"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]interface{}
// @Router /pipelines/{id}/download/{file} [get]
func DownloadPipelineFile(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/pipelines/"
	path := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.SplitN(path, "/download/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	id, fileName := parts[0], parts[1]

	om := utils.NewOutputManager(resultsDir)
	filePath, err := om.GetOutputFilePath(id, fileName)
	if err != nil {
		http.Error(w, "Results directory unavailable", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(filePath); err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filePath)
}

// CancelPipeline requests cooperative cancellation of a running
// pipeline.
// @Summary Cancel a pipeline run
// @Tags pipelines
// @Produce json
// @Param id path string true "Pipeline ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /pipelines/{id}/cancel [post]
func CancelPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/cancel")
	if !ok {
		return
	}
	pl, inMemory := running.get(id)
	if !inMemory {
		http.Error(w, "Pipeline not active in this process", http.StatusNotFound)
		return
	}
	pl.Cancel()
	writeJSON(w, map[string]interface{}{"pipeline_id": id, "status": "canceling"})
}

// ResumePipeline resumes a previously interrupted pipeline from its
// durable manifest.
// @Summary Resume a pipeline run
// @Tags pipelines
// @Produce json
// @Param id path string true "Pipeline ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /pipelines/{id}/resume [post]
func ResumePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "/resume")
	if !ok {
		return
	}
	pl, err := pipeline.Resume(resultsDir, id, registry, apiHooks())
	if err != nil {
		http.Error(w, "Failed to resume pipeline: "+err.Error(), http.StatusInternalServerError)
		return
	}
	running.set(id, pl)
	store.UpdateRunStatus(id, string(model.StatusResuming))

	go func() {
		onResume := func(resumed *pipeline.Pipeline) { running.set(id, resumed) }
		if err := pipeline.RunWithRetry(context.Background(), pl, registry, apiHooks(), onResume); err != nil {
			logging.Errorf("❌ pipeline %s failed on resume: %v", id, err)
			store.SaveRunError(id, err)
			store.UpdateRunStatus(id, string(model.StatusFailed))
			return
		}
		store.UpdateRunStatus(id, string(model.StatusCompleted))
	}()

	writeJSON(w, map[string]interface{}{"pipeline_id": id, "status": "resuming"})
}

// DeletePipeline removes a run from the registry. It does not delete
// the run's results directory on disk.
// @Summary Delete a pipeline run
// @Tags pipelines
// @Produce json
// @Param id path string true "Pipeline ID"
// @Success 200 {object} map[string]interface{}
// @Router /pipelines/{id} [delete]
func DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "")
	if !ok {
		return
	}
	if err := store.DeleteRun(id); err != nil {
		http.Error(w, "Failed to delete run", http.StatusInternalServerError)
		return
	}
	running.delete(id)
	writeJSON(w, map[string]interface{}{"message": "deleted", "pipeline_id": id})
}

func pathID(w http.ResponseWriter, r *http.Request, suffix string) (string, bool) {
	const prefix = "/api/v1/pipelines/"
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	id := strings.TrimPrefix(path, prefix)
	if suffix != "" {
		id = strings.TrimSuffix(id, suffix)
	}
	if id == "" {
		http.Error(w, "Pipeline ID is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

