package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputManager owns the on-disk layout under a pipeline's results
// root: one directory per pipeline ID, holding the run's runtime.json
// manifest, its checkpoint.json, the auto-generated intermediate
// streams under intermediate/, and anything else dropped there, plus
// the download URLs the API exposes for those files.
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager roots an output manager at a results directory,
// normally a job spec's ResultsDir or the API's process-wide default.
func NewOutputManager(baseOutputDir string) *OutputManager {
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// CreateJobOutputDir ensures and returns the pipeline-ID-keyed results
// directory. Pipeline.Create and Pipeline.Resume call this to place
// the run's checkpoint store; handler.GetPipelineResults
// calls it again, idempotently, to list what landed there.
func (om *OutputManager) CreateJobOutputDir(pipelineID string) (string, error) {
	jobDir := filepath.Join(om.BaseOutputDir, pipelineID)

	err := os.MkdirAll(jobDir, 0755)
	if err != nil {
		return "", fmt.Errorf("failed to create pipeline output directory: %w", err)
	}

	return jobDir, nil
}

// GetOutputFilePath resolves a result file's path within a pipeline's
// output directory. fileName is reduced to its last path element, so
// a caller passing an unsanitized name can't escape the directory.
func (om *OutputManager) GetOutputFilePath(pipelineID, fileName string) (string, error) {
	jobDir, err := om.CreateJobOutputDir(pipelineID)
	if err != nil {
		return "", err
	}

	cleanFileName := filepath.Base(fileName)

	return filepath.Join(jobDir, cleanFileName), nil
}

// GetDownloadURL builds the URL handler.DownloadPipelineFile serves,
// matching the route api.RegisterRoutes registers for it.
func (om *OutputManager) GetDownloadURL(pipelineID, fileName string) string {
	cleanFileName := filepath.Base(fileName)
	return fmt.Sprintf("/api/v1/pipelines/%s/download/%s", pipelineID, cleanFileName)
}

// GetFileType classifies a result file by the bus protocols this
// runtime actually writes, plus a couple of side-artifact formats an
// operator might drop into a results directory (a summary report, a
// raw export); anything else reports as unknown rather than guessing.
func (om *OutputManager) GetFileType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return "csv"
	case ".jsonl", ".ndjson":
		return "jsonl"
	case ".json":
		return "json"
	case ".txt":
		return "text"
	default:
		return "unknown"
	}
}

// GetFileSize returns the size of a file in bytes
func (om *OutputManager) GetFileSize(filePath string) (int64, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return fileInfo.Size(), nil
}

// EnsureOutputDirExists ensures the base output directory exists
func (om *OutputManager) EnsureOutputDirExists() error {
	return os.MkdirAll(om.BaseOutputDir, 0755)
}
