// Package checkpoint persists the runtime manifest and per-node
// progress counters that make a pipeline resumable. Both files are
// written atomically (write-to-temp, then rename) so a crash mid-write
// never corrupts the durable state resume depends on.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"datagen-pipeline/internal/model"
)

const (
	manifestFile   = "runtime.json"
	checkpointFile = "checkpoint.json"
)

// Store owns the manifest and checkpoint files for one pipeline run.
// A single Store instance is meant to be shared by every node in a
// pipeline, guarded by its own mutex, since streaming mode may have
// several nodes checkpointing at once.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir, creating dir if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: create results dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) manifestPath() string   { return filepath.Join(s.dir, manifestFile) }
func (s *Store) checkpointPath() string { return filepath.Join(s.dir, checkpointFile) }

// Exists reports whether a manifest has already been written for this
// results directory, i.e. whether Resume should be preferred over
// Create.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.manifestPath())
	return err == nil
}

// SaveManifest atomically overwrites the runtime manifest.
func (s *Store) SaveManifest(m model.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.manifestPath(), m)
}

// LoadManifest reads the durable manifest. Manifest paths are
// authoritative on resume: callers must not override them with
// code-level URIs once a manifest exists.
func (s *Store) LoadManifest() (model.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m model.Manifest
	if err := readJSON(s.manifestPath(), &m); err != nil {
		return m, errors.Wrapf(err, "checkpoint: load manifest %s", s.manifestPath())
	}
	return m, nil
}

// SaveProgress atomically updates one node's durable progress entry
// inside the checkpoint file.
func (s *Store) SaveProgress(nodeID string, progress int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadCheckpointLocked()
	if err != nil {
		return err
	}
	all[nodeID] = progress
	return writeAtomic(s.checkpointPath(), all)
}

// LoadProgress returns the durable progress map, nodeID -> largest
// consumed offset. Missing entries default to 0 by the caller.
func (s *Store) LoadProgress() (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCheckpointLocked()
}

func (s *Store) loadCheckpointLocked() (map[string]int64, error) {
	all := make(map[string]int64)
	if _, err := os.Stat(s.checkpointPath()); os.IsNotExist(err) {
		return all, nil
	}
	if err := readJSON(s.checkpointPath(), &all); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: load %s", s.checkpointPath())
	}
	return all, nil
}

// Clear removes both durable files, used by Create to discard any
// prior run's artifacts before planning a fresh topology.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []string{s.manifestPath(), s.checkpointPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "checkpoint: clear %s", p)
		}
	}
	return nil
}

func writeAtomic(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "checkpoint: encode %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrapf(err, "checkpoint: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "checkpoint: rename %s -> %s", tmp, path)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
