// Package state persists pipeline snapshots as JSON documents, one per
// project, under the output directory. Saves are atomic (a crash never
// leaves a partially written snapshot visible) and keep a backup of the
// previous snapshot. Corrupted snapshots are reported with a distinct error
// type so callers can tell generation failures from unreadable state.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"longform/pkg/utils"
)

// stateFilename is the snapshot document inside each project directory. The
// leading dot keeps it out of artifact listings.
const stateFilename = ".pipeline_state.json"

// backupSuffix names the previous snapshot kept alongside the current one.
const backupSuffix = ".backup"

// ErrNotFound indicates no snapshot has been saved for the project.
var ErrNotFound = errors.New("no saved state for project")

// CorruptError reports a snapshot that exists but cannot be decoded. It is
// distinct from ErrNotFound and from generation failures: the caller decides
// whether to fall back to the backup or surface the corruption.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state file %s is corrupted: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// IsCorrupt reports whether err is (or wraps) a CorruptError.
func IsCorrupt(err error) bool {
	var target *CorruptError
	return errors.As(err, &target)
}

// StateInfo describes a project's persisted snapshot.
type StateInfo struct {
	ProjectID string    `json:"project_id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	HasBackup bool      `json:"has_backup"`
}

// Store manages snapshot documents under a base directory, one subdirectory
// per project.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir, creating the directory if
// needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Save atomically persists v as the project's snapshot. The previous
// snapshot, if any, is kept as a backup first.
func (s *Store) Save(projectID string, v any) error {
	if projectID == "" {
		return fmt.Errorf("projectID cannot be empty")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for project %s: %w", projectID, err)
	}

	path := s.statePath(projectID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create project directory for %s: %w", projectID, err)
	}

	// Keep the previous snapshot as a backup. Best-effort: a failed backup
	// must not block the save.
	if prev, err := os.ReadFile(path); err == nil {
		_ = utils.WriteFileAtomic(path+backupSuffix, prev, 0644)
	}

	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file for project %s: %w", projectID, err)
	}
	return nil
}

// Load decodes the project's snapshot into v. Returns ErrNotFound when no
// snapshot exists and a CorruptError when the file cannot be decoded.
func (s *Store) Load(projectID string, v any) error {
	if projectID == "" {
		return fmt.Errorf("projectID cannot be empty")
	}
	return s.loadFile(s.statePath(projectID), projectID, v)
}

// LoadBackup decodes the project's previous snapshot into v. Returns
// ErrNotFound when no backup exists.
func (s *Store) LoadBackup(projectID string, v any) error {
	if projectID == "" {
		return fmt.Errorf("projectID cannot be empty")
	}
	return s.loadFile(s.statePath(projectID)+backupSuffix, projectID, v)
}

func (s *Store) loadFile(path, projectID string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return fmt.Errorf("failed to read state file for project %s: %w", projectID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// Exists reports whether the project has a saved snapshot.
func (s *Store) Exists(projectID string) bool {
	_, err := os.Stat(s.statePath(projectID))
	return err == nil
}

// GetStateInfo returns metadata about the project's snapshot without
// decoding it.
func (s *Store) GetStateInfo(projectID string) (*StateInfo, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID cannot be empty")
	}
	path := s.statePath(projectID)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return nil, fmt.Errorf("failed to stat state file for project %s: %w", projectID, err)
	}
	_, backupErr := os.Stat(path + backupSuffix)
	return &StateInfo{
		ProjectID: projectID,
		Path:      path,
		Size:      fi.Size(),
		ModTime:   fi.ModTime(),
		HasBackup: backupErr == nil,
	}, nil
}

// Delete removes the project's snapshot and its backup. Deleting a project
// with no snapshot is a no-op.
func (s *Store) Delete(projectID string) error {
	if projectID == "" {
		return fmt.Errorf("projectID cannot be empty")
	}
	path := s.statePath(projectID)
	for _, p := range []string{path, path + backupSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete state file for project %s: %w", projectID, err)
		}
	}
	return nil
}

// List returns the IDs of all projects with a saved snapshot, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.statePath(entry.Name())); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// statePath returns the snapshot path for a project. Snapshots live inside
// the project's own directory so a project is fully self-contained on disk.
func (s *Store) statePath(projectID string) string {
	return filepath.Join(s.baseDir, projectID, stateFilename)
}
