// Package workspace manages the on-disk artifact tree for a single writing
// project: planning documents, manuscript chunks, critique records, and
// conversation history exports. All writes go through an atomic replace so a
// crash never leaves a partially written artifact visible, and a lock file
// enforces a single writer per project directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"longform/pkg/utils"
)

// Standard subdirectories created for every project.
const (
	PlanningDir   = "planning"
	ManuscriptDir = "manuscript"
	CritiquesDir  = "critiques"
	HistoryDir    = "history"
)

// Planning artifacts, relative to the project root (slash-separated).
const (
	SummaryPath      = PlanningDir + "/summary.md"
	CharactersPath   = PlanningDir + "/characters.md"
	StructurePath    = PlanningDir + "/structure.md"
	OutlinePath      = PlanningDir + "/outline.md"
	PlanApprovalPath = PlanningDir + "/plan_approval.md"
)

// lockFilename marks a project directory as owned by a running pipeline.
const lockFilename = ".lock"

// ErrLocked indicates another writer already holds the project lock.
var ErrLocked = errors.New("project workspace is locked by another writer")

// PlanArtifacts lists the four documents the planner must produce before the
// plan can be finalized.
func PlanArtifacts() []string {
	return []string{SummaryPath, CharactersPath, StructurePath, OutlinePath}
}

// ChunkFilename returns the manuscript filename for chunk n (1-indexed).
func ChunkFilename(n int) string {
	return fmt.Sprintf("chunk_%02d.md", n)
}

// ChunkPath returns the project-relative path of manuscript chunk n.
func ChunkPath(n int) string {
	return path.Join(ManuscriptDir, ChunkFilename(n))
}

// PlanCritiquePath returns the record path for plan critique round version.
func PlanCritiquePath(version int) string {
	return path.Join(CritiquesDir, fmt.Sprintf("plan_critique_v%d.md", version))
}

// ChunkCritiquePath returns the record path for critique round version of chunk n.
func ChunkCritiquePath(n, version int) string {
	return path.Join(CritiquesDir, fmt.Sprintf("chunk_%02d_critique_v%d.md", n, version))
}

// ChunkApprovalPath returns the approval record path for chunk n.
func ChunkApprovalPath(n int) string {
	return path.Join(CritiquesDir, fmt.Sprintf("chunk_%02d_approval.md", n))
}

// ChunkRevisionRequestPath returns the revision-request record path for chunk n.
func ChunkRevisionRequestPath(n, version int) string {
	return path.Join(CritiquesDir, fmt.Sprintf("chunk_%02d_revision_request_v%d.md", n, version))
}

// ContextSummaryPath returns the history export path for a compression summary
// generated at t.
func ContextSummaryPath(t time.Time) string {
	return path.Join(HistoryDir, fmt.Sprintf("context_summary_%s.md", t.Format("20060102_150405")))
}

// Project is a handle on one project's directory tree. All file access is
// through project-relative, slash-separated paths.
type Project struct {
	id   string
	root string
}

// Open returns a Project rooted at outputDir/projectID, creating the project
// directory and its standard subdirectories if they do not exist yet. Open is
// idempotent and safe to call on resume.
func Open(outputDir, projectID string) (*Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project ID cannot be empty")
	}
	root := filepath.Join(outputDir, projectID)
	for _, sub := range []string{PlanningDir, ManuscriptDir, CritiquesDir, HistoryDir} {
		if err := utils.EnsureDir(filepath.Join(root, sub)); err != nil {
			return nil, fmt.Errorf("failed to prepare project directory: %w", err)
		}
	}
	return &Project{id: projectID, root: root}, nil
}

// ID returns the project identifier (the directory name under the output root).
func (p *Project) ID() string {
	return p.id
}

// Root returns the absolute path of the project directory.
func (p *Project) Root() string {
	return p.root
}

// Path resolves a project-relative, slash-separated path to an absolute path.
func (p *Project) Path(rel string) string {
	return filepath.Join(p.root, filepath.FromSlash(rel))
}

// WriteFile atomically writes data to the project-relative path rel, creating
// parent directories as needed. Empty or whitespace-only content is rejected.
func (p *Project) WriteFile(rel string, data []byte) error {
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("cannot write empty content to %s", rel)
	}
	abs := p.Path(rel)
	if err := utils.EnsureDir(filepath.Dir(abs)); err != nil {
		return err
	}
	return utils.WriteFileAtomic(abs, data, 0644)
}

// ReadFile returns the content of the project-relative path rel.
func (p *Project) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(p.Path(rel))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return string(data), nil
}

// Exists reports whether the project-relative path rel exists.
func (p *Project) Exists(rel string) bool {
	_, err := os.Stat(p.Path(rel))
	return err == nil
}

var chunkFileRe = regexp.MustCompile(`^chunk_(\d+)\.md$`)

// ChunkNumbers returns the numbers of all chunks present in the manuscript
// directory, ascending.
func (p *Project) ChunkNumbers() ([]int, error) {
	entries, err := os.ReadDir(p.Path(ManuscriptDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list manuscript directory: %w", err)
	}
	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := chunkFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// FileInfo describes one generated artifact in a project listing.
type FileInfo struct {
	Path    string    `json:"path"` // project-relative, slash-separated
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Files walks the project tree and returns every artifact sorted by path.
// Dotfiles (including the lock file) are excluded.
func (p *Project) Files() ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(p.root, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(p.root, abs)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk project tree: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// AcquireLock claims exclusive write ownership of the project directory.
// Returns ErrLocked if another process already holds the lock.
func (p *Project) AcquireLock() error {
	f, err := os.OpenFile(filepath.Join(p.root, lockFilename), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrLocked, p.id)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	fmt.Fprintf(f, "pid=%d\nacquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return f.Close()
}

// ReleaseLock releases the project lock. Releasing an unheld lock is a no-op.
func (p *Project) ReleaseLock() error {
	if err := os.Remove(filepath.Join(p.root, lockFilename)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
