// Package samples manages the writing-sample library: markdown files with a
// YAML front-matter header, kept under <workDir>/.longform/samples/. An
// enabled sample's body is injected into the Creative Writer persona so the
// generated prose matches its style.
package samples

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"longform/pkg/config"
	"longform/pkg/logx"
)

// DirName is the library directory under the daemon config dir.
const DirName = "samples"

// ErrNotFound reports that no sample with the requested ID exists.
var ErrNotFound = errors.New("writing sample not found")

var frontmatterDelimiter = regexp.MustCompile(`^---\s*$`)

// Sample is one style sample: its front-matter metadata plus the markdown
// body that gets injected into the writer prompt.
type Sample struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// Text is the markdown body below the front matter.
	Text string `json:"-" yaml:"-"`

	// Path is the file the sample was read from.
	Path string `json:"-" yaml:"-"`
}

// Parse decodes a sample file: YAML front matter between --- delimiters,
// markdown body after the closing delimiter.
func Parse(markdown string) (*Sample, error) {
	frontmatter, body, err := splitFrontmatter(markdown)
	if err != nil {
		return nil, err
	}

	s := &Sample{}
	if err := yaml.Unmarshal([]byte(frontmatter), s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML front matter: %w", err)
	}
	if strings.TrimSpace(s.ID) == "" {
		return nil, fmt.Errorf("sample front matter is missing an id")
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	s.Text = strings.TrimSpace(body)
	if s.Text == "" {
		return nil, fmt.Errorf("sample %s has an empty body", s.ID)
	}
	return s, nil
}

// splitFrontmatter splits a sample file into its YAML header and body.
func splitFrontmatter(markdown string) (frontmatter, body string, err error) {
	lines := strings.Split(markdown, "\n")
	if len(lines) < 3 {
		return "", "", fmt.Errorf("sample too short to contain front matter")
	}
	if !frontmatterDelimiter.MatchString(strings.TrimSpace(lines[0])) {
		return "", "", fmt.Errorf("missing front matter opening delimiter (---)")
	}

	closingIdx := -1
	for i := 1; i < len(lines); i++ {
		if frontmatterDelimiter.MatchString(strings.TrimSpace(lines[i])) {
			closingIdx = i
			break
		}
	}
	if closingIdx == -1 {
		return "", "", fmt.Errorf("missing front matter closing delimiter (---)")
	}

	return strings.Join(lines[1:closingIdx], "\n"), strings.Join(lines[closingIdx+1:], "\n"), nil
}

// Library reads samples from a directory. Files are re-read on every call:
// the library is tiny and users drop files in while the daemon runs.
type Library struct {
	dir    string
	logger *logx.Logger
}

// NewLibrary creates a library over a directory, creating it if needed.
func NewLibrary(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create samples directory %s: %w", dir, err)
	}
	return &Library{dir: dir, logger: logx.NewLogger("samples")}, nil
}

// DefaultDir returns the library location under a daemon work directory.
func DefaultDir(workDir string) string {
	return filepath.Join(workDir, config.ConfigDir, DirName)
}

// List returns every parseable sample, sorted by ID. Malformed files are
// logged and skipped so one bad file never hides the rest of the library.
func (l *Library) List() ([]*Sample, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples directory: %w", err)
	}

	var out []*Sample
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("⚠️  Could not read sample %s: %v", path, err)
			continue
		}
		s, err := Parse(string(data))
		if err != nil {
			l.logger.Warn("⚠️  Skipping malformed sample %s: %v", path, err)
			continue
		}
		s.Path = path
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the sample with the given ID, or ErrNotFound.
func (l *Library) Get(id string) (*Sample, error) {
	all, err := l.List()
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ResolveText returns the style sample text a project's writer persona should
// receive: "" when style matching is off, the inline text for the "custom"
// pseudo-sample, and the library sample's body otherwise. Disabled library
// samples are rejected so a project cannot silently reference a sample its
// owner switched off.
func (l *Library) ResolveText(cfg *config.WritingSampleConfig) (string, error) {
	if cfg == nil || !cfg.Enabled {
		return "", nil
	}
	if cfg.SampleID == "custom" {
		text := strings.TrimSpace(cfg.CustomText)
		if len(text) < config.MinCustomSampleChars {
			return "", fmt.Errorf("custom writing sample must be at least %d characters", config.MinCustomSampleChars)
		}
		return text, nil
	}
	s, err := l.Get(cfg.SampleID)
	if err != nil {
		return "", err
	}
	if !s.Enabled {
		return "", fmt.Errorf("writing sample %s is disabled", s.ID)
	}
	return s.Text, nil
}
