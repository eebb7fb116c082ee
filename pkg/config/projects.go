package config

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// LengthPreset selects the target scale of a generated work.
type LengthPreset string

// Length preset constants.
const (
	LengthShortStory    LengthPreset = "short_story"     // 3,000-10,000 words
	LengthNovella       LengthPreset = "novella"         // 20,000-50,000 words
	LengthNovel         LengthPreset = "novel"           // 50,000-110,000 words
	LengthVeryLongNovel LengthPreset = "very_long_novel" // 110,000-200,000 words
	LengthCustom        LengthPreset = "custom"          // Custom word count specified by user
)

// LengthSpec holds the target metrics for a length preset.
type LengthSpec struct {
	MinWords      int // Lower bound of the target word count
	MaxWords      int // Upper bound of the target word count
	DefaultChunks int // Initial chunk count before planning refines it
}

// LengthSpecs maps each preset to its target metrics. DefaultChunks assumes
// roughly 3,000-3,500 words per chunk; the approved story structure overrides
// it once planning settles on a real chunk count.
//
//nolint:gochecknoglobals // Intentional global for static preset registry
var LengthSpecs = map[LengthPreset]LengthSpec{
	LengthShortStory:    {MinWords: 3000, MaxWords: 10000, DefaultChunks: 3},
	LengthNovella:       {MinWords: 20000, MaxWords: 50000, DefaultChunks: 10},
	LengthNovel:         {MinWords: 50000, MaxWords: 110000, DefaultChunks: 27},
	LengthVeryLongNovel: {MinWords: 110000, MaxWords: 200000, DefaultChunks: 50},
}

// Valid reports whether the preset is one of the known values.
func (p LengthPreset) Valid() bool {
	switch p {
	case LengthShortStory, LengthNovella, LengthNovel, LengthVeryLongNovel, LengthCustom:
		return true
	default:
		return false
	}
}

// Display returns the preset in human-readable form, e.g. "Very Long Novel".
func (p LengthPreset) Display() string {
	words := strings.Split(string(p), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Spec returns the target metrics for the preset. Custom presets have no
// static spec; callers use the project's CustomWordCount instead.
func (p LengthPreset) Spec() (LengthSpec, bool) {
	spec, ok := LengthSpecs[p]
	return spec, ok
}

// CheckpointConfig controls which pipeline milestones suspend the run and
// wait for a human decision.
type CheckpointConfig struct {
	RequirePlanApproval          bool `json:"require_plan_approval"`           // Gate after planning completes (default: true)
	RequirePlanCritiqueApproval  bool `json:"require_plan_critique_approval"`  // Gate after each plan critique round (default: false)
	RequireChunkApproval         bool `json:"require_chunk_approval"`          // Gate after each chunk is accepted (default: false)
	RequireChunkCritiqueApproval bool `json:"require_chunk_critique_approval"` // Gate after each chunk critique round (default: false)
}

// DefaultCheckpoints returns the default gate settings: only the finished
// plan requires a human sign-off.
func DefaultCheckpoints() *CheckpointConfig {
	return &CheckpointConfig{
		RequirePlanApproval:          true,
		RequirePlanCritiqueApproval:  false,
		RequireChunkApproval:         false,
		RequireChunkCritiqueApproval: false,
	}
}

// WritingSampleConfig references a style sample injected into the writer
// persona's prompt.
type WritingSampleConfig struct {
	Enabled    bool   `json:"enabled"`               // Whether style matching is active
	SampleID   string `json:"sample_id,omitempty"`   // Library sample ID, or "custom"
	CustomText string `json:"custom_text,omitempty"` // Inline sample text (min 100 chars)
}

// MinCustomSampleChars is the minimum length accepted for an inline writing sample.
const MinCustomSampleChars = 100

// Validate checks the writing sample configuration.
func (w *WritingSampleConfig) Validate() error {
	if !w.Enabled {
		return nil
	}
	if w.SampleID == "" {
		return fmt.Errorf("writing sample enabled but no sample_id set")
	}
	if w.SampleID == "custom" {
		if len(strings.TrimSpace(w.CustomText)) < MinCustomSampleChars {
			return fmt.Errorf("custom writing sample must be at least %d characters", MinCustomSampleChars)
		}
	}
	return nil
}

// ProjectSettings captures everything a single writing project needs that is
// independent of daemon configuration. It is seeded from the global defaults
// at creation time and persisted with the project, so later daemon config
// changes do not disturb runs already in flight.
type ProjectSettings struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`

	// Work parameters
	Theme           string       `json:"theme"` // User's initial prompt/theme
	Genre           string       `json:"genre,omitempty"`
	Length          LengthPreset `json:"length"`
	CustomWordCount int          `json:"custom_word_count,omitempty"` // Used when Length is LengthCustom

	// Generation parameters
	Model                  string `json:"model"`
	MaxPlanCritiqueRounds  int    `json:"max_plan_critique_rounds"`
	MaxChunkCritiqueRounds int    `json:"max_chunk_critique_rounds"`

	// Sub-configurations
	WritingSample WritingSampleConfig `json:"writing_sample"`
	Checkpoints   CheckpointConfig    `json:"checkpoints"`
	Prompts       PromptOverrides     `json:"prompts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewProjectSettings builds settings for a new project, seeding generation
// defaults from the loaded global config. The returned settings carry a
// freshly generated project ID.
func NewProjectSettings(projectName, theme string) (ProjectSettings, error) {
	cfg, err := GetConfig()
	if err != nil {
		return ProjectSettings{}, err
	}

	settings := ProjectSettings{
		ProjectID:              GenerateProjectID(projectName),
		ProjectName:            SanitizeProjectName(projectName),
		Theme:                  theme,
		Length:                 LengthNovel,
		Model:                  cfg.Generation.Model,
		MaxPlanCritiqueRounds:  cfg.Generation.MaxPlanCritiqueRounds,
		MaxChunkCritiqueRounds: cfg.Generation.MaxChunkCritiqueRounds,
		Checkpoints:            *cfg.Checkpoints,
		CreatedAt:              time.Now().UTC(),
	}
	return settings, nil
}

// Validate checks project settings for structural problems. It is called on
// creation and again when settings are updated through the API.
func (s *ProjectSettings) Validate() error {
	if s.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if strings.TrimSpace(s.ProjectName) == "" {
		return fmt.Errorf("project_name is required")
	}
	if strings.TrimSpace(s.Theme) == "" {
		return fmt.Errorf("theme is required")
	}
	if !s.Length.Valid() {
		return fmt.Errorf("unknown length preset '%s'", s.Length)
	}
	if s.Length == LengthCustom && s.CustomWordCount <= 0 {
		return fmt.Errorf("custom length requires a positive custom_word_count")
	}
	if _, err := GetModelProvider(s.Model); err != nil {
		return fmt.Errorf("model '%s': %w", s.Model, err)
	}
	if s.MaxPlanCritiqueRounds < 1 || s.MaxPlanCritiqueRounds > MaxCritiqueRounds {
		return fmt.Errorf("max_plan_critique_rounds must be between 1 and %d (got %d)",
			MaxCritiqueRounds, s.MaxPlanCritiqueRounds)
	}
	if s.MaxChunkCritiqueRounds < 1 || s.MaxChunkCritiqueRounds > MaxCritiqueRounds {
		return fmt.Errorf("max_chunk_critique_rounds must be between 1 and %d (got %d)",
			MaxCritiqueRounds, s.MaxChunkCritiqueRounds)
	}
	if err := s.WritingSample.Validate(); err != nil {
		return err
	}
	return nil
}

// InitialChunkCount returns the starting chunk count for the project's length
// preset. Custom lengths start at zero; the approved structure document is
// the authority either way.
func (s *ProjectSettings) InitialChunkCount() int {
	if spec, ok := s.Length.Spec(); ok {
		return spec.DefaultChunks
	}
	return 0
}

// GenerateProjectID generates a unique project ID from the project name and
// a timestamp.
//
// Format: "{sanitized name} - {timestamp}"
// Example: "For whom the bell tolls - 20251116_225433"
func GenerateProjectID(projectName string) string {
	sanitized := SanitizeProjectName(projectName)
	timestamp := time.Now().Format("20060102_150405")
	return fmt.Sprintf("%s - %s", sanitized, timestamp)
}

// SanitizeProjectName sanitizes a project name for filesystem compatibility.
// Preserves spaces and common punctuation for readability: letters, numbers,
// spaces, hyphens, apostrophes, and commas survive; everything else is dropped.
// Runs of whitespace collapse to single spaces and the result is capped at 80
// characters.
func SanitizeProjectName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '\'' || r == ',' {
			b.WriteRune(r)
		}
	}
	sanitized := strings.Join(strings.Fields(b.String()), " ")

	const maxNameLength = 80
	if len(sanitized) > maxNameLength {
		sanitized = strings.TrimSpace(sanitized[:maxNameLength])
	}
	return sanitized
}
