package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template paths
const (
	Phase1Plan      = "phase1/plan.md"
	Phase1Review    = "phase1/review.md"
	Phase2Implement = "phase2/implement.md"
	Phase2Review    = "phase2/review.md"
	Retry           = "shared/retry.md"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Role        string `yaml:"role"`
	Path        string `yaml:"-"`
}

var funcs = template.FuncMap{
	"delimit": Delimit,
}

// Delimit wraps content in a <<<LABEL_BEGIN>>>/<<<LABEL_END>>> block so
// quoted text cannot be read back as a control marker.
func Delimit(label, content string) string {
	return fmt.Sprintf("<<<%s_BEGIN>>>\n%s\n<<<%s_END>>>", label, strings.TrimSpace(content), label)
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .duo-orchestrator/prompts/
// 2. User config: ~/.config/duo-orchestrator/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".duo-orchestrator", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "duo-orchestrator", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "phase1/plan.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if meta != nil {
		meta.Path = name
	}

	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// ListTemplates returns metadata for every embedded template, honouring overrides.
func (l *Loader) ListTemplates() ([]*TemplateMeta, error) {
	var result []*TemplateMeta
	for _, dir := range []string{"phase1", "phase2", "shared"} {
		entries, err := fs.ReadDir(embeddedFS, dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			name := path.Join(dir, entry.Name())
			_, meta, err := l.LoadTemplate(name)
			if err != nil {
				return nil, err
			}
			if meta != nil {
				result = append(result, meta)
			}
		}
	}
	return result, nil
}

// PlanData holds template variables for the planner.
type PlanData struct {
	Cycle        int
	Task         string
	Shared       string
	OpenFindings string
}

// ReviewData holds template variables for both review steps.
type ReviewData struct {
	Cycle          int
	Task           string
	Plan           string
	Shared         string
	Implementation string
	TestReport     string
	RepoSnapshot   string
	PreviousOpen   string
	NextID         string
	ApprovalKey    string
}

// ImplementData holds template variables for the implementer.
type ImplementData struct {
	Cycle        int
	Task         string
	Plan         string
	Shared       string
	OpenFindings string
	TestFailure  string
}

// RetryData holds template variables for a retried prompt.
type RetryData struct {
	Prompt string
	Errors []string
}

// BuildPlanPrompt renders the Phase 1 planner prompt.
func (l *Loader) BuildPlanPrompt(data PlanData) (string, error) {
	return l.Execute(Phase1Plan, data)
}

// BuildPlanReviewPrompt renders the Phase 1 review prompt.
func (l *Loader) BuildPlanReviewPrompt(data ReviewData) (string, error) {
	return l.Execute(Phase1Review, data)
}

// BuildImplementPrompt renders the Phase 2 implementer prompt.
func (l *Loader) BuildImplementPrompt(data ImplementData) (string, error) {
	return l.Execute(Phase2Implement, data)
}

// BuildCodeReviewPrompt renders the Phase 2 review prompt.
func (l *Loader) BuildCodeReviewPrompt(data ReviewData) (string, error) {
	return l.Execute(Phase2Review, data)
}

// BuildRetryPrompt appends the last two rejection reasons to prompt.
func (l *Loader) BuildRetryPrompt(prompt string, errs []string) (string, error) {
	if len(errs) > 2 {
		errs = errs[len(errs)-2:]
	}
	return l.Execute(Retry, RetryData{Prompt: prompt, Errors: errs})
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
