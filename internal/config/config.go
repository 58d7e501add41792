// Package config loads the orchestrator settings from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/duo-orchestrator/internal/domain"
	"github.com/hochfrequenz/duo-orchestrator/internal/gateway"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig            `toml:"general"`
	Run           RunConfig                `toml:"run"`
	Backends      map[string]BackendConfig `toml:"backends"`
	Roles         map[string]RoleConfig    `toml:"roles"`
	Fallback      FallbackConfig           `toml:"fallback"`
	Watch         WatchConfig              `toml:"watch"`
	Notifications NotificationsConfig      `toml:"notifications"`
	Log           LogConfig                `toml:"log"`
}

// GeneralConfig holds locations. Relative paths are resolved against the
// project root.
type GeneralConfig struct {
	ProjectRoot string `toml:"project_root"`
	StateDir    string `toml:"state_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	IndexPath   string `toml:"index_path"`
}

// RunConfig holds per-run limits and behaviour
type RunConfig struct {
	Phase1Limit    int      `toml:"phase1_limit"`
	Phase2Limit    int      `toml:"phase2_limit"`
	MaxRetries     int      `toml:"max_retries"`
	TestCommand    string   `toml:"test_command"`
	TestTimeout    Duration `toml:"test_timeout"`
	MaxSharedChars int      `toml:"max_shared_chars"`
	ManualGate     bool     `toml:"manual_gate"`
	Recover        bool     `toml:"recover"`
	DryRun         bool     `toml:"dry_run"`
	SkipGitCheck   bool     `toml:"skip_git_check"`
}

// BackendConfig describes one backend CLI
type BackendConfig struct {
	Command        []string          `toml:"command"`
	Stdin          bool              `toml:"stdin"`
	OutputFileFlag string            `toml:"output_file_flag"`
	Env            map[string]string `toml:"env"`
	Timeout        Duration          `toml:"timeout"`
}

// RoleConfig names the backends serving a role
type RoleConfig struct {
	Primary   string `toml:"primary"`
	Alternate string `toml:"alternate"`
}

// FallbackConfig controls alternate backends and frozen-run resumption
type FallbackConfig struct {
	Enabled bool `toml:"enabled"`
	// ResumeSchedule is a cron expression; a frozen run may resume at its
	// next activation
	ResumeSchedule string `toml:"resume_schedule"`
}

// WatchConfig holds inbox settings
type WatchConfig struct {
	Inbox        string   `toml:"inbox"`
	Outbox       string   `toml:"outbox"`
	PollInterval Duration `toml:"poll_interval"`
	MinFileAge   Duration `toml:"min_file_age"`
	MaxAttempts  int      `toml:"max_attempts"`
	MetricsAddr  string   `toml:"metrics_addr"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration written as "90s" or "5m" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			StateDir:    ".duo-orchestrator",
			ArtifactDir: "artifacts",
			IndexPath:   filepath.Join(".duo-orchestrator", "index.db"),
		},
		Run: RunConfig{
			Phase1Limit:    domain.DefaultPhase1Limit,
			Phase2Limit:    domain.DefaultPhase2Limit,
			MaxRetries:     domain.DefaultMaxRetries,
			TestTimeout:    Duration{5 * time.Minute},
			MaxSharedChars: 30000,
			Recover:        true,
		},
		Backends: map[string]BackendConfig{
			"claude": {
				Command: []string{"claude", "-p", "--output-format", "text", "--no-session-persistence", "--model", "opus"},
				Stdin:   true,
				Env:     map[string]string{"NO_COLOR": "1"},
				Timeout: Duration{30 * time.Minute},
			},
			"codex": {
				Command:        []string{"codex", "exec", "--skip-git-repo-check", "--sandbox", "workspace-write", "--color", "never"},
				Stdin:          true,
				OutputFileFlag: "--output-last-message",
				Timeout:        Duration{30 * time.Minute},
			},
			"gemini": {
				Command: []string{"gemini"},
				Stdin:   true,
				Timeout: Duration{30 * time.Minute},
			},
		},
		Roles: map[string]RoleConfig{
			string(domain.RolePlanner):      {Primary: "claude"},
			string(domain.RolePlanReviewer): {Primary: "codex", Alternate: "gemini"},
			string(domain.RoleImplementer):  {Primary: "codex", Alternate: "gemini"},
			string(domain.RoleCodeReviewer): {Primary: "claude", Alternate: "gemini"},
		},
		Watch: WatchConfig{
			Inbox:        "inbox",
			Outbox:       "outbox",
			PollInterval: Duration{5 * time.Second},
			MinFileAge:   Duration{time.Second},
			MaxAttempts:  3,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults.
// Tables in the file are merged over the defaults, so a file may add a
// backend without repeating the built-in ones.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.ArtifactDir = ExpandPath(cfg.General.ArtifactDir)
	cfg.General.IndexPath = ExpandPath(cfg.General.IndexPath)
	cfg.Watch.Inbox = ExpandPath(cfg.Watch.Inbox)
	cfg.Watch.Outbox = ExpandPath(cfg.Watch.Outbox)

	return cfg, cfg.Validate()
}

// Validate checks limits and that every role names a known backend
func (c *Config) Validate() error {
	var errs []error
	if c.Run.Phase1Limit < 1 || c.Run.Phase2Limit < 1 {
		errs = append(errs, fmt.Errorf("cycle limits must be at least 1 (got %d/%d)", c.Run.Phase1Limit, c.Run.Phase2Limit))
	}
	if c.Run.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative"))
	}
	for _, role := range domain.Roles {
		rc, ok := c.Roles[string(role)]
		if !ok || rc.Primary == "" {
			errs = append(errs, fmt.Errorf("role %s has no primary backend", role))
			continue
		}
		for _, name := range []string{rc.Primary, rc.Alternate} {
			if name == "" {
				continue
			}
			b, ok := c.Backends[name]
			if !ok {
				errs = append(errs, fmt.Errorf("role %s uses unknown backend %q", role, name))
			} else if len(b.Command) == 0 {
				errs = append(errs, fmt.Errorf("backend %q has no command", name))
			}
		}
	}
	for name := range c.Roles {
		if !knownRole(name) {
			errs = append(errs, fmt.Errorf("unknown role %q", name))
		}
	}
	return errors.Join(errs...)
}

func knownRole(name string) bool {
	for _, r := range domain.Roles {
		if string(r) == name {
			return true
		}
	}
	return false
}

// Roster resolves the role table into gateway backends. Backends run in
// the project root.
func (c *Config) Roster() gateway.Roster {
	r := make(gateway.Roster, len(domain.Roles))
	for _, role := range domain.Roles {
		rc := c.Roles[string(role)]
		pair := gateway.Pair{Primary: c.backend(rc.Primary)}
		if rc.Alternate != "" && rc.Alternate != rc.Primary {
			alt := c.backend(rc.Alternate)
			pair.Alternate = &alt
		}
		r[role] = pair
	}
	return r
}

func (c *Config) backend(name string) gateway.Backend {
	bc := c.Backends[name]
	return gateway.Backend{
		Name:           name,
		Command:        append([]string(nil), bc.Command...),
		Stdin:          bc.Stdin,
		OutputFileFlag: bc.OutputFileFlag,
		Env:            bc.Env,
		Timeout:        bc.Timeout.Duration,
		Dir:            c.General.ProjectRoot,
	}
}

// BackendNames lists configured backends in name order
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path resolves p against the project root
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.General.ProjectRoot == "" {
		return p
	}
	return filepath.Join(c.General.ProjectRoot, p)
}

// LoadDotEnv loads KEY=VALUE pairs from .env in the project root into the
// process environment. Variables that are already set win. A missing file
// is not an error.
func (c *Config) LoadDotEnv() error {
	err := godotenv.Load(c.Path(".env"))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "duo-orchestrator", "config.toml")
}

// LocalConfigName is the per-project config file searched for upwards from
// the working directory
const LocalConfigName = ".duo-orch.toml"

// FindLocalConfig walks up from the working directory and returns the first
// LocalConfigName it finds, or "" if there is none
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads path when given, otherwise a project-local
// config, otherwise the user config. A local config without project_root
// uses its own directory as the project root.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		cfg, err := Load(local)
		if err != nil {
			return nil, err
		}
		if cfg.General.ProjectRoot == "" {
			cfg.General.ProjectRoot = filepath.Dir(local)
		}
		return cfg, nil
	}
	return Load(DefaultConfigPath())
}
