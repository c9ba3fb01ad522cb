// internal/config/config.go
//
// This package handles configuration: secrets and endpoints come from the
// environment (optionally seeded by a .env file), project settings from
// agora.yaml in the project directory.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the project settings file looked up in the project directory.
	FileName = "agora.yaml"

	defaultRunDir       = ".agora"
	defaultQuestsDir    = "quests"
	defaultCatalogueDir = "catalogue"
	defaultPrefix       = "-"
	defaultCategory     = "quests"
)

// ErrMissingEnv reports a required environment variable that is unset.
var ErrMissingEnv = errors.New("config: missing required environment variable")

const defaultProjectYAML = `# agora project configuration
version: 1

# Where the governance stack, snapshots and logs are written.
run_dir: .agora
quests_dir: quests
catalogue_dir: catalogue

# Quest played by -start.
default_quest: ""

prefix: "-"
category: quests

game_timeout_mins: 30
vote_timeout_secs: 120

# Values the community starts with.
values: {}

llm:
  max_stages: 8
  attempts: 5
`

// Env holds settings read from the process environment.
type Env struct {
	DiscordToken    string `envconfig:"DISCORD_TOKEN"`
	StabilityAPIKey string `envconfig:"STABILITY_API_KEY"`
	APIHost         string `envconfig:"API_HOST" default:"https://api.stability.ai"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	LLMProvider     string `envconfig:"AGORA_LLM_PROVIDER" default:"openai"`
	LLMModel        string `envconfig:"AGORA_LLM_MODEL"`
	LLMBaseURL      string `envconfig:"AGORA_LLM_BASE_URL"`
	GatewayURL      string `envconfig:"AGORA_GATEWAY_URL"`
	MetricsAddr     string `envconfig:"AGORA_METRICS_ADDR"`
	LogLevel        string `envconfig:"AGORA_LOG_LEVEL" default:"info"`
	LogEncoding     string `envconfig:"AGORA_LOG_ENCODING" default:"console"`
}

// Require returns ErrMissingEnv naming every listed variable that is empty.
func (e Env) Require(names ...string) error {
	values := map[string]string{
		"DISCORD_TOKEN":     e.DiscordToken,
		"STABILITY_API_KEY": e.StabilityAPIKey,
		"OPENAI_API_KEY":    e.OpenAIAPIKey,
		"AGORA_GATEWAY_URL": e.GatewayURL,
	}
	var missing []string
	for _, name := range names {
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return nil
}

// LLMStages bounds generated quests.
type LLMStages struct {
	MaxStages int `yaml:"max_stages"`
	Attempts  int `yaml:"attempts"`
}

// Project models agora.yaml.
type Project struct {
	Version         int               `yaml:"version"`
	RunDir          string            `yaml:"run_dir"`
	QuestsDir       string            `yaml:"quests_dir"`
	CatalogueDir    string            `yaml:"catalogue_dir"`
	DefaultQuest    string            `yaml:"default_quest,omitempty"`
	Prefix          string            `yaml:"prefix"`
	Category        string            `yaml:"category"`
	GameTimeoutMins float64           `yaml:"game_timeout_mins"`
	VoteTimeoutSecs float64           `yaml:"vote_timeout_secs"`
	Nicknames       []string          `yaml:"nicknames,omitempty"`
	Values          map[string]string `yaml:"values,omitempty"`
	LLM             LLMStages         `yaml:"llm"`
}

// Config holds the runtime configuration.
type Config struct {
	// Dir is the project directory agora was started in.
	Dir     string
	Env     Env
	Project Project
}

// Load reads <dir>/.env (if present), the environment and <dir>/agora.yaml.
// Variables already set in the environment win over the .env file.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg := &Config{Dir: dir, Env: env, Project: defaultProject()}
	if err := cfg.loadProject(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init creates the run directory layout and writes a default agora.yaml
// when none exists.
//
// Structure created:
// <run dir>/
// ├── logs/       <- agora.log and journey.log
// └── snapshots/  <- governance snapshots
func Init(dir string) error {
	if err := ensureProjectFile(filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("config: write %s: %w", FileName, err)
	}
	cfg := &Config{Dir: dir, Project: defaultProject()}
	if err := cfg.loadProject(); err != nil {
		return err
	}
	for _, d := range []string{cfg.LogsDir(), cfg.SnapshotDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("config: ensure %s: %w", d, err)
		}
	}
	return nil
}

// Path returns the on-disk location of agora.yaml.
func (c *Config) Path() string {
	return filepath.Join(c.Dir, FileName)
}

// RunDir holds the governance stack, snapshots and logs.
func (c *Config) RunDir() string {
	return c.Project.RunDir
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.Project.RunDir, "logs")
}

// LogPath is the structured log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "agora.log")
}

// JournalPath is the human-readable session journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.LogsDir(), "journey.log")
}

// SnapshotDir returns the governance snapshot directory.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.Project.RunDir, "snapshots")
}

// MediaDir holds rendered stage images and narration.
func (c *Config) MediaDir() string {
	return filepath.Join(c.Project.RunDir, "media")
}

func (c *Config) QuestsDir() string    { return c.Project.QuestsDir }
func (c *Config) CatalogueDir() string { return c.Project.CatalogueDir }

// GameTimeout is the inactivity limit after which a quest is closed.
func (c *Config) GameTimeout() time.Duration {
	return time.Duration(c.Project.GameTimeoutMins * float64(time.Minute))
}

// VoteTimeout is the default vote window.
func (c *Config) VoteTimeout() time.Duration {
	return time.Duration(c.Project.VoteTimeoutSecs * float64(time.Second))
}

func (c *Config) loadProject() error {
	path := c.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.Project.normalize(c.Dir)
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProject()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	parsed.applyDefaults()
	parsed.normalize(c.Dir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = parsed
	return nil
}

func defaultProject() Project {
	return Project{
		Version:         1,
		RunDir:          defaultRunDir,
		QuestsDir:       defaultQuestsDir,
		CatalogueDir:    defaultCatalogueDir,
		Prefix:          defaultPrefix,
		Category:        defaultCategory,
		GameTimeoutMins: 30,
		VoteTimeoutSecs: 120,
		LLM:             LLMStages{MaxStages: 8, Attempts: 5},
	}
}

func (p *Project) applyDefaults() {
	d := defaultProject()
	if p.Version == 0 {
		p.Version = d.Version
	}
	if strings.TrimSpace(p.RunDir) == "" {
		p.RunDir = d.RunDir
	}
	if strings.TrimSpace(p.QuestsDir) == "" {
		p.QuestsDir = d.QuestsDir
	}
	if strings.TrimSpace(p.CatalogueDir) == "" {
		p.CatalogueDir = d.CatalogueDir
	}
	if strings.TrimSpace(p.Prefix) == "" {
		p.Prefix = d.Prefix
	}
	if strings.TrimSpace(p.Category) == "" {
		p.Category = d.Category
	}
	if p.LLM.MaxStages == 0 {
		p.LLM.MaxStages = d.LLM.MaxStages
	}
	if p.LLM.Attempts == 0 {
		p.LLM.Attempts = d.LLM.Attempts
	}
}

func (p *Project) normalize(base string) {
	p.RunDir = resolvePath(base, p.RunDir)
	p.QuestsDir = resolvePath(base, p.QuestsDir)
	p.CatalogueDir = resolvePath(base, p.CatalogueDir)
	p.DefaultQuest = strings.ToLower(strings.TrimSpace(p.DefaultQuest))
	p.Prefix = strings.TrimSpace(p.Prefix)
	p.Category = strings.TrimSpace(p.Category)
	names := p.Nicknames[:0]
	for _, n := range p.Nicknames {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	p.Nicknames = names
}

func (p *Project) validate() error {
	if p.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if p.GameTimeoutMins <= 0 {
		return fmt.Errorf("game_timeout_mins must be positive")
	}
	if p.VoteTimeoutSecs <= 0 {
		return fmt.Errorf("vote_timeout_secs must be positive")
	}
	if p.LLM.MaxStages < 1 || p.LLM.Attempts < 1 {
		return fmt.Errorf("llm.max_stages and llm.attempts must be >= 1")
	}
	seen := map[string]bool{}
	for _, n := range p.Nicknames {
		key := strings.ToLower(n)
		if seen[key] {
			return fmt.Errorf("duplicate nickname %s", n)
		}
		seen[key] = true
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectYAML), 0o644)
}
