package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"agentdash/internal/domain"
)

// Config models agentdash.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	LLM        LLMConfig  `yaml:"llm"`
	Queues     Queues     `yaml:"queues"`
	Extraction Extraction `yaml:"extraction"`
	Context    struct {
		HistoryLimit int `yaml:"history_limit"`
	} `yaml:"context"`
	Roles               map[string]RoleProfile `yaml:"roles"`
	ProgressCheckpoints map[string]int         `yaml:"progress_checkpoints"`
	GitHub              struct {
		APIURL   string `yaml:"api_url"`
		TokenEnv string `yaml:"token_env"`
	} `yaml:"github"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type LLMConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Queues struct {
	Backend      string        `yaml:"backend"`
	NatsURL      string        `yaml:"nats_url"`
	Stream       string        `yaml:"stream"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Message      QueuePolicy   `yaml:"message"`
	Task         QueuePolicy   `yaml:"task"`
}

type QueuePolicy struct {
	Workers  int           `yaml:"workers"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
	Strategy string        `yaml:"strategy"`
}

const (
	ExtractHeuristic = "heuristic"
	ExtractAlways    = "always"
	ExtractNever     = "never"
)

type Extraction struct {
	Policy string `yaml:"policy"`
}

// RoleProfile is the prompt material for one agent role.
type RoleProfile struct {
	Persona            string   `yaml:"persona"`
	Responsibilities   []string `yaml:"responsibilities"`
	DecisionGuidelines []string `yaml:"decision_guidelines"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with agentdash config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "gemini", "echo":
	default:
		return fmt.Errorf("llm.provider must be one of openai, gemini, echo (got %q)", c.LLM.Provider)
	}
	switch c.Queues.Backend {
	case "sqlite":
	case "jetstream":
		if c.Queues.NatsURL == "" {
			return fmt.Errorf("queues.nats_url is required for the jetstream backend")
		}
	default:
		return fmt.Errorf("queues.backend must be sqlite or jetstream (got %q)", c.Queues.Backend)
	}
	for name, p := range map[string]QueuePolicy{"message": c.Queues.Message, "task": c.Queues.Task} {
		if p.Workers < 1 {
			return fmt.Errorf("queues.%s.workers must be >= 1", name)
		}
		if p.Attempts < 1 {
			return fmt.Errorf("queues.%s.attempts must be >= 1", name)
		}
		if p.Strategy != "fixed" && p.Strategy != "exponential" {
			return fmt.Errorf("queues.%s.strategy must be fixed or exponential", name)
		}
	}
	switch c.Extraction.Policy {
	case ExtractHeuristic, ExtractAlways, ExtractNever:
	default:
		return fmt.Errorf("extraction.policy must be heuristic, always or never (got %q)", c.Extraction.Policy)
	}
	if c.Context.HistoryLimit < 1 {
		return fmt.Errorf("context.history_limit must be >= 1")
	}
	for role := range c.Roles {
		if !domain.Contains(domain.Roles, role) {
			return fmt.Errorf("roles: unknown role %s", role)
		}
	}
	for role, v := range c.ProgressCheckpoints {
		if !domain.Contains(domain.Roles, role) {
			return fmt.Errorf("progress_checkpoints: unknown role %s", role)
		}
		if v < 0 || v > 100 {
			return fmt.Errorf("progress_checkpoints.%s must be within 0..100", role)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Role returns the profile for role, falling back to the built-in table.
func (c *Config) Role(role string) RoleProfile {
	if p, ok := c.Roles[role]; ok {
		return p
	}
	return Default().Roles[role]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentdash.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	roles := cfg.Roles
	cfg.Roles = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	for role, p := range roles {
		if _, ok := cfg.Roles[role]; !ok {
			if cfg.Roles == nil {
				cfg.Roles = map[string]RoleProfile{}
			}
			cfg.Roles[role] = p
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0

llm:
  provider: openai
  model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
  timeout: 60s

queues:
  backend: sqlite
  nats_url: ""
  stream: AGENTDASH_JOBS
  poll_interval: 250ms
  message:
    workers: 4
    attempts: 3
    backoff: 1s
    strategy: exponential
  task:
    workers: 2
    attempts: 2
    backoff: 5s
    strategy: fixed

extraction:
  # heuristic: extract when the message asks for tasks or the reply enumerates them
  policy: heuristic

context:
  history_limit: 10

progress_checkpoints:
  coordinator: 30
  developer: 50
  qa: 70
  designer: 60
  tester: 90

github:
  api_url: https://api.github.com
  token_env: GITHUB_TOKEN

roles:
  coordinator:
    persona: "You are the project coordinator of a small software team. You turn requests into plans and keep the team aligned."
    responsibilities:
      - Break user requests down into features and tasks
      - Assign work to the agent whose role fits it best
      - Track progress and surface blockers early
    decision_guidelines:
      - Prefer small, independently deliverable tasks
      - Ask a clarifying question when the request is ambiguous
      - Keep answers short and actionable
  developer:
    persona: "You are a senior software developer on the team. You design and implement features."
    responsibilities:
      - Propose concrete implementation approaches
      - Estimate effort in hours
      - Call out technical risks and dependencies
    decision_guidelines:
      - Favour simple designs that can be tested
      - Mention the files or components you would touch
  qa:
    persona: "You are the QA engineer of the team. You own quality and release readiness."
    responsibilities:
      - Define acceptance criteria
      - Review finished work for regressions
    decision_guidelines:
      - Be specific about what must be verified
      - Flag missing requirements
  tester:
    persona: "You are the test engineer of the team. You write and run tests."
    responsibilities:
      - Design test cases for new features
      - Report failures with reproduction steps
    decision_guidelines:
      - Cover edge cases and error paths
  designer:
    persona: "You are the product designer of the team. You shape user flows and interfaces."
    responsibilities:
      - Propose user flows and layouts
      - Keep the experience consistent and accessible
    decision_guidelines:
      - Describe screens in plain words
      - Prefer existing patterns over novel ones
`
