package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/lifeos-labs/lifeos-agent/internal/bridge"
)

// ValidModelProviders lists known model provider names. Used by [Validate] to
// warn about unrecognised names.
var ValidModelProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
}

// envToken is consulted when telegram.token is empty.
const envToken = "TELEGRAM_BOT_TOKEN"

// envBridgeToken is consulted when bridge.token is empty.
const envBridgeToken = "NOTION_TOKEN"

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment fallbacks,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvDefaults fills empty secret and identifier fields from the
// environment, so credentials can stay out of the config file.
func applyEnvDefaults(cfg *Config) {
	setFromEnv(&cfg.Telegram.Token, envToken)
	setFromEnv(&cfg.Bridge.Token, envBridgeToken)
	setFromEnv(&cfg.Workspace.AreaDB, "NOTION_AREA_DB_ID")
	setFromEnv(&cfg.Workspace.ProjectDB, "NOTION_PROJECT_DB_ID")
	setFromEnv(&cfg.Workspace.TaskDB, "NOTION_TASK_DB_ID")
	setFromEnv(&cfg.Workspace.HabitDB, "NOTION_HABIT_DB_ID")
	setFromEnv(&cfg.Workspace.HabitLogDB, "NOTION_HABIT_LOG_DB_ID")
}

func setFromEnv(field *string, key string) {
	if *field == "" {
		*field = os.Getenv(key)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Telegram
	if cfg.Telegram.Token == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required (or set %s)", envToken))
	}

	// Model
	if cfg.Model.Provider == "" {
		errs = append(errs, errors.New("model.provider is required"))
	} else if !slices.Contains(ValidModelProviders, cfg.Model.Provider) {
		slog.Warn("unknown model provider — may be a typo or third-party provider",
			"provider", cfg.Model.Provider,
			"known", ValidModelProviders,
		)
	}
	if cfg.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if cfg.Model.Temperature < 0 || cfg.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature %.2f is out of range [0.0, 2.0]", cfg.Model.Temperature))
	}

	// Bridge
	if cfg.Bridge.Transport != "" && !cfg.Bridge.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("bridge.transport %q is invalid; valid values: stdio, streamable-http", cfg.Bridge.Transport))
	}
	if cfg.Bridge.Transport == bridge.TransportStdio && cfg.Bridge.Command == "" {
		errs = append(errs, errors.New("bridge.command is required when transport is stdio"))
	}
	if cfg.Bridge.Transport == bridge.TransportStreamableHTTP && cfg.Bridge.URL == "" {
		errs = append(errs, errors.New("bridge.url is required when transport is streamable-http"))
	}
	if cfg.Bridge.Token == "" {
		slog.Warn("bridge.token is empty; the tool server will run without workspace credentials")
	}

	// Agent
	if cfg.Agent.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("agent.max_turns %d must not be negative", cfg.Agent.MaxTurns))
	}
	if cfg.Agent.EditInterval < 0 {
		errs = append(errs, errors.New("agent.edit_interval must not be negative"))
	}

	// Checkpoint
	if cfg.Checkpoint.PostgresDSN == "" {
		slog.Warn("checkpoint.postgres_dsn is empty; conversations will not survive restarts")
	}

	// Workspace
	for name, id := range map[string]string{
		"workspace.area_db":      cfg.Workspace.AreaDB,
		"workspace.project_db":   cfg.Workspace.ProjectDB,
		"workspace.task_db":      cfg.Workspace.TaskDB,
		"workspace.habit_db":     cfg.Workspace.HabitDB,
		"workspace.habit_log_db": cfg.Workspace.HabitLogDB,
	} {
		if id == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	return errors.Join(errs...)
}
