package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/lifeos-labs/lifeos-agent/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
telegram:
  token: "123:abc"
model:
  provider: openai
  name: gpt-5
  api_key: sk-test
  temperature: 0.3
bridge:
  transport: stdio
  command: "npx -y @notionhq/notion-mcp-server"
  token: secret
  handshake_timeout: 10s
agent:
  max_turns: 15
  edit_interval: 1.5s
checkpoint:
  postgres_dsn: "postgres://localhost/test"
workspace:
  area_db: a
  project_db: b
  task_db: c
  habit_db: d
  habit_log_db: e
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Model.Name != "gpt-5" {
		t.Errorf("model.name = %q", cfg.Model.Name)
	}
	if got := cfg.Agent.EditInterval.Std(); got != 1500*time.Millisecond {
		t.Errorf("agent.edit_interval = %v, want 1.5s", got)
	}
	if got := cfg.Bridge.HandshakeTimeout.Std(); got != 10*time.Second {
		t.Errorf("bridge.handshake_timeout = %v, want 10s", got)
	}
	if cfg.Agent.MaxTurns != 15 {
		t.Errorf("agent.max_turns = %d", cfg.Agent.MaxTurns)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nextra_section:\n  surprise: true\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "edit_interval: 1.5s", "edit_interval: soon", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("err = %v, want invalid duration", err)
	}
}

func TestValidate_MissingTelegramToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	yaml := strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("err = %v, want telegram.token error", err)
	}
}

func TestValidate_StdioRequiresCommand(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, `command: "npx -y @notionhq/notion-mcp-server"`, `command: ""`, 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "bridge.command") {
		t.Fatalf("err = %v, want bridge.command error", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "log_level: info", "log_level: loud", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "server.log_level") {
		t.Fatalf("err = %v, want log level error", err)
	}
}

func TestValidate_TemperatureRange(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "temperature: 0.3", "temperature: 3.5", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "model.temperature") {
		t.Fatalf("err = %v, want temperature error", err)
	}
}

func TestValidate_MissingWorkspaceDatabase(t *testing.T) {
	t.Setenv("NOTION_TASK_DB_ID", "")
	yaml := strings.Replace(validYAML, "task_db: c", `task_db: ""`, 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "workspace.task_db") {
		t.Fatalf("err = %v, want workspace.task_db error", err)
	}
}

func TestLoadFromReader_EnvFallbacks(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("NOTION_TOKEN", "env-notion")
	t.Setenv("NOTION_TASK_DB_ID", "env-task-db")

	yaml := strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1)
	yaml = strings.Replace(yaml, "token: secret", `token: ""`, 1)
	yaml = strings.Replace(yaml, "task_db: c", `task_db: ""`, 1)

	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("telegram.token = %q, want env fallback", cfg.Telegram.Token)
	}
	if cfg.Bridge.Token != "env-notion" {
		t.Errorf("bridge.token = %q, want env fallback", cfg.Bridge.Token)
	}
	if cfg.Workspace.TaskDB != "env-task-db" {
		t.Errorf("workspace.task_db = %q, want env fallback", cfg.Workspace.TaskDB)
	}
}
