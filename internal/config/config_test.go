package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
environment: development
provider:
  model: gpt-4o-mini
  base_url: http://localhost:11434/v1
sandbox:
  timeout_seconds: 60
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Provider.Model)
	}
	if cfg.Sandbox.TimeoutSeconds != 60 {
		t.Errorf("timeout = %d", cfg.Sandbox.TimeoutSeconds)
	}
	if !cfg.Sandbox.SandboxEnabled() {
		t.Error("sandbox should default to enabled")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "provider": {"model": "llama3", "base_url": "http://localhost:11434/v1"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env() != EnvDevelopment {
		t.Errorf("Env() = %q, want development default", cfg.Env())
	}
}

func TestSandboxDisabledInProductionIsFatal(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
environment: production
provider:
  model: gpt-4o
  api_key: sk-test
sandbox:
  enabled: false
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected fatal config error for sandbox disabled in production")
	}
	if !strings.Contains(err.Error(), "production") {
		t.Errorf("error should name the production gate: %v", err)
	}
}

func TestSandboxDisabledInDevelopmentIsAllowed(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
environment: development
provider:
  model: llama3
  base_url: http://localhost:11434/v1
sandbox:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.SandboxEnabled() {
		t.Error("sandbox should be disabled")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string // substring of the expected error
	}{
		{
			name: "missing model",
			yaml: "provider: {base_url: http://x}\n",
			want: "provider.model",
		},
		{
			name: "missing api key for hosted provider",
			yaml: "provider: {model: gpt-4o}\n",
			want: "provider.api_key",
		},
		{
			name: "timeout below range",
			yaml: "provider: {model: m, base_url: http://x}\nsandbox: {timeout_seconds: 2}\n",
			want: "sandbox.timeout_seconds",
		},
		{
			name: "timeout above range",
			yaml: "provider: {model: m, base_url: http://x}\nsandbox: {timeout_seconds: 600}\n",
			want: "sandbox.timeout_seconds",
		},
		{
			name: "memory below range",
			yaml: "provider: {model: m, base_url: http://x}\nsandbox: {max_memory_mb: 16}\n",
			want: "sandbox.max_memory_mb",
		},
		{
			name: "unknown environment",
			yaml: "environment: prod\nprovider: {model: m, base_url: http://x}\n",
			want: "environment",
		},
		{
			name: "unknown policy preset",
			yaml: "provider: {model: m, base_url: http://x}\nsandbox: {default_policy: turbo}\n",
			want: "default_policy",
		},
		{
			name: "postgres without dsn",
			yaml: "provider: {model: m, base_url: http://x}\nstorage: {driver: postgres}\n",
			want: "storage.postgres.dsn",
		},
		{
			name: "mcp stdio without command",
			yaml: "provider: {model: m, base_url: http://x}\ntools: {mcp: [{name: a, transport: stdio}]}\n",
			want: "command is required",
		},
		{
			name: "mcp duplicate server",
			yaml: "provider: {model: m, base_url: http://x}\ntools: {mcp: [{name: a, transport: sse, url: http://x}, {name: a, transport: sse, url: http://y}]}\n",
			want: "duplicate server name",
		},
	}

	// A key in the ambient environment would mask the missing-key case.
	t.Setenv("OPENAI_API_KEY", "")

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tc.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NYUMBA_ENV", "staging")
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("NYUMBA_GATEWAY_TOKEN", "tok-from-env")

	path := writeConfig(t, "config.yaml", `
environment: development
provider:
  model: gpt-4o
  api_key: sk-from-file
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env() != "staging" {
		t.Errorf("Env() = %q, want staging from NYUMBA_ENV", cfg.Env())
	}
	if cfg.Provider.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, env var should win", cfg.Provider.APIKey)
	}
	if cfg.Gateway == nil || cfg.Gateway.AuthToken != "tok-from-env" {
		t.Error("gateway token should be created from env override")
	}
}

func TestDurationDefaults(t *testing.T) {
	var d DispatchConfig
	if d.ToolTimeout().Seconds() != 30 {
		t.Errorf("ToolTimeout default = %v", d.ToolTimeout())
	}
	if d.AnalysisTimeout().Minutes() != 3 {
		t.Errorf("AnalysisTimeout default = %v", d.AnalysisTimeout())
	}
	if d.PollInterval().Milliseconds() != 50 {
		t.Errorf("PollInterval default = %v", d.PollInterval())
	}

	var a ApprovalConfig
	if a.TTL().Minutes() != 5 {
		t.Errorf("TTL default = %v", a.TTL())
	}

	var r *RetentionConfig
	if r.CronSchedule() != "0 3 * * *" {
		t.Errorf("CronSchedule default = %q", r.CronSchedule())
	}
	if r.MaxAge().Hours() != 30*24 {
		t.Errorf("MaxAge default = %v", r.MaxAge())
	}
}
