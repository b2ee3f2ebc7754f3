package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: sk-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("http_port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "parley.db" {
		t.Errorf("database defaults: %+v", cfg.Database)
	}
	if cfg.Loop.MaxIterations != 10 || cfg.Loop.HistoryWindow != 50 {
		t.Errorf("loop defaults: %+v", cfg.Loop)
	}
	if cfg.Auth.StateTTL != 10*time.Minute || cfg.Auth.WaitTimeout != 15*time.Minute {
		t.Errorf("auth defaults: %+v", cfg.Auth)
	}
	if cfg.Loop.ApologyMessage == "" || cfg.Loop.AbandonMessage == "" {
		t.Error("user-facing fallback messages must have defaults")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_API_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: anthropic
  api_key: ${PARLEY_TEST_API_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.LLM.APIKey)
	}
}

func TestLoadSystems(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: sk-test
auth:
  require_system: crm
systems:
  - name: crm
    base_url: https://crm.example.com/api
    openapi_spec: https://crm.example.com/openapi.json
    oauth2:
      client_id: id
      client_secret: secret
      auth_url: https://crm.example.com/oauth/authorize
      token_url: https://crm.example.com/oauth/token
      scope: contacts.read
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sys, ok := cfg.System("crm")
	if !ok {
		t.Fatal("System(crm) not found")
	}
	if sys.OAuth2.Scope != "contacts.read" {
		t.Errorf("scope = %q", sys.OAuth2.Scope)
	}
	if _, ok := cfg.System("erp"); ok {
		t.Error("System(erp) should not exist")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name     string
		yaml     string
		fragment string
	}{
		{
			name:     "bad driver",
			yaml:     "database:\n  driver: oracle\n",
			fragment: "database driver",
		},
		{
			name:     "postgres without url",
			yaml:     "database:\n  driver: postgres\n",
			fragment: "database.url",
		},
		{
			name:     "bad provider",
			yaml:     "llm:\n  provider: bard\n",
			fragment: "llm provider",
		},
		{
			name: "system without base_url",
			yaml: `
systems:
  - name: crm
    oauth2:
      auth_url: https://a
      token_url: https://t
`,
			fragment: "base_url",
		},
		{
			name: "duplicate systems",
			yaml: `
systems:
  - name: crm
    base_url: https://a
    oauth2: {auth_url: "https://a", token_url: "https://t"}
  - name: crm
    base_url: https://b
    oauth2: {auth_url: "https://a", token_url: "https://t"}
`,
			fragment: "duplicate",
		},
		{
			name:     "require_system unknown",
			yaml:     "auth:\n  require_system: erp\n",
			fragment: "require_system",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.fragment) {
				t.Errorf("error %q does not mention %q", err, tc.fragment)
			}
		})
	}
}
