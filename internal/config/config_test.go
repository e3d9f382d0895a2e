package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
budget:
  daily_limit: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runs.RecursionLimit != 25 {
		t.Errorf("RecursionLimit = %d, want 25", cfg.Runs.RecursionLimit)
	}
	if cfg.Runs.TurnTimeout != 2*time.Minute {
		t.Errorf("TurnTimeout = %v", cfg.Runs.TurnTimeout)
	}
	if cfg.Database.Driver != DriverMemory {
		t.Errorf("Driver = %q, want memory", cfg.Database.Driver)
	}
	if cfg.Budget.ResetSchedule != "0 0 * * *" || cfg.Budget.Timezone != "UTC" {
		t.Errorf("unexpected budget defaults %+v", cfg.Budget)
	}
	if cfg.Trust.CacheTTL != 5*time.Second {
		t.Errorf("CacheTTL = %v", cfg.Trust.CacheTTL)
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
llm:
  default_provider: openai
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected default_provider error, got %v", err)
	}
}

func TestLoadValidatesAgentTools(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
tools:
  - name: send_email
    endpoint: http://localhost:9000/email
agents:
  - id: assistant
    tools: [send_email, delete_repo]
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "delete_repo") {
		t.Fatalf("expected unknown tool error, got %v", err)
	}
}

func TestLoadValidatesWorkflowPolicy(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
workflows:
  - id: nightly
    approval_policy: yolo
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "approval_policy") {
		t.Fatalf("expected approval_policy error, got %v", err)
	}
}

func TestLoadDefaultsWorkflowPolicy(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
workflows:
  - id: nightly
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	wf, ok := cfg.Workflow("nightly")
	if !ok {
		t.Fatal("workflow not found")
	}
	if wf.ApprovalPolicy != PolicyDenyUntrusted {
		t.Errorf("ApprovalPolicy = %q, want deny_untrusted", wf.ApprovalPolicy)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
database:
  driver: postgres
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected database.url error")
	}
}

func TestLoadIncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("budget:\n  daily_limit: 3\n  timezone: UTC\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("TOLLGATE_TEST_LIMIT", "")
	main := filepath.Join(dir, "tollgate.yaml")
	contents := "$include: base.yaml\nbudget:\n  daily_limit: ${TOLLGATE_TEST_LIMIT:-7}\nauth:\n  jwt_secret: ${TOLLGATE_TEST_SECRET}\n"
	if err := os.WriteFile(main, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("TOLLGATE_TEST_SECRET", "s3cret")

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Budget.DailyLimit != 7 {
		t.Errorf("DailyLimit = %v, want 7", cfg.Budget.DailyLimit)
	}
	if cfg.Budget.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want include value", cfg.Budget.Timezone)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "tollgate.json5", `{
  // comments are allowed
  runs: { recursion_limit: 3 },
  budget: { daily_limit: 1.5, overrides: { "user-vip": 100 } },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runs.RecursionLimit != 3 {
		t.Errorf("RecursionLimit = %d, want 3", cfg.Runs.RecursionLimit)
	}
	if got := cfg.Budget.LimitFor("user-vip"); got != 100 {
		t.Errorf("LimitFor(vip) = %v, want 100", got)
	}
	if got := cfg.Budget.LimitFor("someone"); got != 1.5 {
		t.Errorf("LimitFor(someone) = %v, want 1.5", got)
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadReportsMissingRequiredEnv(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_REQUIRED", "")
	path := writeConfig(t, "tollgate.yaml", `
auth:
  jwt_secret: ${TOLLGATE_TEST_REQUIRED:?must hold the signing key}
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "TOLLGATE_TEST_REQUIRED must hold the signing key") {
		t.Fatalf("expected missing env error, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_SET", "value")
	t.Setenv("TOLLGATE_TEST_EMPTY", "")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"set", "a: ${TOLLGATE_TEST_SET}", "a: value", false},
		{"unset", "a: ${TOLLGATE_TEST_EMPTY}", "a: ", false},
		{"fallback", "a: ${TOLLGATE_TEST_EMPTY:-x}", "a: x", false},
		{"fallback ignored", "a: ${TOLLGATE_TEST_SET:-x}", "a: value", false},
		{"required set", "a: ${TOLLGATE_TEST_SET:?}", "a: value", false},
		{"required missing", "a: ${TOLLGATE_TEST_EMPTY:?}", "", true},
		{"bare dollar kept", "$include: base.yaml", "$include: base.yaml", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnv(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expandEnv(%q) error = %v", tt.input, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadRejectsDeepIncludes(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i <= maxIncludeDepth+1; i++ {
		body := fmt.Sprintf("$include: level%d.yaml\n", i+1)
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("level%d.yaml", i)), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	_, err := LoadRaw(filepath.Join(dir, "level0.yaml"))
	if err == nil || !strings.Contains(err.Error(), "nested deeper") {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestLoadValidatesRedactPatterns(t *testing.T) {
	path := writeConfig(t, "tollgate.yaml", `
logging:
  redact:
    - "ok-[0-9]+"
    - "(unclosed"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "logging.redact[1]") {
		t.Fatalf("expected redact pattern error, got %v", err)
	}
}
