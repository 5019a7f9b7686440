package filter

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	return path
}

func TestLoadRulesFile(t *testing.T) {
	path := writeRulesFile(t, `
exclusions:
  - /health
  - /metrics
rules:
  - path: /api/secret
    status: 403
    body: denied
  - path: /api/products/*
    match: glob
    methods: [GET, DELETE]
`)
	rules, exclusions, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("failed to load rules file: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if len(exclusions) != 2 || exclusions[0] != "/health" {
		t.Fatalf("unexpected exclusions: %v", exclusions)
	}

	engine := NewEngine(Options{Rules: rules, Enabled: true, Exclusions: exclusions}, nil)
	if d := engine.Evaluate("/api/secret", "GET"); !d.Block || d.StatusCode != 403 {
		t.Fatalf("expected the loaded rule to block, got %+v", d)
	}
	if d := engine.Evaluate("/health", "GET"); d.Block {
		t.Fatal("loaded exclusion must pass through")
	}
}

func TestLoadRulesFile_RejectsWholeFileOnBadRule(t *testing.T) {
	path := writeRulesFile(t, `
rules:
  - path: /api/good
    status: 403
  - path: "(["
    match: regex
`)
	rules, _, err := LoadRulesFile(path)
	if err == nil {
		t.Fatal("a file with one invalid rule must be rejected as a whole")
	}
	if rules != nil {
		t.Fatal("no rules may leak out of a rejected file")
	}
}

func TestLoadRulesFile_Missing(t *testing.T) {
	if _, _, err := LoadRulesFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadRulesFile_Malformed(t *testing.T) {
	path := writeRulesFile(t, "rules: [not: valid: yaml")
	if _, _, err := LoadRulesFile(path); err == nil {
		t.Fatal("expected a parse error")
	}
}
