package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPresets(t *testing.T) {
	p := DefaultPresets()

	std := p.Cadence("standard")
	if std.MinHistory != 60 || std.MinConfidence != 50 {
		t.Fatalf("standard cadence = %+v", std)
	}
	cons := p.Profile("conservative")
	if cons.Multiplier != 1.0 || cons.MaxAttempts != 3 {
		t.Fatalf("conservative profile = %+v", cons)
	}
	bal := p.Profile("balanced")
	if bal.Multiplier != 1.25 || bal.MaxAttempts != 0 {
		t.Fatalf("balanced profile = %+v", bal)
	}
}

func TestPresetFallbacks(t *testing.T) {
	p := DefaultPresets()
	if got := p.Cadence("nope"); got.Name != "standard" {
		t.Fatalf("cadence fallback = %q, want standard", got.Name)
	}
	if got := p.Profile("nope"); got.Name != "balanced" {
		t.Fatalf("profile fallback = %q, want balanced", got.Name)
	}
}

func TestLoadPresetsOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "presets.yaml")
	content := `
cadences:
  - name: turbo
    min_history: 20
    min_confidence: 35
    retry_short_sec: 3
    retry_full_sec: 15
  - name: standard
    min_history: 90
    min_confidence: 55
    retry_short_sec: 10
    retry_full_sec: 60
profiles:
  - name: reckless
    multiplier: 2.0
    recovery_margin: 0.2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	p, err := LoadPresets(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// New entries are added, named defaults are replaced, the rest survive.
	if got := p.Cadence("turbo"); got.MinHistory != 20 {
		t.Fatalf("turbo cadence = %+v", got)
	}
	if got := p.Cadence("standard"); got.MinHistory != 90 || got.MinConfidence != 55 {
		t.Fatalf("overridden standard = %+v", got)
	}
	if got := p.Cadence("patient"); got.MinHistory != 120 {
		t.Fatalf("untouched patient = %+v", got)
	}
	if got := p.Profile("reckless"); got.Multiplier != 2.0 {
		t.Fatalf("reckless profile = %+v", got)
	}
}

func TestLoadPresetsRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty cadence name", "cadences:\n  - min_history: 10\n"},
		{"zero history", "cadences:\n  - name: bad\n    min_history: 0\n"},
		{"confidence above 100", "cadences:\n  - name: bad\n    min_history: 10\n    min_confidence: 120\n"},
		{"multiplier below one", "profiles:\n  - name: bad\n    multiplier: 0.5\n"},
		{"empty profile name", "profiles:\n  - multiplier: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadPresets(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadPresetsEmptyPathReturnsDefaults(t *testing.T) {
	p, err := LoadPresets("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.Cadences) != 3 || len(p.Profiles) != 3 {
		t.Fatalf("defaults = %d cadences, %d profiles", len(p.Cadences), len(p.Profiles))
	}
}
