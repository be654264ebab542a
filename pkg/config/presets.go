package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CadencePreset fixes the history length and confidence floor an agent must
// satisfy before the scheduler hands it to the execution pipeline.
type CadencePreset struct {
	Name          string  `yaml:"name"`
	MinHistory    int     `yaml:"min_history"`
	MinConfidence float64 `yaml:"min_confidence"`
	// Retry intervals when a gate rejects the agent. History gaps retry on
	// the short interval; everything else waits a full randomized interval.
	RetryShortSec int `yaml:"retry_short_sec"`
	RetryFullSec  int `yaml:"retry_full_sec"`
}

// RiskProfile tunes the recovery ladder.
type RiskProfile struct {
	Name       string  `yaml:"name"`
	Multiplier float64 `yaml:"multiplier"`
	// Margin recouped on top of the accumulated loss (0.02 = 2%).
	RecoveryMargin float64 `yaml:"recovery_margin"`
	// MaxAttempts caps recovery escalations; 0 means uncapped.
	MaxAttempts int `yaml:"max_attempts"`
}

// Presets bundles the tunable trading presets. Built-in defaults apply when no
// YAML file is configured; a file replaces only the entries it names.
type Presets struct {
	Cadences map[string]CadencePreset `yaml:"cadences"`
	Profiles map[string]RiskProfile   `yaml:"profiles"`
}

// DefaultPresets returns the built-in cadence presets and risk profiles.
func DefaultPresets() *Presets {
	return &Presets{
		Cadences: map[string]CadencePreset{
			"fast":     {Name: "fast", MinHistory: 30, MinConfidence: 40, RetryShortSec: 5, RetryFullSec: 30},
			"standard": {Name: "standard", MinHistory: 60, MinConfidence: 50, RetryShortSec: 10, RetryFullSec: 60},
			"patient":  {Name: "patient", MinHistory: 120, MinConfidence: 60, RetryShortSec: 15, RetryFullSec: 120},
		},
		Profiles: map[string]RiskProfile{
			"conservative": {Name: "conservative", Multiplier: 1.0, RecoveryMargin: 0.02, MaxAttempts: 3},
			"balanced":     {Name: "balanced", Multiplier: 1.25, RecoveryMargin: 0.15, MaxAttempts: 0},
			"aggressive":   {Name: "aggressive", Multiplier: 1.5, RecoveryMargin: 0.15, MaxAttempts: 0},
		},
	}
}

type presetsFile struct {
	Cadences []CadencePreset `yaml:"cadences"`
	Profiles []RiskProfile   `yaml:"profiles"`
}

// LoadPresets reads cadence presets and risk profiles from a YAML file,
// overlaying them on the built-in defaults. An empty path returns defaults.
func LoadPresets(path string) (*Presets, error) {
	presets := DefaultPresets()
	if path == "" {
		return presets, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets: %w", err)
	}

	var file presetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}

	for _, c := range file.Cadences {
		if c.Name == "" {
			return nil, fmt.Errorf("presets: cadence with empty name")
		}
		if c.MinHistory <= 0 || c.MinConfidence < 0 || c.MinConfidence > 100 {
			return nil, fmt.Errorf("presets: cadence %q out of range", c.Name)
		}
		presets.Cadences[c.Name] = c
	}
	for _, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("presets: profile with empty name")
		}
		if p.Multiplier < 1 {
			return nil, fmt.Errorf("presets: profile %q multiplier below 1", p.Name)
		}
		presets.Profiles[p.Name] = p
	}

	return presets, nil
}

// Cadence returns the named cadence preset, falling back to "standard".
func (p *Presets) Cadence(name string) CadencePreset {
	if c, ok := p.Cadences[name]; ok {
		return c
	}
	return p.Cadences["standard"]
}

// Profile returns the named risk profile, falling back to "balanced".
func (p *Presets) Profile(name string) RiskProfile {
	if r, ok := p.Profiles[name]; ok {
		return r
	}
	return p.Profiles["balanced"]
}
