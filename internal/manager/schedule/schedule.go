// Package schedule loads the Manager's pull-schedule rules.
package schedule

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runloom/runloom/internal/protocol"
)

// PullScheduleConfig is the rule set driving the pull loop.
type PullScheduleConfig struct {
	Rules []protocol.ScheduleRule `yaml:"rules" json:"rules"`
}

// Default returns the built-in rule set: immediate runs polled every
// two seconds, scheduled runs every fifteen.
func Default() PullScheduleConfig {
	return PullScheduleConfig{Rules: []protocol.ScheduleRule{
		{
			ID:               "immediate",
			Enabled:          true,
			ScheduleModes:    []string{protocol.ScheduleImmediate},
			IntervalSeconds:  2,
			StartImmediately: true,
		},
		{
			ID:              "scheduled",
			Enabled:         true,
			ScheduleModes:   []string{protocol.ScheduleScheduled},
			IntervalSeconds: 15,
		},
	}}
}

// Load reads a yaml rule file. An empty path returns the defaults.
func Load(path string) (PullScheduleConfig, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PullScheduleConfig{}, fmt.Errorf("failed to read schedule config: %w", err)
	}
	var cfg PullScheduleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PullScheduleConfig{}, fmt.Errorf("failed to parse schedule config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return PullScheduleConfig{}, err
	}
	if len(cfg.Rules) == 0 {
		return Default(), nil
	}
	return cfg, nil
}

func validate(cfg PullScheduleConfig) error {
	seen := make(map[string]bool, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		if rule.ID == "" {
			return fmt.Errorf("schedule rule without id")
		}
		if seen[rule.ID] {
			return fmt.Errorf("duplicate schedule rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		if len(rule.ScheduleModes) == 0 {
			return fmt.Errorf("schedule rule %q has no schedule_modes", rule.ID)
		}
		if rule.IntervalSeconds <= 0 && rule.WindowSpec == "" {
			return fmt.Errorf("schedule rule %q needs interval_seconds or window_spec", rule.ID)
		}
		if rule.WindowSpec != "" {
			if _, err := WindowDuration(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// WindowDuration parses a rule's window_spec, e.g. "60m" or "1h30m".
func WindowDuration(rule protocol.ScheduleRule) (time.Duration, error) {
	d, err := time.ParseDuration(rule.WindowSpec)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("schedule rule %q has invalid window_spec %q", rule.ID, rule.WindowSpec)
	}
	return d, nil
}
