package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// Config is the per-session control-plane configuration. Pointer fields
// preserve explicit-zero versus unset semantics; defaults are applied when a
// field is unset.
type Config struct {
	Version int `json:"version" yaml:"version"`

	Limits struct {
		MaxPlanningAttempts  *int `json:"max_planning_attempts,omitempty" yaml:"max_planning_attempts,omitempty"`
		MaxReclassifications *int `json:"max_reclassifications,omitempty" yaml:"max_reclassifications,omitempty"`
		// MaxIdenticalFailures trips the deterministic-failure circuit
		// breaker: the same failure signature repeating this many times
		// aborts the session even when retry budget remains.
		MaxIdenticalFailures *int `json:"max_identical_failures,omitempty" yaml:"max_identical_failures,omitempty"`
		// MaxExecutionTimeMS is the session-wide budget; the watchdog
		// forces a kill when it elapses. Zero disables the watchdog.
		MaxExecutionTimeMS *int `json:"max_execution_time_ms,omitempty" yaml:"max_execution_time_ms,omitempty"`
	} `json:"limits,omitempty" yaml:"limits,omitempty"`

	Classifier struct {
		MaxAttempts    *int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		InitialDelayMS *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
		BackoffFactor  *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	} `json:"classifier,omitempty" yaml:"classifier,omitempty"`

	Orchestrator struct {
		MaxAttempts    *int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
		InitialDelayMS *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
		BackoffFactor  *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	} `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`

	Journal struct {
		Disabled      bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
		BinaryEnabled bool `json:"binary_enabled,omitempty" yaml:"binary_enabled,omitempty"`
	} `json:"journal,omitempty" yaml:"journal,omitempty"`

	Archive struct {
		Enabled      bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
		ExcludeGlobs []string `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`
	} `json:"archive,omitempty" yaml:"archive,omitempty"`
}

const (
	defaultMaxPlanningAttempts  = 2
	defaultMaxReclassifications = 2
	defaultMaxIdenticalFailures = 3
)

// LoadConfig reads a YAML (or JSON) config file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	checkPositive := func(name string, v *int) error {
		if v != nil && *v < 1 {
			return fmt.Errorf("config: %s must be >= 1 (got %d)", name, *v)
		}
		return nil
	}
	checkNonNegative := func(name string, v *int) error {
		if v != nil && *v < 0 {
			return fmt.Errorf("config: %s must be >= 0 (got %d)", name, *v)
		}
		return nil
	}
	for _, err := range []error{
		checkPositive("limits.max_planning_attempts", c.Limits.MaxPlanningAttempts),
		checkPositive("limits.max_reclassifications", c.Limits.MaxReclassifications),
		checkPositive("limits.max_identical_failures", c.Limits.MaxIdenticalFailures),
		checkNonNegative("limits.max_execution_time_ms", c.Limits.MaxExecutionTimeMS),
		checkPositive("classifier.max_attempts", c.Classifier.MaxAttempts),
		checkNonNegative("classifier.initial_delay_ms", c.Classifier.InitialDelayMS),
		checkPositive("orchestrator.max_attempts", c.Orchestrator.MaxAttempts),
		checkNonNegative("orchestrator.initial_delay_ms", c.Orchestrator.InitialDelayMS),
	} {
		if err != nil {
			return err
		}
	}
	if f := c.Classifier.BackoffFactor; f != nil && *f < 1 {
		return fmt.Errorf("config: classifier.backoff_factor must be >= 1 (got %g)", *f)
	}
	if f := c.Orchestrator.BackoffFactor; f != nil && *f < 1 {
		return fmt.Errorf("config: orchestrator.backoff_factor must be >= 1 (got %g)", *f)
	}
	return nil
}

// Summary reports the effective values after defaulting, for config check
// output and journaling.
func (c Config) Summary() map[string]any {
	classifier := c.classifierPolicy()
	orchestrator := c.orchestratorPolicy()
	return map[string]any{
		"limits.max_planning_attempts":  c.maxPlanningAttempts(),
		"limits.max_reclassifications":  c.maxReclassifications(),
		"limits.max_identical_failures": c.maxIdenticalFailures(),
		"limits.max_execution_time":     c.maxExecutionTime().String(),
		"classifier.max_attempts":       classifier.MaxAttempts,
		"classifier.initial_delay":      classifier.InitialDelay.String(),
		"classifier.backoff_factor":     classifier.BackoffFactor,
		"orchestrator.max_attempts":     orchestrator.MaxAttempts,
		"orchestrator.initial_delay":    orchestrator.InitialDelay.String(),
		"orchestrator.backoff_factor":   orchestrator.BackoffFactor,
		"journal.disabled":              c.Journal.Disabled,
		"journal.binary_enabled":        c.Journal.BinaryEnabled,
		"archive.enabled":               c.Archive.Enabled,
	}
}

func (c Config) maxPlanningAttempts() int {
	if c.Limits.MaxPlanningAttempts != nil {
		return *c.Limits.MaxPlanningAttempts
	}
	return defaultMaxPlanningAttempts
}

func (c Config) maxReclassifications() int {
	if c.Limits.MaxReclassifications != nil {
		return *c.Limits.MaxReclassifications
	}
	return defaultMaxReclassifications
}

func (c Config) maxIdenticalFailures() int {
	if c.Limits.MaxIdenticalFailures != nil {
		return *c.Limits.MaxIdenticalFailures
	}
	return defaultMaxIdenticalFailures
}

func (c Config) maxExecutionTime() time.Duration {
	if c.Limits.MaxExecutionTimeMS == nil {
		return 0
	}
	return time.Duration(*c.Limits.MaxExecutionTimeMS) * time.Millisecond
}

func (c Config) classifierPolicy() runtime.RetryPolicy {
	p := ClassifierRetryPolicy()
	if c.Classifier.MaxAttempts != nil {
		p.MaxAttempts = *c.Classifier.MaxAttempts
	}
	if c.Classifier.InitialDelayMS != nil {
		p.InitialDelay = time.Duration(*c.Classifier.InitialDelayMS) * time.Millisecond
	}
	if c.Classifier.BackoffFactor != nil {
		p.BackoffFactor = *c.Classifier.BackoffFactor
	}
	return p
}

func (c Config) orchestratorPolicy() runtime.RetryPolicy {
	p := OrchestratorRetryPolicy()
	if c.Orchestrator.MaxAttempts != nil {
		p.MaxAttempts = *c.Orchestrator.MaxAttempts
	}
	if c.Orchestrator.InitialDelayMS != nil {
		p.InitialDelay = time.Duration(*c.Orchestrator.InitialDelayMS) * time.Millisecond
	}
	if c.Orchestrator.BackoffFactor != nil {
		p.BackoffFactor = *c.Orchestrator.BackoffFactor
	}
	return p
}
