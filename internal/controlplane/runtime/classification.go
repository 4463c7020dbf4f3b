package runtime

import (
	"fmt"
	"strings"
	"time"
)

// RetryPolicy bounds in-place retries of a single step. MaxAttempts counts
// total executions of the step: the initial attempt plus retries.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
}

// TrivialRetryPolicy is the policy for capabilities with no I/O variance:
// one attempt, no delay.
func TrivialRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, BackoffFactor: 1.0}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max_attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry policy: initial_delay must be >= 0 (got %s)", p.InitialDelay)
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("retry policy: backoff_factor must be >= 1 (got %g)", p.BackoffFactor)
	}
	return nil
}

// Suggestion is a structured remediation hint attached to a classification.
// Suggestions are carried to the error-reporting collaborator untouched.
type Suggestion struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// ErrorClassification is the structured verdict a capability returns when it
// fails. The router never inspects raw errors, only classifications.
type ErrorClassification struct {
	Severity         Severity     `json:"severity"`
	UserMessage      string       `json:"user_message"`
	TechnicalDetails string       `json:"technical_details,omitempty"`
	Suggestions      []Suggestion `json:"suggestions,omitempty"`
}

func (c ErrorClassification) Validate() error {
	if !c.Severity.Valid() {
		return fmt.Errorf("classification: invalid severity %q", c.Severity)
	}
	if strings.TrimSpace(c.UserMessage) == "" {
		return fmt.Errorf("classification: user_message must be non-empty")
	}
	return nil
}

// ErrorInfo is the pending-error record the dispatch wrapper writes between a
// capability failure and the router's next decision. The router consumes it
// exactly once.
type ErrorInfo struct {
	Classification ErrorClassification `json:"classification"`
	CapabilityName string              `json:"capability_name"`
	RetryPolicy    RetryPolicy         `json:"retry_policy"`
}
