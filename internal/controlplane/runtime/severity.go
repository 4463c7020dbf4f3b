package runtime

import (
	"fmt"
	"strings"
)

// Severity classifies a capability failure for routing purposes. The set is
// closed: anything a capability reports outside it is handled as
// unknown/unclassified and never silently retried.
type Severity string

const (
	// SeverityRetriable marks transient failures (network, timeout). The
	// failing step is retried in place, bounded by the capability's retry
	// policy.
	SeverityRetriable Severity = "retriable"
	// SeverityReplanning marks failures whose preconditions were wrong. The
	// whole plan is regenerated, bounded by the planning-attempt budget.
	SeverityReplanning Severity = "replanning"
	// SeverityCritical marks failures unrecoverable within the session.
	SeverityCritical Severity = "critical"
)

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "retriable", "retryable", "transient":
		return SeverityRetriable, nil
	case "replanning", "replan":
		return SeverityReplanning, nil
	case "critical", "fatal":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("invalid severity: %q", s)
	}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityRetriable, SeverityReplanning, SeverityCritical:
		return true
	default:
		return false
	}
}
