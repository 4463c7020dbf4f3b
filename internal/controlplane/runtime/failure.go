package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FailureKind distinguishes why a session reached the error path. The kinds
// map one-to-one onto the bounds and contracts that can be violated, so the
// error-explanation collaborator can say which bound was hit rather than
// reporting a generic failure.
type FailureKind string

const (
	FailureRetryExhausted            FailureKind = "retry_exhausted"
	FailurePlanningExhausted         FailureKind = "planning_exhausted"
	FailureReclassificationExhausted FailureKind = "reclassification_exhausted"
	FailureCritical                  FailureKind = "critical"
	FailureUnknownSeverity           FailureKind = "unknown_severity"
	FailureUnregisteredCapability    FailureKind = "unregistered_capability"
	FailureKilled                    FailureKind = "killed"
	FailureClassificationFailed      FailureKind = "classification_failed"
	FailurePlanningFailed            FailureKind = "planning_failed"
	FailureTaskExtractionFailed      FailureKind = "task_extraction_failed"
	FailureIdenticalFailureCycle     FailureKind = "identical_failure_cycle"
)

// FailureReport is the payload handed to the error path. It retains the last
// classification and capability name so exhaustion kinds stay distinguishable
// downstream.
type FailureReport struct {
	Kind           FailureKind          `json:"kind"`
	CapabilityName string               `json:"capability_name,omitempty"`
	Reason         string               `json:"reason"`
	Signature      string               `json:"signature,omitempty"`
	Classification *ErrorClassification `json:"classification,omitempty"`
}

func (f *FailureReport) Error() string {
	if f == nil {
		return "<nil failure>"
	}
	if f.CapabilityName != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.CapabilityName, f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	FinalFail    FinalStatus = "fail"
)

// FinalOutcome is persisted as final.json in the session logs root when the
// session reaches a terminal decision.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	SessionID string `json:"session_id"`
	Task      string `json:"task,omitempty"`

	StepsCompleted int            `json:"steps_completed"`
	Counters       map[string]int `json:"counters,omitempty"`

	Failure *FailureReport `json:"failure,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return WriteJSONAtomicFile(path, fo)
}

// WriteJSONAtomicFile writes v as indented JSON via a temp file and rename,
// so readers never observe a partially written document.
func WriteJSONAtomicFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
