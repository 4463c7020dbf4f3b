package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

// TaskExtractor turns raw user input into the task string the session runs.
// The extraction logic (LLM or otherwise) is an external collaborator.
type TaskExtractor interface {
	Extract(ctx context.Context, input string) (string, error)
}

// IdentityExtractor treats the raw input as the task. Useful when the caller
// already has a clean task string.
type IdentityExtractor struct{}

func (IdentityExtractor) Extract(_ context.Context, input string) (string, error) {
	task := strings.TrimSpace(input)
	if task == "" {
		return "", fmt.Errorf("empty task input")
	}
	return task, nil
}

func (s *Session) dispatchTaskExtraction(ctx context.Context) (*runtime.FailureReport, error) {
	task, err := s.extractor.Extract(ctx, s.input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, runContextError(ctx)
		}
		return &runtime.FailureReport{
			Kind:   runtime.FailureTaskExtractionFailed,
			Reason: fmt.Sprintf("task extraction failed: %v", err),
		}, nil
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return &runtime.FailureReport{
			Kind:   runtime.FailureTaskExtractionFailed,
			Reason: "task extraction produced an empty task",
		}, nil
	}
	s.state.CurrentTask = task
	s.context.Set("task", task)
	s.journal.Append("task_extracted", map[string]any{"task": task})
	return nil, nil
}
