package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/helmsman/internal/controlplane/plan"
	"github.com/danshapiro/helmsman/internal/controlplane/runtime"
)

func newTestSession(t *testing.T, work Capability, cl Classifier, orch Orchestrator, mutate func(*Config)) *Session {
	t.Helper()
	cfg := quietConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if cl == nil {
		cl = &fakeClassifier{selections: [][]string{{"work", "respond"}}}
	}
	if orch == nil {
		orch = &fakeOrchestrator{plans: []*plan.ExecutionPlan{respondPlan("step1")}}
	}
	s, err := NewSession(SessionOptions{
		Input:        "summarize inbox",
		LogsRoot:     t.TempDir(),
		Config:       cfg,
		Registry:     testRegistry(work),
		Classifier:   cl,
		Orchestrator: orch,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestNewSession_RequiresCollaborators(t *testing.T) {
	if _, err := NewSession(SessionOptions{Orchestrator: &fakeOrchestrator{}}); err == nil {
		t.Fatalf("missing classifier accepted")
	}
	if _, err := NewSession(SessionOptions{Classifier: &fakeClassifier{}}); err == nil {
		t.Fatalf("missing orchestrator accepted")
	}
}

func TestNewSessionID_UniqueAndFilesystemSafe(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b {
		t.Fatalf("ids collide: %q", a)
	}
	if len(a) != 26 {
		t.Fatalf("id length: %d", len(a))
	}
}

func TestSessionRun_HappyPath(t *testing.T) {
	work := &fakeCapability{update: runtime.StateUpdate{
		ContextUpdates: map[string]any{"step1": "research done"},
	}}
	s := newTestSession(t, work, nil, nil, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("status: %q failure: %+v", res.FinalStatus, res.Failure)
	}
	if res.StepsCompleted != 2 {
		t.Fatalf("steps completed: %d", res.StepsCompleted)
	}
	if res.Response == nil {
		t.Fatalf("no response published")
	}
	if v, _ := s.context.Get("step1"); v != "research done" {
		t.Fatalf("context update lost: %v", v)
	}

	b, err := os.ReadFile(filepath.Join(res.LogsRoot, "final.json"))
	if err != nil {
		t.Fatalf("final.json: %v", err)
	}
	var fo runtime.FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		t.Fatalf("final.json parse: %v", err)
	}
	if fo.Status != runtime.FinalSuccess || fo.Task != "summarize inbox" {
		t.Fatalf("final outcome: %+v", fo)
	}
}

func TestSessionRun_RetryThenSuccess(t *testing.T) {
	work := &fakeCapability{
		script: []error{errors.New("connection timed out")},
		policy: runtime.RetryPolicy{MaxAttempts: 3, BackoffFactor: 1},
		classification: &runtime.ErrorClassification{
			Severity:    runtime.SeverityRetriable,
			UserMessage: "connection timed out",
		},
		update: runtime.StateUpdate{ContextUpdates: map[string]any{"step1": "ok"}},
	}
	s := newTestSession(t, work, nil, nil, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("status: %q failure: %+v", res.FinalStatus, res.Failure)
	}
	if work.calls != 2 {
		t.Fatalf("work calls: %d want 2", work.calls)
	}
	if s.state.RetryCount != 0 {
		t.Fatalf("retry count after success: %d", s.state.RetryCount)
	}
}

func TestSessionRun_RetryBudgetExhausted(t *testing.T) {
	work := &fakeCapability{
		script: []error{errors.New("down"), errors.New("down"), errors.New("down")},
		policy: runtime.RetryPolicy{MaxAttempts: 2, BackoffFactor: 1},
		classification: &runtime.ErrorClassification{
			Severity:    runtime.SeverityRetriable,
			UserMessage: "service unavailable",
		},
	}
	s := newTestSession(t, work, nil, nil, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalFail {
		t.Fatalf("status: %q", res.FinalStatus)
	}
	if res.Failure == nil || res.Failure.Kind != runtime.FailureRetryExhausted {
		t.Fatalf("failure: %+v", res.Failure)
	}
	if work.calls != 2 {
		t.Fatalf("work calls: %d want max_attempts executions", work.calls)
	}
}

func TestSessionRun_ReplanningGetsFreshPlan(t *testing.T) {
	work := &fakeCapability{
		script: []error{errors.New("document moved")},
		classification: &runtime.ErrorClassification{
			Severity:    runtime.SeverityReplanning,
			UserMessage: "input document no longer exists",
		},
		update: runtime.StateUpdate{ContextUpdates: map[string]any{"step": "ok"}},
	}
	orch := &fakeOrchestrator{plans: []*plan.ExecutionPlan{
		respondPlan("first_try"),
		respondPlan("second_try"),
	}}
	s := newTestSession(t, work, nil, orch, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("status: %q failure: %+v", res.FinalStatus, res.Failure)
	}
	if orch.calls != 2 {
		t.Fatalf("orchestrator calls: %d want replan", orch.calls)
	}
	if s.state.PlansCreatedCount != 2 {
		t.Fatalf("plans created: %d want 2", s.state.PlansCreatedCount)
	}
}

func TestSessionRun_PlanningBudgetExhausted(t *testing.T) {
	work := &fakeCapability{
		script: []error{errors.New("moved"), errors.New("moved")},
		classification: &runtime.ErrorClassification{
			Severity:    runtime.SeverityReplanning,
			UserMessage: "preconditions keep changing",
		},
	}
	orch := &fakeOrchestrator{plans: []*plan.ExecutionPlan{respondPlan("try")}}
	s := newTestSession(t, work, nil, orch, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalFail {
		t.Fatalf("status: %q", res.FinalStatus)
	}
	if res.Failure == nil || res.Failure.Kind != runtime.FailurePlanningExhausted {
		t.Fatalf("failure: %+v", res.Failure)
	}
}

func TestSessionRun_IdenticalFailureBreaker(t *testing.T) {
	work := &fakeCapability{
		script: []error{errors.New("x"), errors.New("x"), errors.New("x"), errors.New("x")},
		policy: runtime.RetryPolicy{MaxAttempts: 10, BackoffFactor: 1},
		classification: &runtime.ErrorClassification{
			Severity:    runtime.SeverityRetriable,
			UserMessage: "deterministic validation failure",
		},
	}
	s := newTestSession(t, work, nil, nil, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalFail {
		t.Fatalf("status: %q", res.FinalStatus)
	}
	if res.Failure == nil || res.Failure.Kind != runtime.FailureIdenticalFailureCycle {
		t.Fatalf("failure: %+v", res.Failure)
	}
	if work.calls != 3 {
		t.Fatalf("breaker tripped after %d calls, want 3", work.calls)
	}
	if res.Failure.Signature == "" {
		t.Fatalf("breaker failure missing signature")
	}
}

func TestSessionRun_KillDiscardsInFlightResult(t *testing.T) {
	var s *Session
	work := capabilityFunc(func(_ context.Context, _ *Execution, _ plan.PlannedStep) (runtime.StateUpdate, error) {
		s.Kill("operator stop")
		return runtime.StateUpdate{ContextUpdates: map[string]any{"step1": "must not land"}}, nil
	})
	s = newTestSession(t, work, nil, nil, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalFail {
		t.Fatalf("status: %q", res.FinalStatus)
	}
	if res.Failure == nil || res.Failure.Kind != runtime.FailureKilled {
		t.Fatalf("failure: %+v", res.Failure)
	}
	if _, ok := s.context.Get("step1"); ok {
		t.Fatalf("in-flight result applied after kill")
	}
	if res.StepsCompleted != 0 {
		t.Fatalf("steps completed: %d", res.StepsCompleted)
	}
}

func TestSessionRun_BudgetWatchdogKills(t *testing.T) {
	work := capabilityFunc(func(_ context.Context, _ *Execution, _ plan.PlannedStep) (runtime.StateUpdate, error) {
		time.Sleep(150 * time.Millisecond)
		return runtime.StateUpdate{}, nil
	})
	s := newTestSession(t, work, nil, nil, func(cfg *Config) {
		budget := 10
		cfg.Limits.MaxExecutionTimeMS = &budget
	})

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalFail || res.Failure == nil || res.Failure.Kind != runtime.FailureKilled {
		t.Fatalf("status %q failure %+v", res.FinalStatus, res.Failure)
	}
}

func TestSessionRun_ReclassificationReplacesCapabilitySet(t *testing.T) {
	work := &fakeCapability{update: runtime.StateUpdate{
		NeedsReclassification:  true,
		ReclassificationReason: "task needs different tools",
	}}
	cl := &fakeClassifier{selections: [][]string{
		{"work", "respond"},
		{"respond"},
	}}
	orch := &fakeOrchestrator{plans: []*plan.ExecutionPlan{
		respondPlan("step1"),
		respondPlan(), // respond only
	}}
	s := newTestSession(t, work, cl, orch, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("status: %q failure: %+v", res.FinalStatus, res.Failure)
	}
	if cl.calls != 2 {
		t.Fatalf("classifier calls: %d want reclassification", cl.calls)
	}
	if orch.calls != 2 {
		t.Fatalf("orchestrator calls: %d want replan after reclassification", orch.calls)
	}
	if len(s.state.ActiveCapabilities) != 1 || s.state.ActiveCapabilities[0] != "respond" {
		t.Fatalf("active capabilities: %v", s.state.ActiveCapabilities)
	}
}

func TestSessionRun_ReclassificationBudgetExhausted(t *testing.T) {
	// Every work step demands reclassification; the second demand exceeds
	// the budget of two classifier runs.
	work := &fakeCapability{update: runtime.StateUpdate{
		NeedsReclassification:  true,
		ReclassificationReason: "never satisfied",
	}}
	cl := &fakeClassifier{selections: [][]string{{"work", "respond"}}}
	orch := &fakeOrchestrator{plans: []*plan.ExecutionPlan{respondPlan("step1")}}
	s := newTestSession(t, work, cl, orch, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalFail {
		t.Fatalf("status: %q", res.FinalStatus)
	}
	if res.Failure == nil || res.Failure.Kind != runtime.FailureReclassificationExhausted {
		t.Fatalf("failure: %+v", res.Failure)
	}
}

func TestSessionRun_ClarifyEndsSession(t *testing.T) {
	orch := &fakeOrchestrator{plans: []*plan.ExecutionPlan{{Steps: []plan.PlannedStep{
		{
			ContextKey:    "question",
			Capability:    "clarify",
			TaskObjective: "ask which inbox",
			Parameters:    map[string]any{"message": "Which inbox should I summarize?"},
		},
	}}}}
	s := newTestSession(t, nil, &fakeClassifier{selections: [][]string{{"respond", "clarify"}}}, orch, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("status: %q failure: %+v", res.FinalStatus, res.Failure)
	}
	req, ok := res.Response.(map[string]any)
	if !ok || req["question"] != "Which inbox should I summarize?" {
		t.Fatalf("clarification request: %v", res.Response)
	}
}

func TestSessionRun_ContextCancellation(t *testing.T) {
	work := capabilityFunc(func(ctx context.Context, _ *Execution, _ plan.PlannedStep) (runtime.StateUpdate, error) {
		<-ctx.Done()
		return runtime.StateUpdate{}, ctx.Err()
	})
	s := newTestSession(t, work, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := s.Run(ctx); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestSessionRun_FinalJSONOnFailure(t *testing.T) {
	work := &fakeCapability{
		script: []error{errors.New("broken")},
		classification: &runtime.ErrorClassification{
			Severity:    runtime.SeverityCritical,
			UserMessage: "credentials revoked",
		},
	}
	s := newTestSession(t, work, nil, nil, nil)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failure == nil || res.Failure.Kind != runtime.FailureCritical {
		t.Fatalf("failure: %+v", res.Failure)
	}
	b, err := os.ReadFile(filepath.Join(res.LogsRoot, "final.json"))
	if err != nil {
		t.Fatalf("final.json: %v", err)
	}
	var fo runtime.FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fo.Status != runtime.FinalFail || fo.Failure == nil || fo.Failure.Kind != runtime.FailureCritical {
		t.Fatalf("final outcome: %+v", fo)
	}
}

func TestSessionRun_JournalTrail(t *testing.T) {
	work := &fakeCapability{update: runtime.StateUpdate{}}
	cfg := quietConfig()
	cfg.Journal.Disabled = false
	logsRoot := t.TempDir()
	s, err := NewSession(SessionOptions{
		Input:        "summarize inbox",
		LogsRoot:     logsRoot,
		Config:       cfg,
		Registry:     testRegistry(work),
		Classifier:   &fakeClassifier{selections: [][]string{{"work", "respond"}}},
		Orchestrator: &fakeOrchestrator{plans: []*plan.ExecutionPlan{respondPlan("step1")}},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	recs := readJSONLEvents(t, logsRoot)
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.Event] = true
	}
	for _, event := range []string{"session_started", "decision", "task_extracted", "classifier_completed", "plan_accepted", "attempt_start", "attempt_end", "step_completed", "session_finished"} {
		if !seen[event] {
			t.Fatalf("journal missing %q; events: %v", event, seen)
		}
	}
}

func TestSessionRun_ArchiveWritten(t *testing.T) {
	work := &fakeCapability{update: runtime.StateUpdate{}}
	s := newTestSession(t, work, nil, nil, func(cfg *Config) {
		cfg.Archive.Enabled = true
	})
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(res.LogsRoot, "session.tgz")); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
}
