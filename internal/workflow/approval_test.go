package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approvalChain() Definition {
	def := chain("gated", "a", "b")
	def.Phases[0].ApprovalRequired = true
	return def
}

func decideApproval(t *testing.T, e *Engine, workflowID, phaseID string, action ApprovalAction, mods map[string]any) string {
	t.Helper()
	msg, err := e.HandleApproval(context.Background(), Decision{
		WorkflowID:    workflowID,
		PhaseID:       phaseID,
		Action:        action,
		Modifications: mods,
		UserID:        "reviewer",
	})
	require.NoError(t, err)
	return msg
}

func TestApproval_BuiltinDefinitionEndToEnd(t *testing.T) {
	codegen := &fakeAgent{fn: func(phaseID string, _ int) (map[string]any, error) {
		if phaseID == "generate" {
			return map[string]any{
				"generate_result": "package main",
				"generated_files": []any{"/out/main.go", map[string]any{"path": "/out/go.mod"}},
			}, nil
		}
		return map[string]any{"specification_result": "spec"}, nil
	}}
	review, terminal := &fakeAgent{}, &fakeAgent{}
	store := NewMemoryStore()
	e := newTestEngine(t, store, Config{}, BuiltinDefinitions()...)
	e.RegisterAgent("codegen", codegen)
	e.RegisterAgent("review", review)
	e.RegisterAgent("terminal", terminal)

	id := start(t, e, StartRequest{Requirements: "a todo api", Technology: "go", OutputPath: "/out"})

	req := waitApproval(t, e, id, "specification")
	assert.Equal(t, id+"_specification", req.ID)
	assert.ElementsMatch(t, AllActions, req.Actions)
	assert.Equal(t, "spec", req.Result["specification_result"])
	assert.Equal(t, "phase approved", decideApproval(t, e, id, "specification", ActionApprove, nil))

	req = waitApproval(t, e, id, "generate")
	assert.Len(t, req.Artifacts, 2)
	decideApproval(t, e, id, "generate", ActionApprove, nil)

	wf := waitStatus(t, e, id, StatusCompleted)
	assert.Equal(t, 100.0, wf.Progress.Percentage)
	require.Len(t, wf.Artifacts, 2)
	assert.Equal(t, "main.go", wf.Artifacts[0].Name)
	assert.Equal(t, "go.mod", wf.Artifacts[1].Name)
	assert.Equal(t, "generate", wf.Artifacts[0].PhaseID)
	assert.Equal(t, "file", wf.Artifacts[0].Type)

	assert.Equal(t, "go build ./...", terminal.Input("compile")["build_command"])
	assert.Equal(t, "package main", terminal.Input("compile")["generate_result"].(map[string]any)["generate_result"])

	audit, err := e.AuditLog(context.Background(), id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(audit), len(wf.Phases)+2)
	assert.Equal(t, 2, countAudit(audit, "approval_approve"))
	assert.Equal(t, 2, countAudit(audit, AuditApprovalRequested))
	assert.Equal(t, 1, countAudit(audit, AuditWorkflowStarted))
	assert.Equal(t, 1, countAudit(audit, AuditWorkflowCompleted))
	for _, entry := range audit {
		if entry.Action == "approval_approve" {
			assert.Equal(t, "reviewer", entry.UserID)
		}
	}
	assert.Empty(t, e.PendingApprovals())
}

func TestApproval_ConsumedOnce(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")

	decideApproval(t, e, id, "a", ActionApprove, nil)
	_, err := e.HandleApproval(context.Background(), Decision{WorkflowID: id, PhaseID: "a", Action: ActionApprove})
	require.ErrorIs(t, err, ErrApprovalNotFound)

	waitStatus(t, e, id, StatusCompleted)
	audit, err := e.AuditLog(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, countAudit(audit, "approval_approve"))
}

func TestApproval_ConcurrentDecisionsOnlyOneWins(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", &fakeAgent{})

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.HandleApproval(context.Background(), Decision{WorkflowID: id, PhaseID: "a", Action: ActionApprove})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestApproval_UnknownActionLeavesRequestOpen(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", &fakeAgent{})

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")

	_, err := e.HandleApproval(context.Background(), Decision{WorkflowID: id, PhaseID: "a", Action: "shrug"})
	require.ErrorIs(t, err, ErrUnknownAction)

	wf, err := e.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PhaseWaitingApproval, wf.Phases[0].Status)
	assert.Len(t, e.PendingApprovals(), 1)
}

func TestApproval_SkipSatisfiesDependents(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")
	assert.Equal(t, "phase skipped", decideApproval(t, e, id, "a", ActionSkip, nil))

	wf := waitStatus(t, e, id, StatusCompleted)
	assert.Equal(t, PhaseSkipped, wf.Phases[0].Status)
	assert.Equal(t, PhaseCompleted, wf.Phases[1].Status)
	assert.Equal(t, []string{"a", "b"}, agent.Calls())
}

func TestApproval_ModifyMergesIntoResult(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")
	decideApproval(t, e, id, "a", ActionModify, map[string]any{"tweak": "yes"})

	wf := waitStatus(t, e, id, StatusCompleted)
	assert.Equal(t, map[string]any{"phase": "a", "tweak": "yes"}, wf.Phases[0].Result)
	assert.Equal(t, map[string]any{"phase": "a", "tweak": "yes"}, agent.Input("b")["a_result"])
}

func TestApproval_RetryReExecutesPhase(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")
	assert.Equal(t, "phase retry started", decideApproval(t, e, id, "a", ActionRetry, nil))

	waitApproval(t, e, id, "a")
	assert.Equal(t, []string{"a", "a"}, agent.Calls())
	decideApproval(t, e, id, "a", ActionApprove, nil)

	wf := waitStatus(t, e, id, StatusCompleted)
	assert.Equal(t, 0, wf.Phases[0].RetryCount)
}

func TestApproval_CancelStopsWorkflow(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")
	decideApproval(t, e, id, "a", ActionCancel, nil)

	wf := waitStatus(t, e, id, StatusCancelled)
	assert.Equal(t, PhasePending, wf.Phases[1].Status)
	assert.Equal(t, []string{"a"}, agent.Calls())
	assert.Equal(t, 1, countAudit(wf.AuditLog, "approval_cancel"))
}

func TestApproval_AutomaticModeNeverWaits(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", &fakeAgent{})

	id := start(t, e, StartRequest{DefinitionID: "gated", ApprovalMode: ApprovalAutomatic})
	wf := waitStatus(t, e, id, StatusCompleted)
	assert.Equal(t, 0, countAudit(wf.AuditLog, AuditApprovalRequested))
	assert.Empty(t, e.PendingApprovals())
}

func TestApproval_PauseHoldsAdvance(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")
	require.NoError(t, e.Pause(context.Background(), id, "ops"))
	decideApproval(t, e, id, "a", ActionApprove, nil)

	time.Sleep(50 * time.Millisecond)
	wf, err := e.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, wf.Status)
	assert.Equal(t, PhasePending, wf.Phases[1].Status)

	require.NoError(t, e.Resume(context.Background(), id, "ops"))
	waitStatus(t, e, id, StatusCompleted)
	assert.Equal(t, []string{"a", "b"}, agent.Calls())
}

func TestApproval_PausedRetryWaitsForResume(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, approvalChain())
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")
	require.NoError(t, e.Pause(context.Background(), id, "ops"))
	assert.Equal(t, "phase retry started", decideApproval(t, e, id, "a", ActionRetry, nil))

	time.Sleep(50 * time.Millisecond)
	wf, err := e.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, wf.Status)
	assert.Equal(t, PhasePending, wf.Phases[0].Status)
	assert.Equal(t, []string{"a"}, agent.Calls())

	require.NoError(t, e.Resume(context.Background(), id, "ops"))
	waitApproval(t, e, id, "a")
	assert.Equal(t, []string{"a", "a"}, agent.Calls())
}

func TestApproval_WaitingPhaseHoldsIndependentPhases(t *testing.T) {
	agent := &fakeAgent{fn: func(phaseID string, _ int) (map[string]any, error) {
		if phaseID == "b" {
			return nil, errors.New("broken")
		}
		return map[string]any{}, nil
	}}
	def := Definition{ID: "split", Phases: []Phase{
		{ID: "a", AgentType: "fake", Method: "run", ApprovalRequired: true},
		{ID: "b", AgentType: "fake", Method: "run"},
	}}
	e := newTestEngine(t, NewMemoryStore(), Config{}, def)
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "split"})
	waitApproval(t, e, id, "a")
	require.NoError(t, e.Pause(context.Background(), id, "ops"))
	require.NoError(t, e.Resume(context.Background(), id, "ops"))

	time.Sleep(50 * time.Millisecond)
	wf, err := e.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, wf.Status)
	assert.Equal(t, PhasePending, wf.Phases[1].Status)
	assert.Equal(t, []string{"a"}, agent.Calls())
	require.Len(t, e.PendingApprovals(), 1)

	decideApproval(t, e, id, "a", ActionApprove, nil)
	wf = waitStatus(t, e, id, StatusFailed)
	assert.Equal(t, PhaseCompleted, wf.Phases[0].Status)
	assert.Empty(t, e.PendingApprovals())

	_, err = e.HandleApproval(context.Background(), Decision{WorkflowID: id, PhaseID: "a", Action: ActionApprove})
	require.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestApproval_ReloadedWorkflowRestoresRequests(t *testing.T) {
	store := NewMemoryStore()
	first := newTestEngine(t, store, Config{}, approvalChain())
	first.RegisterAgent("fake", &fakeAgent{})
	id := start(t, first, StartRequest{DefinitionID: "gated"})
	waitApproval(t, first, id, "a")

	second := newTestEngine(t, store, Config{}, approvalChain())
	second.RegisterAgent("fake", &fakeAgent{})
	assert.Empty(t, second.PendingApprovals())

	decideApproval(t, second, id, "a", ActionApprove, nil)
	waitStatus(t, second, id, StatusCompleted)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweepExpiredApprovals(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, NewMemoryStore(), Config{Clock: clock.Now, Expiry: ExpireWith(ActionSkip)}, approvalChain())
	e.RegisterAgent("fake", &fakeAgent{})

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	req := waitApproval(t, e, id, "a")
	assert.Equal(t, DefaultApprovalExpiry, req.ExpiresAt.Sub(req.CreatedAt))

	n, err := e.SweepExpiredApprovals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(DefaultApprovalExpiry + time.Minute)
	n, err = e.SweepExpiredApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wf := waitStatus(t, e, id, StatusCompleted)
	assert.Equal(t, PhaseSkipped, wf.Phases[0].Status)
}

func TestSweepExpiredApprovals_NoopLeavesRequests(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, NewMemoryStore(), Config{Clock: clock.Now}, approvalChain())
	e.RegisterAgent("fake", &fakeAgent{})

	id := start(t, e, StartRequest{DefinitionID: "gated"})
	waitApproval(t, e, id, "a")

	clock.Advance(48 * time.Hour)
	n, err := e.SweepExpiredApprovals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, e.PendingApprovals(), 1)
}
