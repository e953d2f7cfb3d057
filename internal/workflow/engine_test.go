package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-agentic/pkg/models"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeAgent struct {
	mu     sync.Mutex
	calls  []string
	inputs map[string]map[string]any
	fn     func(phaseID string, attempt int) (map[string]any, error)

	active    int32
	maxActive int32
}

func (f *fakeAgent) Execute(_ context.Context, _ string, input map[string]any) (map[string]any, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
			break
		}
	}

	phaseID, _ := input["phase_id"].(string)
	f.mu.Lock()
	f.calls = append(f.calls, phaseID)
	if f.inputs == nil {
		f.inputs = map[string]map[string]any{}
	}
	f.inputs[phaseID] = input
	attempt := 0
	for _, c := range f.calls {
		if c == phaseID {
			attempt++
		}
	}
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(phaseID, attempt)
	}
	return map[string]any{"phase": phaseID}, nil
}

func (f *fakeAgent) HealthCheck(context.Context) (models.Health, error) {
	return models.Health{Status: models.Healthy, Agent: "fake"}, nil
}

func (f *fakeAgent) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAgent) Input(phaseID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[phaseID]
}

// chain builds a definition whose phases each depend on the previous one.
func chain(id string, phaseIDs ...string) Definition {
	def := Definition{ID: id, Name: id, Technology: "go"}
	for i, pid := range phaseIDs {
		p := Phase{ID: pid, Name: "phase " + pid, AgentType: "fake", Method: "run"}
		if i > 0 {
			p.Dependencies = []string{phaseIDs[i-1]}
		}
		def.Phases = append(def.Phases, p)
	}
	return def
}

func newTestEngine(t *testing.T, store Store, cfg Config, defs ...Definition) *Engine {
	t.Helper()
	d, err := NewDefinitions(defs...)
	require.NoError(t, err)
	if cfg.Backoff == nil {
		cfg.Backoff = FixedBackoff(0)
	}
	e := NewEngine(actor.NewActorSystem().Root, d, store, cfg)
	t.Cleanup(e.Stop)
	return e
}

func start(t *testing.T, e *Engine, req StartRequest) string {
	t.Helper()
	res, err := e.StartWorkflow(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.WorkflowID)
	return res.WorkflowID
}

func waitStatus(t *testing.T, e *Engine, id string, want Status) *Instance {
	t.Helper()
	var wf *Instance
	require.Eventually(t, func() bool {
		var err error
		wf, err = e.GetStatus(context.Background(), id)
		return err == nil && wf.Status == want
	}, waitFor, tick, "workflow never reached %s", want)
	return wf
}

func waitApproval(t *testing.T, e *Engine, workflowID, phaseID string) ApprovalRequest {
	t.Helper()
	var req ApprovalRequest
	require.Eventually(t, func() bool {
		for _, r := range e.PendingApprovals() {
			if r.WorkflowID == workflowID && r.PhaseID == phaseID {
				req = r
				return true
			}
		}
		return false
	}, waitFor, tick, "no approval request for %s", phaseID)
	return req
}

func countAudit(entries []AuditEntry, action string) int {
	n := 0
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestStartWorkflow_UnknownDefinition(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, Config{})

	_, err := e.StartWorkflow(context.Background(), StartRequest{Technology: "cobol"})
	require.ErrorIs(t, err, ErrUnknownDefinition)

	list, err := store.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStartWorkflow_InvalidApprovalMode(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), Config{}, chain("c", "a"))
	_, err := e.StartWorkflow(context.Background(), StartRequest{DefinitionID: "c", ApprovalMode: "sometimes"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEngine_RunsPhasesInDependencyOrder(t *testing.T) {
	agent := &fakeAgent{}
	e := newTestEngine(t, NewMemoryStore(), Config{}, chain("c", "a", "b", "c"))
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "c", Requirements: "build it", OutputPath: "/tmp/out", Config: map[string]any{"flavor": "x"}})
	wf := waitStatus(t, e, id, StatusCompleted)

	assert.Equal(t, []string{"a", "b", "c"}, agent.Calls())
	assert.Equal(t, 100.0, wf.Progress.Percentage)
	assert.Equal(t, 3, wf.Progress.Completed)
	assert.Empty(t, wf.CurrentPhase)
	require.NotNil(t, wf.CompletedAt)
	for _, p := range wf.Phases {
		assert.Equal(t, PhaseCompleted, p.Status)
		require.NotNil(t, p.StartTime)
		require.NotNil(t, p.EndTime)
	}

	in := agent.Input("c")
	assert.Equal(t, "build it", in["requirements"])
	assert.Equal(t, "/tmp/out", in["output_path"])
	assert.Equal(t, id, in["workflow_id"])
	assert.Equal(t, "c", in["phase_id"])
	assert.Equal(t, "x", in["flavor"])
	assert.Equal(t, map[string]any{"phase": "b"}, in["b_result"])
	assert.NotContains(t, in, "a_result")
}

func TestEngine_RunsOnePhaseAtATime(t *testing.T) {
	agent := &fakeAgent{fn: func(phaseID string, _ int) (map[string]any, error) {
		time.Sleep(10 * time.Millisecond)
		return map[string]any{}, nil
	}}
	def := Definition{ID: "flat", Phases: []Phase{
		{ID: "a", AgentType: "fake", Method: "run"},
		{ID: "b", AgentType: "fake", Method: "run"},
		{ID: "c", AgentType: "fake", Method: "run"},
	}}
	e := newTestEngine(t, NewMemoryStore(), Config{}, def)
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "flat"})
	waitStatus(t, e, id, StatusCompleted)

	assert.Len(t, agent.Calls(), 3)
	assert.EqualValues(t, 1, atomic.LoadInt32(&agent.maxActive))
}

func TestEngine_RetriesThenFails(t *testing.T) {
	agent := &fakeAgent{fn: func(string, int) (map[string]any, error) {
		return nil, errors.New("compiler exploded")
	}}
	def := chain("c", "build")
	def.Phases[0].MaxRetries = 2
	store := NewMemoryStore()
	e := newTestEngine(t, store, Config{}, def)
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "c"})
	wf := waitStatus(t, e, id, StatusFailed)

	assert.Len(t, agent.Calls(), 3)
	p := wf.Phases[0]
	assert.Equal(t, PhaseFailed, p.Status)
	assert.Equal(t, 2, p.RetryCount)
	assert.Equal(t, "compiler exploded", p.Error)
	assert.Contains(t, wf.Error, "phase build")
	assert.Contains(t, wf.Error, "compiler exploded")

	audit, err := e.AuditLog(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, countAudit(audit, AuditPhaseRetry))
	assert.Equal(t, 1, countAudit(audit, AuditWorkflowFailed))
	assert.Equal(t, 0, countAudit(audit, AuditWorkflowCompleted))
}

func TestEngine_RetrySucceeds(t *testing.T) {
	agent := &fakeAgent{fn: func(_ string, attempt int) (map[string]any, error) {
		if attempt == 1 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"ok": true}, nil
	}}
	def := chain("c", "a")
	def.Phases[0].MaxRetries = 3
	e := newTestEngine(t, NewMemoryStore(), Config{}, def)
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "c"})
	wf := waitStatus(t, e, id, StatusCompleted)

	assert.Equal(t, 1, wf.Phases[0].RetryCount)
	assert.Empty(t, wf.Phases[0].Error)
	assert.Equal(t, map[string]any{"ok": true}, wf.Phases[0].Result)
}

func TestEngine_ResumeKeepsRetryBackoff(t *testing.T) {
	agent := &fakeAgent{fn: func(_ string, attempt int) (map[string]any, error) {
		if attempt == 1 {
			return nil, errors.New("flaky")
		}
		return map[string]any{}, nil
	}}
	def := chain("c", "a")
	def.Phases[0].MaxRetries = 1
	e := newTestEngine(t, NewMemoryStore(), Config{Backoff: FixedBackoff(300 * time.Millisecond)}, def)
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "c"})
	require.Eventually(t, func() bool {
		wf, err := e.GetStatus(context.Background(), id)
		return err == nil && wf.Phases[0].RetryCount == 1
	}, waitFor, tick)
	require.NoError(t, e.Pause(context.Background(), id, "ops"))
	require.NoError(t, e.Resume(context.Background(), id, "ops"))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, agent.Calls(), 1)

	wf := waitStatus(t, e, id, StatusCompleted)
	assert.Len(t, agent.Calls(), 2)
	assert.Equal(t, 1, wf.Phases[0].RetryCount)
	assert.Nil(t, wf.Phases[0].NextRetryAt)
}

func TestEngine_ExplicitFailureResult(t *testing.T) {
	agent := &fakeAgent{fn: func(string, int) (map[string]any, error) {
		return map[string]any{"success": false, "error": "exit status 1"}, nil
	}}
	e := newTestEngine(t, NewMemoryStore(), Config{}, chain("c", "compile"))
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "c"})
	wf := waitStatus(t, e, id, StatusFailed)
	assert.Equal(t, "exit status 1", wf.Phases[0].Error)
	assert.Len(t, agent.Calls(), 1)
}

func TestEngine_UnknownAgentFailsPhase(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), Config{}, chain("c", "a"))

	id := start(t, e, StartRequest{DefinitionID: "c"})
	wf := waitStatus(t, e, id, StatusFailed)
	assert.Contains(t, wf.Phases[0].Error, ErrUnknownAgent.Error())
}

func TestEngine_PhaseTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	agent := &fakeAgent{fn: func(string, int) (map[string]any, error) {
		<-release
		return nil, nil
	}}
	def := chain("c", "slow")
	def.Phases[0].Timeout = 20 * time.Millisecond
	e := newTestEngine(t, NewMemoryStore(), Config{}, def)
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "c"})
	wf := waitStatus(t, e, id, StatusFailed)
	assert.Contains(t, wf.Phases[0].Error, "timed out")
}

func TestEngine_CancelDiscardsInFlightOutcome(t *testing.T) {
	release := make(chan struct{})
	agent := &fakeAgent{fn: func(phaseID string, _ int) (map[string]any, error) {
		if phaseID == "a" {
			<-release
		}
		return map[string]any{}, nil
	}}
	e := newTestEngine(t, NewMemoryStore(), Config{}, chain("c", "a", "b"))
	e.RegisterAgent("fake", agent)

	id := start(t, e, StartRequest{DefinitionID: "c"})
	require.Eventually(t, func() bool { return len(agent.Calls()) == 1 }, waitFor, tick)

	require.NoError(t, e.Cancel(context.Background(), id, "alice"))
	close(release)

	wf := waitStatus(t, e, id, StatusCancelled)
	time.Sleep(50 * time.Millisecond)
	wf, err := e.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, wf.Status)
	assert.Equal(t, []string{"a"}, agent.Calls())
	assert.Equal(t, PhaseFailed, wf.Phases[0].Status)
	assert.Equal(t, ErrCancelled.Error(), wf.Phases[0].Error)
	assert.NotNil(t, wf.Phases[0].EndTime)
	assert.Equal(t, PhasePending, wf.Phases[1].Status)

	require.ErrorIs(t, e.Cancel(context.Background(), id, "alice"), ErrInvalidState)
	audit, err := e.AuditLog(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, countAudit(audit, AuditWorkflowCancelled))
}

func TestEngine_GetStatusUnknown(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), Config{})
	_, err := e.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
	_, err = e.AuditLog(context.Background(), "missing")
	require.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestEngine_ResumeAfterRestart(t *testing.T) {
	store := NewMemoryStore()
	def := chain("c", "a", "b")
	now := time.Now()
	wf := &Instance{
		ID:           "wf-restart",
		DefinitionID: "c",
		Status:       StatusRunning,
		CurrentPhase: "a",
		ApprovalMode: ApprovalAutomatic,
		Phases:       []Phase{def.Phases[0].clone(), def.Phases[1].clone()},
		CreatedAt:    now,
	}
	wf.Phases[0].Status = PhaseRunning
	wf.Phases[0].StartTime = &now
	wf.Phases[1].Status = PhasePending
	require.NoError(t, store.SaveWorkflow(context.Background(), wf))

	agent := &fakeAgent{}
	e := newTestEngine(t, store, Config{}, def)
	e.RegisterAgent("fake", agent)

	require.NoError(t, e.Resume(context.Background(), wf.ID, ""))
	got := waitStatus(t, e, wf.ID, StatusCompleted)
	assert.Equal(t, []string{"a", "b"}, agent.Calls())
	assert.Equal(t, 100.0, got.Progress.Percentage)
}

func TestEngine_HealthCheck(t *testing.T) {
	e := newTestEngine(t, NewMemoryStore(), Config{})
	e.RegisterAgent("codegen", &fakeAgent{})
	e.RegisterAgent("review", &fakeAgent{})
	e.DeregisterAgent("review")

	health := e.HealthCheck(context.Background())
	require.Len(t, health, 1)
	assert.Equal(t, models.Healthy, health["codegen"].Status)
}
