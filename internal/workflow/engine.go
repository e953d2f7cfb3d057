// Package workflow runs persisted, phase-by-phase workflows with retries and human approval gates.
//
// Each running workflow instance is owned by one actor, so all of an instance's state changes are
// applied by a single writer. The Engine is the only entry point; it routes calls to the owning actor
// and loads instances from the Store when they are not resident.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go-agentic/internal/metrics"
	"go-agentic/pkg/logger"
	"go-agentic/pkg/models"
)

var (
	ErrInvalidRequest = errors.New("invalid workflow request")
	ErrUnknownAgent   = errors.New("no agent registered for agent type")
	ErrInvalidState   = errors.New("workflow is not in a state that allows this")
)

type Config struct {
	// Backoff paces automatic phase retries. Defaults to a fixed 5s wait.
	Backoff BackoffPolicy
	// ApprovalMode applies when a start request names none. Defaults to interactive.
	ApprovalMode ApprovalMode
	// ApprovalExpiry sets ApprovalRequest.ExpiresAt. Defaults to 24h.
	ApprovalExpiry time.Duration
	// Expiry decides what happens to expired approvals when SweepExpiredApprovals runs.
	Expiry ExpiryPolicy
	// RequestTimeout bounds calls into an instance actor.
	RequestTimeout time.Duration
	Clock          func() time.Time
}

func (c *Config) setDefaults() {
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
	if c.ApprovalMode == "" {
		c.ApprovalMode = ApprovalInteractive
	}
	if c.ApprovalExpiry <= 0 {
		c.ApprovalExpiry = DefaultApprovalExpiry
	}
	if c.Expiry == nil {
		c.Expiry = NoopExpiry{}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

var supervision = actor.NewOneForOneStrategy(3, 10*time.Second, func(reason interface{}) actor.Directive {
	log.Error().Msgf("workflow actor failure: %v", reason)
	return actor.RestartDirective
})

type Engine struct {
	root  *actor.RootContext
	defs  *Definitions
	store Store
	cfg   Config
	ctx   context.Context

	agentsMu sync.RWMutex
	agents   map[string]ExternalAgent

	loadMu    sync.Mutex
	mu        sync.Mutex
	residents map[string]*actor.PID
	approvals map[string]ApprovalRequest
}

func NewEngine(root *actor.RootContext, defs *Definitions, store Store, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		root:      root,
		defs:      defs,
		store:     store,
		cfg:       cfg,
		ctx:       context.Background(),
		agents:    map[string]ExternalAgent{},
		residents: map[string]*actor.PID{},
		approvals: map[string]ApprovalRequest{},
	}
}

// RegisterAgent binds agentType to a. Phases resolve their agent when they run.
func (e *Engine) RegisterAgent(agentType string, a ExternalAgent) {
	e.agentsMu.Lock()
	defer e.agentsMu.Unlock()
	e.agents[agentType] = a
}

func (e *Engine) DeregisterAgent(agentType string) {
	e.agentsMu.Lock()
	defer e.agentsMu.Unlock()
	delete(e.agents, agentType)
}

func (e *Engine) agent(agentType string) (ExternalAgent, bool) {
	e.agentsMu.RLock()
	defer e.agentsMu.RUnlock()
	a, ok := e.agents[agentType]
	return a, ok
}

type StartRequest struct {
	Requirements string         `json:"requirements"`
	Technology   string         `json:"technology"`
	OutputPath   string         `json:"output_path"`
	DefinitionID string         `json:"definition_id,omitempty"`
	ApprovalMode ApprovalMode   `json:"approval_mode,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
}

type StartResult struct {
	WorkflowID string  `json:"workflow_id"`
	Status     Status  `json:"status"`
	Phases     []Phase `json:"phases"`
}

// StartWorkflow persists a new instance of the requested definition and schedules its first
// phase without waiting for it.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*StartResult, error) {
	defID := req.DefinitionID
	if defID == "" {
		if req.Technology == "" {
			return nil, fmt.Errorf("%w: technology or definition_id is required", ErrInvalidRequest)
		}
		defID = DefaultDefinitionID(req.Technology)
	}
	def, err := e.defs.Get(defID)
	if err != nil {
		return nil, err
	}
	mode := req.ApprovalMode
	if mode == "" {
		mode = e.cfg.ApprovalMode
	}
	if mode != ApprovalInteractive && mode != ApprovalAutomatic {
		return nil, fmt.Errorf("%w: approval mode %q", ErrInvalidRequest, mode)
	}
	technology := req.Technology
	if technology == "" {
		technology = def.Technology
	}

	now := e.cfg.Clock()
	wf := &Instance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Status:       StatusPending,
		Requirements: req.Requirements,
		Technology:   technology,
		OutputPath:   req.OutputPath,
		ApprovalMode: mode,
		Config:       copyMap(req.Config),
		Phases:       make([]Phase, len(def.Phases)),
		CreatedAt:    now,
		UpdatedAt:    now,
		Artifacts:    []Artifact{},
		AuditLog:     []AuditEntry{},
	}
	for i, p := range def.Phases {
		p = p.clone()
		p.Status = PhasePending
		wf.Phases[i] = p
	}
	wf.updateProgress()

	entry := e.newAudit(wf.ID, AuditWorkflowStarted, "", req.UserID, map[string]any{"definition_id": def.ID})
	wf.AuditLog = append(wf.AuditLog, entry)
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit: %w", err)
	}

	result := &StartResult{WorkflowID: wf.ID, Status: wf.Status, Phases: wf.Clone().Phases}
	pid := e.spawn(wf)
	e.root.Send(pid, advance{})

	metrics.WorkflowsStarted.WithLabelValues(def.ID).Inc()
	log.Info().Str(logger.WorkflowIDField, wf.ID).Str("definition", def.ID).Msg("workflow started")
	return result, nil
}

// GetStatus returns a snapshot of the workflow, loading it from the store if it is not resident.
func (e *Engine) GetStatus(ctx context.Context, id string) (*Instance, error) {
	pid, err := e.instance(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := e.request(pid, getSnapshot{})
	if err != nil {
		return nil, err
	}
	return res.(*Instance), nil
}

func (e *Engine) Pause(ctx context.Context, id, userID string) error {
	return e.control(ctx, id, control{op: opPause, userID: userID})
}

// Resume continues a paused workflow, or one loaded after a restart. Phases left running by a
// previous process return to pending.
func (e *Engine) Resume(ctx context.Context, id, userID string) error {
	return e.control(ctx, id, control{op: opResume, userID: userID})
}

// Cancel stops the workflow at the next phase boundary. An in-flight agent call is not interrupted;
// its outcome is discarded.
func (e *Engine) Cancel(ctx context.Context, id, userID string) error {
	return e.control(ctx, id, control{op: opCancel, userID: userID})
}

func (e *Engine) control(ctx context.Context, id string, msg control) error {
	pid, err := e.instance(ctx, id)
	if err != nil {
		return err
	}
	_, err = e.request(pid, msg)
	return err
}

func (e *Engine) Definitions() []Definition {
	return e.defs.List()
}

func (e *Engine) AuditLog(ctx context.Context, id string) ([]AuditEntry, error) {
	if _, err := e.store.LoadWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListAudit(ctx, id)
}

// HealthCheck asks every registered agent for its health. Errors are reported as the status.
func (e *Engine) HealthCheck(ctx context.Context) map[string]models.Health {
	e.agentsMu.RLock()
	agents := make(map[string]ExternalAgent, len(e.agents))
	for k, v := range e.agents {
		agents[k] = v
	}
	e.agentsMu.RUnlock()

	out := make(map[string]models.Health, len(agents))
	for agentType, a := range agents {
		h, err := a.HealthCheck(ctx)
		if err != nil {
			h = models.Health{Status: "unhealthy", Agent: agentType, Details: map[string]any{"error": err.Error()}}
		}
		out[agentType] = h
	}
	return out
}

// Stop stops every resident instance actor.
func (e *Engine) Stop() {
	e.mu.Lock()
	pids := make([]*actor.PID, 0, len(e.residents))
	for _, pid := range e.residents {
		pids = append(pids, pid)
	}
	e.residents = map[string]*actor.PID{}
	e.mu.Unlock()
	for _, pid := range pids {
		e.root.Stop(pid)
	}
}

func (e *Engine) spawn(wf *Instance) *actor.PID {
	a := newInstanceActor(e, wf)
	props := actor.PropsFromProducer(func() actor.Actor { return a }, actor.WithSupervisor(supervision))
	pid := e.root.Spawn(props)
	e.mu.Lock()
	e.residents[wf.ID] = pid
	e.mu.Unlock()
	return pid
}

func (e *Engine) instance(ctx context.Context, id string) (*actor.PID, error) {
	if pid, ok := e.resident(id); ok {
		return pid, nil
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if pid, ok := e.resident(id); ok {
		return pid, nil
	}
	wf, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	for _, p := range wf.Phases {
		if p.Status == PhaseWaitingApproval && !wf.Status.Terminal() {
			e.addApproval(e.newApprovalRequest(wf, &p))
		}
	}
	log.Info().Str(logger.WorkflowIDField, id).Str("status", string(wf.Status)).Msg("workflow loaded from store")
	return e.spawn(wf), nil
}

func (e *Engine) resident(id string) (*actor.PID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pid, ok := e.residents[id]
	return pid, ok
}

func (e *Engine) request(pid *actor.PID, msg any) (any, error) {
	res, err := e.root.RequestFuture(pid, msg, e.cfg.RequestTimeout).Result()
	if err != nil {
		return nil, fmt.Errorf("instance actor: %w", err)
	}
	if err, ok := res.(error); ok {
		return nil, err
	}
	return res, nil
}

func (e *Engine) newAudit(workflowID, action, phaseID, userID string, data map[string]any) AuditEntry {
	return AuditEntry{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Action:     action,
		PhaseID:    phaseID,
		UserID:     userID,
		Data:       data,
		Timestamp:  e.cfg.Clock(),
	}
}

// PendingApprovals returns open approval requests, oldest first.
func (e *Engine) PendingApprovals() []ApprovalRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(e.approvals))
	for _, req := range e.approvals {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *Engine) addApproval(req ApprovalRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approvals[req.ID] = req
}

// takeApproval removes and returns the request; a request can be taken once.
func (e *Engine) takeApproval(id string) (ApprovalRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.approvals[id]
	if ok {
		delete(e.approvals, id)
	}
	return req, ok
}

func (e *Engine) dropApprovals(workflowID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, req := range e.approvals {
		if req.WorkflowID == workflowID {
			delete(e.approvals, id)
		}
	}
}

func (e *Engine) newApprovalRequest(wf *Instance, p *Phase) ApprovalRequest {
	now := e.cfg.Clock()
	var artifacts []Artifact
	for _, a := range wf.Artifacts {
		if a.PhaseID == p.ID {
			artifacts = append(artifacts, a)
		}
	}
	return ApprovalRequest{
		ID:         approvalID(wf.ID, p.ID),
		WorkflowID: wf.ID,
		PhaseID:    p.ID,
		PhaseName:  p.Name,
		Result:     copyMap(p.Result),
		Artifacts:  artifacts,
		Actions:    append([]ApprovalAction(nil), AllActions...),
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.ApprovalExpiry),
	}
}
