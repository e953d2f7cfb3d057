package workflow

import (
	"context"
	"time"

	"go-agentic/pkg/models"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type PhaseStatus string

const (
	PhasePending         PhaseStatus = "pending"
	PhaseRunning         PhaseStatus = "running"
	PhaseCompleted       PhaseStatus = "completed"
	PhaseFailed          PhaseStatus = "failed"
	PhaseWaitingApproval PhaseStatus = "waiting_approval"
	PhaseSkipped         PhaseStatus = "skipped"
)

// Satisfied reports whether a phase in this status unblocks its dependents.
func (s PhaseStatus) Satisfied() bool {
	return s == PhaseCompleted || s == PhaseSkipped
}

type ApprovalMode string

const (
	ApprovalInteractive ApprovalMode = "interactive"
	ApprovalAutomatic   ApprovalMode = "automatic"
)

type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionModify  ApprovalAction = "modify"
	ActionRetry   ApprovalAction = "retry"
	ActionSkip    ApprovalAction = "skip"
	ActionCancel  ApprovalAction = "cancel"
)

var AllActions = []ApprovalAction{ActionApprove, ActionModify, ActionRetry, ActionSkip, ActionCancel}

func (a ApprovalAction) Valid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

const (
	DefaultMaxRetries     = 3
	DefaultPhaseTimeout   = 300 * time.Second
	DefaultApprovalExpiry = 24 * time.Hour
)

// Audit actions written by the engine. Approval decisions are written as "approval_<action>".
const (
	AuditWorkflowStarted   = "workflow_started"
	AuditWorkflowCompleted = "workflow_completed"
	AuditWorkflowFailed    = "workflow_failed"
	AuditWorkflowCancelled = "workflow_cancelled"
	AuditWorkflowPaused    = "workflow_paused"
	AuditWorkflowResumed   = "workflow_resumed"
	AuditPhaseCompleted    = "phase_completed"
	AuditPhaseRetry        = "phase_retry"
	AuditApprovalRequested = "approval_requested"
)

func approvalAuditAction(a ApprovalAction) string { return "approval_" + string(a) }

type Phase struct {
	ID               string         `json:"id" yaml:"id"`
	Name             string         `json:"name" yaml:"name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	AgentType        string         `json:"agent_type" yaml:"agent_type"`
	Method           string         `json:"method" yaml:"method"`
	Dependencies     []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	ApprovalRequired bool           `json:"approval_required" yaml:"approval_required"`
	Status           PhaseStatus    `json:"status" yaml:"-"`
	InputData        map[string]any `json:"input_data,omitempty" yaml:"input_data,omitempty"`
	Result           map[string]any `json:"result,omitempty" yaml:"-"`
	Error            string         `json:"error,omitempty" yaml:"-"`
	StartTime        *time.Time     `json:"start_time,omitempty" yaml:"-"`
	EndTime          *time.Time     `json:"end_time,omitempty" yaml:"-"`
	RetryCount       int            `json:"retry_count" yaml:"-"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty" yaml:"-"`
	MaxRetries       int            `json:"max_retries" yaml:"max_retries"`
	Timeout          time.Duration  `json:"timeout" yaml:"timeout"`
}

// Definition is an immutable template of phases for one technology.
type Definition struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Technology  string  `json:"technology" yaml:"technology"`
	Phases      []Phase `json:"phases" yaml:"phases"`
}

type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

type Artifact struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	PhaseID   string    `json:"phase_id"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Action     string         `json:"action"`
	PhaseID    string         `json:"phase_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Instance is one run of a Definition. It owns its phase copies.
type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	Status       Status         `json:"status"`
	CurrentPhase string         `json:"current_phase,omitempty"`
	Requirements string         `json:"requirements"`
	Technology   string         `json:"technology"`
	OutputPath   string         `json:"output_path"`
	ApprovalMode ApprovalMode   `json:"approval_mode"`
	Config       map[string]any `json:"config,omitempty"`
	Phases       []Phase        `json:"phases"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	Progress     Progress       `json:"progress"`
	Artifacts    []Artifact     `json:"artifacts"`
	AuditLog     []AuditEntry   `json:"audit_log"`
}

func (w *Instance) phase(id string) *Phase {
	for i := range w.Phases {
		if w.Phases[i].ID == id {
			return &w.Phases[i]
		}
	}
	return nil
}

func (w *Instance) updateProgress() {
	done := 0
	for _, p := range w.Phases {
		if p.Status.Satisfied() {
			done++
		}
	}
	w.Progress = Progress{Total: len(w.Phases), Completed: done}
	if len(w.Phases) > 0 {
		w.Progress.Percentage = float64(done) / float64(len(w.Phases)) * 100
	}
}

// Clone returns a copy that shares no slices with w. Result and input maps are copied one level deep.
func (w *Instance) Clone() *Instance {
	c := *w
	c.Config = copyMap(w.Config)
	c.Phases = make([]Phase, len(w.Phases))
	for i, p := range w.Phases {
		c.Phases[i] = p.clone()
	}
	c.Artifacts = append([]Artifact(nil), w.Artifacts...)
	c.AuditLog = append([]AuditEntry(nil), w.AuditLog...)
	return &c
}

func (p Phase) clone() Phase {
	c := p
	c.Dependencies = append([]string(nil), p.Dependencies...)
	c.InputData = copyMap(p.InputData)
	c.Result = copyMap(p.Result)
	return c
}

// ApprovalRequest pauses a phase until an external decision arrives.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	PhaseID    string           `json:"phase_id"`
	PhaseName  string           `json:"phase_name"`
	Result     map[string]any   `json:"result,omitempty"`
	Artifacts  []Artifact       `json:"artifacts,omitempty"`
	Actions    []ApprovalAction `json:"actions"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

func approvalID(workflowID, phaseID string) string { return workflowID + "_" + phaseID }

type Decision struct {
	WorkflowID    string         `json:"workflow_id"`
	PhaseID       string         `json:"phase_id"`
	Action        ApprovalAction `json:"action"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
}

// ExternalAgent is the collaborator a phase is bound to by agent type.
// A result without an explicit success=false counts as success.
type ExternalAgent interface {
	Execute(ctx context.Context, method string, input map[string]any) (map[string]any, error)
	HealthCheck(ctx context.Context) (models.Health, error)
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
