// Package agent implements autonomous agents: a planner that turns a situation into goals
// and tasks, a registry of capability handlers keyed by task type, and a memory of outcomes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go-agentic/pkg/logger"
	"go-agentic/pkg/memory"
	"go-agentic/pkg/models"
)

var (
	ErrNoHandler        = errors.New("no capability handler for task")
	ErrDuplicateHandler = errors.New("task type already has a handler")
)

// CapabilityHandler performs the work for the task types it declares.
type CapabilityHandler interface {
	TaskTypes() []string
	CanHandle(task *models.Task) bool
	Execute(ctx context.Context, task *models.Task) (map[string]any, error)
}

// Learner is implemented by handlers that want feedback after a successful task.
type Learner interface {
	LearnFromResult(task *models.Task, result map[string]any)
}

// Planner is the rule-based half of an agent. Both methods must be pure functions of their input.
type Planner interface {
	AnalyzeSituation(situation map[string]any) []*models.Goal
	PlanActions(goals []*models.Goal) []*models.Task
}

type Config struct {
	ID   string
	Name string
	// SuccessThreshold is the success rate below which LearnAndAdapt warns. Defaults to 0.8.
	SuccessThreshold float64
	// MinPatternSamples is the experience count needed before a pattern is recorded. Defaults to 3.
	MinPatternSamples int
}

type Agent struct {
	id                string
	name              string
	planner           Planner
	memory            *memory.Memories
	successThreshold  float64
	minPatternSamples int

	mu       sync.RWMutex
	handlers map[string]CapabilityHandler
	order    []string
	state    models.AgentState
	plan     []*models.Task
}

func New(cfg Config, planner Planner, handlers ...CapabilityHandler) (*Agent, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 0.8
	}
	if cfg.MinPatternSamples <= 0 {
		cfg.MinPatternSamples = 3
	}
	a := &Agent{
		id:                cfg.ID,
		name:              cfg.Name,
		planner:           planner,
		memory:            memory.New(),
		successThreshold:  cfg.SuccessThreshold,
		minPatternSamples: cfg.MinPatternSamples,
		handlers:          map[string]CapabilityHandler{},
		state:             models.Idle,
	}
	for _, h := range handlers {
		if err := a.Register(h); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Register adds h under each of its task types. A task type maps to exactly one handler.
func (a *Agent) Register(h CapabilityHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	types := h.TaskTypes()
	for _, t := range types {
		if _, ok := a.handlers[t]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
		}
	}
	for _, t := range types {
		a.handlers[t] = h
		a.order = append(a.order, t)
	}
	return nil
}

// Handler returns the handler registered for the task's type, provided it accepts the task.
func (a *Agent) Handler(task *models.Task) (CapabilityHandler, error) {
	a.mu.RLock()
	h, ok := a.handlers[task.Type]
	a.mu.RUnlock()
	if !ok || !h.CanHandle(task) {
		return nil, fmt.Errorf("%w: %s (type %s)", ErrNoHandler, task.ID, task.Type)
	}
	return h, nil
}

func (a *Agent) CanHandle(taskType string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.handlers[taskType]
	return ok
}

// TaskTypes lists handled task types in registration order.
func (a *Agent) TaskTypes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Anticipate returns the task types the planner would produce for goal.
func (a *Agent) Anticipate(goal *models.Goal) []string {
	if a.planner == nil {
		return nil
	}
	seen := map[string]bool{}
	var types []string
	for _, t := range a.planner.PlanActions([]*models.Goal{goal}) {
		if !seen[t.Type] {
			seen[t.Type] = true
			types = append(types, t.Type)
		}
	}
	return types
}

// CanPursue reports whether the agent holds a handler for any task it would plan for goal.
func (a *Agent) CanPursue(goal *models.Goal) bool {
	for _, t := range a.Anticipate(goal) {
		if a.CanHandle(t) {
			return true
		}
	}
	return false
}

func (a *Agent) AnalyzeSituation(situation map[string]any) []*models.Goal {
	a.setState(models.Analyzing)
	if a.planner == nil {
		return nil
	}
	goals := a.planner.AnalyzeSituation(situation)
	log.Debug().Str(logger.AgentNameField, a.name).Int("goals", len(goals)).Msg("situation analyzed")
	return goals
}

// PlanActions plans tasks for goals and keeps them as the agent's current plan.
func (a *Agent) PlanActions(goals []*models.Goal) []*models.Task {
	a.setState(models.Planning)
	var tasks []*models.Task
	if a.planner != nil {
		tasks = a.planner.PlanActions(goals)
	}
	a.mu.Lock()
	a.plan = tasks
	a.mu.Unlock()
	log.Debug().Str(logger.AgentNameField, a.name).Int("tasks", len(tasks)).Msg("actions planned")
	return tasks
}

func (a *Agent) Plan() []*models.Task {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*models.Task, len(a.plan))
	copy(out, a.plan)
	return out
}

type Insights struct {
	LowPerformers []string         `json:"low_performers,omitempty"`
	Patterns      []memory.Pattern `json:"patterns,omitempty"`
}

// LearnAndAdapt warns about task types under the success threshold and records patterns
// for task types with enough samples. Nothing is tuned automatically.
func (a *Agent) LearnAndAdapt() Insights {
	a.setState(models.Learning)
	defer a.setState(models.Idle)

	insights := Insights{}
	metrics := a.memory.PerformanceMetrics()
	for taskType, rate := range metrics {
		if rate < a.successThreshold {
			insights.LowPerformers = append(insights.LowPerformers, taskType)
			log.Warn().
				Str(logger.AgentNameField, a.name).
				Str(logger.TaskTypeField, taskType).
				Float64("success_rate", rate).
				Msg("task type is under the success threshold")
		}
	}
	sort.Strings(insights.LowPerformers)
	insights.Patterns = a.memory.ExtractPatterns(a.minPatternSamples)
	return insights
}

func (a *Agent) ID() string               { return a.id }
func (a *Agent) Name() string             { return a.name }
func (a *Agent) Memory() *memory.Memories { return a.memory }

func (a *Agent) State() models.AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s models.AgentState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
