// Package orchestrator routes goals to registered agents and runs the tasks they plan.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"go-agentic/internal/agent"
	"go-agentic/internal/metrics"
	"go-agentic/pkg/logger"
	"go-agentic/pkg/memory"
	"go-agentic/pkg/models"
)

var (
	ErrNoCapableAgent = errors.New("no capable agent for goal")
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrAborted        = errors.New("aborted after a critical goal failed")
)

// AgentContextKey in a goal's context restricts selection to the agent with that id or name.
const AgentContextKey = "agent"

// Selector picks one agent among those able to pursue a goal. candidates is never empty
// and is in registration order.
type Selector interface {
	Select(goal *models.Goal, candidates []*agent.Agent) *agent.Agent
}

// FirstCapable selects the earliest registered candidate.
type FirstCapable struct{}

func (FirstCapable) Select(_ *models.Goal, candidates []*agent.Agent) *agent.Agent {
	return candidates[0]
}

type Option func(*Orchestrator)

func WithSelector(s Selector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithMaxConcurrency bounds how many goals of one concurrent wave run at once. 0 means no bound.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) { o.maxConcurrency = n }
}

type registration struct {
	agent         *agent.Agent
	collaborators []string
}

type Orchestrator struct {
	selector       Selector
	maxConcurrency int

	mu     sync.RWMutex
	agents []registration
	goals  map[string]*models.Goal
	order  []string
	shared map[string]any
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		selector: FirstCapable{},
		goals:    map[string]*models.Goal{},
		shared:   map[string]any{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterAgent adds a to the registry. The orchestrator keeps a reference only; collaborators
// name the external services the agent depends on and are reported by Status.
func (o *Orchestrator) RegisterAgent(a *agent.Agent, collaborators ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.agents {
		if r.agent.ID() == a.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID())
		}
	}
	o.agents = append(o.agents, registration{agent: a, collaborators: collaborators})
	log.Info().Str(logger.AgentNameField, a.Name()).Str(logger.AgentIDField, a.ID()).Msg("agent registered")
	return nil
}

// DeregisterAgent removes the agent with id and reports whether it was registered.
func (o *Orchestrator) DeregisterAgent(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, r := range o.agents {
		if r.agent.ID() == id {
			o.agents = append(o.agents[:i], o.agents[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Orchestrator) Agents() []*agent.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*agent.Agent, len(o.agents))
	for i, r := range o.agents {
		out[i] = r.agent
	}
	return out
}

func (o *Orchestrator) capable(goal *models.Goal) []*agent.Agent {
	want, _ := goal.Context[AgentContextKey].(string)
	var out []*agent.Agent
	for _, a := range o.Agents() {
		if want != "" && want != a.ID() && want != a.Name() {
			continue
		}
		if a.CanPursue(goal) {
			out = append(out, a)
		}
	}
	return out
}

// GoalResult is the structured outcome of one goal. Error is set for orchestration failures;
// task failures are listed in Failures and make Success false.
type GoalResult struct {
	GoalID   string                    `json:"goal_id"`
	AgentID  string                    `json:"agent_id,omitempty"`
	Agent    string                    `json:"agent,omitempty"`
	Success  bool                      `json:"success"`
	Results  map[string]map[string]any `json:"results,omitempty"`
	Failures map[string]string         `json:"failures,omitempty"`
	Skipped  []string                  `json:"skipped,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// ExecuteGoal plans and runs goal on the selected agent. It never panics and never returns a
// Go error; every failure is reported in the result.
func (o *Orchestrator) ExecuteGoal(ctx context.Context, goal *models.Goal) (result GoalResult) {
	result = GoalResult{GoalID: goal.ID}
	o.track(goal)
	l := log.With().Str(logger.GoalIDField, goal.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("goal panic: %v", r)
		}
		outcome := "succeeded"
		if !result.Success {
			outcome = "failed"
			l.Warn().Str("error", result.Error).Int("failures", len(result.Failures)).Strs("skipped", result.Skipped).Msg("goal failed")
		}
		metrics.Goals.WithLabelValues(outcome).Inc()
	}()

	candidates := o.capable(goal)
	if len(candidates) == 0 {
		result.Error = fmt.Sprintf("%s: %s", ErrNoCapableAgent, goal.ID)
		return result
	}
	chosen := o.selector.Select(goal, candidates)
	result.AgentID, result.Agent = chosen.ID(), chosen.Name()
	l.Info().Str(logger.AgentNameField, chosen.Name()).Msg("executing goal")

	goals := chosen.AnalyzeSituation(situation(goal))
	if len(goals) == 0 {
		goals = []*models.Goal{goal}
	}
	tasks := chosen.PlanActions(goals)
	report, err := chosen.RunTasks(ctx, tasks)
	result.Results = report.Results
	result.Failures = report.Failures
	result.Skipped = report.Skipped
	result.Success = report.Success && err == nil
	if err != nil {
		result.Error = err.Error()
	}
	o.progress(goal, len(tasks), len(report.Results), result.Success)
	return result
}

func situation(goal *models.Goal) map[string]any {
	s := make(map[string]any, len(goal.Context)+3)
	for k, v := range goal.Context {
		s[k] = v
	}
	s["goal_id"] = goal.ID
	s["description"] = goal.Description
	s["priority"] = string(goal.Priority)
	return s
}

func (o *Orchestrator) track(goal *models.Goal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.goals[goal.ID]; !ok {
		o.order = append(o.order, goal.ID)
	}
	o.goals[goal.ID] = goal
}

func (o *Orchestrator) progress(goal *models.Goal, total, done int, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if total > 0 {
		goal.Progress = float64(done) / float64(total)
	}
	goal.Completed = success
	if success {
		goal.Progress = 1
	}
}

func (o *Orchestrator) SetShared(key string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shared[key] = value
}

func (o *Orchestrator) Shared(key string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.shared[key]
	return v, ok
}

type AgentStatus struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	State         models.AgentState  `json:"state"`
	TaskTypes     []string           `json:"task_types"`
	Collaborators []string           `json:"collaborators,omitempty"`
	Metrics       map[string]float64 `json:"metrics"`
	Patterns      []memory.Pattern   `json:"patterns,omitempty"`
}

type GoalStatus struct {
	ID        string          `json:"id"`
	Priority  models.Priority `json:"priority"`
	Progress  float64         `json:"progress"`
	Completed bool            `json:"completed"`
}

type Status struct {
	Agents     []AgentStatus `json:"agents"`
	Goals      []GoalStatus  `json:"goals"`
	SharedKeys []string      `json:"shared_keys"`
}

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := Status{Agents: []AgentStatus{}, Goals: []GoalStatus{}, SharedKeys: []string{}}
	for _, r := range o.agents {
		a := r.agent
		st.Agents = append(st.Agents, AgentStatus{
			ID:            a.ID(),
			Name:          a.Name(),
			State:         a.State(),
			TaskTypes:     a.TaskTypes(),
			Collaborators: r.collaborators,
			Metrics:       a.Memory().PerformanceMetrics(),
			Patterns:      a.Memory().ExtractPatterns(3),
		})
	}
	for _, id := range o.order {
		g := o.goals[id]
		st.Goals = append(st.Goals, GoalStatus{ID: g.ID, Priority: g.Priority, Progress: g.Progress, Completed: g.Completed})
	}
	for k := range o.shared {
		st.SharedKeys = append(st.SharedKeys, k)
	}
	sort.Strings(st.SharedKeys)
	return st
}
