package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go-agentic/internal/metrics"
	"go-agentic/pkg/logger"
	"go-agentic/pkg/memory"
	"go-agentic/pkg/models"
)

var errSkipped = errors.New("dependencies never satisfied")

// Report aggregates the outcome of running a task list.
type Report struct {
	Results  map[string]map[string]any `json:"results"`
	Failures map[string]string         `json:"failures,omitempty"`
	Skipped  []string                  `json:"skipped,omitempty"`
	// Success is true only when every task was dispatched and completed without error.
	Success bool `json:"success"`
}

func newReport() Report {
	return Report{
		Results:  map[string]map[string]any{},
		Failures: map[string]string{},
	}
}

// ExecutePlan runs the tasks produced by the last PlanActions call.
func (a *Agent) ExecutePlan(ctx context.Context) (Report, error) {
	return a.RunTasks(ctx, a.Plan())
}

// RunTasks dispatches tasks in priority order, each only after its dependencies completed.
// A failing task never aborts its siblings; tasks whose dependencies never complete are skipped.
// An error is returned only when the loop itself cannot continue, e.g. ctx is done.
func (a *Agent) RunTasks(ctx context.Context, tasks []*models.Task) (report Report, err error) {
	a.setState(models.Executing)
	report = newReport()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execute plan: panic: %v", r)
		}
		if err != nil {
			a.setState(models.Failed)
			report.Success = false
			return
		}
		a.setState(models.Completed)
	}()

	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	pending := models.SortTasksByPriority(tasks)
	for len(pending) > 0 {
		var deferred []*models.Task
		dispatched := false
		for _, task := range pending {
			if err := ctx.Err(); err != nil {
				return report, fmt.Errorf("execute plan: %w", err)
			}
			if !models.DependenciesSatisfied(task, byID) {
				deferred = append(deferred, task)
				continue
			}
			dispatched = true
			a.runTask(ctx, task, byID)
			if task.Error != "" {
				report.Failures[task.ID] = task.Error
			} else {
				report.Results[task.ID] = task.Result
			}
		}
		if !dispatched {
			break
		}
		pending = deferred
	}

	for _, task := range pending {
		log.Warn().
			Str(logger.AgentNameField, a.name).
			Str(logger.TaskField, task.ID).
			Strs("dependencies", task.Dependencies).
			Msg(errSkipped.Error() + ", skipping task")
		report.Skipped = append(report.Skipped, task.ID)
	}
	report.Success = len(report.Failures) == 0 && len(report.Skipped) == 0
	return report, nil
}

func (a *Agent) runTask(ctx context.Context, task *models.Task, byID map[string]*models.Task) {
	l := log.With().Str(logger.AgentNameField, a.name).Str(logger.TaskField, task.ID).Str(logger.TaskTypeField, task.Type).Logger()

	for _, dep := range task.Dependencies {
		d := byID[dep]
		if task.Input == nil {
			task.Input = map[string]any{}
		}
		if _, set := task.Input[d.Type]; !set {
			task.Input[d.Type] = d.Result
		}
	}

	h, err := a.Handler(task)
	if err != nil {
		l.Error().Err(err).Msg("no handler for task")
		task.Fail(err)
		return
	}

	l.Info().Msg("executing task...")
	start := time.Now()
	result, err := execute(ctx, h, task)
	elapsed := time.Since(start)
	if err != nil {
		l.Error().Err(err).Msg("task failed")
		task.Fail(err)
		a.memory.Add(memory.Experience{TaskID: task.ID, TaskType: task.Type, Error: err.Error(), Duration: elapsed})
		metrics.Tasks.WithLabelValues(task.Type, "failed").Inc()
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	task.Complete(result)
	if learner, ok := h.(Learner); ok {
		learner.LearnFromResult(task, result)
	}
	a.memory.Add(memory.Experience{TaskID: task.ID, TaskType: task.Type, Success: true, Duration: elapsed})
	metrics.Tasks.WithLabelValues(task.Type, "completed").Inc()
	l.Info().Dur("elapsed", elapsed).Msg("task completed")
}

func execute(ctx context.Context, h CapabilityHandler, task *models.Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, task)
}
