package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"go-agentic/pkg/models"
)

// External exposes an Agent to the workflow engine. The phase method names a task type.
type External struct {
	agent *Agent
}

func (a *Agent) External() *External {
	return &External{agent: a}
}

func (e *External) Execute(ctx context.Context, method string, input map[string]any) (map[string]any, error) {
	task := &models.Task{
		ID:       fmt.Sprintf("%s-%s", method, uuid.NewString()),
		Type:     method,
		Input:    input,
		Priority: models.High,
	}
	if _, err := e.agent.RunTasks(ctx, []*models.Task{task}); err != nil {
		return nil, err
	}
	if task.Error != "" {
		return map[string]any{"success": false, "error": task.Error}, nil
	}
	out := make(map[string]any, len(task.Result)+1)
	for k, v := range task.Result {
		out[k] = v
	}
	if _, ok := out["success"]; !ok {
		out["success"] = true
	}
	return out, nil
}

func (e *External) HealthCheck(_ context.Context) (models.Health, error) {
	status := models.Healthy
	if e.agent.State() == models.Failed {
		status = string(models.Failed)
	}
	return models.Health{
		Status: status,
		Agent:  e.agent.Name(),
		Details: map[string]any{
			"state":      e.agent.State(),
			"task_types": e.agent.TaskTypes(),
			"metrics":    e.agent.Memory().PerformanceMetrics(),
		},
	}, nil
}
