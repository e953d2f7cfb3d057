package models

import (
	"sort"
)

type Task struct {
	ID             string         `json:"id"`
	GoalID         string         `json:"goal_id"`
	Description    string         `json:"description"`
	Type           string         `json:"task_type"`
	Input          map[string]any `json:"input_data,omitempty"`
	ExpectedOutput map[string]any `json:"expected_output,omitempty"`
	Priority       Priority       `json:"priority"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Completed      bool           `json:"completed"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Fail records err on the task. A failed task is never completed.
func (t *Task) Fail(err error) {
	t.Completed = false
	t.Result = nil
	t.Error = err.Error()
}

func (t *Task) Complete(result map[string]any) {
	t.Completed = true
	t.Result = result
	t.Error = ""
}

// SortTasksByPriority returns a copy of tasks ordered critical first, ties broken by
// ascending dependency count. The sort is stable so planning order survives full ties.
func SortTasksByPriority(tasks []*Task) []*Task {
	sorted := make([]*Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Priority.Rank(), sorted[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return len(sorted[i].Dependencies) < len(sorted[j].Dependencies)
	})
	return sorted
}

// DependenciesSatisfied reports whether every dependency of task names a completed task in byID.
// Unknown dependency ids are never satisfied.
func DependenciesSatisfied(task *Task, byID map[string]*Task) bool {
	for _, dep := range task.Dependencies {
		d, ok := byID[dep]
		if !ok || !d.Completed {
			return false
		}
	}
	return true
}
