package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"go-agentic/pkg/data"
	"go-agentic/pkg/logger"
	"go-agentic/pkg/models"
	"go-agentic/pkg/prompts"
)

// VarsFunc builds the prompt variables for a task.
type VarsFunc func(task *models.Task) (map[string]any, error)

// PostProcess runs on the decoded answer before it becomes the task result.
type PostProcess func(ctx context.Context, task *models.Task, answer map[string]any) (map[string]any, error)

// Handler is a capability handler that answers one task type with one prompt.
type Handler struct {
	taskType  string
	prompt    prompts.Prompt
	vars      VarsFunc
	completer Completer
	post      PostProcess
}

func NewHandler(taskType string, prompt prompts.Prompt, completer Completer, vars VarsFunc) *Handler {
	return &Handler{taskType: taskType, prompt: prompt, completer: completer, vars: vars}
}

func (h *Handler) WithPostProcess(post PostProcess) *Handler {
	h.post = post
	return h
}

func (h *Handler) TaskTypes() []string { return []string{h.taskType} }

func (h *Handler) CanHandle(task *models.Task) bool { return task.Type == h.taskType }

func (h *Handler) Execute(ctx context.Context, task *models.Task) (map[string]any, error) {
	vars, err := h.vars(task)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.taskType, err)
	}
	log.Debug().Str(logger.TaskField, task.ID).Str("prompt", h.prompt.Name).Msg("asking the llm...")
	completion, err := h.completer.Complete(ctx, h.prompt, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.taskType, err)
	}
	answer, err := data.DecodeAnswer(completion.Answer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.taskType, err)
	}
	if h.post != nil {
		return h.post(ctx, task, answer)
	}
	return answer, nil
}

// String returns input[key] as a string, or def when missing.
func String(input map[string]any, key, def string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Lookup returns the first present value among keys.
func Lookup(input map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := input[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// JSON marshals v for embedding in a prompt.
func JSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
