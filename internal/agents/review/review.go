// Package review plans and runs code review: file discovery, per-file review and a summary.
package review

import (
	"fmt"

	"go-agentic/internal/agent"
	"go-agentic/internal/agents/llm"
	"go-agentic/pkg/models"
	"go-agentic/pkg/prompts"
)

const (
	DiscoverFiles     = "discover_files"
	ReviewFiles       = "review_files"
	SummarizeFindings = "summarize_findings"

	DefaultFileThreshold = 1000
	narrowLimit          = 100
	defaultFocus         = "correctness"
)

// Planner narrows discovery when the repository holds more files than FileThreshold.
type Planner struct {
	FileThreshold int
}

func (p Planner) threshold() int {
	if p.FileThreshold <= 0 {
		return DefaultFileThreshold
	}
	return p.FileThreshold
}

func (p Planner) AnalyzeSituation(situation map[string]any) []*models.Goal {
	path := llm.String(situation, "path", llm.String(situation, "output_path", ""))
	if path == "" {
		return nil
	}
	ctx := map[string]any{
		"path":  path,
		"focus": llm.String(situation, "focus", defaultFocus),
	}
	prefix := llm.String(situation, "goal_id", "review")

	if count(situation["file_count"]) > p.threshold() {
		ctx["limit"] = narrowLimit
		return []*models.Goal{{
			ID:          prefix + "-narrow",
			Description: fmt.Sprintf("review the %d most recently changed files", narrowLimit),
			Priority:    models.High,
			Context:     ctx,
		}}
	}
	return []*models.Goal{{
		ID:          prefix + "-full",
		Description: "review every source file",
		Priority:    models.Medium,
		Context:     ctx,
	}}
}

func (p Planner) PlanActions(goals []*models.Goal) []*models.Task {
	var tasks []*models.Task
	for _, g := range goals {
		input := map[string]any{}
		for k, v := range g.Context {
			input[k] = v
		}
		discover := &models.Task{ID: g.ID + "-" + DiscoverFiles, GoalID: g.ID, Type: DiscoverFiles, Priority: g.Priority,
			Description: "collect source files", Input: input}
		review := &models.Task{ID: g.ID + "-" + ReviewFiles, GoalID: g.ID, Type: ReviewFiles, Priority: g.Priority,
			Description: "review collected files", Input: map[string]any{"focus": input["focus"]}, Dependencies: []string{discover.ID}}
		summarize := &models.Task{ID: g.ID + "-" + SummarizeFindings, GoalID: g.ID, Type: SummarizeFindings, Priority: g.Priority,
			Description: "summarize findings", Input: map[string]any{}, Dependencies: []string{review.ID}}
		tasks = append(tasks, discover, review, summarize)
	}
	return tasks
}

func New(completer llm.Completer, planner Planner, cfg agent.Config) (*agent.Agent, error) {
	if cfg.Name == "" {
		cfg.Name = "review"
	}
	review := llm.NewHandler(ReviewFiles, prompts.ReviewFiles, completer, func(task *models.Task) (map[string]any, error) {
		files, ok := llm.Lookup(task.Input, DiscoverFiles, "generate_result")
		if !ok {
			return nil, fmt.Errorf("nothing to review")
		}
		if m, ok := files.(map[string]any); ok {
			if contents, ok := m["contents"]; ok {
				files = contents
			} else if generated, ok := m["generated_files"]; ok {
				files = generated
			}
		}
		return map[string]any{
			"Focus": llm.String(task.Input, "focus", defaultFocus),
			"Files": llm.JSON(files),
		}, nil
	})
	summarize := llm.NewHandler(SummarizeFindings, prompts.SummarizeFindings, completer, func(task *models.Task) (map[string]any, error) {
		findings, ok := llm.Lookup(task.Input, ReviewFiles, "review_result")
		if !ok {
			return nil, fmt.Errorf("no findings to summarize")
		}
		return map[string]any{"Findings": llm.JSON(findings)}, nil
	})
	return agent.New(cfg, planner, &Discoverer{}, review, summarize)
}

func count(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
