// Package codegen plans and runs code generation: requirements analysis, code generation
// and optional test generation, with generated files written under the output path.
package codegen

import (
	"context"
	"fmt"

	"go-agentic/internal/agent"
	"go-agentic/internal/agents/llm"
	"go-agentic/pkg/models"
	"go-agentic/pkg/prompts"
)

const (
	AnalyzeRequirements = "analyze_requirements"
	GenerateCode        = "generate_code"
	GenerateTests       = "generate_tests"

	kindImplementation = "implementation"
	kindTests          = "tests"
	defaultTechnology  = "go"
)

type Planner struct{}

// AnalyzeSituation emits an implementation goal when requirements are present, and a
// test goal when include_tests is set.
func (Planner) AnalyzeSituation(situation map[string]any) []*models.Goal {
	requirements := llm.String(situation, "requirements", "")
	if requirements == "" {
		return nil
	}
	prefix := llm.String(situation, "goal_id", "codegen")
	base := map[string]any{
		"requirements": requirements,
		"technology":   llm.String(situation, "technology", defaultTechnology),
		"output_path":  llm.String(situation, "output_path", ""),
	}

	impl := &models.Goal{
		ID:              prefix + "-implementation",
		Description:     "generate code for the requirements",
		Priority:        models.High,
		SuccessCriteria: map[string]any{"generated_files": "non-empty"},
		Context:         withKind(base, kindImplementation),
	}
	goals := []*models.Goal{impl}

	if include, _ := situation["include_tests"].(bool); include {
		tests := withKind(base, kindTests)
		tests["implementation_goal"] = impl.ID
		goals = append(goals, &models.Goal{
			ID:          prefix + "-tests",
			Description: "generate tests for the generated code",
			Priority:    models.Medium,
			Context:     tests,
		})
	}
	return goals
}

// PlanActions maps each goal to its task chain. Goals without a kind are treated as
// implementation goals whose description is the requirement.
func (Planner) PlanActions(goals []*models.Goal) []*models.Task {
	var tasks []*models.Task
	for _, g := range goals {
		input := taskInput(g)
		switch g.Context["kind"] {
		case kindTests:
			implGoal := llm.String(g.Context, "implementation_goal", "")
			var deps []string
			if implGoal != "" {
				deps = []string{implGoal + "-" + GenerateCode}
			}
			tasks = append(tasks, &models.Task{
				ID: g.ID + "-" + GenerateTests, GoalID: g.ID, Type: GenerateTests, Priority: g.Priority,
				Description: "write unit tests for the generated code", Input: input, Dependencies: deps,
			})
		default:
			analyze := &models.Task{
				ID: g.ID + "-" + AnalyzeRequirements, GoalID: g.ID, Type: AnalyzeRequirements, Priority: g.Priority,
				Description: "turn requirements into a specification", Input: input,
			}
			generate := &models.Task{
				ID: g.ID + "-" + GenerateCode, GoalID: g.ID, Type: GenerateCode, Priority: g.Priority,
				Description: "implement the specification", Input: copyMap(input), Dependencies: []string{analyze.ID},
				ExpectedOutput: map[string]any{"generated_files": "non-empty"},
			}
			tasks = append(tasks, analyze, generate)
		}
	}
	return tasks
}

// New builds the code generation agent with its three LLM handlers.
func New(completer llm.Completer, cfg agent.Config) (*agent.Agent, error) {
	if cfg.Name == "" {
		cfg.Name = "codegen"
	}
	analyze := llm.NewHandler(AnalyzeRequirements, prompts.AnalyzeRequirements, completer, func(task *models.Task) (map[string]any, error) {
		req := llm.String(task.Input, "requirements", "")
		if req == "" {
			return nil, fmt.Errorf("requirements are empty")
		}
		return map[string]any{
			"Requirements": req,
			"Technology":   llm.String(task.Input, "technology", defaultTechnology),
		}, nil
	})
	generate := llm.NewHandler(GenerateCode, prompts.GenerateCode, completer, func(task *models.Task) (map[string]any, error) {
		spec, _ := llm.Lookup(task.Input, AnalyzeRequirements, "specification_result")
		return map[string]any{
			"Requirements":  llm.String(task.Input, "requirements", ""),
			"Technology":    llm.String(task.Input, "technology", defaultTechnology),
			"Specification": llm.JSON(spec),
		}, nil
	}).WithPostProcess(writeGenerated)
	tests := llm.NewHandler(GenerateTests, prompts.GenerateTests, completer, func(task *models.Task) (map[string]any, error) {
		code, ok := llm.Lookup(task.Input, GenerateCode, "generate_result")
		if !ok {
			return nil, fmt.Errorf("no generated code to test")
		}
		return map[string]any{
			"Technology": llm.String(task.Input, "technology", defaultTechnology),
			"Code":       llm.JSON(code),
		}, nil
	}).WithPostProcess(writeGenerated)

	return agent.New(cfg, Planner{}, analyze, generate, tests)
}

func writeGenerated(_ context.Context, task *models.Task, answer map[string]any) (map[string]any, error) {
	files, err := parseFiles(answer["files"])
	if err != nil {
		return nil, err
	}
	out := map[string]any{"files": answer["files"]}
	root := llm.String(task.Input, "output_path", "")
	if root == "" {
		return out, nil
	}
	written, err := WriteFiles(root, files)
	if err != nil {
		return nil, err
	}
	out["generated_files"] = written
	return out, nil
}

func taskInput(g *models.Goal) map[string]any {
	input := copyMap(g.Context)
	delete(input, "kind")
	delete(input, "implementation_goal")
	if _, ok := input["requirements"]; !ok {
		input["requirements"] = g.Description
	}
	return input
}

func withKind(base map[string]any, kind string) map[string]any {
	out := copyMap(base)
	out["kind"] = kind
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
