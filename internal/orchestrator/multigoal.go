package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go-agentic/pkg/logger"
	"go-agentic/pkg/models"
)

// ExecuteMultiGoal runs goals in priority waves and returns one result per goal, in input order.
// Critical goals run one by one; the first critical failure aborts every goal not yet started.
// High goals then run concurrently, followed by medium and low goals (and unknown priorities)
// as a second concurrent wave. Failures outside the critical tier never affect siblings.
func (o *Orchestrator) ExecuteMultiGoal(ctx context.Context, goals []*models.Goal) []GoalResult {
	results := make([]GoalResult, len(goals))
	var critical, high, rest []int
	for i, g := range goals {
		switch g.Priority {
		case models.Critical:
			critical = append(critical, i)
		case models.High:
			high = append(high, i)
		default:
			rest = append(rest, i)
		}
	}

	for n, i := range critical {
		results[i] = o.ExecuteGoal(ctx, goals[i])
		if results[i].Success {
			continue
		}
		log.Error().Str(logger.GoalIDField, goals[i].ID).Msg("critical goal failed, aborting remaining goals")
		remaining := append(append(append([]int{}, critical[n+1:]...), high...), rest...)
		for _, j := range remaining {
			results[j] = GoalResult{GoalID: goals[j].ID, Error: ErrAborted.Error()}
		}
		return results
	}

	o.wave(ctx, goals, high, results)
	o.wave(ctx, goals, rest, results)
	return results
}

func (o *Orchestrator) wave(ctx context.Context, goals []*models.Goal, idx []int, results []GoalResult) {
	if len(idx) == 0 {
		return
	}
	var g errgroup.Group
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	for _, i := range idx {
		i := i
		g.Go(func() error {
			// each goroutine writes only its own slot
			results[i] = o.ExecuteGoal(ctx, goals[i])
			return nil
		})
	}
	_ = g.Wait()
}
