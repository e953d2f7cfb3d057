package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	AgentNameField  = "agent"
	AgentIDField    = "agent_id"
	GoalIDField     = "goal"
	TaskField       = "task"
	TaskTypeField   = "task_type"
	ActorIDField    = "actor"
	WorkflowIDField = "workflow"
	PhaseIDField    = "phase"
	ActionField     = "action"
	UserIDField     = "user"
)

func NewGlobal(level string, pretty bool) error {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(l)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}
