// Package terminal runs shell commands inside a workflow's output directory, e.g. the build
// command of a compile phase.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"go-agentic/pkg/logger"
	"go-agentic/pkg/models"
)

const (
	MethodCompile = "compile"
	MethodRun     = "run"
)

var ErrUnknownMethod = errors.New("unknown terminal method")

type Terminal struct {
	shell string
}

func New() *Terminal {
	return &Terminal{shell: "bash"}
}

// Execute runs input["build_command"] (compile) or input["command"] (run) in input["output_path"].
// A failing command is reported as success=false with its output, not as an error.
func (t *Terminal) Execute(ctx context.Context, method string, input map[string]any) (map[string]any, error) {
	var command string
	switch method {
	case MethodCompile:
		command, _ = input["build_command"].(string)
	case MethodRun:
		command, _ = input["command"].(string)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%s: no command given", method)
	}
	dir, _ := input["output_path"].(string)
	if dir != "" {
		if err := CreateDirectoryIfNotExists(dir); err != nil {
			return nil, err
		}
	}

	l := log.With().Str(logger.AgentNameField, "terminal").Str("command", command).Logger()
	l.Info().Msg("attempting to run command")
	out, code, err := t.RunCommand(ctx, command, dir)
	if err != nil {
		l.Error().Err(err).Int("exit_code", code).Msg("command failed")
		return map[string]any{"success": false, "error": err.Error(), "output": out, "exit_code": code}, nil
	}
	return map[string]any{"success": true, "output": out, "exit_code": code}, nil
}

func (t *Terminal) HealthCheck(_ context.Context) (models.Health, error) {
	if _, err := exec.LookPath(t.shell); err != nil {
		return models.Health{Status: "unavailable", Agent: "terminal", Details: map[string]any{"error": err.Error()}}, nil
	}
	return models.Health{Status: models.Healthy, Agent: "terminal"}, nil
}

// RunCommand returns the combined output and the exit code of command.
func (t *Terminal) RunCommand(ctx context.Context, command, dir string) (string, int, error) {
	cmd := exec.CommandContext(ctx, t.shell, "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if err != nil || code != 0 {
		return string(output), code, fmt.Errorf("output=[%s], exit code=[%d], error=[%v]", strings.TrimSpace(string(output)), code, err)
	}
	return string(output), code, nil
}

func CreateDirectoryIfNotExists(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return nil
}
