// Package handlers provides the built-in task handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/agentflow/internal/logging"
	"github.com/aristath/agentflow/internal/scheduler"
)

// Task types served by this package.
const (
	TypeEcho = "echo"
	TypeExec = "exec"
)

// OutputFunc receives one line of output produced by a task.
type OutputFunc func(taskID, line string)

// Registrar is the part of the scheduler handlers are registered on.
type Registrar interface {
	RegisterHandler(taskType string, h scheduler.Handler)
}

// RegisterAll installs the echo and exec handlers.
func RegisterAll(r Registrar, pm *ProcessManager, output OutputFunc, logger logrus.FieldLogger) {
	r.RegisterHandler(TypeEcho, Echo)
	r.RegisterHandler(TypeExec, Exec(pm, output, logger))
}

// Echo returns the task payload as its result.
func Echo(ctx context.Context, task scheduler.Task) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(task.Payload) == 0 {
		return json.RawMessage(`null`), nil
	}
	return task.Payload, nil
}

// ExecRequest is the payload of an exec task.
type ExecRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ExecResult is the result of a successful exec task.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	Duration string `json:"duration"`
}

// Exec returns a handler that runs the command in the payload. A non-zero
// exit is a task failure. Output lines go to output when it is set.
func Exec(pm *ProcessManager, output OutputFunc, logger logrus.FieldLogger) scheduler.Handler {
	log := logging.Component(logger, "exec")

	return func(ctx context.Context, task scheduler.Task) (json.RawMessage, error) {
		var req ExecRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid exec payload: %w", err)
		}
		if req.Command == "" {
			return nil, errors.New("invalid exec payload: command is required")
		}

		cmd := newCommand(ctx, req.Command, req.Args...)
		cmd.Dir = req.Dir
		if len(req.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range req.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}

		var onLine func(stream, line string)
		if output != nil {
			onLine = func(_ string, line string) { output(task.ID, line) }
		}

		log.WithFields(logrus.Fields{
			"task_id": task.ID,
			"command": req.Command,
		}).Debug("running command")

		started := time.Now()
		stdout, stderr, err := runCommand(cmd, pm, onLine)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		return json.Marshal(ExecResult{
			ExitCode: cmd.ProcessState.ExitCode(),
			Stdout:   string(stdout),
			Stderr:   string(stderr),
			Duration: time.Since(started).String(),
		})
	}
}
