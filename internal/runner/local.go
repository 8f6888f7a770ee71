package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/lei/flowci/internal/models"
)

// Local runs script steps as child processes on the engine host. It is
// the default collaborator wiring; structured action steps are not
// supported and need a runner that understands them.
type Local struct {
	// Dir is the working directory for commands; empty means inherit
	Dir string
}

// Run implements CommandRunner
func (l *Local) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Uses != "" {
		return nil, fmt.Errorf("local runner does not support action %q", cmd.Uses)
	}

	shell := cmd.Shell
	if shell == "" {
		shell = "bash"
	}

	c := exec.CommandContext(ctx, shell, "-c", cmd.Script)
	c.Dir = cmd.Dir
	if c.Dir == "" {
		c.Dir = l.Dir
	}
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

var _ CommandRunner = (*Local)(nil)

// Static always returns a fixed result per step name; used for wiring
// demos and tests that don't want child processes
type Static struct {
	// ExitCodes maps script text to exit code; unlisted scripts succeed
	ExitCodes map[string]int
	// Produce maps script text to artifacts the run should publish
	Produce map[string][]*models.Artifact
}

// Run implements CommandRunner
func (s *Static) Run(_ context.Context, cmd Command) (*Result, error) {
	res := &Result{Stdout: "ok\n"}
	if s.ExitCodes != nil {
		res.ExitCode = s.ExitCodes[cmd.Script]
	}
	// copies, not the shared templates: concurrent instances stamp
	// ownership onto what they receive
	for _, a := range s.Produce[cmd.Script] {
		cp := *a
		res.Artifacts = append(res.Artifacts, &cp)
	}
	return res, nil
}

var _ CommandRunner = (*Static)(nil)
