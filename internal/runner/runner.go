// Package runner defines the external step runner collaborator. The
// engine never implements process execution or shell semantics itself;
// it only invokes this capability.
package runner

import (
	"context"

	"github.com/lei/flowci/internal/models"
)

// Command is one step's worth of work handed to the external runner
type Command struct {
	// Script is the shell command text; empty for action steps
	Script string
	// Uses and With describe a structured action reference
	Uses string
	With map[string]string

	Shell string
	Dir   string
	Env   map[string]string
}

// Result is the runner's record of a finished command. A non-zero exit
// code is a step failure; it is not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// Artifacts produced by the command, to be published once the
	// owning instance reaches a terminal non-cancelled state
	Artifacts []*models.Artifact
}

// CommandRunner executes commands on behalf of the step executor.
// A non-nil error indicates an infrastructure fault (unable to start,
// runner unavailable), distinct from a command that ran and failed.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}
