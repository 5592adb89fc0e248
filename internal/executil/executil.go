// Package executil runs host commands with captured output.
//
// It is used for the few host tools the pipeline shells out to, chiefly git
// during checkout. Failures carry the exit code and the quoted command line
// so they can be logged as-is.
package executil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
)

// Exit code reported when the command could not be started.
const exitNotFound = 127

// Output of a host command.
type Result struct {
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
	ExitCode int    // Process exit code.
}

// Runs host commands.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (*Result, error)
}

// Runs commands with os/exec.
type ExecRunner struct {
	Env []string  // Extra environment entries appended to the inherited environment.
	Log io.Writer // Receives stderr as it is produced. Nil discards it.
}

// Runs name with args in dir.
//
// A non-zero exit, a start failure, or a cancelled context is reported as
// [ErrCommand]. The result is returned in every case where the process was
// attempted, so callers can inspect stderr and the exit code.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.Log != nil {
		cmd.Stderr = io.MultiWriter(&stderr, r.Log)
	}

	full := name + " " + QuoteArgs(args)
	slog.Debug("running command", "command", full, "dir", dir)

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	var execErr *exec.Error
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, errs.Wrapf(ErrCommand, "%s: %w", full, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, errs.Wrapf(ErrCommand, "%s (exit=%d): %s", full, res.ExitCode, strings.TrimSpace(res.Stderr))
	case errors.As(err, &execErr):
		res.ExitCode = exitNotFound
	default:
		res.ExitCode = 1
	}
	return res, errs.Wrapf(ErrCommand, "%s: %w", full, err)
}

// Runs a command and returns its trimmed standard output.
func Output(ctx context.Context, r Runner, dir, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, dir, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Returns a printable, shell-safe representation of args.
func QuoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'`$\\*?[]{}()<>|&;") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
