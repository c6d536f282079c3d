// Package executor provides an abstraction for running external commands.
package executor

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// Executor runs commands to completion.
type Executor interface {
	// Run executes cmd with the given I/O and blocks until it exits.
	// A non-zero exit is reported through exitCode, not err; err is for
	// failures to start or wait on the process, and is ctx.Err() when the
	// context ended the command.
	Run(ctx context.Context, cmd []string, stdin io.Reader, stdout, stderr io.Writer) (exitCode int, err error)

	// LookPath resolves an executable name the way Run would.
	LookPath(name string) (string, error)
}

// ExecExecutor is the default Executor that uses os/exec.
type ExecExecutor struct{}

// Run implements Executor.Run using os/exec.
func (e *ExecExecutor) Run(ctx context.Context, cmdArgs []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if len(cmdArgs) == 0 {
		return 0, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Killed by the context; the exit status says nothing about the command.
		return -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}

// LookPath implements Executor.LookPath.
func (e *ExecExecutor) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Default returns the default ExecExecutor.
func Default() Executor {
	return &ExecExecutor{}
}
