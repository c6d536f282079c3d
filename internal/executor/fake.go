package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// FakeCommand is a function that simulates a command execution.
// It receives the command arguments, stdin, stdout, stderr and should return an exit code.
type FakeCommand func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int

// FakeExecutor is a test implementation of Executor that runs registered fake commands.
type FakeExecutor struct {
	mu       sync.RWMutex
	commands map[string]FakeCommand
	calls    [][]string
}

// NewFakeExecutor creates a new FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		commands: make(map[string]FakeCommand),
	}
}

// RegisterCommand registers a fake command implementation.
// The name should match the first element of the command slice.
func (e *FakeExecutor) RegisterCommand(name string, handler FakeCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = handler
}

// Calls returns every command line Run has seen, in order.
func (e *FakeExecutor) Calls() [][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	calls := make([][]string, len(e.calls))
	for i, c := range e.calls {
		calls[i] = append([]string(nil), c...)
	}
	return calls
}

// Run implements Executor.Run for FakeExecutor.
func (e *FakeExecutor) Run(ctx context.Context, cmdArgs []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	if len(cmdArgs) == 0 {
		return 0, fmt.Errorf("empty command")
	}

	e.mu.Lock()
	e.calls = append(e.calls, append([]string(nil), cmdArgs...))
	handler, ok := e.commands[cmdArgs[0]]
	e.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("executable %q not found", cmdArgs[0])
	}

	if stdin == nil {
		stdin = strings.NewReader("")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	code := handler(ctx, stdin, stdout, stderr, cmdArgs)
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	return code, nil
}

// LookPath implements Executor.LookPath. Registered commands resolve to
// themselves.
func (e *FakeExecutor) LookPath(name string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.commands[name]; ok {
		return name, nil
	}
	return "", fmt.Errorf("executable %q not found", name)
}
