package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"
)

func TestExecExecutor_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e := Default()
	var stdout bytes.Buffer
	code, err := e.Run(context.Background(), []string{"sh", "-c", "echo hi; exit 3"}, nil, &stdout, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != 3 || stdout.String() != "hi\n" {
		t.Errorf("code = %d, stdout = %q", code, stdout.String())
	}
}

func TestExecExecutor_RunCancelled(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Default().Run(ctx, []string{"sleep", "5"}, nil, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestFakeExecutor_RunCancelled(t *testing.T) {
	e := NewFakeExecutor()
	e.RegisterCommand("wait", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 1
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Run(ctx, []string{"wait"}, nil, nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(e.Calls()) != 1 {
		t.Errorf("calls = %v", e.Calls())
	}
}
