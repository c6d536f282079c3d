package confinement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mbrock/confine/internal/executor"
	"github.com/mbrock/confine/internal/store"
	"github.com/mbrock/confine/internal/store/nix"
)

func namedService(name string) Service {
	svc := webService()
	svc.Name = name
	return svc
}

func TestRun_SkipsDisabled(t *testing.T) {
	g := &Generator{Store: newWebStore(), Shell: testShell}
	off := namedService("off")
	off.Sandbox.Enabled = false

	results, err := g.Run(context.Background(), []Service{namedService("web"), off, namedService("api")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 || results[0].Service != "web" || results[1].Service != "api" {
		t.Fatalf("results = %+v", results)
	}
	for _, r := range results {
		if r.Fragment == nil || r.Err != nil || r.Skipped {
			t.Errorf("result %+v", r)
		}
	}
}

func TestRun_AbortOnValidation(t *testing.T) {
	st := &countingStore{MemoryStore: newWebStore()}
	g := &Generator{Store: st, Policy: AbortOnError}
	bad := namedService("bad")
	bad.Exec.DynamicUser = true

	results, err := g.Run(context.Background(), []Service{namedService("web"), bad})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Service != "bad" {
		t.Fatalf("err = %v, want ValidationError for bad", err)
	}
	if !results[0].Skipped || results[0].Fragment != nil {
		t.Errorf("web result = %+v, want skipped", results[0])
	}
	if st.closures != 0 {
		t.Errorf("store queried %d times before validation finished", st.closures)
	}
}

func TestRun_AbortOnResolution(t *testing.T) {
	g := &Generator{Store: newWebStore(), Jobs: 1, Policy: AbortOnError}
	broken := namedService("broken")
	broken.Exec.Start = []string{"/store/missing/bin/x"}

	results, err := g.Run(context.Background(), []Service{broken, namedService("web")})
	if !errors.Is(err, store.ErrClosureUnavailable) {
		t.Fatalf("err = %v, want ErrClosureUnavailable", err)
	}
	var serr *ServiceError
	if !errors.As(err, &serr) || serr.Service != "broken" {
		t.Errorf("err = %v, want ServiceError for broken", err)
	}
	if results[0].Err == nil {
		t.Error("broken result has no error")
	}
}

func TestRun_AbortSkipsInFlightSiblings(t *testing.T) {
	started := make(chan struct{})
	fake := executor.NewFakeExecutor()
	fake.RegisterCommand("nix-store", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		if args[1] == "--add" {
			fmt.Fprintf(stdout, "/nix/store/0000-%s\n", filepath.Base(args[2]))
			return 0
		}
		switch root := args[3]; {
		case strings.HasPrefix(root, "/nix/store/aaa-slow"):
			close(started)
			<-ctx.Done()
			return 1
		case strings.HasPrefix(root, "/nix/store/bbb-broken"):
			<-started
			fmt.Fprintln(stderr, "error: path '/nix/store/bbb-broken' is not valid")
			return 1
		}
		return 1
	})

	slow := namedService("aaa")
	slow.Exec.Start = []string{"/nix/store/aaa-slow/bin/slow"}
	broken := namedService("bbb")
	broken.Exec.Start = []string{"/nix/store/bbb-broken/bin/x"}

	g := &Generator{
		Store:  nix.New(nix.Options{Executor: fake}),
		Jobs:   2,
		Policy: AbortOnError,
	}
	results, err := g.Run(context.Background(), []Service{slow, broken})

	var serr *ServiceError
	if !errors.As(err, &serr) || serr.Service != "bbb" {
		t.Fatalf("err = %v, want the failure of bbb", err)
	}
	if !strings.Contains(err.Error(), "is not valid") {
		t.Errorf("err = %v, want nix's message for bbb", err)
	}
	if !results[0].Skipped || results[0].Err != nil {
		t.Errorf("in-flight sibling = %+v, want skipped without error", results[0])
	}
	if results[1].Err == nil {
		t.Error("bbb result has no error")
	}
}

func TestRun_KeepGoing(t *testing.T) {
	g := &Generator{Store: newWebStore(), Shell: testShell, Policy: KeepGoing}
	bad := namedService("bad")
	bad.Exec.DynamicUser = true
	broken := namedService("broken")
	broken.Exec.Start = []string{"/store/missing/bin/x"}

	results, err := g.Run(context.Background(), []Service{bad, namedService("web"), broken})
	if err == nil {
		t.Fatal("Run succeeded with failing services")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("joined error %v lacks the validation failure", err)
	}
	if !errors.Is(err, store.ErrClosureUnavailable) {
		t.Errorf("joined error %v lacks the closure failure", err)
	}
	if results[1].Fragment == nil || results[1].Err != nil {
		t.Errorf("web result = %+v, want a fragment", results[1])
	}
	if results[0].Err == nil || results[2].Err == nil {
		t.Errorf("failures not recorded: %+v", results)
	}
}

func TestRun_Cancelled(t *testing.T) {
	g := &Generator{Store: newWebStore()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := g.Run(ctx, []Service{namedService("web")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if results[0].Fragment != nil {
		t.Error("fragment produced after cancellation")
	}
}

func TestRun_Empty(t *testing.T) {
	g := &Generator{Store: newWebStore()}
	results, err := g.Run(context.Background(), nil)
	if err != nil || len(results) != 0 {
		t.Errorf("Run(nil) = %v, %v", results, err)
	}
}

type countingStore struct {
	*store.MemoryStore
	closures int
}

func (s *countingStore) ClosureOf(ctx context.Context, roots []store.StorePath) ([]store.StorePath, error) {
	s.closures++
	return s.MemoryStore.ClosureOf(ctx, roots)
}
