package nix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/mbrock/confine/internal/executor"
	"github.com/mbrock/confine/internal/store"
)

func newTestStore(t *testing.T, handler executor.FakeCommand) (*Store, *executor.FakeExecutor) {
	t.Helper()
	fake := executor.NewFakeExecutor()
	fake.RegisterCommand("nix-store", handler)
	return New(Options{Executor: fake}), fake
}

func TestClosureOf(t *testing.T) {
	s, fake := newTestStore(t, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		fmt.Fprintln(stdout, "/nix/store/ccc-web")
		fmt.Fprintln(stdout, "/nix/store/aaa-glibc")
		fmt.Fprintln(stdout, "/nix/store/aaa-glibc")
		fmt.Fprintln(stdout, "")
		fmt.Fprintln(stdout, "/nix/store/bbb-bash")
		return 0
	})

	closure, err := s.ClosureOf(context.Background(), []store.StorePath{"/nix/store/ccc-web", "/nix/store/bbb-bash"})
	if err != nil {
		t.Fatalf("ClosureOf failed: %v", err)
	}
	want := []store.StorePath{"/nix/store/aaa-glibc", "/nix/store/bbb-bash", "/nix/store/ccc-web"}
	if !reflect.DeepEqual(closure, want) {
		t.Errorf("closure = %v, want %v", closure, want)
	}

	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
	wantCall := []string{"nix-store", "--query", "--requisites", "/nix/store/ccc-web", "/nix/store/bbb-bash"}
	if !reflect.DeepEqual(calls[0], wantCall) {
		t.Errorf("call = %v, want %v", calls[0], wantCall)
	}
}

func TestClosureOf_NoRoots(t *testing.T) {
	s, fake := newTestStore(t, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		return 0
	})
	closure, err := s.ClosureOf(context.Background(), nil)
	if err != nil || closure != nil {
		t.Errorf("ClosureOf(nil) = %v, %v", closure, err)
	}
	if len(fake.Calls()) != 0 {
		t.Error("nix-store called without roots")
	}
}

func TestClosureOf_Failure(t *testing.T) {
	s, _ := newTestStore(t, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		fmt.Fprintln(stderr, "error: path '/nix/store/zzz-missing' is not valid")
		return 1
	})

	_, err := s.ClosureOf(context.Background(), []store.StorePath{"/nix/store/zzz-missing"})
	if !errors.Is(err, store.ErrClosureUnavailable) {
		t.Fatalf("err = %v, want ErrClosureUnavailable", err)
	}
	if !strings.Contains(err.Error(), "is not valid") {
		t.Errorf("error %q does not carry nix's stderr", err)
	}
}

func TestAddManifest(t *testing.T) {
	var contents string
	s, fake := newTestStore(t, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		data, err := os.ReadFile(args[len(args)-1])
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		contents = string(data)
		fmt.Fprintln(stdout, "/nix/store/0123456789abcdfghijklmnpqrsvwxyz-web-string-contexts.txt")
		return 0
	})

	lines := []string{"/nix/store/ccc-web/bin/web", "/nix/store/bbb-bash/bin/sh"}
	p, err := s.AddManifest(context.Background(), "web-string-contexts.txt", lines)
	if err != nil {
		t.Fatalf("AddManifest failed: %v", err)
	}
	if p != "/nix/store/0123456789abcdfghijklmnpqrsvwxyz-web-string-contexts.txt" {
		t.Errorf("path = %s", p)
	}
	if contents != strings.Join(lines, "\n") {
		t.Errorf("manifest contents = %q", contents)
	}

	call := fake.Calls()[0]
	if call[1] != "--add" || !strings.HasSuffix(call[2], "/web-string-contexts.txt") {
		t.Errorf("call = %v", call)
	}
	if _, err := os.Stat(call[2]); !os.IsNotExist(err) {
		t.Errorf("temporary manifest %s left behind", call[2])
	}
}

func TestAddManifest_OutsideStore(t *testing.T) {
	s, _ := newTestStore(t, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		fmt.Fprintln(stdout, "/tmp/somewhere")
		return 0
	})
	if _, err := s.AddManifest(context.Background(), "x", []string{"y"}); err == nil {
		t.Fatal("expected error for a path outside the store")
	}
}

func TestClassifyUsesClassifier(t *testing.T) {
	s := New(Options{
		Executor: executor.NewFakeExecutor(),
		Classifier: classifierFunc(func(ctx context.Context, p store.StorePath) (store.Entry, error) {
			return store.Entry{Path: p, IsSymlink: true, Target: "/nix/store/real"}, nil
		}),
	})
	entry, err := s.Classify(context.Background(), "/nix/store/link")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Target != "/nix/store/real" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestDefaults(t *testing.T) {
	s := New(Options{Dir: "/gnu/store/"})
	if s.Dir() != "/gnu/store" {
		t.Errorf("Dir = %q", s.Dir())
	}
	if New(Options{}).Dir() != store.DefaultDir {
		t.Errorf("default Dir = %q", New(Options{}).Dir())
	}
}

func TestFindBinary_NotFound(t *testing.T) {
	s := New(Options{Executor: executor.NewFakeExecutor()})
	if _, err := os.Stat(determinateProfileBin + "/no-such-nix-tool"); err == nil {
		t.Skip("unexpected binary present")
	}
	if _, err := s.FindBinary("no-such-nix-tool"); err == nil {
		t.Error("expected error")
	}
}

type classifierFunc func(ctx context.Context, p store.StorePath) (store.Entry, error)

func (f classifierFunc) Classify(ctx context.Context, p store.StorePath) (store.Entry, error) {
	return f(ctx, p)
}

func TestClosureOf_Cancelled(t *testing.T) {
	s, _ := newTestStore(t, func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		fmt.Fprintln(stderr, "error: interrupted by the user")
		return 1
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ClosureOf(ctx, []store.StorePath{"/nix/store/ccc-web"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !errors.Is(err, store.ErrClosureUnavailable) {
		t.Errorf("err = %v, want ErrClosureUnavailable", err)
	}
}
