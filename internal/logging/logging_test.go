package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/coreos/go-systemd/v22/journal"
)

type sentEntry struct {
	message  string
	priority journal.Priority
	vars     map[string]string
}

func recordingSend(entries *[]sentEntry) SendFunc {
	return func(message string, priority journal.Priority, vars map[string]string) error {
		*entries = append(*entries, sentEntry{message, priority, vars})
		return nil
	}
}

func TestJournalHandler(t *testing.T) {
	var entries []sentEntry
	logger := slog.New(NewJournalHandler(slog.LevelInfo, recordingSend(&entries)))

	logger.With("service", "web").Info("wrote drop-in", "path", "/run/systemd/system/web.service.d/confinement.conf")
	logger.Debug("dropped")
	logger.WithGroup("closure").Error("failed", "root", "/nix/store/aaa-web", slog.Group("store", "kind", "nix"))

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	first := entries[0]
	if first.message != "wrote drop-in" || first.priority != journal.PriInfo {
		t.Errorf("first = %+v", first)
	}
	if first.vars["CONFINE_SERVICE"] != "web" {
		t.Errorf("CONFINE_SERVICE = %q", first.vars["CONFINE_SERVICE"])
	}
	if !strings.HasSuffix(first.vars["CONFINE_PATH"], "confinement.conf") {
		t.Errorf("CONFINE_PATH = %q", first.vars["CONFINE_PATH"])
	}

	second := entries[1]
	if second.priority != journal.PriErr {
		t.Errorf("priority = %v, want PriErr", second.priority)
	}
	if second.vars["CONFINE_CLOSURE_ROOT"] != "/nix/store/aaa-web" {
		t.Errorf("vars = %v", second.vars)
	}
	if second.vars["CONFINE_CLOSURE_STORE_KIND"] != "nix" {
		t.Errorf("vars = %v", second.vars)
	}
}

func TestFieldName(t *testing.T) {
	if got := fieldName("drop-in.path"); got != "CONFINE_DROP_IN_PATH" {
		t.Errorf("fieldName = %q", got)
	}
}

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv(DebugEnv, "")
	logger := Setup(Options{Writer: &buf})
	logger.Debug("hidden")
	logger.Info("shown", "service", "web")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug record logged at info level")
	}
	if !strings.Contains(buf.String(), "service=web") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	t.Setenv(DebugEnv, "1")
	Setup(Options{Writer: &buf}).Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("%s did not enable debug logging", DebugEnv)
	}
}

func TestTeeHandler(t *testing.T) {
	var a, b bytes.Buffer
	tee := &teeHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(tee).With("service", "web")
	logger.Info("info")
	logger.Warn("warn")

	if !strings.Contains(a.String(), "info") || !strings.Contains(a.String(), "warn") {
		t.Errorf("a = %q", a.String())
	}
	if strings.Contains(b.String(), "msg=info") || !strings.Contains(b.String(), "service=web") {
		t.Errorf("b = %q", b.String())
	}
}
