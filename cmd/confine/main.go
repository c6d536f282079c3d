// confine - generate chroot confinement drop-ins for systemd services
//
// Usage:
//
//	confine generate                   Write drop-ins for every confined service
//	confine check                      Resolve every service, write nothing
//	confine show <service>             Print the drop-in for one service
//	confine generator <dir> [<dir> <dir>]
//	                                   Run as a systemd generator
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mbrock/confine/internal/config"
	"github.com/mbrock/confine/internal/confinement"
	"github.com/mbrock/confine/internal/dirs"
	"github.com/mbrock/confine/internal/generate"
	"github.com/mbrock/confine/internal/logging"
	"github.com/mbrock/confine/internal/platform/systemd"
)

// generatorConfig is read when running as a systemd generator, where no
// flags can be passed.
const generatorConfig = "/etc/confine/config.yaml"

// Global flags
var (
	configFlag    string
	outputFlag    string
	userFlag      bool
	reloadFlag    bool
	keepGoingFlag bool
	debugFlag     bool
	journalFlag   bool
)

func main() {
	// systemd invokes generators with positional directories only.
	if len(os.Args) >= 2 && os.Args[1] == "generator" {
		cmdGenerator(os.Args[2:])
		return
	}

	flag.StringVarP(&configFlag, "config", "c", "", "Declaration file (overrides "+config.EnvConfig+")")
	flag.StringVarP(&outputFlag, "output", "o", "", "Unit directory for drop-ins (default: runtime unit dir)")
	flag.BoolVar(&userFlag, "user", false, "Target the user service manager")
	flag.BoolVar(&reloadFlag, "reload", false, "Run daemon-reload after writing drop-ins")
	flag.BoolVarP(&keepGoingFlag, "keep-going", "k", false, "Generate every service that can be, report all failures")
	flag.BoolVar(&debugFlag, "debug", false, "Debug logging (also "+logging.DebugEnv+")")
	flag.BoolVar(&journalFlag, "journal", true, "Also log to journald when available")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `confine - chroot confinement drop-ins for systemd services

Usage:
  confine generate                   Write drop-ins for every confined service
  confine check                      Resolve every service, write nothing
  confine show <service>             Print the drop-in for one service
  confine generator <dir> [...]      Run as a systemd generator

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	logging.Setup(logging.Options{Debug: debugFlag, Journal: journalFlag})

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "generate":
		cmdGenerate(ctx)
	case "check":
		cmdCheck(ctx)
	case "show":
		if len(cmdArgs) == 0 {
			fatal("usage: confine show <service>")
		}
		cmdShow(ctx, cmdArgs[0])
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig reads the declaration named by --config or the environment.
func loadConfig() *config.Config {
	path, err := config.Path(configFlag)
	if err != nil {
		fatal("%v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatal("%v", err)
	}
	if keepGoingFlag {
		cfg.KeepGoing = true
	}
	return cfg
}

// connectSystemd opens the manager connection when the run needs one.
func connectSystemd(ctx context.Context, cfg *config.Config, reload bool) systemd.Systemd {
	needed := reload
	for _, sc := range cfg.Services {
		if sc.FromSystemd {
			needed = true
		}
	}
	if !needed {
		return nil
	}

	connect := systemd.ConnectSystemd
	if userFlag {
		connect = systemd.ConnectUserSystemd
	}
	sd, err := connect(ctx)
	if err != nil {
		fatal("%v", err)
	}
	return sd
}

func outputDir(cfg *config.Config) string {
	switch {
	case outputFlag != "":
		return outputFlag
	case cfg.Output != "":
		return cfg.Output
	default:
		return dirs.UnitDir(userFlag)
	}
}

func cmdGenerate(ctx context.Context) {
	cfg := loadConfig()
	sd := connectSystemd(ctx, cfg, reloadFlag)
	if sd != nil {
		defer sd.Close()
	}

	report, err := generate.Run(ctx, generate.Options{
		Config:    cfg,
		OutputDir: outputDir(cfg),
		Systemd:   sd,
		Reload:    reloadFlag,
	})
	if err != nil {
		fatal("%v", err)
	}
	for _, path := range report.Written {
		fmt.Printf("wrote %s\n", path)
	}
	for _, path := range report.Removed {
		fmt.Printf("removed %s\n", path)
	}
	if report.Reloaded {
		fmt.Println("reloaded systemd")
	}
}

func cmdCheck(ctx context.Context) {
	cfg := loadConfig()
	cfg.KeepGoing = true
	sd := connectSystemd(ctx, cfg, false)
	if sd != nil {
		defer sd.Close()
	}

	report, err := generate.Run(ctx, generate.Options{
		Config:  cfg,
		Systemd: sd,
		DryRun:  true,
	})
	if report == nil {
		fatal("%v", err)
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("%-24s %-12s %-10s %s\n", "SERVICE", "MODE", "MOUNTS", "STATUS")
	}
	modes := make(map[string]string)
	for name, sc := range cfg.Services {
		modes[name] = sc.Confinement.Mode
		if modes[name] == "" {
			modes[name] = confinement.FullAPIVFS.String()
		}
	}
	for _, res := range report.Results {
		status, mounts := "ok", "-"
		switch {
		case res.Err != nil:
			status = describe(res.Err)
		case res.Skipped:
			status = "skipped"
		case res.Fragment != nil:
			mounts = fmt.Sprintf("%d", len(res.Fragment.Values(confinement.ServiceSection, "BindReadOnlyPaths")))
		}
		fmt.Printf("%-24s %-12s %-10s %s\n", res.Service, modes[res.Service], mounts, status)
	}
	if err != nil {
		os.Exit(1)
	}
}

func cmdShow(ctx context.Context, service string) {
	cfg := loadConfig()
	sd := connectSystemd(ctx, cfg, false)
	if sd != nil {
		defer sd.Close()
	}

	report, err := generate.Run(ctx, generate.Options{
		Config:  cfg,
		Systemd: sd,
		Only:    []string{service},
		DryRun:  true,
	})
	if err != nil {
		fatal("%v", err)
	}
	fragment := report.Fragment(service)
	if fragment == nil {
		fatal("service %s does not have confinement enabled", service)
	}
	os.Stdout.Write(fragment.Bytes())
}

// cmdGenerator runs under systemd's generator protocol: argv carries the
// normal, early and late output directories. Drop-ins go to the normal
// one. The manager is not reachable from a generator, so from_systemd
// services fail and no reload is attempted.
func cmdGenerator(args []string) {
	logging.Setup(logging.Options{Journal: true})
	if len(args) != 1 && len(args) != 3 {
		fatal("usage: confine generator <normal-dir> [<early-dir> <late-dir>]")
	}

	path := os.Getenv(config.EnvConfig)
	if path == "" {
		path = generatorConfig
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		fatal("%v", err)
	}

	if _, err := generate.Run(context.Background(), generate.Options{
		Config:    cfg,
		OutputDir: args[0],
	}); err != nil {
		fatal("%v", err)
	}
}

// describe shortens an error for the check table.
func describe(err error) string {
	var verr *confinement.ValidationError
	if errors.As(err, &verr) {
		return "invalid: " + verr.Option
	}
	var serr *confinement.ServiceError
	if errors.As(err, &serr) {
		return serr.Stage + ": " + serr.Err.Error()
	}
	return err.Error()
}
