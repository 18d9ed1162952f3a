// Command vaultd is a thin CLI wrapper over the repository core: it
// parses flags, calls into internal/repo, and maps the resulting
// vaulterr.Kind onto one of a fixed set of process exit codes
// (spec.md §6.3/§7). It performs no chunking, hashing, or codec work
// itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"vaultkeep/internal/logging"
	"vaultkeep/internal/vaulterr"
)

var version = "dev"

// logger and filter are built once, in root's PersistentPreRunE, after
// --log-level/--component-log-level are parsed; every subcommand reads
// them directly rather than taking a logger parameter, since cobra
// guarantees the persistent pre-run completes before any RunE starts.
var (
	logger *slog.Logger
	filter *logging.ComponentFilterHandler
)

// Exit codes, keyed by failure class (spec.md §6.3's "load-vs-save-vs-run-vs-args").
const (
	exitOK        = 0
	exitArgs      = 2 // bad flags/arguments; cobra's own usage errors also land here
	exitLoad      = 3 // repository could not be opened/loaded
	exitRun       = 4 // failure during a requested operation
	exitSave      = 5 // failure persisting the result of an otherwise-successful operation
	exitLockBusy  = 6 // a concurrent writer already holds the repository
	exitDataCheck = 7 // check reported integrity problems
)

func main() {
	root := &cobra.Command{
		Use:           "vaultd",
		Short:         "Content-addressed backup storage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogging(cmd)
		},
	}
	root.PersistentFlags().String("repo", "", "repository path (required)")
	root.PersistentFlags().String("log-level", "info", "default log level: debug, info, warn, or error")
	root.PersistentFlags().StringArray("component-log-level", nil,
		"override the log level for one component, as component=level (repeatable)")

	root.AddCommand(
		newCreateCmd(),
		newInfoCmd(),
		newFlushCmd(),
		newVacuumCmd(),
		newCheckCmd(),
		newRebuildIndexCmd(),
		newImportCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vaultd:", err)
		os.Exit(exitCodeFor(err))
	}
}

// initLogging builds the process-wide logger around
// logging.ComponentFilterHandler, so --component-log-level can raise or
// lower verbosity for one component (e.g. "repo") without touching the
// rest of the CLI's output.
func initLogging(cmd *cobra.Command) error {
	levelStr, _ := cmd.Flags().GetString("log-level")
	defaultLevel, err := parseLevel(levelStr)
	if err != nil {
		return argsError{msg: err.Error()}
	}

	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter = logging.NewComponentFilterHandler(base, defaultLevel)

	overrides, _ := cmd.Flags().GetStringArray("component-log-level")
	for _, o := range overrides {
		component, levelStr, ok := strings.Cut(o, "=")
		if !ok {
			return argsError{msg: "--component-log-level wants component=level, got " + o}
		}
		level, err := parseLevel(levelStr)
		if err != nil {
			return argsError{msg: err.Error()}
		}
		filter.SetLevel(component, level)
	}

	logger = slog.New(filter)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// requireRepoFlag reads the shared --repo flag, returning an args-class
// error if it's missing — cobra has no built-in "required persistent
// flag" check across subcommands added this way.
func requireRepoFlag(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("repo")
	if path == "" {
		return "", argsError{msg: "--repo is required"}
	}
	return path, nil
}

// argsError marks a flag/argument-parsing problem, distinct from any
// vaulterr.Kind the core can produce.
type argsError struct{ msg string }

func (e argsError) Error() string { return e.msg }

// exitCodeFor maps an error returned from a cobra RunE into one of the
// fixed exit codes. Unwraps through vaulterr.Error to find the Kind;
// falls back to exitRun for anything else the core didn't tag.
func exitCodeFor(err error) int {
	var argErr argsError
	if errors.As(err, &argErr) {
		return exitArgs
	}

	var tagged *vaulterr.Error
	if !errors.As(err, &tagged) {
		return exitRun
	}

	switch tagged.Kind {
	case vaulterr.KindLockBusy, vaulterr.KindLockStale:
		return exitLockBusy
	case vaulterr.KindConfigInvalid, vaulterr.KindWrongVersion, vaulterr.KindBundleMapCorrupt:
		return exitLoad
	case vaulterr.KindIO, vaulterr.KindBundleFormat:
		return exitSave
	case vaulterr.KindDirtyRepository, vaulterr.KindIndexCorrupt:
		return exitDataCheck
	default:
		return exitRun
	}
}

// rootContext returns a context cancelled on SIGINT, for long-running
// subcommands (serve) to shut down cleanly.
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
