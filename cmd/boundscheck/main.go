package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/palantir/palantir-compute-module-bounds-check/internal/app"
	"github.com/palantir/palantir-compute-module-bounds-check/internal/logging"
	"github.com/palantir/palantir-compute-module-bounds-check/internal/version"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/foundry"
	foundryio "github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/io/foundry"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/redact"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "check":
		os.Exit(runCheck(ctx, os.Args[2:]))
	case "foundry":
		os.Exit(runFoundry(ctx, os.Args[2:]))
	case "module":
		os.Exit(runModule(ctx, os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

func runCheck(ctx context.Context, args []string) int {
	envOpts, err := loadCheckOptionsFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var inputDir string
	var outputDir string
	var reportPath string
	var modeName string
	var workers int
	var shards int
	var failFast bool

	fs.StringVar(&inputDir, "input", "", "Input directory of artifact .json files")
	fs.StringVar(&outputDir, "output", "", "Output directory for checked artifacts")
	fs.StringVar(&reportPath, "report", "", "Report CSV path (default <output>/report.csv)")
	fs.StringVar(&modeName, "mode", envOpts.Mode, "Bounds check mode: fatal|warning|ignore (env: BOUNDS_CHECK_MODE)")
	fs.IntVar(&workers, "workers", envOpts.Workers, "Number of concurrent artifact workers, 0 = GOMAXPROCS (env: WORKERS)")
	fs.IntVar(&shards, "shards", envOpts.Shards, "Index validation shards per artifact, 0 disables sharding (env: SHARDS)")
	fs.BoolVar(&failFast, "fail-fast", envOpts.FailFast, "Fail on the first artifact error (env: FAIL_FAST)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if inputDir == "" || outputDir == "" {
		_, _ = fmt.Fprintln(os.Stderr, "check requires --input and --output")
		return 2
	}
	if reportPath == "" {
		reportPath = filepath.Join(outputDir, "report.csv")
	}

	mode, err := bounds.ParseMode(modeName)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		return 2
	}

	logger, closeLogs := logging.Setup("boundscheck")
	defer closeLogs()

	if err := app.RunLocal(ctx, logger, inputDir, outputDir, reportPath, app.Options{
		Mode:     mode,
		Shards:   shards,
		Workers:  workers,
		FailFast: failFast,
	}); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "check run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func runFoundry(ctx context.Context, args []string) int {
	envOpts, err := loadCheckOptionsFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("foundry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	inputAlias := fs.String("input-alias", "input", "Alias name for the input dataset in RESOURCE_ALIAS_MAP")
	outputAlias := fs.String("output-alias", "output", "Alias name for the output resource in RESOURCE_ALIAS_MAP")
	reportFilename := fs.String("report-filename", "report.csv", "Report filename to upload into the output dataset transaction")
	outputMode := fs.String("output-mode", foundryio.OutputModeAuto, "Output write mode: auto|dataset|stream")
	modeName := fs.String("mode", envOpts.Mode, "Bounds check mode: fatal|warning|ignore (env: BOUNDS_CHECK_MODE)")
	workers := fs.Int("workers", envOpts.Workers, "Number of concurrent artifact workers, 0 = GOMAXPROCS (env: WORKERS)")
	shards := fs.Int("shards", envOpts.Shards, "Index validation shards per artifact, 0 disables sharding (env: SHARDS)")
	failFast := fs.Bool("fail-fast", envOpts.FailFast, "Fail on the first artifact error (env: FAIL_FAST)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	mode, err := bounds.ParseMode(*modeName)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		return 2
	}

	env, err := foundry.LoadEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry env error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	logger, closeLogs := logging.Setup("boundscheck")
	defer closeLogs()

	if err := app.RunFoundry(ctx, logger, env, *inputAlias, *outputAlias, *reportFilename, *outputMode, app.Options{
		Mode:     mode,
		Shards:   *shards,
		Workers:  *workers,
		FailFast: *failFast,
	}); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "foundry run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func runModule(ctx context.Context, args []string) int {
	envOpts, err := loadCheckOptionsFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	fs := flag.NewFlagSet("module", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	shards := fs.Int("shards", envOpts.Shards, "Index validation shards per job, 0 disables sharding (env: SHARDS)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// The platform stops the container with SIGTERM; drain the loop cleanly
	// instead of dying mid-job.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLogs := logging.Setup("boundscheck")
	defer closeLogs()

	if err := app.RunModule(ctx, logger, *shards); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "module run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `boundscheck %s: bounds checking for batched table-lookup artifacts

Usage:
  boundscheck <command> [flags]

Commands:
  check    Check artifact files in a local directory
  foundry  Run in Foundry/pipeline mode (uses BUILD2_TOKEN + RESOURCE_ALIAS_MAP)
  module   Poll the compute module runtime for bounds check jobs

Examples:
  boundscheck check --input ./artifacts --output ./checked --mode warning
  boundscheck foundry --output-mode dataset --mode fatal --fail-fast

Environment (all commands):
  BOUNDS_CHECK_MODE   fatal|warning|ignore (default warning)
  WORKERS             Concurrent artifact workers, 0 = GOMAXPROCS
  SHARDS              Index validation shards per artifact, 0 disables
  FAIL_FAST           If true/1, fail on the first artifact error
  LOG_LEVEL           debug|info|warn|error (default info)
  SEQ_URL             Optional Seq ingestion URL for log shipping

Environment (foundry):
  FOUNDRY_URL         Foundry base URL (e.g. https://<stack>.palantirfoundry.com)
  BUILD2_TOKEN        File path containing a bearer token
  RESOURCE_ALIAS_MAP  File path containing alias -> {rid, branch} JSON

Environment (module):
  GET_JOB_URI         Job polling endpoint provided by the runtime
  POST_RESULT_URI     Result endpoint provided by the runtime
  MODULE_AUTH_TOKEN   Module auth token (value or file path)
  DEFAULT_CA_PATH     CA bundle for the runtime endpoints

`, version.Current)
}

type checkEnvOptions struct {
	Mode     string
	Workers  int
	Shards   int
	FailFast bool
}

func loadCheckOptionsFromEnv() (checkEnvOptions, error) {
	mode := strings.TrimSpace(os.Getenv("BOUNDS_CHECK_MODE"))
	if mode == "" {
		mode = bounds.ModeWarning.String()
	}
	workers, err := envInt("WORKERS", 0)
	if err != nil {
		return checkEnvOptions{}, err
	}
	shards, err := envInt("SHARDS", 0)
	if err != nil {
		return checkEnvOptions{}, err
	}
	failFast, err := envBool("FAIL_FAST")
	if err != nil {
		return checkEnvOptions{}, err
	}

	return checkEnvOptions{
		Mode:     mode,
		Workers:  workers,
		Shards:   shards,
		FailFast: failFast,
	}, nil
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
