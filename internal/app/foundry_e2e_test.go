//go:build foundry_e2e

package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/palantir/palantir-compute-module-bounds-check/internal/app"
	"github.com/palantir/palantir-compute-module-bounds-check/internal/logging"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/foundry"
)

// Runs the full dataset round trip against a real stack. Requires the usual
// runtime env (BUILD2_TOKEN, RESOURCE_ALIAS_MAP, service discovery) plus the
// two alias names below.
func TestRunFoundry_RealStack_EndToEnd(t *testing.T) {
	inputAlias := os.Getenv("BOUNDS_CHECK_E2E_INPUT_ALIAS")
	outputAlias := os.Getenv("BOUNDS_CHECK_E2E_OUTPUT_ALIAS")
	if inputAlias == "" || outputAlias == "" {
		t.Fatalf("BOUNDS_CHECK_E2E_INPUT_ALIAS and BOUNDS_CHECK_E2E_OUTPUT_ALIAS are required for foundry_e2e tests")
	}

	env, err := foundry.LoadEnv()
	if err != nil {
		t.Fatalf("load foundry env: %v", err)
	}

	logger, closeLogs := logging.Setup("bounds-check-e2e")
	defer closeLogs()

	opts := app.Options{Mode: bounds.ModeWarning, Workers: 4, Shards: 4}
	if err := app.RunFoundry(context.Background(), logger, env, inputAlias, outputAlias, "report.csv", "auto", opts); err != nil {
		t.Fatalf("RunFoundry failed: %v", err)
	}
}
