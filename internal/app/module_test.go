package app_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/palantir/palantir-compute-module-bounds-check/internal/app"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/mockfoundry"
)

// writeTestCA writes a throwaway self-signed certificate so the runtime
// config's DEFAULT_CA_PATH requirement can be satisfied against a plain
// HTTP mock.
func writeTestCA(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "bounds-check-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "ca.pem")
	b := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write ca pem: %v", err)
	}
	return path
}

func TestRunModule_ServesQueuedJobs(t *testing.T) {
	srv := mockfoundry.New("")
	srv.SetModuleAuthToken("module-secret")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	warningJob, err := srv.EnqueueJob("fbgemm.bounds_check_indices", map[string]any{
		"rows_per_table":    []int64{5},
		"indices":           []int64{1, 9},
		"offsets":           []int64{0, 2},
		"bounds_check_mode": 1,
	})
	if err != nil {
		t.Fatalf("enqueue warning job: %v", err)
	}
	aliasJob, err := srv.EnqueueJob("fb.bounds_check_indices", map[string]any{
		"rows_per_table":    []int64{3},
		"indices":           []int64{7},
		"offsets":           []int64{0, 1},
		"bounds_check_mode": 2,
	})
	if err != nil {
		t.Fatalf("enqueue alias job: %v", err)
	}
	unknownJob, err := srv.EnqueueJob("fbgemm.nope", map[string]any{})
	if err != nil {
		t.Fatalf("enqueue unknown job: %v", err)
	}

	t.Setenv("GET_JOB_URI", ts.URL+"/module/job")
	t.Setenv("POST_RESULT_URI", ts.URL+"/module/results")
	t.Setenv("MODULE_AUTH_TOKEN", "module-secret")
	t.Setenv("DEFAULT_CA_PATH", writeTestCA(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.RunModule(ctx, quietLogger(), 2)
	}()

	waitForResult := func(jobID string) []byte {
		t.Helper()
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if b, ok := srv.ResultFor(jobID); ok {
				return b
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for result of job %s", jobID)
		return nil
	}

	var warningResult struct {
		Indices  []int64 `json:"indices"`
		Offsets  []int64 `json:"offsets"`
		Warnings int64   `json:"warnings"`
	}
	if err := json.Unmarshal(waitForResult(warningJob), &warningResult); err != nil {
		t.Fatalf("decode warning result: %v", err)
	}
	if warningResult.Indices[0] != 1 || warningResult.Indices[1] != 0 {
		t.Fatalf("unexpected repaired indices: %+v", warningResult)
	}
	if warningResult.Offsets[0] != 0 || warningResult.Offsets[1] != 2 {
		t.Fatalf("offsets should be untouched: %+v", warningResult)
	}
	if warningResult.Warnings != 1 {
		t.Fatalf("expected 1 warning, got %+v", warningResult)
	}

	var aliasResult struct {
		Indices  []int64 `json:"indices"`
		Warnings int64   `json:"warnings"`
	}
	if err := json.Unmarshal(waitForResult(aliasJob), &aliasResult); err != nil {
		t.Fatalf("decode alias result: %v", err)
	}
	if aliasResult.Indices[0] != 0 {
		t.Fatalf("alias namespace should repair too: %+v", aliasResult)
	}
	if aliasResult.Warnings != 0 {
		t.Fatalf("ignore mode must not count: %+v", aliasResult)
	}

	unknownResult := waitForResult(unknownJob)
	if !strings.Contains(string(unknownResult), "unknown operation") {
		t.Fatalf("unknown op should report a dispatch error, got %q", unknownResult)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunModule returned %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunModule did not stop after cancellation")
	}
}

func TestRunModule_RequiresRuntimeEnv(t *testing.T) {
	t.Setenv("GET_JOB_URI", "")
	t.Setenv("POST_RESULT_URI", "")

	err := app.RunModule(context.Background(), quietLogger(), 1)
	if err == nil {
		t.Fatal("expected missing runtime env to fail")
	}
	if !strings.Contains(err.Error(), "GET_JOB_URI") {
		t.Fatalf("unexpected error: %v", err)
	}
}
