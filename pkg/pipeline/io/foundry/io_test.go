package foundryio_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/foundry"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
	foundryio "github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/io/foundry"
	localio "github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/mockfoundry"
)

const (
	testInputRID  = "ri.foundry.main.dataset.7c2e8d4a-9f31-4be2-8a10-5cfe2d11a9b7"
	testOutputRID = "ri.foundry.main.dataset.0d9b6c21-44e7-4f8e-9a3c-7e5d12f0c4a2"
)

func newTestClient(t *testing.T, ts *httptest.Server) *foundry.Client {
	t.Helper()
	client, err := foundry.NewClient(ts.URL+"/api", ts.URL+"/stream-proxy/api", "dummy-token", "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func mustMarshalBatch(t *testing.T, b lookup.Batch) []byte {
	t.Helper()
	raw, err := lookup.MarshalBatch(b)
	if err != nil {
		t.Fatalf("MarshalBatch: %v", err)
	}
	return raw
}

func sampleBatch(firstIndex int64) lookup.Batch {
	return lookup.Batch{
		RowsPerTable: []int64{6},
		Indices:      []int64{firstIndex, 3},
		Offsets:      []int64{0, 2},
		IndexWidth:   lookup.WidthInt64,
	}
}

func TestReadInputArtifactsSortsAndSkipsNonJSON(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.SeedFile(testInputRID, "b-batch.json", mustMarshalBatch(t, sampleBatch(5)))
	srv.SeedFile(testInputRID, "a-batch.json", mustMarshalBatch(t, sampleBatch(1)))
	srv.SeedFile(testInputRID, "notes.txt", []byte("not an artifact"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newTestClient(t, ts)
	arts, err := foundryio.ReadInputArtifacts(context.Background(), client, foundry.DatasetRef{RID: testInputRID})
	if err != nil {
		t.Fatalf("ReadInputArtifacts: %v", err)
	}

	if len(arts) != 2 {
		t.Fatalf("got %d artifacts, want 2", len(arts))
	}
	if arts[0].Name != "a-batch.json" || arts[1].Name != "b-batch.json" {
		t.Fatalf("artifacts out of order: %q, %q", arts[0].Name, arts[1].Name)
	}
	if arts[0].Batch.Indices[0] != 1 || arts[1].Batch.Indices[0] != 5 {
		t.Fatalf("artifact contents mixed up: %v, %v", arts[0].Batch.Indices, arts[1].Batch.Indices)
	}
}

func TestReadInputArtifactsRejectsMalformed(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.SeedFile(testInputRID, "bad.json", []byte(`{"rows_per_table":[2],"indices":[],"offsets":[]}`))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newTestClient(t, ts)
	_, err := foundryio.ReadInputArtifacts(context.Background(), client, foundry.DatasetRef{RID: testInputRID})
	if err == nil || !strings.Contains(err.Error(), "artifact bad.json") {
		t.Fatalf("expected malformed artifact error, got %v", err)
	}
}

func TestReadInputArtifactsRequiresArtifacts(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.SeedFile(testInputRID, "notes.txt", []byte("nothing to check"))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newTestClient(t, ts)
	_, err := foundryio.ReadInputArtifacts(context.Background(), client, foundry.DatasetRef{RID: testInputRID})
	if err == nil || !strings.Contains(err.Error(), "no .json artifacts") {
		t.Fatalf("expected empty input error, got %v", err)
	}
}

func TestResolveOutputMode(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.CreateStream(testOutputRID, "master")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newTestClient(t, ts)
	ctx := context.Background()
	datasetRef := foundry.DatasetRef{RID: testInputRID}
	streamRef := foundry.DatasetRef{RID: testOutputRID}

	if isStream, err := foundryio.ResolveOutputMode(ctx, client, streamRef, "auto"); err != nil || !isStream {
		t.Fatalf("auto against stream: got %v, %v", isStream, err)
	}
	if isStream, err := foundryio.ResolveOutputMode(ctx, client, datasetRef, ""); err != nil || isStream {
		t.Fatalf("auto against dataset: got %v, %v", isStream, err)
	}
	if isStream, err := foundryio.ResolveOutputMode(ctx, client, datasetRef, "stream"); err != nil || !isStream {
		t.Fatalf("explicit stream: got %v, %v", isStream, err)
	}
	if isStream, err := foundryio.ResolveOutputMode(ctx, client, streamRef, "dataset"); err != nil || isStream {
		t.Fatalf("explicit dataset: got %v, %v", isStream, err)
	}
	if _, err := foundryio.ResolveOutputMode(ctx, client, datasetRef, "tabular"); err == nil || !strings.Contains(err.Error(), "invalid output write mode") {
		t.Fatalf("expected invalid mode error, got %v", err)
	}
}

func TestUploadDatasetFilesCommitsOwnTransaction(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newTestClient(t, ts)
	files := map[string][]byte{
		"b.json":     []byte(`{"b":true}`),
		"a.json":     []byte(`{"a":true}`),
		"report.csv": []byte("artifact,status\n"),
	}
	if err := foundryio.UploadDatasetFiles(context.Background(), client, foundry.DatasetRef{RID: testOutputRID}, files); err != nil {
		t.Fatalf("UploadDatasetFiles: %v", err)
	}

	uploads := srv.Uploads()
	if len(uploads) != 3 {
		t.Fatalf("got %d uploads, want 3", len(uploads))
	}
	wantOrder := []string{"a.json", "b.json", "report.csv"}
	for i, want := range wantOrder {
		if uploads[i].FilePath != want {
			t.Fatalf("upload %d = %q, want %q", i, uploads[i].FilePath, want)
		}
	}

	committed := srv.Files(testOutputRID)
	if len(committed) != 3 {
		t.Fatalf("committed head has %d files, want 3", len(committed))
	}
	if !bytes.Equal(committed["a.json"], files["a.json"]) {
		t.Fatalf("committed a.json = %q", committed["a.json"])
	}
}

func TestUploadDatasetFilesJoinsOpenTransactionWithoutCommit(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := newTestClient(t, ts)
	ctx := context.Background()
	preTxnID, err := client.CreateTransaction(ctx, testOutputRID, "")
	if err != nil {
		t.Fatalf("pre-create transaction: %v", err)
	}

	files := map[string][]byte{"out.json": []byte(`{"v":1}`)}
	if err := foundryio.UploadDatasetFiles(ctx, client, foundry.DatasetRef{RID: testOutputRID}, files); err != nil {
		t.Fatalf("UploadDatasetFiles: %v", err)
	}

	uploads := srv.Uploads()
	if len(uploads) != 1 || uploads[0].TxnID != preTxnID {
		t.Fatalf("uploads = %+v, want one into txn %s", uploads, preTxnID)
	}
	for _, c := range srv.Calls() {
		if strings.HasSuffix(c.Path, "/commit") {
			t.Fatalf("committed a transaction it did not open: %+v", c)
		}
	}
	if head := srv.Files(testOutputRID); len(head) != 0 {
		t.Fatalf("head should be empty before the owner commits, got %v", head)
	}
}

func TestReportOutputStoreDataset(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	rows := []lookup.Report{
		{Artifact: "a.json", Mode: "warning", Tables: 1, BatchSize: 1, NumIndices: 2, Warnings: 0, Status: lookup.StatusOK},
		{Artifact: "b.json", Mode: "warning", Tables: 1, BatchSize: 1, NumIndices: 2, Warnings: 3, Status: lookup.StatusRepaired},
	}
	out := foundryio.ReportOutput{
		Client:   newTestClient(t, ts),
		Ref:      foundry.DatasetRef{RID: testOutputRID},
		Filename: "check-report.csv",
	}
	if err := out.Store(context.Background(), rows); err != nil {
		t.Fatalf("Store: %v", err)
	}

	raw, ok := srv.Files(testOutputRID)["check-report.csv"]
	if !ok {
		t.Fatalf("report not committed; head = %v", srv.Files(testOutputRID))
	}
	got, err := localio.ReadReportsCSV(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadReportsCSV: %v", err)
	}
	if len(got) != 2 || got[0] != rows[0] || got[1] != rows[1] {
		t.Fatalf("report rows mismatch:\n got %#v\nwant %#v", got, rows)
	}
}

func TestReportOutputStoreStream(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.CreateStream(testOutputRID, "master")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	rows := []lookup.Report{
		{Artifact: "a.json", Mode: "fatal", Tables: 2, BatchSize: 4, NumIndices: 9, Status: lookup.StatusOK},
		{Artifact: "b.json", Mode: "fatal", Tables: 2, BatchSize: 4, NumIndices: 9, Status: lookup.StatusError, Error: "row index out of bounds"},
	}
	out := foundryio.ReportOutput{
		Client: newTestClient(t, ts),
		Ref:    foundry.DatasetRef{RID: testOutputRID},
		Stream: true,
	}
	if err := out.Store(context.Background(), rows); err != nil {
		t.Fatalf("Store: %v", err)
	}

	recs := srv.StreamRecords(testOutputRID, "master")
	if len(recs) != 2 {
		t.Fatalf("got %d stream records, want 2", len(recs))
	}
	for i, rec := range recs {
		if got := foundryio.ReportFromRecord(rec); got != rows[i] {
			t.Fatalf("record %d mismatch:\n got %#v\nwant %#v", i, got, rows[i])
		}
	}
}

// flakyHandler fails the first N requests before delegating to the inner
// handler.
type flakyHandler struct {
	inner  http.Handler
	status int

	mu       sync.Mutex
	failures int
	seen     int
}

func (f *flakyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.seen++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"errorCode":"INTERNAL","errorName":"Default:Internal","errorInstanceId":"00000000-0000-0000-0000-000000000000"}`))
		return
	}
	f.inner.ServeHTTP(w, r)
}

func (f *flakyHandler) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen
}

func TestReadInputArtifactsRetriesServerErrors(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.SeedFile(testInputRID, "batch.json", mustMarshalBatch(t, sampleBatch(2)))
	flaky := &flakyHandler{inner: srv.Handler(), status: http.StatusServiceUnavailable, failures: 2}
	ts := httptest.NewServer(flaky)
	defer ts.Close()

	client := newTestClient(t, ts)
	arts, err := foundryio.ReadInputArtifacts(context.Background(), client, foundry.DatasetRef{RID: testInputRID})
	if err != nil {
		t.Fatalf("ReadInputArtifacts after transient failures: %v", err)
	}
	if len(arts) != 1 || arts[0].Name != "batch.json" {
		t.Fatalf("unexpected artifacts: %+v", arts)
	}
}

func TestReadInputArtifactsDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	flaky := &flakyHandler{inner: srv.Handler(), status: http.StatusNotFound, failures: 1}
	ts := httptest.NewServer(flaky)
	defer ts.Close()

	client := newTestClient(t, ts)
	_, err := foundryio.ReadInputArtifacts(context.Background(), client, foundry.DatasetRef{RID: testInputRID})
	var he *foundry.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
	if n := flaky.requests(); n != 1 {
		t.Fatalf("client retried a 404: %d requests", n)
	}
}
