package app_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/palantir/palantir-compute-module-bounds-check/internal/app"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/foundry"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/mockfoundry"
	localio "github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/io/local"
)

const (
	testInputRID  = "ri.foundry.main.dataset.11111111-1111-1111-1111-111111111111"
	testOutputRID = "ri.foundry.main.dataset.22222222-2222-2222-2222-222222222222"
)

// cleanArtifact passes the check untouched.
func cleanArtifact() lookup.Batch {
	return lookup.Batch{
		RowsPerTable: []int64{5},
		Indices:      []int64{0, 4, 2, 3},
		Offsets:      []int64{0, 2, 4},
		IndexWidth:   lookup.WidthInt64,
	}
}

// corruptArtifact has one out-of-range index, one sentinel, and a descending
// slice. Repair yields indices [1,0,-1,2], offsets [0,3,3], and 2 warnings.
func corruptArtifact() lookup.Batch {
	return lookup.Batch{
		RowsPerTable: []int64{4},
		Indices:      []int64{1, 9, -1, 2},
		Offsets:      []int64{0, 3, 2},
		IndexWidth:   lookup.WidthInt64,
	}
}

func seedInputDataset(t *testing.T, srv *mockfoundry.Server) {
	t.Helper()
	for name, batch := range map[string]lookup.Batch{
		"batch-0001.json": cleanArtifact(),
		"batch-0002.json": corruptArtifact(),
	} {
		raw, err := lookup.MarshalBatch(batch)
		if err != nil {
			t.Fatalf("marshal artifact %s: %v", name, err)
		}
		srv.SeedFile(testInputRID, name, raw)
	}
}

func testEnv(ts *httptest.Server) foundry.Env {
	return foundry.Env{
		Services: foundry.Services{
			APIGateway:  ts.URL + "/api",
			StreamProxy: ts.URL + "/stream-proxy/api",
		},
		Token: "dummy-token",
		Aliases: map[string]foundry.DatasetRef{
			"input":  {RID: testInputRID, Branch: "master"},
			"output": {RID: testOutputRID, Branch: "master"},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunFoundry_DatasetOutputEndToEnd(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.RequireBearerToken("dummy-token")
	seedInputDataset(t, srv)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	opts := app.Options{Mode: bounds.ModeWarning, Workers: 2, Shards: 2}
	if err := app.RunFoundry(context.Background(), quietLogger(), testEnv(ts), "input", "output", "report.csv", "auto", opts); err != nil {
		t.Fatalf("RunFoundry failed: %v", err)
	}

	calls := srv.Calls()
	if len(calls) != 9 {
		t.Fatalf("expected 9 calls, got %d: %#v", len(calls), calls)
	}
	wantPaths := []string{
		"/api/v2/datasets/" + testInputRID + "/files",
		"/api/v2/datasets/" + testInputRID + "/files/batch-0001.json/content",
		"/api/v2/datasets/" + testInputRID + "/files/batch-0002.json/content",
		"/stream-proxy/api/streams/" + testOutputRID + "/branches/master/records",
		"/api/v2/datasets/" + testOutputRID + "/transactions",
		"/api/v2/datasets/" + testOutputRID + "/files/batch-0001.json/upload",
		"/api/v2/datasets/" + testOutputRID + "/files/batch-0002.json/upload",
		"/api/v2/datasets/" + testOutputRID + "/files/report.csv/upload",
	}
	for i, want := range wantPaths {
		if calls[i].Path != want {
			t.Fatalf("call[%d] path: want %q, got %q (all calls=%#v)", i, want, calls[i].Path, calls)
		}
	}
	if calls[8].Method != "POST" || !strings.HasPrefix(calls[8].Path, "/api/v2/datasets/"+testOutputRID+"/transactions/") || !strings.HasSuffix(calls[8].Path, "/commit") {
		t.Fatalf("call[8] should be a commit, got %#v", calls[8])
	}

	uploads := srv.Uploads()
	if len(uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d: %#v", len(uploads), uploads)
	}
	if uploads[0].FilePath != "batch-0001.json" || uploads[1].FilePath != "batch-0002.json" || uploads[2].FilePath != "report.csv" {
		t.Fatalf("unexpected upload order: %#v", uploads)
	}

	head := srv.Files(testOutputRID)
	if len(head) != 3 {
		t.Fatalf("committed head has %d files, want 3", len(head))
	}

	repaired, err := lookup.UnmarshalBatch(head["batch-0002.json"])
	if err != nil {
		t.Fatalf("decode repaired artifact: %v", err)
	}
	wantIndices := []int64{1, 0, -1, 2}
	wantOffsets := []int64{0, 3, 3}
	for i, v := range wantIndices {
		if repaired.Indices[i] != v {
			t.Fatalf("repaired indices = %v, want %v", repaired.Indices, wantIndices)
		}
	}
	for i, v := range wantOffsets {
		if repaired.Offsets[i] != v {
			t.Fatalf("repaired offsets = %v, want %v", repaired.Offsets, wantOffsets)
		}
	}

	clean, err := lookup.UnmarshalBatch(head["batch-0001.json"])
	if err != nil {
		t.Fatalf("decode clean artifact: %v", err)
	}
	if clean.Indices[1] != 4 || clean.Offsets[2] != 4 {
		t.Fatalf("clean artifact should be unchanged, got %+v", clean)
	}

	reports, err := localio.ReadReportsCSV(bytes.NewReader(head["report.csv"]))
	if err != nil {
		t.Fatalf("parse report csv: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 report rows, got %d: %#v", len(reports), reports)
	}
	if reports[0].Artifact != "batch-0001.json" || reports[0].Status != lookup.StatusOK || reports[0].Warnings != 0 {
		t.Fatalf("unexpected report[0]: %+v", reports[0])
	}
	if reports[1].Artifact != "batch-0002.json" || reports[1].Status != lookup.StatusRepaired || reports[1].Warnings != 2 {
		t.Fatalf("unexpected report[1]: %+v", reports[1])
	}
	if reports[1].Mode != "warning" || reports[1].Tables != 1 || reports[1].BatchSize != 2 || reports[1].NumIndices != 4 {
		t.Fatalf("unexpected report[1] shape: %+v", reports[1])
	}
}

func TestRunFoundry_UsesExistingOpenTransactionWhenCreateConflicts(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.RequireBearerToken("dummy-token")
	seedInputDataset(t, srv)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Pipeline mode: the Foundry build pre-creates an OPEN output transaction.
	client, err := foundry.NewClient(ts.URL+"/api", ts.URL+"/stream-proxy/api", "dummy-token", "")
	if err != nil {
		t.Fatalf("new foundry client: %v", err)
	}
	preTxnID, err := client.CreateTransaction(context.Background(), testOutputRID, "master")
	if err != nil {
		t.Fatalf("pre-create output transaction: %v", err)
	}
	beforeCalls := len(srv.Calls())

	opts := app.Options{Mode: bounds.ModeWarning, Workers: 1}
	if err := app.RunFoundry(context.Background(), quietLogger(), testEnv(ts), "input", "output", "report.csv", "auto", opts); err != nil {
		t.Fatalf("RunFoundry failed: %v", err)
	}

	calls := srv.Calls()[beforeCalls:]
	if len(calls) != 9 {
		t.Fatalf("expected 9 calls, got %d: %#v", len(calls), calls)
	}
	if calls[4].Method != "POST" || calls[4].Path != "/api/v2/datasets/"+testOutputRID+"/transactions" {
		t.Fatalf("call[4] should be the conflicting create: %#v (all calls=%#v)", calls[4], calls)
	}
	if calls[5].Method != "GET" || calls[5].Path != "/api/v2/datasets/"+testOutputRID+"/transactions" {
		t.Fatalf("call[5] should list transactions: %#v (all calls=%#v)", calls[5], calls)
	}
	// The build owns the transaction lifecycle, so no commit is issued.
	last := calls[len(calls)-1]
	if last.Path != "/api/v2/datasets/"+testOutputRID+"/files/report.csv/upload" {
		t.Fatalf("last call should be the report upload, got %#v", last)
	}

	uploads := srv.Uploads()
	if len(uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d: %#v", len(uploads), uploads)
	}
	for _, up := range uploads {
		if up.TxnID != preTxnID {
			t.Fatalf("upload should reuse the open transaction %q: %#v", preTxnID, up)
		}
	}
}

func TestRunFoundry_StreamOutputPublishesReportRecords(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.RequireBearerToken("dummy-token")
	seedInputDataset(t, srv)
	srv.CreateStream(testOutputRID, "master")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	opts := app.Options{Mode: bounds.ModeWarning, Workers: 2}
	if err := app.RunFoundry(context.Background(), quietLogger(), testEnv(ts), "input", "output", "", "auto", opts); err != nil {
		t.Fatalf("RunFoundry failed: %v", err)
	}

	calls := srv.Calls()
	if len(calls) != 6 {
		t.Fatalf("expected 6 calls, got %d: %#v", len(calls), calls)
	}
	wantPublishPath := "/stream-proxy/api/streams/" + testOutputRID + "/branches/master/jsonRecord"
	if calls[4].Method != "POST" || calls[4].Path != wantPublishPath {
		t.Fatalf("call[4] mismatch: %#v (all calls=%#v)", calls[4], calls)
	}
	if calls[5].Method != "POST" || calls[5].Path != wantPublishPath {
		t.Fatalf("call[5] mismatch: %#v (all calls=%#v)", calls[5], calls)
	}

	recs := srv.StreamRecords(testOutputRID, "master")
	if len(recs) != 2 {
		t.Fatalf("expected 2 stream records, got %d: %#v", len(recs), recs)
	}
	if recs[0]["artifact"] != "batch-0001.json" || recs[0]["status"] != "ok" {
		t.Fatalf("unexpected record[0]: %#v", recs[0])
	}
	if recs[1]["artifact"] != "batch-0002.json" || recs[1]["status"] != "repaired" {
		t.Fatalf("unexpected record[1]: %#v", recs[1])
	}
	if recs[1]["warnings"] != float64(2) {
		t.Fatalf("record[1] warnings = %v, want 2", recs[1]["warnings"])
	}
}

func TestRunFoundry_FatalFailFastStopsBeforeWriting(t *testing.T) {
	t.Parallel()

	srv := mockfoundry.New("")
	srv.RequireBearerToken("dummy-token")
	seedInputDataset(t, srv)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	opts := app.Options{Mode: bounds.ModeFatal, Workers: 1, FailFast: true}
	err := app.RunFoundry(context.Background(), quietLogger(), testEnv(ts), "input", "output", "report.csv", "auto", opts)
	if err == nil {
		t.Fatal("expected fatal mode to fail the run")
	}
	var rowErr *bounds.RowIndexError
	if !errors.As(err, &rowErr) {
		t.Fatalf("expected RowIndexError, got: %v", err)
	}
	if rowErr.Index != 9 {
		t.Fatalf("unexpected violation: %+v", rowErr)
	}

	for _, call := range srv.Calls() {
		if call.Method == "POST" {
			t.Fatalf("nothing should be written in a failed fatal run, saw %#v", call)
		}
	}
	if len(srv.Files(testOutputRID)) != 0 {
		t.Fatalf("output dataset should be empty")
	}
}
