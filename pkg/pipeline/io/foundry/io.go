// Package foundryio moves check inputs and outputs through Foundry: artifact
// files in from a dataset, repaired artifacts and the report table out, with
// transient-failure retries around every call.
package foundryio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/foundry"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
	localio "github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/io/local"
)

const (
	OutputModeAuto    = "auto"
	OutputModeDataset = "dataset"
	OutputModeStream  = "stream"
)

// ReadInputArtifacts lists the input dataset and downloads every .json
// artifact on the branch. A malformed artifact fails the read; artifacts are
// the input contract, not data to repair.
func ReadInputArtifacts(ctx context.Context, client *foundry.Client, inputRef foundry.DatasetRef) ([]lookup.Artifact, error) {
	var files []foundry.File
	err := retryTransient(ctx, 8, 200*time.Millisecond, func() error {
		var err error
		files, err = client.ListAllFiles(ctx, inputRef.RID, inputRef.Branch)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var artifacts []lookup.Artifact
	for _, f := range files {
		name := strings.TrimSpace(f.Path)
		if !strings.EqualFold(path.Ext(name), ".json") {
			continue
		}
		var raw []byte
		err := retryTransient(ctx, 8, 200*time.Millisecond, func() error {
			var err error
			raw, err = client.GetFile(ctx, inputRef.RID, inputRef.Branch, name)
			return err
		})
		if err != nil {
			return nil, err
		}
		b, err := lookup.UnmarshalBatch(raw)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", name, err)
		}
		artifacts = append(artifacts, lookup.Artifact{Name: name, Batch: b})
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("input dataset has no .json artifacts")
	}
	return artifacts, nil
}

// ArtifactInput adapts a dataset branch to core.InputAdapter.
type ArtifactInput struct {
	Client *foundry.Client
	Ref    foundry.DatasetRef
}

func (a ArtifactInput) Load(ctx context.Context) ([]lookup.Artifact, error) {
	return ReadInputArtifacts(ctx, a.Client, a.Ref)
}

// ResolveOutputMode resolves whether output should be written to stream-proxy.
func ResolveOutputMode(ctx context.Context, client *foundry.Client, outputRef foundry.DatasetRef, requestedMode string) (bool, error) {
	mode := strings.ToLower(strings.TrimSpace(requestedMode))
	if mode == "" {
		mode = OutputModeAuto
	}

	switch mode {
	case OutputModeAuto:
		branch := strings.TrimSpace(outputRef.Branch)
		if branch == "" {
			branch = "master"
		}
		isStream := false
		err := retryTransient(ctx, 8, 200*time.Millisecond, func() error {
			var err error
			isStream, err = client.ProbeStream(ctx, outputRef.RID, branch)
			return err
		})
		if err != nil {
			return false, err
		}
		return isStream, nil
	case OutputModeStream:
		return true, nil
	case OutputModeDataset:
		return false, nil
	default:
		return false, fmt.Errorf("invalid output write mode %q (expected auto|dataset|stream)", requestedMode)
	}
}

// PublishJSONRecords publishes one JSON object per row to stream-proxy.
func PublishJSONRecords(ctx context.Context, client *foundry.Client, outputRef foundry.DatasetRef, records []map[string]any) error {
	for _, rec := range records {
		if err := PublishJSONRecord(ctx, client, outputRef, rec); err != nil {
			return err
		}
	}
	return nil
}

// PublishJSONRecord publishes one JSON object to stream-proxy.
func PublishJSONRecord(ctx context.Context, client *foundry.Client, outputRef foundry.DatasetRef, record map[string]any) error {
	branch := strings.TrimSpace(outputRef.Branch)
	if branch == "" {
		branch = "master"
	}

	return retryTransient(ctx, 8, 200*time.Millisecond, func() error {
		return client.PublishStreamJSONRecord(ctx, outputRef.RID, branch, record)
	})
}

// UploadDatasetFiles uploads the given files in one transaction and commits
// it. When the dataset already has an open transaction, files are written
// into that transaction and the commit is left to whoever opened it, which
// is how Foundry hands build transactions to a module.
func UploadDatasetFiles(ctx context.Context, client *foundry.Client, outputRef foundry.DatasetRef, files map[string][]byte) error {
	if len(files) == 0 {
		return fmt.Errorf("no files to upload")
	}

	var txnID string
	createdTxn := true
	err := retryTransient(ctx, 8, 200*time.Millisecond, func() error {
		var err error
		txnID, err = client.CreateTransaction(ctx, outputRef.RID, outputRef.Branch)
		return err
	})
	if err != nil {
		if !isOpenTransactionAlreadyExists(err) {
			return err
		}
		createdTxn = false

		var ok bool
		err = retryTransient(ctx, 8, 200*time.Millisecond, func() error {
			var err error
			txnID, ok, err = client.FindLatestOpenTransaction(ctx, outputRef.RID)
			return err
		})
		if err != nil {
			return err
		}
		if !ok || txnID == "" {
			return fmt.Errorf("output dataset has an open transaction but no OPEN transaction was returned by listTransactions (preview endpoint)")
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b := files[name]
		if err := retryTransient(ctx, 8, 200*time.Millisecond, func() error {
			return client.UploadFile(ctx, outputRef.RID, txnID, name, "application/octet-stream", b)
		}); err != nil {
			return err
		}
	}

	if createdTxn {
		if err := retryTransient(ctx, 8, 200*time.Millisecond, func() error {
			return client.CommitTransaction(ctx, outputRef.RID, txnID)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReportOutput adapts a dataset or stream to core.OutputAdapter. Dataset
// targets get the CSV report table; stream targets get one record per
// report.
type ReportOutput struct {
	Client *foundry.Client
	Ref    foundry.DatasetRef
	Stream bool

	// Filename is the dataset file to write. Defaults to "report.csv".
	Filename string
}

func (o ReportOutput) Store(ctx context.Context, rows []lookup.Report) error {
	if o.Stream {
		for _, r := range rows {
			if err := PublishJSONRecord(ctx, o.Client, o.Ref, StreamRecord(r)); err != nil {
				return err
			}
		}
		return nil
	}

	var buf bytes.Buffer
	if err := localio.WriteReportsCSV(&buf, rows); err != nil {
		return err
	}
	name := strings.TrimSpace(o.Filename)
	if name == "" {
		name = "report.csv"
	}
	return UploadDatasetFiles(ctx, o.Client, o.Ref, map[string][]byte{name: buf.Bytes()})
}

func isOpenTransactionAlreadyExists(err error) bool {
	var he *foundry.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode != 409 {
		return false
	}
	return he.ErrorName == "OpenTransactionAlreadyExists" || he.ErrorCode == "CONFLICT"
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var he *foundry.HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == 429 || he.StatusCode/100 == 5
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout() || ne.Temporary()
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return false
}

func retryTransient(ctx context.Context, attempts int, initialSleep time.Duration, f func() error) error {
	sleep := initialSleep
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := f(); err == nil {
			return nil
		} else {
			lastErr = err
			if !isTransient(err) || i == attempts-1 {
				return err
			}
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		sleep *= 2
		if sleep > 2*time.Second {
			sleep = 2 * time.Second
		}
	}
	return lastErr
}
