// Package app wires the check pipeline to its three entrypoints: local
// directories, Foundry datasets, and the compute module runtime.
package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/compute"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/foundry"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/foundry/keepalive"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
	foundryio "github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/io/foundry"
	localio "github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/worker"
)

// Options configures one checking run.
type Options struct {
	// Mode selects the repair behavior applied to every artifact in the run.
	Mode bounds.Mode

	// Shards fans index validation out within a single artifact. Values <= 1
	// keep each artifact on one goroutine.
	Shards int

	// Workers bounds how many artifacts are checked concurrently.
	Workers int

	// FailFast aborts the run on the first artifact error instead of
	// recording an error row and continuing.
	FailFast bool
}

type checkedArtifact struct {
	artifact lookup.Artifact
	report   lookup.Report
}

// checkAll runs the kernel over every artifact and pairs each with its
// report row. The input artifacts are never mutated; repaired buffers live
// in the returned copies.
func checkAll(ctx context.Context, logger *slog.Logger, artifacts []lookup.Artifact, opts Options) ([]checkedArtifact, error) {
	kernelOpts := bounds.Options{Shards: opts.Shards, Logger: logger}

	policy := worker.FailurePolicyPartialOutput
	if opts.FailFast {
		policy = worker.FailurePolicyFailFast
	}

	processor := func(_ context.Context, art lookup.Artifact) (checkedArtifact, error) {
		out := lookup.Artifact{Name: art.Name, Batch: art.Batch.Clone()}

		var warnings atomic.Int64
		start := time.Now()
		err := compute.CheckBatch(&out.Batch, opts.Mode, &warnings, kernelOpts)
		elapsed := time.Since(start).Round(time.Microsecond)

		rep := lookup.Report{
			Artifact:   art.Name,
			Mode:       opts.Mode.String(),
			NumIndices: len(art.Batch.Indices),
			Warnings:   warnings.Load(),
		}
		if tables, batchSize, shapeErr := art.Batch.Shape(); shapeErr == nil {
			rep.Tables = tables
			rep.BatchSize = batchSize
		}

		if err != nil {
			rep.Status = lookup.StatusError
			rep.Error = err.Error()
			logger.Error("artifact check failed", "artifact", art.Name, "mode", rep.Mode, "duration", elapsed, "error", err)
			return checkedArtifact{artifact: art, report: rep}, err
		}

		if batchRepaired(art.Batch, out.Batch) {
			rep.Status = lookup.StatusRepaired
		} else {
			rep.Status = lookup.StatusOK
		}
		logger.Info("artifact checked",
			"artifact", art.Name, "mode", rep.Mode, "status", rep.Status,
			"warnings", rep.Warnings, "duration", elapsed)
		return checkedArtifact{artifact: out, report: rep}, nil
	}

	results, err := worker.ProcessAll(ctx, artifacts, processor, worker.Options{
		Workers:       opts.Workers,
		FailurePolicy: policy,
	})
	if err != nil {
		return nil, err
	}

	out := make([]checkedArtifact, len(results))
	for i, res := range results {
		out[i] = res.Output
	}
	return out, nil
}

func batchRepaired(before, after lookup.Batch) bool {
	return !slices.Equal(before.Indices, after.Indices) || !slices.Equal(before.Offsets, after.Offsets)
}

func summarize(results []checkedArtifact) (okCount, repairedCount, errorCount int, totalWarnings int64) {
	for _, res := range results {
		switch res.report.Status {
		case lookup.StatusRepaired:
			repairedCount++
		case lookup.StatusError:
			errorCount++
		default:
			okCount++
		}
		totalWarnings += res.report.Warnings
	}
	return okCount, repairedCount, errorCount, totalWarnings
}

// RunLocal checks every .json artifact in inputDir, writes checked artifacts
// to outputDir, and writes the report CSV to reportPath.
func RunLocal(ctx context.Context, logger *slog.Logger, inputDir, outputDir, reportPath string, opts Options) error {
	start := time.Now()

	artifacts, err := localio.ArtifactDir{Dir: inputDir}.Load(ctx)
	if err != nil {
		return err
	}
	logger.Info("loaded artifacts", "dir", inputDir, "count", len(artifacts))

	results, err := checkAll(ctx, logger, artifacts, opts)
	if err != nil {
		return err
	}

	reports := make([]lookup.Report, 0, len(results))
	for _, res := range results {
		reports = append(reports, res.report)
		if res.report.Status == lookup.StatusError {
			continue
		}
		if err := localio.WriteArtifactFile(outputDir, res.artifact.Name, res.artifact.Batch); err != nil {
			return err
		}
	}
	if err := (localio.ReportFile{Path: reportPath}).Store(ctx, reports); err != nil {
		return err
	}

	okCount, repairedCount, errorCount, totalWarnings := summarize(results)
	logger.Info("local run complete",
		"artifacts", len(results), "ok", okCount, "repaired", repairedCount,
		"errors", errorCount, "warnings", totalWarnings,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// RunFoundry checks every artifact in the input dataset and writes checked
// artifacts plus the report to the output resource. Dataset outputs receive
// the artifacts and the report CSV in a single transaction; stream outputs
// receive one report record per artifact.
func RunFoundry(
	ctx context.Context,
	logger *slog.Logger,
	env foundry.Env,
	inputAlias string,
	outputAlias string,
	reportFilename string,
	outputWriteMode string,
	opts Options,
) error {
	runStart := time.Now()
	log := logger.With("run_id", uuid.NewString())

	inputRef, err := env.Ref(inputAlias)
	if err != nil {
		return err
	}
	outputRef, err := env.Ref(outputAlias)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reportFilename) == "" {
		reportFilename = "report.csv"
	}

	log.Info("foundry run start",
		"input", inputRef.RID, "input_branch", branchOrMaster(inputRef.Branch),
		"output", outputRef.RID, "output_branch", branchOrMaster(outputRef.Branch),
		"write_mode", outputWriteMode, "mode", opts.Mode.String(),
		"workers", opts.Workers, "shards", opts.Shards, "fail_fast", opts.FailFast)

	client, err := foundry.NewClient(env.Services.APIGateway, env.Services.StreamProxy, env.Token, env.DefaultCAPath)
	if err != nil {
		return err
	}

	readStart := time.Now()
	artifacts, err := foundryio.ReadInputArtifacts(ctx, client, inputRef)
	if err != nil {
		return err
	}
	log.Info("loaded artifacts from input dataset",
		"count", len(artifacts), "duration", time.Since(readStart).Round(time.Millisecond))

	isStream, err := foundryio.ResolveOutputMode(ctx, client, outputRef, outputWriteMode)
	if err != nil {
		return err
	}
	writeMode := "dataset"
	if isStream {
		writeMode = "stream"
	}
	log.Info("resolved output mode", "mode", writeMode)

	checkStart := time.Now()
	results, err := checkAll(ctx, log, artifacts, opts)
	if err != nil {
		return err
	}
	reports := make([]lookup.Report, 0, len(results))
	for _, res := range results {
		reports = append(reports, res.report)
	}
	okCount, repairedCount, errorCount, totalWarnings := summarize(results)
	log.Info("check complete",
		"artifacts", len(results), "ok", okCount, "repaired", repairedCount,
		"errors", errorCount, "warnings", totalWarnings,
		"duration", time.Since(checkStart).Round(time.Millisecond))

	writeStart := time.Now()
	if isStream {
		for _, rep := range reports {
			if err := foundryio.PublishJSONRecord(ctx, client, outputRef, foundryio.StreamRecord(rep)); err != nil {
				return err
			}
			log.Info("report row published", "artifact", rep.Artifact, "status", rep.Status)
		}
		log.Info("foundry run complete",
			"write_duration", time.Since(writeStart).Round(time.Millisecond),
			"total_duration", time.Since(runStart).Round(time.Millisecond))
		return nil
	}

	files := make(map[string][]byte, len(results)+1)
	for _, res := range results {
		if res.report.Status == lookup.StatusError {
			continue
		}
		b, err := lookup.MarshalBatch(res.artifact.Batch)
		if err != nil {
			return fmt.Errorf("encode artifact %s: %w", res.artifact.Name, err)
		}
		files[res.artifact.Name] = b
	}
	var reportBuf bytes.Buffer
	if err := localio.WriteReportsCSV(&reportBuf, reports); err != nil {
		return err
	}
	files[reportFilename] = reportBuf.Bytes()

	if err := foundryio.UploadDatasetFiles(ctx, client, outputRef, files); err != nil {
		return err
	}
	log.Info("foundry run complete",
		"files", len(files),
		"write_duration", time.Since(writeStart).Round(time.Millisecond),
		"total_duration", time.Since(runStart).Round(time.Millisecond))
	return nil
}

// RunModule serves bounds check queries from the compute module runtime,
// polling GET_JOB_URI until ctx is cancelled. The check mode arrives per
// query, so Options.Mode is not consulted here.
func RunModule(ctx context.Context, logger *slog.Logger, shards int) error {
	cfg, ok, err := keepalive.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("compute module runtime not detected: GET_JOB_URI and POST_RESULT_URI are unset")
	}
	cfg.Logger = logger

	reg := compute.NewRegistry()
	if err := compute.RegisterBoundsCheck(reg, bounds.Options{Shards: shards, Logger: logger}); err != nil {
		return err
	}
	logger.Info("serving compute module operations", "ops", reg.Ops())

	return keepalive.RunLoop(ctx, cfg, func(ctx context.Context, job keepalive.Job) ([]byte, error) {
		return reg.Dispatch(ctx, job.QueryType, job.Query)
	})
}

func branchOrMaster(branch string) string {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return "master"
	}
	return branch
}
