package processor

import (
	"context"
	"sync/atomic"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/compute"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
)

type Result struct {
	Batch    lookup.Batch
	Warnings int64
}

type Processor struct {
	Mode bounds.Mode
}

func (p Processor) Process(_ context.Context, in lookup.Batch) (Result, error) {
	out := in.Clone()
	var warnings atomic.Int64
	if err := compute.CheckBatch(&out, p.Mode, &warnings, bounds.Options{}); err != nil {
		return Result{}, err
	}
	return Result{Batch: out, Warnings: warnings.Load()}, nil
}
