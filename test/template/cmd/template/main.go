package main

import (
	"context"
	"fmt"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/pipeline/worker"
	"github.com/palantir/palantir-compute-module-bounds-check/test/template/processor"
)

func main() {
	p := processor.Processor{Mode: bounds.ModeWarning}
	runner := core.ProcessFunc[lookup.Batch, processor.Result](p.Process)

	in := lookup.Batch{
		RowsPerTable: []int64{8},
		Indices:      []int64{11, 2, 5},
		Offsets:      []int64{0, 3},
		IndexWidth:   lookup.WidthInt64,
	}
	out, err := worker.ProcessAll(context.Background(), []lookup.Batch{in}, runner.Process, worker.Options{Workers: 1})
	if err != nil {
		panic(err)
	}
	fmt.Printf("repaired=%v warnings=%d\n", out[0].Output.Batch.Indices, out[0].Output.Warnings)
}
