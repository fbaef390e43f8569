package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
)

// The bounds check operator is served under both namespaces it has
// historically been registered in.
const (
	OpBoundsCheck      = "fbgemm.bounds_check_indices"
	OpBoundsCheckAlias = "fb.bounds_check_indices"
)

// BoundsCheckQuery is the host-facing query payload: the artifact fields
// plus the serialized mode ordinal.
type BoundsCheckQuery struct {
	lookup.Batch
	Mode int32 `json:"bounds_check_mode"`
}

// BoundsCheckResult carries the post-repair buffers and the warning tally
// back to the host.
type BoundsCheckResult struct {
	Indices  []int64 `json:"indices"`
	Offsets  []int64 `json:"offsets"`
	Warnings int64   `json:"warnings"`
}

// RegisterBoundsCheck installs the bounds check operator under both
// namespaces.
func RegisterBoundsCheck(reg *Registry, opts bounds.Options) error {
	if err := reg.Register(OpBoundsCheck, boundsCheckHandler(opts)); err != nil {
		return err
	}
	return reg.Alias(OpBoundsCheckAlias, OpBoundsCheck)
}

// CheckBatch runs the kernel over b at the width the artifact declares,
// repairing b's buffers in place. Width 32 batches run through int32 working
// copies so the kernel sees the arithmetic the artifact was produced with.
func CheckBatch(b *lookup.Batch, mode bounds.Mode, warnings *atomic.Int64, opts bounds.Options) error {
	if err := b.Validate(); err != nil {
		return err
	}
	switch b.IndexWidth {
	case lookup.WidthInt32:
		indices := toInt32(b.Indices)
		offsets := toInt32(b.Offsets)
		if err := bounds.CheckWithOptions(b.RowsPerTable, indices, offsets, mode, warnings, opts); err != nil {
			return err
		}
		fromInt32(b.Indices, indices)
		fromInt32(b.Offsets, offsets)
		return nil
	case lookup.WidthInt64:
		return bounds.CheckWithOptions(b.RowsPerTable, b.Indices, b.Offsets, mode, warnings, opts)
	default:
		return fmt.Errorf("unsupported index width %d", b.IndexWidth)
	}
}

func boundsCheckHandler(opts bounds.Options) Handler {
	return func(_ context.Context, raw json.RawMessage) ([]byte, error) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()

		var q BoundsCheckQuery
		if err := dec.Decode(&q); err != nil {
			return nil, fmt.Errorf("parse bounds check query: %w", err)
		}
		if q.IndexWidth == 0 {
			q.IndexWidth = lookup.WidthInt64
		}
		mode, err := bounds.ModeFromOrdinal(q.Mode)
		if err != nil {
			return nil, err
		}

		var warnings atomic.Int64
		if err := CheckBatch(&q.Batch, mode, &warnings, opts); err != nil {
			return nil, err
		}
		return json.Marshal(BoundsCheckResult{
			Indices:  q.Batch.Indices,
			Offsets:  q.Batch.Offsets,
			Warnings: warnings.Load(),
		})
	}
}

func toInt32(src []int64) []int32 {
	out := make([]int32, len(src))
	for i, v := range src {
		out[i] = int32(v)
	}
	return out
}

func fromInt32(dst []int64, src []int32) {
	for i, v := range src {
		dst[i] = int64(v)
	}
}
