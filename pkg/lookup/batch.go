// Package lookup models embedding lookup batches: the pruned per-table row
// counts, the flattened row indices, and the offsets that carve the indices
// into per-(table, batch) slices. It also defines the JSON artifact form
// batches travel in and the CSV report row a check run produces.
package lookup

import (
	"fmt"
	"math"
	"slices"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
)

// Index widths an artifact may declare for its indices and offsets buffers.
const (
	WidthInt32 = 32
	WidthInt64 = 64
)

// Batch is one embedding lookup workload. Buffers are stored widest; an
// artifact declaring a 32-bit width is checked through int32 working copies
// at the compute boundary.
type Batch struct {
	RowsPerTable []int64 `json:"rows_per_table"`
	Indices      []int64 `json:"indices"`
	Offsets      []int64 `json:"offsets"`
	IndexWidth   int     `json:"index_width"`
}

// Shape derives the table count and per-table batch size from the buffer
// lengths.
func (b Batch) Shape() (tables, batchSize int, err error) {
	return bounds.Shape(len(b.RowsPerTable), len(b.Offsets))
}

// Validate checks the shape contract and that every buffer value fits the
// declared index width.
func (b Batch) Validate() error {
	if _, _, err := b.Shape(); err != nil {
		return err
	}
	switch b.IndexWidth {
	case WidthInt64:
		return nil
	case WidthInt32:
		for i, v := range b.Offsets {
			if v < math.MinInt32 || v > math.MaxInt32 {
				return fmt.Errorf("offset %d overflows declared int32 width: %d", i, v)
			}
		}
		for i, v := range b.Indices {
			if v < math.MinInt32 || v > math.MaxInt32 {
				return fmt.Errorf("index %d overflows declared int32 width: %d", i, v)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported index width %d (expected %d or %d)", b.IndexWidth, WidthInt32, WidthInt64)
	}
}

// Clone returns a deep copy sharing no buffers with the receiver.
func (b Batch) Clone() Batch {
	return Batch{
		RowsPerTable: slices.Clone(b.RowsPerTable),
		Indices:      slices.Clone(b.Indices),
		Offsets:      slices.Clone(b.Offsets),
		IndexWidth:   b.IndexWidth,
	}
}
