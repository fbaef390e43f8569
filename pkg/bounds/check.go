// Package bounds validates and repairs the index structures used by batched
// variable-length table lookups. A lookup batch is described by per-table row
// counts, a flat index array, and a flat offsets array delimiting one index
// slice per (table, batch element) pair. Check walks every slice and every
// index; Mode decides whether an out-of-bounds value is a hard failure or is
// repaired in place.
package bounds

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Index constrains the element type of the indices and offsets arrays.
type Index interface {
	~int32 | ~int64
}

// Options tune a single Check call.
type Options struct {
	// Shards fans index validation out across goroutines. Boundary repair
	// always stays on the calling goroutine: adjacent slices share an
	// offsets cell, so it must run in order. <=1 keeps the whole check
	// sequential. ModeFatal ignores Shards entirely so the reported
	// violation is always the first one in iteration order.
	Shards int

	// Logger receives the single per-call diagnostic line emitted under
	// ModeWarning. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Check validates every (table, batch element) slice of indices against the
// offsets boundaries and the owning table's row count.
//
// Under ModeFatal the first violation is returned as a *SliceRangeError or
// *RowIndexError and nothing is mutated. Under ModeWarning and ModeIgnore,
// invalid slice boundaries are clamped and invalid indices are rewritten to
// row 0, in place. ModeWarning additionally zeroes warnings at entry, adds 1
// to it per violation found, and logs the first violation; ModeIgnore leaves
// the counter untouched. A -1 index marks a pruned row and is always skipped.
//
// rowsPerTable must hold one non-negative count per table and offsets must
// hold tables*batchSize+1 elements; anything else is a *ShapeError in every
// mode. Downstream consumers must re-read offsets after a repairing call
// since slice boundaries may have moved.
func Check[I Index](rowsPerTable []int64, indices []I, offsets []I, mode Mode, warnings *atomic.Int64) error {
	return CheckWithOptions(rowsPerTable, indices, offsets, mode, warnings, Options{})
}

// CheckWithOptions is Check with explicit sharding and logger control.
func CheckWithOptions[I Index](rowsPerTable []int64, indices []I, offsets []I, mode Mode, warnings *atomic.Int64, opts Options) error {
	opts = opts.withDefaults()

	tables, batchSize, err := Shape(len(rowsPerTable), len(offsets))
	if err != nil {
		return err
	}

	switch mode {
	case ModeFatal:
		return checkFatal(rowsPerTable, indices, offsets, tables, batchSize)
	case ModeWarning:
		if warnings == nil {
			return &ShapeError{Tables: tables, OffsetsLen: len(offsets), Detail: "warning counter must not be nil in warning mode"}
		}
		warnings.Store(0)
		repair(rowsPerTable, indices, offsets, tables, batchSize, &observer{warnings: warnings, logger: opts.Logger}, opts.Shards)
		return nil
	case ModeIgnore:
		repair(rowsPerTable, indices, offsets, tables, batchSize, nil, opts.Shards)
		return nil
	default:
		return fmt.Errorf("invalid bounds check mode %d (expected 0|1|2)", int32(mode))
	}
}

// Shape derives the batch size implied by the rows-per-table and offsets
// lengths. Offsets must hold tables*batchSize+1 elements for some whole
// batchSize >= 0.
func Shape(tables, offsetsLen int) (int, int, error) {
	if tables < 1 {
		return 0, 0, &ShapeError{Tables: tables, OffsetsLen: offsetsLen, Detail: "rows per table must not be empty"}
	}
	if offsetsLen < 1 {
		return 0, 0, &ShapeError{Tables: tables, OffsetsLen: offsetsLen, Detail: "offsets must hold at least one element"}
	}
	if (offsetsLen-1)%tables != 0 {
		return 0, 0, &ShapeError{
			Tables:     tables,
			OffsetsLen: offsetsLen,
			Detail:     fmt.Sprintf("offsets length %d does not describe whole batches for %d tables", offsetsLen, tables),
		}
	}
	return tables, (offsetsLen - 1) / tables, nil
}

func checkFatal[I Index](rowsPerTable []int64, indices []I, offsets []I, tables, batchSize int) error {
	numIndices := int64(len(indices))
	for t := 0; t < tables; t++ {
		numRows := rowsPerTable[t]
		for b := 0; b < batchSize; b++ {
			start := int64(offsets[t*batchSize+b])
			end := int64(offsets[t*batchSize+b+1])
			if start < 0 {
				return &SliceRangeError{Table: t, Batch: b, Start: start, End: end, NumIndices: numIndices, Cause: SliceStartNegative}
			}
			if start > end {
				return &SliceRangeError{Table: t, Batch: b, Start: start, End: end, NumIndices: numIndices, Cause: SliceStartAfterEnd}
			}
			if end > numIndices {
				return &SliceRangeError{Table: t, Batch: b, Start: start, End: end, NumIndices: numIndices, Cause: SliceEndPastIndices}
			}
			for l := int64(0); l < end-start; l++ {
				idx := int64(indices[start+l])
				if idx == -1 {
					continue
				}
				if idx < 0 || idx >= numRows {
					return &RowIndexError{Table: t, Batch: b, Position: l, Index: idx, NumRows: numRows}
				}
			}
		}
	}
	return nil
}

// observer tallies repaired violations and emits the single first-occurrence
// diagnostic. A nil observer repairs silently.
type observer struct {
	warnings *atomic.Int64
	logged   atomic.Bool
	logger   *slog.Logger
}

func (o *observer) slice(table, batch int, start, end, numIndices int64) {
	if o == nil {
		return
	}
	o.warnings.Add(1)
	if o.logged.CompareAndSwap(false, true) {
		o.logger.Warn("bounds check: slice out of bounds",
			"table", table,
			"batch", batch,
			"start", start,
			"end", end,
			"numIndices", numIndices,
		)
	}
}

func (o *observer) index(table, batch int, position, index, numRows int64) {
	if o == nil {
		return
	}
	o.warnings.Add(1)
	if o.logged.CompareAndSwap(false, true) {
		o.logger.Warn("bounds check: row index out of bounds",
			"table", table,
			"batch", batch,
			"position", position,
			"index", index,
			"numRows", numRows,
		)
	}
}

func repair[I Index](rowsPerTable []int64, indices []I, offsets []I, tables, batchSize int, obs *observer, shards int) {
	if shards <= 1 || tables*batchSize < 2 {
		repairSequential(rowsPerTable, indices, offsets, tables, batchSize, obs)
		return
	}
	repairSharded(rowsPerTable, indices, offsets, tables, batchSize, obs, shards)
}

func repairSequential[I Index](rowsPerTable []int64, indices []I, offsets []I, tables, batchSize int, obs *observer) {
	numIndices := int64(len(indices))
	for t := 0; t < tables; t++ {
		numRows := rowsPerTable[t]
		for b := 0; b < batchSize; b++ {
			start, end := repairSlice(offsets, t*batchSize+b, t, b, numIndices, obs)
			repairIndexRange(indices, numRows, start, end, t, b, obs)
		}
	}
}

func repairSharded[I Index](rowsPerTable []int64, indices []I, offsets []I, tables, batchSize int, obs *observer, shards int) {
	numIndices := int64(len(indices))
	total := tables * batchSize
	for s := 0; s < total; s++ {
		repairSlice(offsets, s, s/batchSize, s%batchSize, numIndices, obs)
	}

	// Repaired offsets are monotone, so the per-slice index ranges are
	// disjoint and index validation can fan out.
	if shards > total {
		shards = total
	}
	chunk := (total + shards - 1) / shards
	var wg sync.WaitGroup
	for w := 0; w < shards; w++ {
		lo := w * chunk
		hi := min(lo+chunk, total)
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for s := lo; s < hi; s++ {
				t := s / batchSize
				start := int64(offsets[s])
				end := int64(offsets[s+1])
				repairIndexRange(indices, rowsPerTable[t], start, end, t, s%batchSize, obs)
			}
		}(lo, hi)
	}
	wg.Wait()
}

// repairSlice validates the slice at offsets cell/cell+1 and clamps it in
// place when invalid. The returned boundaries are the post-repair values.
func repairSlice[I Index](offsets []I, cell, table, batch int, numIndices int64, obs *observer) (int64, int64) {
	start := int64(offsets[cell])
	end := int64(offsets[cell+1])
	if start >= 0 && start <= end && end <= numIndices {
		return start, end
	}
	obs.slice(table, batch, start, end, numIndices)
	start = clamp(start, 0, numIndices)
	end = clamp(end, start, numIndices)
	offsets[cell] = I(start)
	offsets[cell+1] = I(end)
	return start, end
}

func repairIndexRange[I Index](indices []I, numRows int64, start, end int64, table, batch int, obs *observer) {
	for l := int64(0); l < end-start; l++ {
		idx := int64(indices[start+l])
		if idx == -1 {
			continue
		}
		if idx < 0 || idx >= numRows {
			obs.index(table, batch, l, idx, numRows)
			indices[start+l] = 0
		}
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
