package bounds

import "fmt"

// ShapeError reports a violated caller contract on array geometry. Shape
// problems are never repaired and fail the call in every mode.
type ShapeError struct {
	Tables     int
	OffsetsLen int
	Detail     string
}

func (e *ShapeError) Error() string {
	if e == nil {
		return "bounds shape error"
	}
	return fmt.Sprintf("bounds shape error: tables=%d offsetsLen=%d: %s", e.Tables, e.OffsetsLen, e.Detail)
}

// SliceCause identifies which of the three slice boundary checks fired.
type SliceCause int

const (
	SliceStartNegative SliceCause = iota
	SliceStartAfterEnd
	SliceEndPastIndices
)

func (c SliceCause) String() string {
	switch c {
	case SliceStartNegative:
		return "start negative"
	case SliceStartAfterEnd:
		return "start after end"
	case SliceEndPastIndices:
		return "end past indices"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// SliceRangeError reports an invalid (table, batch) slice boundary under
// ModeFatal.
type SliceRangeError struct {
	Table      int
	Batch      int
	Start      int64
	End        int64
	NumIndices int64
	Cause      SliceCause
}

func (e *SliceRangeError) Error() string {
	if e == nil {
		return "slice range error"
	}
	return fmt.Sprintf(
		"slice out of bounds (%s): table=%d batch=%d start=%d end=%d numIndices=%d",
		e.Cause, e.Table, e.Batch, e.Start, e.End, e.NumIndices,
	)
}

// RowIndexError reports a row index outside the owning table's row range
// under ModeFatal. Position is the offset of the bad element within its
// slice.
type RowIndexError struct {
	Table    int
	Batch    int
	Position int64
	Index    int64
	NumRows  int64
}

func (e *RowIndexError) Error() string {
	if e == nil {
		return "row index error"
	}
	return fmt.Sprintf(
		"row index out of bounds: table=%d batch=%d position=%d index=%d numRows=%d",
		e.Table, e.Batch, e.Position, e.Index, e.NumRows,
	)
}
