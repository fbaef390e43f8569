package lookup_test

import (
	"testing"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/bounds"
	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
	"github.com/stretchr/testify/require"
)

func TestBatchShape(t *testing.T) {
	t.Parallel()

	b := lookup.Batch{
		RowsPerTable: []int64{5, 9},
		Indices:      []int64{0, 1, 2},
		Offsets:      []int64{0, 1, 2, 3, 3, 3, 3},
		IndexWidth:   lookup.WidthInt64,
	}
	tables, batchSize, err := b.Shape()
	require.NoError(t, err)
	require.Equal(t, 2, tables)
	require.Equal(t, 3, batchSize)
}

func TestBatchShapeViolations(t *testing.T) {
	t.Parallel()

	cases := map[string]lookup.Batch{
		"no tables":     {Offsets: []int64{0}, IndexWidth: lookup.WidthInt64},
		"empty offsets": {RowsPerTable: []int64{4}, IndexWidth: lookup.WidthInt64},
		"misfit offsets": {
			RowsPerTable: []int64{4, 4, 4},
			Offsets:      []int64{0, 1, 2, 3, 4},
			IndexWidth:   lookup.WidthInt64,
		},
	}
	for name, b := range cases {
		_, _, err := b.Shape()
		require.Error(t, err, name)
		var shapeErr *bounds.ShapeError
		require.ErrorAs(t, err, &shapeErr, name)
		require.ErrorAs(t, b.Validate(), &shapeErr, name)
	}
}

func TestBatchValidateWidth(t *testing.T) {
	t.Parallel()

	b := lookup.Batch{
		RowsPerTable: []int64{10},
		Indices:      []int64{1, 2},
		Offsets:      []int64{0, 2},
		IndexWidth:   lookup.WidthInt32,
	}
	require.NoError(t, b.Validate())

	b.Indices[1] = int64(1) << 40
	err := b.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "int32")

	b.Indices[1] = 2
	b.Offsets[1] = -(int64(1) << 40)
	require.Error(t, b.Validate())

	b.Offsets[1] = 2
	b.IndexWidth = 16
	err = b.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported index width")
}

func TestBatchCloneSharesNothing(t *testing.T) {
	t.Parallel()

	b := lookup.Batch{
		RowsPerTable: []int64{3},
		Indices:      []int64{1, 2},
		Offsets:      []int64{0, 2},
		IndexWidth:   lookup.WidthInt64,
	}
	c := b.Clone()
	require.Equal(t, b, c)

	c.Indices[0] = 99
	c.Offsets[1] = 99
	c.RowsPerTable[0] = 99
	require.EqualValues(t, 1, b.Indices[0])
	require.EqualValues(t, 2, b.Offsets[1])
	require.EqualValues(t, 3, b.RowsPerTable[0])
}
