package lookup_test

import (
	"testing"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
	"github.com/stretchr/testify/require"
)

func TestReportRecordAlignsWithHeader(t *testing.T) {
	t.Parallel()

	r := lookup.Report{
		Artifact:   "batch-0007.json",
		Mode:       "warning",
		Tables:     2,
		BatchSize:  3,
		NumIndices: 11,
		Warnings:   4,
		Status:     lookup.StatusRepaired,
		Error:      "",
	}
	header := lookup.Header()
	rec := r.Record()
	require.Len(t, rec, len(header))

	byName := make(map[string]string, len(header))
	for i, col := range header {
		byName[col] = rec[i]
	}
	require.Equal(t, "batch-0007.json", byName["artifact"])
	require.Equal(t, "warning", byName["mode"])
	require.Equal(t, "2", byName["tables"])
	require.Equal(t, "3", byName["batch_size"])
	require.Equal(t, "11", byName["num_indices"])
	require.Equal(t, "4", byName["warnings"])
	require.Equal(t, "repaired", byName["status"])
	require.Equal(t, "", byName["error"])
}
