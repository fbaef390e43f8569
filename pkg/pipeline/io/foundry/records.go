package foundryio

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
)

// StreamRecord flattens one report into the JSON object published to the
// report stream.
func StreamRecord(r lookup.Report) map[string]any {
	return map[string]any{
		"artifact":    r.Artifact,
		"mode":        r.Mode,
		"tables":      r.Tables,
		"batch_size":  r.BatchSize,
		"num_indices": r.NumIndices,
		"warnings":    r.Warnings,
		"status":      r.Status,
		"error":       r.Error,
	}
}

// ReportFromRecord rebuilds a report from a stream record. Records come back
// with JSON's numeric widening, and some producers stringify numbers; both
// shapes are accepted.
func ReportFromRecord(rec map[string]any) lookup.Report {
	return lookup.Report{
		Artifact:   firstString(rec, "artifact"),
		Mode:       firstString(rec, "mode"),
		Tables:     int(firstInt(rec, "tables")),
		BatchSize:  int(firstInt(rec, "batch_size", "batchSize")),
		NumIndices: int(firstInt(rec, "num_indices", "numIndices")),
		Warnings:   firstInt(rec, "warnings"),
		Status:     firstString(rec, "status"),
		Error:      firstString(rec, "error"),
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			s, _ := v.(string)
			if strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return int64(t)
		case int:
			return int64(t)
		case int64:
			return t
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}
