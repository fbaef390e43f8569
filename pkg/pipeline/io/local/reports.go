package local

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
)

// WriteReportsCSV writes the stable report table.
func WriteReportsCSV(w io.Writer, reports []lookup.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(lookup.Header()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range reports {
		if err := cw.Write(r.Record()); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadReportsCSV parses a report table, mapping columns by header name.
func ReadReportsCSV(r io.Reader) ([]lookup.Report, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"artifact", "mode", "status"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var reports []lookup.Report
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rep := lookup.Report{
			Artifact: get(rec, "artifact"),
			Mode:     get(rec, "mode"),
			Status:   get(rec, "status"),
			Error:    get(rec, "error"),
		}
		rep.Tables, _ = strconv.Atoi(get(rec, "tables"))
		rep.BatchSize, _ = strconv.Atoi(get(rec, "batch_size"))
		rep.NumIndices, _ = strconv.Atoi(get(rec, "num_indices"))
		rep.Warnings, _ = strconv.ParseInt(get(rec, "warnings"), 10, 64)
		reports = append(reports, rep)
	}
	return reports, nil
}

// ReportFile persists reports as a CSV file.
type ReportFile struct {
	Path string
}

// Store implements core.OutputAdapter for local report files.
func (f ReportFile) Store(_ context.Context, rows []lookup.Report) error {
	var buf bytes.Buffer
	if err := WriteReportsCSV(&buf, rows); err != nil {
		return err
	}
	if err := os.WriteFile(f.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	return nil
}
