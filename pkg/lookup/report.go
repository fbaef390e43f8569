package lookup

import "strconv"

// Report statuses.
const (
	StatusOK       = "ok"
	StatusRepaired = "repaired"
	StatusError    = "error"
)

// Report is one check run summarized for the output dataset. It is the
// service-level record, distinct from the kernel's single diagnostic line.
type Report struct {
	Artifact   string
	Mode       string
	Tables     int
	BatchSize  int
	NumIndices int
	Warnings   int64
	Status     string
	Error      string
}

// Header returns the stable CSV header for Report.
func Header() []string {
	return []string{
		"artifact",
		"mode",
		"tables",
		"batch_size",
		"num_indices",
		"warnings",
		"status",
		"error",
	}
}

// Record returns r as a CSV record aligned with Header.
func (r Report) Record() []string {
	return []string{
		r.Artifact,
		r.Mode,
		strconv.Itoa(r.Tables),
		strconv.Itoa(r.BatchSize),
		strconv.Itoa(r.NumIndices),
		strconv.FormatInt(r.Warnings, 10),
		r.Status,
		r.Error,
	}
}
