// Package local reads and writes check inputs and outputs on the local
// filesystem: artifact directories in, repaired artifacts and the report
// table out.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/palantir/palantir-compute-module-bounds-check/pkg/lookup"
)

// ArtifactDir loads every .json artifact in a directory, in name order.
type ArtifactDir struct {
	Dir string
}

// Load implements core.InputAdapter for local artifact directories. A
// malformed artifact fails the load; artifacts are the input contract, not
// data to repair.
func (a ArtifactDir) Load(_ context.Context) ([]lookup.Artifact, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir: %w", err)
	}

	var artifacts []lookup.Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(a.Dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", entry.Name(), err)
		}
		b, err := lookup.UnmarshalBatch(raw)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", entry.Name(), err)
		}
		artifacts = append(artifacts, lookup.Artifact{Name: entry.Name(), Batch: b})
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no .json artifacts in %s", a.Dir)
	}
	return artifacts, nil
}

// WriteArtifactFile writes one artifact document into dir, creating dir as
// needed.
func WriteArtifactFile(dir, name string, b lookup.Batch) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	raw, err := lookup.MarshalBatch(b)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}
