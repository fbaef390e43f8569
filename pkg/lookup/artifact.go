package lookup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Artifact pairs a batch with the name it was stored under.
type Artifact struct {
	Name  string
	Batch Batch
}

// DecodeBatch reads one artifact document. Decoding is strict: unknown
// fields, trailing content, and shape violations are all rejected. A missing
// index_width defaults to 64.
func DecodeBatch(r io.Reader) (Batch, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var b Batch
	if err := dec.Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("parse artifact json: %w", err)
	}
	if dec.More() {
		return Batch{}, fmt.Errorf("artifact has trailing content after document")
	}
	if b.IndexWidth == 0 {
		b.IndexWidth = WidthInt64
	}
	if err := b.Validate(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// EncodeBatch writes b as one artifact document.
func EncodeBatch(w io.Writer, b Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(b)
}

// UnmarshalBatch decodes an artifact held in memory.
func UnmarshalBatch(raw []byte) (Batch, error) {
	return DecodeBatch(bytes.NewReader(raw))
}

// MarshalBatch encodes b to the artifact form.
func MarshalBatch(b Batch) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeBatch(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
