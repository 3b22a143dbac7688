package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// CSVScanner scans every field of a CSV file. Ragged rows are fine; a
// malformed quoted field is CorruptInput.
type CSVScanner struct{}

func NewCSVScanner() *CSVScanner { return &CSVScanner{} }

func (s *CSVScanner) Name() string { return "csv" }

func (s *CSVScanner) Matches(filename, mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".csv") || mimeType == "text/csv"
}

func (s *CSVScanner) Extract(ctx context.Context, path string) ([]Hit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var hits []Hit
	line := 0
	for {
		if line%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return hits, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
		}
		line++
		for col, field := range record {
			for _, addr := range FindAddresses(field) {
				hits = append(hits, Hit{Address: addr, Context: fmt.Sprintf("row %d col %d", line, col+1)})
			}
		}
	}
}
