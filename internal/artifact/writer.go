// Package artifact materializes a job's deduplicated results as a
// downloadable XLSX workbook. Written once per job, immutable after.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"email-extraction-service/internal/extract"
)

const (
	emailSheet      = "Emails"
	occurrenceSheet = "Occurrences"
)

type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write renders the result set into <dir>/<jobID>.xlsx and returns the
// path. Sheet one has one row per unique address with its distinct sources;
// sheet two has one row per occurrence with its location hint.
func (w *Writer) Write(jobID uuid.UUID, rs *extract.ResultSet) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("outputs dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", emailSheet)
	if _, err := f.NewSheet(occurrenceSheet); err != nil {
		return "", err
	}

	setRow := func(sheet string, row int, values ...any) error {
		for i, v := range values {
			cell, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
		return nil
	}

	if err := setRow(emailSheet, 1, "Email", "Sources", "Occurrences"); err != nil {
		return "", err
	}
	if err := setRow(occurrenceSheet, 1, "Email", "Source File", "Location"); err != nil {
		return "", err
	}

	emailRow, occRow := 2, 2
	for _, entry := range rs.Entries() {
		err := setRow(emailSheet, emailRow,
			entry.Address, strings.Join(entry.Sources(), "; "), len(entry.Occurrences))
		if err != nil {
			return "", err
		}
		emailRow++
		for _, occ := range entry.Occurrences {
			if err := setRow(occurrenceSheet, occRow, entry.Address, occ.Source, occ.Context); err != nil {
				return "", err
			}
			occRow++
		}
	}

	_ = f.SetColWidth(emailSheet, "A", "A", 36)
	_ = f.SetColWidth(emailSheet, "B", "B", 48)
	_ = f.SetColWidth(occurrenceSheet, "A", "B", 36)
	_ = f.SetColWidth(occurrenceSheet, "C", "C", 60)

	path := filepath.Join(w.dir, jobID.String()+".xlsx")
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return path, nil
}
