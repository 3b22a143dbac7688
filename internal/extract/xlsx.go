package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXScanner walks every cell of every sheet in a workbook. The location
// hint is the sheet name and cell coordinate.
type XLSXScanner struct{}

func NewXLSXScanner() *XLSXScanner { return &XLSXScanner{} }

func (s *XLSXScanner) Name() string { return "xlsx" }

func (s *XLSXScanner) Matches(filename, mimeType string) bool {
	lower := strings.ToLower(filename)
	if strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xlsm") {
		return true
	}
	return mimeType == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (s *XLSXScanner) Extract(ctx context.Context, path string) ([]Hit, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ErrCorruptInput, err)
	}
	defer f.Close()

	var hits []Hit
	for _, sheet := range f.GetSheetList() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("%w: read sheet %s: %v", ErrCorruptInput, sheet, err)
		}
		for ri, row := range rows {
			for ci, cell := range row {
				for _, addr := range FindAddresses(cell) {
					coord, _ := excelize.CoordinatesToCellName(ci+1, ri+1)
					hits = append(hits, Hit{Address: addr, Context: fmt.Sprintf("%s!%s", sheet, coord)})
				}
			}
		}
	}
	return hits, nil
}
