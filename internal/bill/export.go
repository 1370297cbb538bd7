package bill

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Bills"

var exportHeaders = []string{
	"Due Date",
	"Name",
	"Category",
	"Amount",
	"Status",
	"Description",
	"File",
}

// ExportXLSX writes every bill to w as an Excel workbook
func (s *Service) ExportXLSX(w io.Writer) error {
	bills, err := s.ListBills()
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	// Rename the default sheet rather than adding a second one
	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}

	for i, b := range bills {
		row := i + 2
		values := []any{
			b.DueDate,
			b.Name,
			b.Category,
			float64(b.Amount) / 100,
			string(b.Status),
			b.Description,
			b.Filename,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return fmt.Errorf("writing row %d: %w", row, err)
			}
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 12)
	_ = f.SetColWidth(exportSheet, "B", "C", 24)
	_ = f.SetColWidth(exportSheet, "D", "E", 12)
	_ = f.SetColWidth(exportSheet, "F", "F", 60)
	_ = f.SetColWidth(exportSheet, "G", "G", 40)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing xlsx: %w", err)
	}
	slog.Info("Exported bills", "rows", len(bills))
	return nil
}
