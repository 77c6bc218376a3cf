package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/dauletk/insightbot/internal/domain"
)

const exportSheet = "Результат"

// RenderExcel builds an xlsx workbook from a query result.
func RenderExcel(table *domain.Table) ([]byte, error) {
	if table.IsEmpty() {
		return nil, domain.ErrEmptyResult
	}

	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("drop default sheet: %w", err)
	}

	header := make([]any, len(table.Columns))
	for i, c := range table.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	boldID, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		end, _ := excelize.CoordinatesToCellName(len(table.Columns), 1)
		_ = f.SetCellStyle(exportSheet, "A1", end, boldID)
	}

	for r, row := range table.Rows {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = exportCell(v)
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, fmt.Errorf("row address: %w", err)
		}
		if err := f.SetSheetRow(exportSheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// exportCell keeps numbers numeric in the sheet instead of stringifying
// everything.
func exportCell(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		if f, exact := x.Float64(); exact || x.Exponent() >= -6 {
			return f
		}
		return x.String()
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	default:
		return v
	}
}
