package settlement

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

var exportColumns = []string{
	"position", "unit_id", "partner_id", "profit_mode",
	"share", "allocated", "delta", "paid_out", "value_after",
}

func lineRow(l Line) []any {
	return []any{
		l.Position, l.UnitID.String(), l.PartnerID.String(), string(l.Mode),
		l.Share.Int64(), l.Allocated.Int64(), l.Delta.Int64(), l.PaidOut.Int64(), l.ValueAfter.Int64(),
	}
}

// Export writes the report's per-unit lines. Amounts stay in minor units.
func Export(w io.Writer, report *Report, format Format) error {
	switch format {
	case FormatCSV:
		return exportCSV(w, report)
	case FormatXLSX, "":
		return exportXLSX(w, report)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func exportCSV(w io.Writer, report *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return err
	}
	for _, l := range report.Lines {
		row := lineRow(l)
		rec := make([]string, len(row))
		for i, v := range row {
			switch t := v.(type) {
			case int:
				rec[i] = strconv.Itoa(t)
			case int64:
				rec[i] = strconv.FormatInt(t, 10)
			default:
				rec[i] = fmt.Sprint(t)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func exportXLSX(w io.Writer, report *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Settlement"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for i, col := range exportColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(exportColumns), 1)
	if err := f.SetCellStyle(sheet, "A1", last, header); err != nil {
		return err
	}

	for r, l := range report.Lines {
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		row := lineRow(l)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r+2, err)
		}
	}

	summary := [][]any{
		{"cycle_id", report.CycleID.String()},
		{"total_capital", report.TotalCapital.Int64()},
		{"sale_price", report.SalePrice.Int64()},
		{"trading_costs", report.TradingCosts.Int64()},
		{"distributable", report.Distributable.Int64()},
		{"actual_profit_rate", report.ActualProfitRate.String()},
		{"performance_rating", string(report.Rating)},
	}
	if _, err := f.NewSheet("Summary"); err != nil {
		return err
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Summary", cell, &row); err != nil {
			return err
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return err
	}
	return f.Write(w)
}
