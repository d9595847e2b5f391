// Package export renders stored reports as an Excel workbook.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/renderinc/research-reports/internal/report"
)

const (
	SheetName   = "Reports"
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Headings are the column titles, in order.
var Headings = []string{
	"ID", "Date", "Category", "Title", "Org", "Author", "Stock Code", "Stock Name",
	"Industry", "Rating", "Target Price", "Impact", "Tags", "Summary", "PDF", "Source",
}

func str(p *string) any {
	if p == nil {
		return ""
	}
	return *p
}

func num(p *float64) any {
	if p == nil {
		return ""
	}
	return *p
}

func row(r *report.Report) []any {
	impact := ""
	if r.ImpactLevel != nil {
		impact = string(*r.ImpactLevel)
	}
	return []any{
		r.ID,
		r.Date.Format(time.DateOnly),
		string(r.Category),
		r.Title,
		r.Org,
		r.Author,
		str(r.StockCode),
		str(r.StockName),
		str(r.Industry),
		str(r.Rating),
		num(r.TargetPrice),
		impact,
		strings.Join(r.TopicTags, ","),
		r.Summary,
		str(r.PDFURL),
		r.SourceURL,
	}
}

// Build lays reports out one per row under a header row.
func Build(reports []*report.Report) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.SetSheetRow(SheetName, "A1", &Headings); err != nil {
		f.Close()
		return nil, fmt.Errorf("write headings: %w", err)
	}
	for i, r := range reports {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		values := row(r)
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Write streams the workbook for reports to w.
func Write(w io.Writer, reports []*report.Report) error {
	f, err := Build(reports)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Save writes the workbook for reports to path.
func Save(path string, reports []*report.Report) error {
	f, err := Build(reports)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}
