package pdf

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Field is one labelled line on a generated document.
type Field struct {
	Label string
	Value string
}

// Document describes a single-page certificate style document.
type Document struct {
	Title     string
	Subtitle  string
	Reference string
	Fields    []Field
	Footer    string
	IssuedAt  time.Time
	Watermark string
}

type Generator interface {
	Generate(ctx context.Context, doc Document) ([]byte, error)
}

type gofpdfGenerator struct {
	pageSize string
}

// NewGenerator creates a gofpdf-backed generator for A4 pages
func NewGenerator() Generator {
	return &gofpdfGenerator{pageSize: "A4"}
}

func (g *gofpdfGenerator) Generate(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := gofpdf.New("P", "mm", g.pageSize, "")
	f.SetMargins(20, 25, 20)
	f.SetTitle(doc.Title, true)
	f.AddPage()

	if doc.Watermark != "" {
		f.SetFont("Arial", "B", 60)
		f.SetTextColor(235, 235, 235)
		f.TransformBegin()
		f.TransformRotate(45, 105, 150)
		f.Text(35, 170, doc.Watermark)
		f.TransformEnd()
	}

	f.SetTextColor(33, 37, 41)
	f.SetFont("Arial", "B", 20)
	f.CellFormat(0, 12, doc.Title, "", 1, "C", false, 0, "")
	if doc.Subtitle != "" {
		f.SetFont("Arial", "", 12)
		f.CellFormat(0, 8, doc.Subtitle, "", 1, "C", false, 0, "")
	}
	f.Ln(6)

	if doc.Reference != "" {
		f.SetFont("Courier", "B", 14)
		f.SetFillColor(242, 242, 242)
		f.CellFormat(0, 12, doc.Reference, "1", 1, "C", true, 0, "")
		f.Ln(6)
	}

	for _, field := range doc.Fields {
		f.SetFont("Arial", "B", 11)
		f.CellFormat(60, 9, field.Label, "B", 0, "L", false, 0, "")
		f.SetFont("Arial", "", 11)
		f.CellFormat(0, 9, field.Value, "B", 1, "L", false, 0, "")
	}

	f.Ln(10)
	f.SetFont("Arial", "I", 9)
	if !doc.IssuedAt.IsZero() {
		f.CellFormat(0, 6, fmt.Sprintf("Generated %s", doc.IssuedAt.UTC().Format(time.RFC1123)), "", 1, "L", false, 0, "")
	}
	if doc.Footer != "" {
		f.MultiCell(0, 5, doc.Footer, "", "L", false)
	}

	var buf bytes.Buffer
	if err := f.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
