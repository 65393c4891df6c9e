// -----------------------------------------------------------------------
// Export Service - Render lot results as JSON, CSV, XLSX, or PDF
// -----------------------------------------------------------------------

package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
	"github.com/xuri/excelize/v2"
)

// Format identifies an export output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ContentType returns the MIME type for HTTP responses.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

// ParseFormat validates a format string from a request path.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV, FormatXLSX, FormatPDF:
		return Format(s), nil
	}
	return "", fmt.Errorf("unsupported export format: %s", s)
}

// Service renders the pages of a lot into downloadable documents.
type Service struct {
	lots    interfaces.LotStorage
	sources interfaces.SourceStorage
	pages   interfaces.PageStorage
	logger  arbor.ILogger
}

// NewService creates a new export service
func NewService(lots interfaces.LotStorage, sources interfaces.SourceStorage, pages interfaces.PageStorage, logger arbor.ILogger) *Service {
	return &Service{lots: lots, sources: sources, pages: pages, logger: logger}
}

// Export renders the lot in the requested format.
func (s *Service) Export(lotID string, format Format) ([]byte, error) {
	lot, err := s.lots.GetLot(lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lot %s: %w", lotID, err)
	}
	pages, err := s.pages.GetPagesByLot(lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pages for lot %s: %w", lotID, err)
	}
	sortPages(pages)

	var data []byte
	switch format {
	case FormatJSON:
		data, err = s.renderJSON(lot, pages)
	case FormatCSV:
		data, err = s.renderCSV(pages)
	case FormatXLSX:
		data, err = s.renderXLSX(lot, pages)
	case FormatPDF:
		data, err = s.renderPDF(lot, pages)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("lot_id", lotID).
		Str("format", string(format)).
		Int("pages", len(pages)).
		Int("bytes", len(data)).
		Msg("Lot exported")
	return data, nil
}

func sortPages(pages []*models.PageDocument) {
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].SourceID != pages[j].SourceID {
			return pages[i].SourceID < pages[j].SourceID
		}
		return pages[i].PageNumber < pages[j].PageNumber
	})
}

type jsonExport struct {
	Lot        *models.Lot            `json:"lot"`
	Pages      []*models.PageDocument `json:"pages"`
	ExportedAt time.Time              `json:"exported_at"`
}

func (s *Service) renderJSON(lot *models.Lot, pages []*models.PageDocument) ([]byte, error) {
	out, err := json.MarshalIndent(jsonExport{Lot: lot, Pages: pages, ExportedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export: %w", err)
	}
	return out, nil
}

// fieldColumns collects the union of extracted field names so tabular formats
// get one column per field, in stable order.
func fieldColumns(pages []*models.PageDocument) []string {
	seen := map[string]bool{}
	for _, p := range pages {
		fields, _ := p.ExtractedData["fields"].(map[string]interface{})
		for name := range fields {
			seen[name] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for name := range seen {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

func fieldValue(p *models.PageDocument, name string) string {
	fields, _ := p.ExtractedData["fields"].(map[string]interface{})
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func baseRow(p *models.PageDocument) []string {
	return []string{
		p.ID,
		p.SourceID,
		fmt.Sprintf("%d", p.PageNumber),
		string(p.Status),
		string(p.Classification),
		p.AssignedModel,
		fmt.Sprintf("%.2f", p.Confidence),
		p.ErrorMessage,
	}
}

var baseHeaders = []string{"page_id", "source_id", "page_number", "status", "classification", "model", "confidence", "error"}

func (s *Service) renderCSV(pages []*models.PageDocument) ([]byte, error) {
	cols := fieldColumns(pages)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append(append([]string{}, baseHeaders...), cols...)); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, p := range pages {
		row := baseRow(p)
		for _, c := range cols {
			row = append(row, fieldValue(p, c))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) renderXLSX(lot *models.Lot, pages []*models.PageDocument) ([]byte, error) {
	f := excelize.NewFile()
	const sheet = "Pages"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	f.DeleteSheet("Sheet1")

	cols := fieldColumns(pages)
	headers := append(append([]string{}, baseHeaders...), cols...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, p := range pages {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, p.ID)
		write(2, p.SourceID)
		write(3, p.PageNumber)
		write(4, string(p.Status))
		write(5, string(p.Classification))
		write(6, p.AssignedModel)
		write(7, p.Confidence)
		write(8, p.ErrorMessage)
		for i, c := range cols {
			write(9+i, fieldValue(p, c))
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "B", 28)
	_ = f.SetColWidth(sheet, "D", "F", 16)
	_ = f.SetColWidth(sheet, "H", "H", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Service) renderPDF(lot *models.Lot, pages []*models.PageDocument) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(0, 8, fmt.Sprintf("Lot %s", lot.ID))
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 9)
	pdf.Cell(0, 5, fmt.Sprintf("Status: %s", lot.Status))
	pdf.Ln(5)
	pdf.Cell(0, 5, fmt.Sprintf("Pages: %d total, %d processed, %d failed", lot.TotalPages, len(lot.ProcessedIDs), len(lot.FailedIDs)))
	pdf.Ln(5)
	pdf.Cell(0, 5, fmt.Sprintf("Created: %s", lot.CreatedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	for _, p := range pages {
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, fmt.Sprintf("Page %d (%s)", p.PageNumber, p.ID))
		pdf.Ln(6)

		pdf.SetFont("Arial", "", 9)
		pdf.Cell(0, 5, fmt.Sprintf("Status: %s  Classification: %s  Model: %s  Confidence: %.2f",
			p.Status, p.Classification, p.AssignedModel, p.Confidence))
		pdf.Ln(5)
		if p.ErrorMessage != "" {
			pdf.MultiCell(0, 5, fmt.Sprintf("Error: %s", p.ErrorMessage), "", "L", false)
		}

		fields, _ := p.ExtractedData["fields"].(map[string]interface{})
		if len(fields) > 0 {
			names := make([]string, 0, len(fields))
			for name := range fields {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				pdf.MultiCell(0, 5, fmt.Sprintf("  %s: %v", name, fields[name]), "", "L", false)
			}
		}
		pdf.Ln(3)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}
	return buf.Bytes(), nil
}
