package engine

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// termHeaderKeywords identify the search-term column in either language.
var termHeaderKeywords = []string{
	"ürün", "urun", "madde", "kimyasal", "açıklama", "aciklama",
	"product", "chemical", "description", "item", "name",
}

var parentheticalPattern = regexp.MustCompile(`\s*\([^)]*\)`)

// Translator optionally maps a Turkish term to English before dispatch.
type Translator func(term string) string

// BatchRunner reads search terms from a spreadsheet and drives the engine
// strictly sequentially, one term at a time.
type BatchRunner struct {
	engine    *Engine
	Translate Translator
}

func NewBatchRunner(engine *Engine) *BatchRunner {
	return &BatchRunner{engine: engine}
}

// Run processes the file's terms in order. Cancelling the batch also cancels
// the term in flight; each processed term still gets its own
// search_complete before batch_search_complete closes the run.
func (b *BatchRunner) Run(ctx context.Context, filePath, customerName string) {
	e := b.engine
	e.BatchCancel.Reset()

	terms, err := b.ReadSearchTerms(filePath)
	if err != nil {
		e.logger.Errorf("Batch file %s unreadable: %v", filePath, err)
		e.sink.Emit("batch_search_complete", map[string]any{
			"status": "error", "message": err.Error(), "customer": customerName,
		}, nil)
		return
	}

	processed := 0
	for i, term := range terms {
		if e.BatchCancel.Cancelled() {
			break
		}

		batchContext := map[string]any{
			"batch":    true,
			"customer": customerName,
			"term":     term,
			"index":    i + 1,
			"total":    len(terms),
		}
		e.sink.Emit("batch_search_progress", map[string]any{
			"term": term, "current": i + 1, "total": len(terms), "customer": customerName,
		}, nil)

		e.TermCancel.Reset()
		if e.BatchCancel.Cancelled() {
			// Raced with cancel_batch between reset and dispatch.
			e.TermCancel.Cancel()
			break
		}
		e.runTerm(ctx, term, batchContext)
		processed++
	}

	status := "complete"
	if e.BatchCancel.Cancelled() {
		status = "cancelled"
	}
	e.sink.Emit("batch_search_complete", map[string]any{
		"status":    status,
		"processed": processed,
		"total":     len(terms),
		"customer":  customerName,
	}, nil)
}

// ReadSearchTerms extracts, cleans and dedupes the term column of an
// .xlsx, .csv or .docx file.
func (b *BatchRunner) ReadSearchTerms(filePath string) ([]string, error) {
	var rows [][]string
	var err error

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".xlsx":
		rows, err = readXLSXRows(filePath)
	case ".csv":
		rows, err = readCSVRows(filePath)
	case ".docx":
		rows, err = readDocxRows(filePath)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(filePath))
	}
	if err != nil {
		return nil, err
	}

	terms := ExtractTermColumn(rows)
	if b.Translate != nil {
		for i, t := range terms {
			terms[i] = b.Translate(t)
		}
	}
	return CleanTerms(terms), nil
}

// ExtractTermColumn picks the column whose header contains a
// product-description keyword; failing that, the first column holding any
// non-empty value.
func ExtractTermColumn(rows [][]string) []string {
	if len(rows) == 0 {
		return nil
	}

	header := rows[0]
	col := -1
	for i, cell := range header {
		lower := strings.ToLower(strings.TrimSpace(cell))
		for _, keyword := range termHeaderKeywords {
			if strings.Contains(lower, keyword) {
				col = i
				break
			}
		}
		if col >= 0 {
			break
		}
	}

	body := rows
	if col >= 0 {
		body = rows[1:]
	} else {
	scan:
		for _, row := range rows {
			for i, cell := range row {
				if strings.TrimSpace(cell) != "" {
					col = i
					break scan
				}
			}
		}
		if col < 0 {
			return nil
		}
	}

	var values []string
	for _, row := range body {
		if col < len(row) {
			values = append(values, row[col])
		}
	}
	return values
}

// CleanTerms trims, strips parentheticals, dedupes and drops terms of
// length <= 2.
func CleanTerms(raw []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, term := range raw {
		cleaned := NormalizeTerm(term)
		if len([]rune(cleaned)) <= 2 {
			continue
		}
		key := strings.ToLower(cleaned)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, cleaned)
	}
	return out
}

// NormalizeTerm trims whitespace and removes parenthetical tails.
func NormalizeTerm(term string) string {
	return strings.TrimSpace(parentheticalPattern.ReplaceAllString(term, " "))
}

func readXLSXRows(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func readCSVRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	return reader.ReadAll()
}

// readDocxRows treats each paragraph of the document as a one-cell row. A
// docx is a zip holding word/document.xml; only the w:t runs matter here.
func readDocxRows(path string) ([][]string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	var document io.ReadCloser
	for _, file := range archive.File {
		if file.Name == "word/document.xml" {
			document, err = file.Open()
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if document == nil {
		return nil, fmt.Errorf("not a docx file: missing word/document.xml")
	}
	defer document.Close()

	decoder := xml.NewDecoder(document)
	var rows [][]string
	var paragraph strings.Builder
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local == "t" {
				var text string
				if err := decoder.DecodeElement(&text, &el); err == nil {
					paragraph.WriteString(text)
				}
			}
		case xml.EndElement:
			if el.Name.Local == "p" {
				if line := strings.TrimSpace(paragraph.String()); line != "" {
					rows = append(rows, []string{line})
				}
				paragraph.Reset()
			}
		}
	}
	if line := strings.TrimSpace(paragraph.String()); line != "" {
		rows = append(rows, []string{line})
	}
	return rows, nil
}
