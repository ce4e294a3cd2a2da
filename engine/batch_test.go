package engine

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

func writeXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, cell := range row {
			name, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, name, cell))
		}
	}
	path := filepath.Join(t.TempDir(), "terms.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func writeDocx(t *testing.T, paragraphs []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terms.docx")
	out, err := os.Create(path)
	require.NoError(t, err)

	archive := zip.NewWriter(out)
	document, err := archive.Create("word/document.xml")
	require.NoError(t, err)

	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)
	_, err = document.Write([]byte(body.String()))
	require.NoError(t, err)
	require.NoError(t, archive.Close())
	require.NoError(t, out.Close())
	return path
}

func TestExtractTermColumn_HeaderKeyword(t *testing.T) {
	rows := [][]string{
		{"Sıra", "Ürün Adı", "Miktar"},
		{"1", "Aseton", "5"},
		{"2", "Toluen", "2"},
	}

	assert.Equal(t, []string{"Aseton", "Toluen"}, ExtractTermColumn(rows))
}

func TestExtractTermColumn_EnglishHeader(t *testing.T) {
	rows := [][]string{
		{"#", "Chemical Name"},
		{"1", "Methanol"},
	}

	assert.Equal(t, []string{"Methanol"}, ExtractTermColumn(rows))
}

func TestExtractTermColumn_NoHeaderFallsBackToFirstColumn(t *testing.T) {
	rows := [][]string{
		{"", "Aseton"},
		{"", "Toluen"},
	}

	// First non-empty cell sits in column 1; the header row is data too.
	assert.Equal(t, []string{"Aseton", "Toluen"}, ExtractTermColumn(rows))
}

func TestExtractTermColumn_Empty(t *testing.T) {
	assert.Nil(t, ExtractTermColumn(nil))
	assert.Nil(t, ExtractTermColumn([][]string{{"", ""}}))
}

func TestCleanTerms(t *testing.T) {
	raw := []string{
		"  Aseton (%99, teknik)  ",
		"aseton",
		"aa", // too short
		"",
		"Toluen",
	}

	assert.Equal(t, []string{"Aseton", "Toluen"}, CleanTerms(raw))
}

func TestNormalizeTerm(t *testing.T) {
	assert.Equal(t, "Etil Asetat", NormalizeTerm(" Etil (HPLC) Asetat "))
	assert.Equal(t, "Aseton", NormalizeTerm("Aseton (%99)"))
}

func TestReadSearchTerms_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.csv")
	content := "Ürün;notlar\nAseton\nToluen,ek sütun\n"
	// Mixed field counts are tolerated.
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(content, ";", ",")), 0o644))

	runner := NewBatchRunner(newEngineFixture().engine)
	terms, err := runner.ReadSearchTerms(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"Aseton", "Toluen"}, terms)
}

func TestReadSearchTerms_XLSX(t *testing.T) {
	path := writeXLSX(t, [][]string{
		{"No", "Madde"},
		{"1", "Sodyum Klorür"},
		{"2", "Sodyum Klorür"},
		{"3", "Potasyum Nitrat (teknik)"},
	})

	runner := NewBatchRunner(newEngineFixture().engine)
	terms, err := runner.ReadSearchTerms(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"Sodyum Klorür", "Potasyum Nitrat"}, terms)
}

func TestReadSearchTerms_Docx(t *testing.T) {
	path := writeDocx(t, []string{"Aseton", "Etil Asetat", "ab"})

	runner := NewBatchRunner(newEngineFixture().engine)
	terms, err := runner.ReadSearchTerms(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"Aseton", "Etil Asetat"}, terms)
}

func TestReadSearchTerms_UnsupportedExtension(t *testing.T) {
	runner := NewBatchRunner(newEngineFixture().engine)
	_, err := runner.ReadSearchTerms("terms.pdf")
	assert.Error(t, err)
}

func TestReadSearchTerms_TranslatorApplied(t *testing.T) {
	path := writeDocx(t, []string{"Aseton"})

	runner := NewBatchRunner(newEngineFixture().engine)
	runner.Translate = func(term string) string { return "Acetone" }
	terms, err := runner.ReadSearchTerms(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"Acetone"}, terms)
}

func TestBatchRun_SequentialTerms(t *testing.T) {
	f := newEngineFixture()
	f.netflex.byQuery["Aseton"] = []types.NetflexRow{{ProductCode: "N-1", PriceNumeric: 1, Currency: "EUR"}}
	f.netflex.byQuery["Toluen"] = []types.NetflexRow{{ProductCode: "N-2", PriceNumeric: 2, Currency: "EUR"}}
	path := writeDocx(t, []string{"Aseton", "Toluen"})

	NewBatchRunner(f.engine).Run(context.Background(), path, "Acme Kimya")

	assert.Len(t, f.sink.ofType("batch_search_progress"), 2)
	assert.Len(t, f.sink.ofType("search_complete"), 2)

	completes := f.sink.ofType("batch_search_complete")
	require.Len(t, completes, 1)
	data := completes[0].Data.(map[string]any)
	assert.Equal(t, "complete", data["status"])
	assert.Equal(t, 2, data["processed"])
	assert.Equal(t, "Acme Kimya", data["customer"])

	// Every product carries the batch context for the host to route.
	products := f.sink.ofType("product_found")
	require.Len(t, products, 2)
	ctx0 := products[0].Context.(map[string]any)
	assert.Equal(t, true, ctx0["batch"])
	assert.Equal(t, "Acme Kimya", ctx0["customer"])
}

func TestBatchRun_CancelAfterFirstTerm(t *testing.T) {
	f := newEngineFixture()
	path := writeDocx(t, []string{"Aseton", "Toluen", "Metanol"})

	f.sink.onEmit = func(eventType string, _ any) {
		if eventType == "search_complete" {
			f.engine.CancelBatch()
		}
	}

	NewBatchRunner(f.engine).Run(context.Background(), path, "Acme Kimya")

	// One term ran to its own completion; the rest never started.
	assert.Len(t, f.sink.ofType("search_complete"), 1)

	completes := f.sink.ofType("batch_search_complete")
	require.Len(t, completes, 1)
	data := completes[0].Data.(map[string]any)
	assert.Equal(t, "cancelled", data["status"])
	assert.Equal(t, 1, data["processed"])
}

func TestBatchRun_UnreadableFile(t *testing.T) {
	f := newEngineFixture()

	NewBatchRunner(f.engine).Run(context.Background(), filepath.Join(t.TempDir(), "missing.xlsx"), "Acme")

	completes := f.sink.ofType("batch_search_complete")
	require.Len(t, completes, 1)
	assert.Equal(t, "error", completes[0].Data.(map[string]any)["status"])
	assert.Empty(t, f.sink.ofType("batch_search_progress"))
}
