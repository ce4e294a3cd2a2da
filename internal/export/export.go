// Package export writes comparison results and meeting summaries to .xlsx
// workbooks for the host to open.
package export

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

// Products writes the compared products for a customer and returns the
// output path.
func Products(products []types.UnifiedProduct, customerName, outputDir string) (string, error) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	headers := []string{
		"source", "product_name", "product_number", "cas_number", "brand",
		"cheapest_price_eur", "cheapest_code", "cheapest_source",
		"netflex_matches", "sigma_countries", "tci_variations",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, p := range products {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, string(p.Source))
		set(2, p.ProductName)
		set(3, p.ProductNumber)
		set(4, p.CasNumber)
		set(5, p.Brand)
		if p.CheapestOption != nil && !math.IsInf(p.CheapestOption.PriceEUR, 1) {
			set(6, p.CheapestOption.PriceEUR)
			set(7, p.CheapestOption.Code)
			set(8, p.CheapestOption.SourceLabel)
		}
		set(9, len(p.NetflexMatches))
		set(10, joinCountries(p.SigmaVariations))
		set(11, len(p.TciVariations))
	}

	name := fmt.Sprintf("%s_karsilastirma_%s.xlsx", sanitizeName(customerName), time.Now().Format("20060102_150405"))
	outputPath := filepath.Join(outputDir, name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	return outputPath, f.SaveAs(outputPath)
}

// Meetings writes calendar notes falling inside [startDate, endDate]
// (inclusive, "2006-01-02") to a workbook.
func Meetings(notes []map[string]any, startDate, endDate, outputDir string) (string, error) {
	start, errStart := time.Parse("2006-01-02", startDate)
	end, errEnd := time.Parse("2006-01-02", endDate)
	bounded := errStart == nil && errEnd == nil

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for i, h := range []string{"date", "meeting_id", "title", "completed"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	r := 2
	for _, note := range notes {
		dateStr, _ := note["date"].(string)
		if bounded {
			d, err := time.Parse("2006-01-02", dateStr)
			if err != nil || d.Before(start) || d.After(end) {
				continue
			}
		}

		meetings, _ := note["meetings"].([]any)
		for _, m := range meetings {
			meeting, ok := m.(map[string]any)
			if !ok {
				continue
			}
			set := func(col int, value any) {
				cell, _ := excelize.CoordinatesToCellName(col, r)
				_ = f.SetCellValue(sheet, cell, value)
			}
			set(1, dateStr)
			set(2, meeting["id"])
			set(3, meeting["title"])
			set(4, meeting["completed"] == true)
			r++
		}
	}

	name := fmt.Sprintf("toplantilar_%s_%s.xlsx", startDate, endDate)
	outputPath := filepath.Join(outputDir, name)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	return outputPath, f.SaveAs(outputPath)
}

func joinCountries(variations map[string][]types.SigmaVariation) string {
	countries := make([]string, 0, len(variations))
	for country := range variations {
		countries = append(countries, country)
	}
	sort.Strings(countries)
	return strings.Join(countries, ",")
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "musteri"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(name)
}
