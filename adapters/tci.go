package adapters

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/utils"
)

const (
	tciConsentTimeout = 10 * time.Second
	tciCardTimeout    = 30 * time.Second

	tciCardSelector    = "div.product-list-item"
	tciConsentSelector = "#onetrust-accept-btn-handler"
	tciNextSelector    = "a.pagination-next"
)

// TciAdapter drives a headless browser over the TCI search results pages.
type TciAdapter struct {
	config  *types.Config
	logger  types.Logger
	browser *utils.BrowserClient
}

func NewTciAdapter(config *types.Config, logger types.Logger) *TciAdapter {
	return &TciAdapter{
		config:  config,
		logger:  logger,
		browser: utils.NewBrowserClient(config, logger),
	}
}

// Browser exposes the underlying client for lifecycle management.
func (t *TciAdapter) Browser() *utils.BrowserClient { return t.browser }

// GetProducts paginates the search results and hands each page's batch to
// emit. The cancel flag is checked before every card parse and before every
// page transition; cancellation stops the walk without error.
func (t *TciAdapter) GetProducts(term string, cancel *types.CancelFlag, emit func([]types.TciProduct)) error {
	if !t.browser.Started() {
		return fmt.Errorf("tci browser not started")
	}

	searchURL := fmt.Sprintf("%s/search/?text=%s", t.config.TciBaseURL, url.QueryEscape(term))
	if err := t.browser.Navigate(searchURL); err != nil {
		return fmt.Errorf("tci navigate failed: %w", err)
	}

	if t.browser.TryClick(tciConsentSelector, tciConsentTimeout) {
		t.logger.Debug("TCI cookie consent accepted")
	}

	if err := t.browser.WaitVisible(tciCardSelector, tciCardTimeout); err != nil {
		t.logger.Warnf("TCI: no product cards for %q", term)
		return nil
	}

	prevCodes := map[string]struct{}{}
	for page := 1; ; page++ {
		if cancel.Cancelled() {
			return nil
		}

		html, err := t.browser.OuterHTML()
		if err != nil {
			t.logger.Warnf("TCI page %d read failed: %v", page, err)
			return nil
		}

		products := ParseTciPage(html, cancel)
		if len(products) == 0 {
			return nil
		}

		// Pagination race guard: only treat this as a new page when the
		// first card's code was not on the previous page.
		if page > 1 {
			if _, seen := prevCodes[products[0].ProductCode]; seen {
				t.logger.Debugf("TCI pagination stalled on page %d, stopping", page)
				return nil
			}
		}

		emit(products)

		prevCodes = map[string]struct{}{}
		for _, p := range products {
			prevCodes[p.ProductCode] = struct{}{}
		}

		if cancel.Cancelled() {
			return nil
		}
		if err := t.browser.ClickJS(tciNextSelector); err != nil {
			return nil
		}

		// Politeness delay between page loads.
		time.Sleep(time.Duration(1000+rand.Intn(1500)) * time.Millisecond)

		if err := t.browser.WaitVisible(tciCardSelector, tciCardTimeout); err != nil {
			return nil
		}
	}
}

// ParseTciPage extracts product cards from a results page. Pure so the
// selector logic is testable on static HTML.
func ParseTciPage(html string, cancel *types.CancelFlag) []types.TciProduct {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var products []types.TciProduct
	doc.Find(tciCardSelector).EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if cancel.Cancelled() {
			return false
		}

		product := types.TciProduct{
			ProductName: strings.TrimSpace(card.Find(".product-name").First().Text()),
			ProductCode: strings.TrimSpace(card.Find(".product-code").First().Text()),
			CasNumber:   strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(card.Find(".cas-number").First().Text()), "CAS RN:")),
		}
		if product.ProductCode == "" {
			return true
		}

		card.Find("table.product-variations tbody tr").Each(func(_ int, row *goquery.Selection) {
			variation := types.TciVariation{
				Unit:             strings.TrimSpace(row.Find("td.unit").Text()),
				OriginalPriceStr: strings.TrimSpace(row.Find("td.price").Text()),
			}
			if price, err := ParsePrice(variation.OriginalPriceStr); err == nil {
				variation.OriginalPriceNumeric = &price
			}
			row.Find("td.stock span.stock-badge").Each(func(_ int, badge *goquery.Selection) {
				if info := strings.TrimSpace(badge.Text()); info != "" {
					variation.StockInfo = append(variation.StockInfo, info)
				}
			})
			product.Variations = append(product.Variations, variation)
		})

		products = append(products, product)
		return true
	})

	return products
}
