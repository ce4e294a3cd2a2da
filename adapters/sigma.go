package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/utils"
)

const (
	sigmaConsentSelector = "#onetrust-accept-btn-handler"
	sigmaPageSize        = 20
	sigmaFetchTimeout    = 45 * time.Second
)

const sigmaProductSearchQuery = `query ProductSearch($searchTerm: String!, $page: Int!, $perPage: Int!) {
  getProductSearchResults(input: {searchTerm: $searchTerm, pagination: {page: $page, perPage: $perPage}, sort: relevance, group: product}) {
    items {
      ... on Product {
        productNumber
        productKey
        name
        casNumber
        brand { key }
        materialIds
      }
    }
  }
}`

const sigmaPricingQuery = `query PricingAndAvailability($productNumber: String!, $brand: String, $productKey: String, $materialIds: [String!], $quantity: Int!) {
  getPricingForProduct(input: {productNumber: $productNumber, brand: $brand, productKey: $productKey, materialIds: $materialIds, quantity: $quantity}) {
    materialPricing {
      materialNumber
      listPrice
      currency
    }
  }
}`

// SigmaAdapter drives two browsers over the vendor's GraphQL endpoint: one
// direct session on the TR storefront and one routed through an
// authenticated proxy for the US storefront. GraphQL requests are executed
// from inside the page so they inherit the anti-bot cookies the browser
// already holds.
type SigmaAdapter struct {
	config *types.Config
	logger types.Logger

	trBrowser *utils.BrowserClient
	usBrowser *utils.BrowserClient
	trMu      sync.Mutex
	usMu      sync.Mutex
	usEnabled bool
}

func NewSigmaAdapter(config *types.Config, logger types.Logger) *SigmaAdapter {
	return &SigmaAdapter{
		config:    config,
		logger:    logger,
		trBrowser: utils.NewBrowserClient(config, logger),
	}
}

// StartDrivers brings up the TR and US browsers in parallel. A missing or
// empty proxy list disables the US driver; TR alone is still serviceable.
func (s *SigmaAdapter) StartDrivers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.trBrowser.Start(gctx); err != nil {
			return fmt.Errorf("sigma TR driver: %w", err)
		}
		if err := s.trBrowser.Navigate(s.config.SigmaTRBaseURL + "/TR/tr"); err != nil {
			return fmt.Errorf("sigma TR storefront: %w", err)
		}
		s.trBrowser.TryClick(sigmaConsentSelector, 10*time.Second)
		return nil
	})

	g.Go(func() error {
		proxies, err := LoadProxies(s.config.ProxyListPath)
		if err != nil {
			s.logger.Warnf("Sigma US driver disabled, proxy list unavailable: %v", err)
			return nil
		}

		proxy := PickProxy(proxies)
		extDir, opts, err := BuildProxyExtension(proxy)
		if err != nil {
			s.logger.Warnf("Sigma US driver disabled, proxy extension build failed: %v", err)
			return nil
		}
		defer os.RemoveAll(extDir)

		browser := utils.NewBrowserClient(s.config, s.logger, opts...)
		if err := browser.Start(gctx); err != nil {
			s.logger.Warnf("Sigma US driver disabled, start failed: %v", err)
			return nil
		}
		if err := browser.Navigate(s.config.SigmaUSBaseURL + "/US/en"); err != nil {
			s.logger.Warnf("Sigma US driver disabled, storefront unreachable: %v", err)
			browser.Close()
			return nil
		}
		browser.TryClick(sigmaConsentSelector, 10*time.Second)

		s.usBrowser = browser
		s.usEnabled = true
		return nil
	})

	return g.Wait()
}

// Close tears down both browsers.
func (s *SigmaAdapter) Close() {
	s.trBrowser.Close()
	if s.usBrowser != nil {
		s.usBrowser.Close()
	}
}

// graphqlFetchScript wraps a GraphQL POST in an awaited in-page fetch.
func graphqlFetchScript(query string, variables map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`fetch("/api", {
  method: "POST",
  headers: {"Content-Type": "application/json", "x-gql-country": document.documentElement.lang || ""},
  body: %s,
  credentials: "include"
}).then(r => r.json())`, toJSStringLiteral(payload)), nil
}

func toJSStringLiteral(raw []byte) string {
	quoted, _ := json.Marshal(string(raw))
	return string(quoted)
}

type sigmaSearchResponse struct {
	Data struct {
		GetProductSearchResults struct {
			Items []struct {
				ProductNumber string `json:"productNumber"`
				ProductKey    string `json:"productKey"`
				Name          string `json:"name"`
				CasNumber     string `json:"casNumber"`
				Brand         struct {
					Key string `json:"key"`
				} `json:"brand"`
				MaterialIds []string `json:"materialIds"`
			} `json:"items"`
		} `json:"getProductSearchResults"`
	} `json:"data"`
}

// SearchProducts runs the ProductSearch query from inside the TR browser,
// paginating until an empty result page.
func (s *SigmaAdapter) SearchProducts(term string, cancel *types.CancelFlag) ([]types.SigmaProduct, error) {
	if !s.trBrowser.Started() {
		return nil, fmt.Errorf("sigma TR browser not started")
	}

	var all []types.SigmaProduct
	for page := 1; ; page++ {
		if cancel.Cancelled() {
			return all, nil
		}

		script, err := graphqlFetchScript(sigmaProductSearchQuery, map[string]any{
			"searchTerm": term,
			"page":       page,
			"perPage":    sigmaPageSize,
		})
		if err != nil {
			return all, err
		}

		var resp sigmaSearchResponse
		s.trMu.Lock()
		err = s.trBrowser.EvaluateAsync(script, &resp, sigmaFetchTimeout)
		s.trMu.Unlock()
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("sigma search failed: %w", err)
			}
			s.logger.Warnf("Sigma search page %d failed: %v", page, err)
			return all, nil
		}

		items := resp.Data.GetProductSearchResults.Items
		if len(items) == 0 {
			return all, nil
		}

		for _, item := range items {
			all = append(all, types.SigmaProduct{
				ProductNumber: item.ProductNumber,
				ProductKey:    item.ProductKey,
				Brand:         item.Brand.Key,
				MaterialIDs:   item.MaterialIds,
				ProductName:   item.Name,
				CasNumber:     item.CasNumber,
			})
		}
	}
}

type sigmaPricingResponse struct {
	Data struct {
		GetPricingForProduct struct {
			MaterialPricing []struct {
				MaterialNumber string  `json:"materialNumber"`
				ListPrice      float64 `json:"listPrice"`
				Currency       string  `json:"currency"`
			} `json:"materialPricing"`
		} `json:"getPricingForProduct"`
	} `json:"data"`
}

// GetAllProductPrices issues PricingAndAvailability per configured country in
// parallel. Within a country the row whose materialNumber equals the
// requested product number is preferred and sorted first; otherwise the
// upstream order is kept with the first row as the fallback choice.
func (s *SigmaAdapter) GetAllProductPrices(productNumber, brand, productKey string, materialIDs []string, cancel *types.CancelFlag) map[string][]types.SigmaVariation {
	results := make(map[string][]types.SigmaVariation)
	var mu sync.Mutex

	var g errgroup.Group
	for _, country := range s.config.SigmaCountries {
		country := country
		g.Go(func() error {
			if cancel.Cancelled() {
				return nil
			}
			variations := s.pricesForCountry(country, productNumber, brand, productKey, materialIDs)
			if len(variations) == 0 {
				return nil
			}
			mu.Lock()
			results[country] = variations
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

func (s *SigmaAdapter) pricesForCountry(country, productNumber, brand, productKey string, materialIDs []string) []types.SigmaVariation {
	browser, lock := s.trBrowser, &s.trMu
	if country == "US" {
		if !s.usEnabled {
			return nil
		}
		browser, lock = s.usBrowser, &s.usMu
	}

	script, err := graphqlFetchScript(sigmaPricingQuery, map[string]any{
		"productNumber": productNumber,
		"brand":         brand,
		"productKey":    productKey,
		"materialIds":   materialIDs,
		"quantity":      1,
	})
	if err != nil {
		return nil
	}

	var resp sigmaPricingResponse
	lock.Lock()
	err = browser.EvaluateAsync(script, &resp, sigmaFetchTimeout)
	lock.Unlock()
	if err != nil {
		s.logger.Warnf("Sigma pricing for %s/%s failed: %v", productNumber, country, err)
		return nil
	}

	rows := resp.Data.GetPricingForProduct.MaterialPricing
	variations := make([]types.SigmaVariation, 0, len(rows))
	preferred := -1
	for i, row := range rows {
		variations = append(variations, types.SigmaVariation{
			MaterialNumber: row.MaterialNumber,
			Price:          row.ListPrice,
			Currency:       row.Currency,
		})
		if preferred < 0 && row.MaterialNumber == productNumber {
			preferred = i
		}
	}
	if preferred > 0 {
		variations[0], variations[preferred] = variations[preferred], variations[0]
	}
	return variations
}
