// Package engine fans a search term out to all upstream sources, joins the
// results into unified products and streams them to the host.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/adapters"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

// Sink receives the typed events the engine emits while streaming.
type Sink interface {
	Emit(eventType string, data any, context any)
}

// NetflexSource is the slice of the Netflex adapter the engine needs.
type NetflexSource interface {
	SearchProducts(ctx context.Context, term string, cancel *types.CancelFlag) ([]types.NetflexRow, error)
}

// TciSource streams page batches from the TCI storefront.
type TciSource interface {
	GetProducts(term string, cancel *types.CancelFlag, emit func([]types.TciProduct)) error
}

// SigmaSource searches the Sigma storefront and enriches hits with prices.
type SigmaSource interface {
	SearchProducts(term string, cancel *types.CancelFlag) ([]types.SigmaProduct, error)
	GetAllProductPrices(productNumber, brand, productKey string, materialIDs []string, cancel *types.CancelFlag) map[string][]types.SigmaVariation
}

// OrkimSource searches the Orkim portal.
type OrkimSource interface {
	SearchProducts(ctx context.Context, term string, cancel *types.CancelFlag, logic adapters.SearchLogic) ([]types.OrkimHit, error)
}

// ParitySource provides EUR parities for price normalization.
type ParitySource interface {
	GetParities(ctx context.Context) (types.Parities, error)
}

// Engine is the search coordinator. It owns the two cancellation flags and
// never mutates adapter internals.
type Engine struct {
	config   *types.Config
	logger   types.Logger
	sink     Sink
	settings func() types.Settings

	netflex  NetflexSource
	tci      TciSource
	sigma    SigmaSource
	orkim    OrkimSource
	currency ParitySource

	// searchMu serializes searches so a cancelled run is fully joined
	// before the next request proceeds.
	searchMu    sync.Mutex
	TermCancel  *types.CancelFlag
	BatchCancel *types.CancelFlag
}

func New(config *types.Config, logger types.Logger, sink Sink, settings func() types.Settings,
	netflex NetflexSource, tci TciSource, sigma SigmaSource, orkim OrkimSource, currency ParitySource) *Engine {
	return &Engine{
		config:      config,
		logger:      logger,
		sink:        sink,
		settings:    settings,
		netflex:     netflex,
		tci:         tci,
		sigma:       sigma,
		orkim:       orkim,
		currency:    currency,
		TermCancel:  types.NewCancelFlag(),
		BatchCancel: types.NewCancelFlag(),
	}
}

// CancelSearch sets the per-term flag.
func (e *Engine) CancelSearch() { e.TermCancel.Cancel() }

// CancelBatch sets both flags so the current term stops too.
func (e *Engine) CancelBatch() {
	e.BatchCancel.Cancel()
	e.TermCancel.Cancel()
}

// SearchAndCompare runs a single interactive search for a term.
func (e *Engine) SearchAndCompare(ctx context.Context, term string, searchContext any) {
	e.TermCancel.Reset()
	e.sink.Emit("log_search_term", map[string]any{"term": term}, searchContext)
	e.runTerm(ctx, term, searchContext)
}

// runTerm fans out to all four sources, streams each assembled product and
// closes with a search_complete event carrying the status and total.
func (e *Engine) runTerm(ctx context.Context, term string, searchContext any) {
	e.searchMu.Lock()
	defer e.searchMu.Unlock()

	cancel := e.TermCancel

	var mu sync.Mutex
	found := 0
	emitProduct := func(p types.UnifiedProduct) {
		if cancel.Cancelled() {
			return
		}
		mu.Lock()
		found++
		mu.Unlock()
		e.sink.Emit("product_found", p, searchContext)
	}

	parities, parityErr := e.currency.GetParities(ctx)
	if parityErr != nil {
		e.logger.Warnf("Parities unavailable, EUR normalization skipped: %v", parityErr)
	}

	var g errgroup.Group

	g.Go(func() error {
		e.streamNetflex(ctx, term, cancel, emitProduct)
		return nil
	})
	g.Go(func() error {
		e.streamTci(term, cancel, emitProduct)
		return nil
	})
	g.Go(func() error {
		e.streamOrkim(ctx, term, cancel, emitProduct)
		return nil
	})
	g.Go(func() error {
		e.streamSigma(ctx, term, cancel, parities, parityErr == nil, emitProduct)
		return nil
	})

	g.Wait()

	status := "complete"
	if cancel.Cancelled() {
		status = "cancelled"
	}
	e.sink.Emit("search_complete", map[string]any{
		"status":      status,
		"term":        term,
		"total_found": found,
	}, searchContext)
}

func (e *Engine) streamNetflex(ctx context.Context, term string, cancel *types.CancelFlag, emit func(types.UnifiedProduct)) {
	rows, err := e.netflex.SearchProducts(ctx, term, cancel)
	if err != nil {
		e.surfaceSourceError(types.SourceNetflex, err)
		return
	}
	for _, row := range rows {
		if cancel.Cancelled() {
			return
		}
		emit(types.UnifiedProduct{
			Source:         types.SourceNetflex,
			ProductName:    row.ProductName,
			ProductNumber:  row.ProductCode,
			NetflexMatches: []types.NetflexRow{row},
		})
	}
}

func (e *Engine) streamTci(term string, cancel *types.CancelFlag, emit func(types.UnifiedProduct)) {
	coefficient := e.settings().TciCoefficient
	if coefficient <= 0 {
		coefficient = 1.0
	}

	err := e.tci.GetProducts(term, cancel, func(batch []types.TciProduct) {
		for _, p := range batch {
			if cancel.Cancelled() {
				return
			}
			emit(types.UnifiedProduct{
				Source:        types.SourceTCI,
				ProductName:   p.ProductName,
				ProductNumber: p.ProductCode,
				CasNumber:     p.CasNumber,
				TciVariations: applyTciCoefficient(p.Variations, coefficient),
			})
		}
	})
	if err != nil {
		e.logger.Warnf("TCI stream failed for %q: %v", term, err)
	}
}

// applyTciCoefficient fills each variation's adjusted price with the user's
// TCI margin applied. The scraped price is kept untouched.
func applyTciCoefficient(variations []types.TciVariation, coefficient float64) []types.TciVariation {
	out := make([]types.TciVariation, len(variations))
	for i, v := range variations {
		if v.OriginalPriceNumeric != nil {
			adjusted := round2(*v.OriginalPriceNumeric * coefficient)
			v.AdjustedPriceNumeric = &adjusted
		}
		out[i] = v
	}
	return out
}

func (e *Engine) streamOrkim(ctx context.Context, term string, cancel *types.CancelFlag, emit func(types.UnifiedProduct)) {
	hits, err := e.orkim.SearchProducts(ctx, term, cancel, adapters.SearchLoose)
	if err != nil {
		e.surfaceSourceError(types.SourceOrkim, err)
		return
	}
	for _, hit := range hits {
		if cancel.Cancelled() {
			return
		}
		emit(types.UnifiedProduct{
			Source:        types.SourceOrkim,
			ProductName:   hit.UrunAdi,
			ProductNumber: hit.KKodu,
		})
	}
}

func (e *Engine) streamSigma(ctx context.Context, term string, cancel *types.CancelFlag, parities types.Parities, haveParities bool, emit func(types.UnifiedProduct)) {
	hits, err := e.sigma.SearchProducts(term, cancel)
	if err != nil {
		e.logger.Warnf("Sigma search failed for %q: %v", term, err)
		return
	}

	// Per-hit price enrichment runs on its own bounded pool.
	var g errgroup.Group
	g.SetLimit(e.config.MaxConcurrentPrice)
	for _, hit := range hits {
		hit := hit
		g.Go(func() error {
			if cancel.Cancelled() {
				return nil
			}
			emit(e.assembleSigmaProduct(ctx, hit, cancel, parities, haveParities))
			return nil
		})
	}
	g.Wait()
}

// assembleSigmaProduct resolves per-country prices, joins Netflex variants by
// material number and picks the cheapest EUR-converted candidate.
func (e *Engine) assembleSigmaProduct(ctx context.Context, hit types.SigmaProduct, cancel *types.CancelFlag, parities types.Parities, haveParities bool) types.UnifiedProduct {
	product := types.UnifiedProduct{
		Source:        types.SourceSigma,
		ProductName:   hit.ProductName,
		ProductNumber: hit.ProductNumber,
		CasNumber:     hit.CasNumber,
		Brand:         hit.Brand,
	}

	product.SigmaVariations = e.sigma.GetAllProductPrices(hit.ProductNumber, hit.Brand, hit.ProductKey, hit.MaterialIDs, cancel)
	product.NetflexMatches = e.netflexMatches(ctx, hit, cancel)
	product.CheapestOption = e.cheapestOption(product, parities, haveParities)
	return product
}

// netflexMatches queries Netflex for each material id and for the hit's own
// product number, deduplicating rows by product code.
func (e *Engine) netflexMatches(ctx context.Context, hit types.SigmaProduct, cancel *types.CancelFlag) []types.NetflexRow {
	queries := append([]string{}, hit.MaterialIDs...)
	queries = append(queries, hit.ProductNumber)

	seen := map[string]struct{}{}
	var matches []types.NetflexRow
	for _, q := range queries {
		if cancel.Cancelled() || q == "" {
			break
		}
		rows, err := e.netflex.SearchProducts(ctx, q, cancel)
		if err != nil {
			e.surfaceSourceError(types.SourceNetflex, err)
			break
		}
		for _, row := range rows {
			if _, dup := seen[row.ProductCode]; dup {
				continue
			}
			seen[row.ProductCode] = struct{}{}
			matches = append(matches, row)
		}
	}
	return matches
}

type priceCandidate struct {
	priceEUR float64
	code     string
	label    string
}

// cheapestOption computes EUR candidates from the Sigma country variations
// (after parity and country coefficient) and the Netflex matches, returning
// the minimum or nil when no candidate has a defined numeric value.
func (e *Engine) cheapestOption(p types.UnifiedProduct, parities types.Parities, haveParities bool) *types.CheapestOption {
	s := e.settings()
	var candidates []priceCandidate

	for country, variations := range p.SigmaVariations {
		if !haveParities {
			// No parities, no EUR conversion; the raw variations still
			// stream to the host.
			break
		}
		coefficient := s.CoefficientFor(country)
		for _, v := range variations {
			eur, ok := toEUR(v.Price, v.Currency, parities)
			if !ok {
				e.logger.Warnf("Sigma variant %s/%s has untranslatable currency %q, kept unconverted",
					p.ProductNumber, v.MaterialNumber, v.Currency)
				continue
			}
			candidates = append(candidates, priceCandidate{
				priceEUR: eur * coefficient,
				code:     v.MaterialNumber,
				label:    fmt.Sprintf("Sigma %s", country),
			})
		}
	}

	for _, row := range p.NetflexMatches {
		if math.IsInf(row.PriceNumeric, 1) {
			continue
		}
		eur, ok := toEUR(row.PriceNumeric, row.Currency, parities)
		if !ok {
			continue
		}
		candidates = append(candidates, priceCandidate{
			priceEUR: eur,
			code:     row.ProductCode,
			label:    "Netflex",
		})
	}

	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priceEUR < candidates[j].priceEUR })
	best := candidates[0]
	return &types.CheapestOption{
		PriceEUR:    round2(best.priceEUR),
		Code:        best.code,
		SourceLabel: best.label,
	}
}

func toEUR(price float64, currency string, parities types.Parities) (float64, bool) {
	switch currency {
	case "EUR":
		return price, true
	case "USD":
		if parities.UsdEur == 0 {
			return 0, false
		}
		return price * parities.UsdEur, true
	case "GBP":
		if parities.GbpEur == 0 {
			return 0, false
		}
		return price * parities.GbpEur, true
	default:
		return 0, false
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// surfaceSourceError reports authentication failures to the host once and
// downgrades everything else to a warning.
func (e *Engine) surfaceSourceError(source types.Source, err error) {
	if err == nil {
		return
	}
	if isAuthError(err) {
		e.sink.Emit("authentication_error", map[string]any{"source": string(source), "message": err.Error()}, nil)
		return
	}
	e.logger.Warnf("%s source error: %v", source, err)
}

func isAuthError(err error) bool {
	return errors.Is(err, adapters.ErrAuthentication)
}
