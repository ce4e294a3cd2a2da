// Package currency derives EUR parities from the central bank's daily
// XML rate sheet.
package currency

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/utils"
)

// cacheTTL is how long a fetched rate sheet stays fresh.
const cacheTTL = time.Hour

type rateSheet struct {
	XMLName    xml.Name `xml:"Tarih_Date"`
	Currencies []struct {
		Code         string `xml:"CurrencyCode,attr"`
		Unit         string `xml:"Unit"`
		ForexSelling string `xml:"ForexSelling"`
	} `xml:"Currency"`
}

// Service fetches and caches central-bank parities. Safe for concurrent use.
type Service struct {
	config *types.Config
	logger types.Logger
	client *utils.HTTPClient

	mu     sync.Mutex
	cached *types.Parities
	now    func() time.Time
}

func NewService(config *types.Config, logger types.Logger) *Service {
	return &Service{
		config: config,
		logger: logger,
		client: utils.NewHTTPClient(config, logger),
		now:    time.Now,
	}
}

// GetParities returns the USD->EUR and GBP->EUR parities, re-fetching the
// feed at most once per hour. On fetch or parse failure the prior cache is
// preserved and the error is returned for the host to surface inline.
func (s *Service) GetParities(ctx context.Context) (types.Parities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Sub(s.cached.LastUpdated) < cacheTTL {
		return *s.cached, nil
	}

	parities, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warnf("Currency feed fetch failed: %v", err)
		return types.Parities{}, err
	}

	s.cached = &parities
	return parities, nil
}

func (s *Service) fetch(ctx context.Context) (types.Parities, error) {
	// Cache-busting query parameter keeps intermediaries from serving a
	// stale sheet.
	url := fmt.Sprintf("%s?_=%d", s.config.CurrencyFeedURL, s.now().UnixMilli())

	body, err := s.client.Get(ctx, url, nil)
	if err != nil {
		return types.Parities{}, fmt.Errorf("currency feed request failed: %w", err)
	}

	var sheet rateSheet
	if err := xml.Unmarshal(body, &sheet); err != nil {
		return types.Parities{}, fmt.Errorf("currency feed parse failed: %w", err)
	}

	rates := map[string]float64{}
	for _, c := range sheet.Currencies {
		raw := strings.TrimSpace(c.ForexSelling)
		if raw == "" {
			continue
		}
		rate, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
		if err != nil || rate <= 0 {
			continue
		}
		if unit, err := strconv.ParseFloat(strings.TrimSpace(c.Unit), 64); err == nil && unit > 1 {
			rate /= unit
		}
		rates[strings.ToUpper(c.Code)] = rate
	}

	usd, gbp, eur := rates["USD"], rates["GBP"], rates["EUR"]
	if usd == 0 || gbp == 0 || eur == 0 {
		return types.Parities{}, fmt.Errorf("currency feed missing base rates (USD=%v GBP=%v EUR=%v)", usd, gbp, eur)
	}

	return types.Parities{
		UsdEur:      round4(usd / eur),
		GbpEur:      round4(gbp / eur),
		LastUpdated: s.now(),
	}, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
