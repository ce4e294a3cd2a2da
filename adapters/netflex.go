package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/utils"
)

// ErrAuthentication marks credential failures that must be surfaced to the
// host once instead of being swallowed as empty results.
var ErrAuthentication = errors.New("authentication failed")

// tokenTTL is how long a Netflex token is trusted before re-authenticating.
// The upstream token expires at 60 minutes; one minute of slack avoids
// racing the expiry mid-search.
const tokenTTL = 59 * time.Minute

// priceUnknownLabel is shown for rows whose price cannot be parsed.
const priceUnknownLabel = "Fiyat Bilinmiyor"

// NetflexAdapter is the token-authenticated JSON API client.
type NetflexAdapter struct {
	config   *types.Config
	logger   types.Logger
	http     *utils.HTTPClient
	settings func() types.Settings

	mu        sync.Mutex
	token     string
	tokenAt   time.Time
	tokenUser string
	tokenPass string

	now func() time.Time
}

// NewNetflexAdapter creates the adapter. settings is re-read on every
// authentication so a credential change takes effect immediately.
func NewNetflexAdapter(config *types.Config, logger types.Logger, settings func() types.Settings) *NetflexAdapter {
	return &NetflexAdapter{
		config:   config,
		logger:   logger,
		http:     utils.NewHTTPClient(config, logger),
		settings: settings,
		now:      time.Now,
	}
}

type authResponse struct {
	Token string `json:"token"`
}

// GetToken returns a cached token fresher than tokenTTL, or authenticates
// and replaces the cache under the lock. Concurrent callers produce exactly
// one authenticate request.
func (n *NetflexAdapter) GetToken(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.settings()
	fresh := n.token != "" && n.now().Sub(n.tokenAt) < tokenTTL
	sameCreds := n.tokenUser == s.NetflexUser && n.tokenPass == s.NetflexPass
	if fresh && sameCreds {
		return n.token, nil
	}

	payload, _ := json.Marshal(map[string]string{
		"email":    s.NetflexUser,
		"password": s.NetflexPass,
	})

	body, err := n.http.Request(ctx, http.MethodPost,
		n.config.NetflexBaseURL+"/api/auth/authenticate",
		payload, map[string]string{"Content-Type": "application/json"})
	if err != nil {
		if strings.Contains(err.Error(), "status code: 401") || strings.Contains(err.Error(), "status code: 403") {
			return "", fmt.Errorf("netflex: %w", ErrAuthentication)
		}
		return "", fmt.Errorf("netflex authenticate failed: %w", err)
	}

	var auth authResponse
	if err := json.Unmarshal(body, &auth); err != nil || auth.Token == "" {
		return "", fmt.Errorf("netflex: %w", ErrAuthentication)
	}

	n.token = auth.Token
	n.tokenAt = n.now()
	n.tokenUser = s.NetflexUser
	n.tokenPass = s.NetflexPass
	return n.token, nil
}

type netflexRawRow struct {
	UrnKodu        string `json:"urn_Kodu"`
	UrnAdi         string `json:"urn_Adi"`
	UrnFiyat       string `json:"urn_Fiyat"`
	UrnFiyatDovizi string `json:"urn_FiyatDovizi"`
	UrnStok        string `json:"urn_Stok"`
}

type netflexSearchResponse struct {
	Data []netflexRawRow `json:"data"`
}

// SearchProducts GETs the filtered product query through the cancellable
// primitive. Authentication failures propagate; network and parse errors
// yield an empty result with a warning.
func (n *NetflexAdapter) SearchProducts(ctx context.Context, term string, cancel *types.CancelFlag) ([]types.NetflexRow, error) {
	token, err := n.GetToken(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		n.logger.Warnf("Netflex token unavailable: %v", err)
		return nil, nil
	}

	// Millisecond timestamp defeats the upstream response cache.
	searchURL := fmt.Sprintf("%s/api/products/query?filter=%s&ts=%d",
		n.config.NetflexBaseURL, url.QueryEscape(term), n.now().UnixMilli())

	body, err := n.http.CancellableGet(ctx, searchURL,
		map[string]string{"Authorization": "Bearer " + token}, cancel)
	if err != nil {
		if errors.Is(err, utils.ErrCancelled) {
			return nil, err
		}
		n.logger.Warnf("Netflex search failed for %q: %v", term, err)
		return nil, nil
	}

	var resp netflexSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		n.logger.Warnf("Netflex response parse failed for %q: %v", term, err)
		return nil, nil
	}

	rows := make([]types.NetflexRow, 0, len(resp.Data))
	for _, raw := range resp.Data {
		rows = append(rows, toNetflexRow(raw))
	}
	return rows, nil
}

func toNetflexRow(raw netflexRawRow) types.NetflexRow {
	row := types.NetflexRow{
		ProductCode: strings.TrimSpace(raw.UrnKodu),
		ProductName: strings.TrimSpace(raw.UrnAdi),
		Currency:    strings.ToUpper(strings.TrimSpace(raw.UrnFiyatDovizi)),
		Stock:       strings.TrimSpace(raw.UrnStok),
	}

	price, err := ParsePrice(raw.UrnFiyat)
	if err != nil {
		row.PriceNumeric = math.Inf(1)
		row.PriceDisplay = priceUnknownLabel
	} else {
		row.PriceNumeric = price
		row.PriceDisplay = strings.TrimSpace(raw.UrnFiyat)
	}
	return row
}

// ParsePrice parses a localized price string. Accepts both "1.234,56" and
// "1,234.56" digit grouping.
func ParsePrice(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "€$£ \tTL")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty price")
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	if lastComma > lastDot {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable price %q", raw)
	}
	return v, nil
}
