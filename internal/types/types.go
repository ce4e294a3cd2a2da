package types

import (
	"sync/atomic"
	"time"
)

// Source identifies which upstream produced a unified product.
type Source string

const (
	SourceSigma   Source = "Sigma"
	SourceTCI     Source = "TCI"
	SourceNetflex Source = "Netflex"
	SourceOrkim   Source = "Orkim"
)

// Settings holds the user-supplied credentials and market coefficients.
// Persisted as UTF-8 JSON in the data directory and reloaded on save.
type Settings struct {
	NetflexUser        string  `json:"netflex_user"`
	NetflexPass        string  `json:"netflex_pass"`
	OrkimUser          string  `json:"orkim_user"`
	OrkimPass          string  `json:"orkim_pass"`
	OCRAPIKey          string  `json:"ocr_api_key"`
	TciCoefficient     float64 `json:"tci_coefficient"`
	SigmaCoefficientUS float64 `json:"sigma_coefficient_us"`
	SigmaCoefficientDE float64 `json:"sigma_coefficient_de"`
	SigmaCoefficientGB float64 `json:"sigma_coefficient_gb"`
}

// CoefficientFor returns the margin coefficient for a Sigma country code.
// Missing or non-positive coefficients fall back to 1.0.
func (s Settings) CoefficientFor(country string) float64 {
	var c float64
	switch country {
	case "US":
		c = s.SigmaCoefficientUS
	case "DE":
		c = s.SigmaCoefficientDE
	case "GB":
		c = s.SigmaCoefficientGB
	}
	if c <= 0 {
		return 1.0
	}
	return c
}

// SigmaProduct is one raw hit from the Sigma ProductSearch query.
type SigmaProduct struct {
	ProductNumber string   `json:"product_number"`
	ProductKey    string   `json:"product_key"`
	Brand         string   `json:"brand"`
	MaterialIDs   []string `json:"material_ids"`
	ProductName   string   `json:"product_name"`
	CasNumber     string   `json:"cas_number"`
}

// SigmaVariation is one priced material row for a country.
type SigmaVariation struct {
	MaterialNumber string  `json:"material_number"`
	Price          float64 `json:"price"`
	Currency       string  `json:"currency"`
}

// NetflexRow is one normalized row from the Netflex product query.
type NetflexRow struct {
	ProductCode  string  `json:"product_code"`
	ProductName  string  `json:"product_name"`
	PriceNumeric float64 `json:"price_numeric"`
	PriceDisplay string  `json:"price_display"`
	Currency     string  `json:"currency"`
	Stock        string  `json:"stock"`
}

// TciVariation is one row of a TCI product's unit/price table. The adjusted
// price is the scraped price with the user's TCI margin coefficient applied.
type TciVariation struct {
	Unit                 string   `json:"unit"`
	OriginalPriceStr     string   `json:"original_price_str"`
	OriginalPriceNumeric *float64 `json:"original_price_numeric,omitempty"`
	AdjustedPriceNumeric *float64 `json:"adjusted_price_numeric,omitempty"`
	StockInfo            []string `json:"stock_info"`
}

// TciProduct is one product card scraped from a TCI results page.
type TciProduct struct {
	ProductName string         `json:"product_name"`
	ProductCode string         `json:"product_code"`
	CasNumber   string         `json:"cas_number"`
	Variations  []TciVariation `json:"variations"`
}

// Orkim stock states as shown on the portal.
const (
	OrkimInStock      = "Stokta Var"
	OrkimOutOfStock   = "Stokta Yok"
	OrkimStockUnknown = "Bilinmiyor"
)

// OrkimHit is one product scraped from the Orkim portal.
type OrkimHit struct {
	KKodu       string `json:"k_kodu"`
	UreticiKodu string `json:"uretici_kodu"`
	UrunAdi     string `json:"urun_adi"`
	PriceStr    string `json:"price_str"`
	StockStatus string `json:"stock_status"`
	ProductURL  string `json:"product_url"`
}

// CheapestOption is the winning EUR-converted candidate across sources.
type CheapestOption struct {
	PriceEUR    float64 `json:"price_eur"`
	Code        string  `json:"code"`
	SourceLabel string  `json:"source_label"`
}

// UnifiedProduct is the record streamed to the host per result.
type UnifiedProduct struct {
	Source          Source                      `json:"source"`
	ProductName     string                      `json:"product_name"`
	ProductNumber   string                      `json:"product_number"`
	CasNumber       string                      `json:"cas_number,omitempty"`
	Brand           string                      `json:"brand,omitempty"`
	SigmaVariations map[string][]SigmaVariation `json:"sigma_variations,omitempty"`
	NetflexMatches  []NetflexRow                `json:"netflex_matches,omitempty"`
	TciVariations   []TciVariation              `json:"tci_variations,omitempty"`
	CheapestOption  *CheapestOption             `json:"cheapest_option,omitempty"`
}

// Parities holds the EUR parities derived from the central-bank feed.
type Parities struct {
	UsdEur      float64   `json:"usd_eur"`
	GbpEur      float64   `json:"gbp_eur"`
	LastUpdated time.Time `json:"last_updated"`
}

// CancelFlag is a cooperative cancellation token shared by reference.
// Adapters check it between network calls and before heavy parse loops.
type CancelFlag struct {
	set atomic.Bool
}

func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

func (f *CancelFlag) Cancel() {
	if f != nil {
		f.set.Store(true)
	}
}

func (f *CancelFlag) Cancelled() bool {
	return f != nil && f.set.Load()
}

func (f *CancelFlag) Reset() {
	if f != nil {
		f.set.Store(false)
	}
}

// Config holds the runtime configuration for the backend process.
type Config struct {
	RequestDelay       time.Duration
	MaxRetries         int
	Timeout            time.Duration
	DriverStartTimeout time.Duration
	MaxConcurrentPrice int
	UserAgent          string
	Headless           bool

	DataDir       string
	ProxyListPath string

	CurrencyFeedURL string
	NetflexBaseURL  string
	TciBaseURL      string
	SigmaTRBaseURL  string
	SigmaUSBaseURL  string
	OrkimBaseURL    string
	VisionAPIURL    string
	VisionModel     string

	SigmaCountries    []string
	KeepaliveInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestDelay:       250 * time.Millisecond,
		MaxRetries:         3,
		Timeout:            30 * time.Second,
		DriverStartTimeout: 60 * time.Second,
		MaxConcurrentPrice: 10,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Headless:           true,
		CurrencyFeedURL:    "https://www.tcmb.gov.tr/kurlar/today.xml",
		NetflexBaseURL:     "https://www.netflex.com.tr",
		TciBaseURL:         "https://www.tcichemicals.com",
		SigmaTRBaseURL:     "https://www.sigmaaldrich.com",
		SigmaUSBaseURL:     "https://www.sigmaaldrich.com",
		OrkimBaseURL:       "https://www.orkimmarket.com",
		VisionAPIURL:       "https://api.openai.com/v1/chat/completions",
		VisionModel:        "gpt-4o-mini",
		SigmaCountries:     []string{"US", "DE", "GB"},
		KeepaliveInterval:  15 * time.Minute,
	}
}

// Logger defines the logging interface shared by all packages.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
