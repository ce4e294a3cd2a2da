package adapters

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
	"github.com/Nurullah649/NPC-AI-ERP-sub000/utils"
)

// SearchLogic selects how strictly Orkim hits are filtered against the term.
type SearchLogic string

const (
	SearchExact SearchLogic = "exact"
	SearchLoose SearchLogic = "loose"
)

const (
	orkimLoginAttempts    = 5
	orkimGreetingToken    = "Hoş Geldiniz"
	orkimCaptchaWrongMsg  = "Doğrulama kodu hatalı"
	orkimKeepaliveBackoff = 5 * time.Minute
	orkimStockProbeQty    = "999999"
)

var errCaptchaMismatch = errors.New("captcha text does not match server hash")

var urunNoPattern = regexp.MustCompile(`UrunNo\s*[:=]\s*'?(\d+)'?`)

// OrkimAdapter scrapes the Orkim portal over a persistent cookie session.
// Login requires solving an image CAPTCHA via the vision solver; a
// background keepalive re-logins when the session expires.
type OrkimAdapter struct {
	config   *types.Config
	logger   types.Logger
	client   *http.Client
	settings func() types.Settings
	solver   CaptchaSolver

	loginMu   sync.Mutex
	loggedIn  atomic.Bool
	loginUser string
	loginPass string

	stop     chan struct{}
	kick     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewOrkimAdapter(config *types.Config, logger types.Logger, settings func() types.Settings, solver CaptchaSolver) *OrkimAdapter {
	a := &OrkimAdapter{
		config:   config,
		logger:   logger,
		client:   utils.NewSessionClient(config, logger),
		settings: settings,
		solver:   solver,
		stop:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}
	a.sleep = a.interruptibleSleep
	return a
}

// IsLoggedIn reports the current session flag.
func (a *OrkimAdapter) IsLoggedIn() bool { return a.loggedIn.Load() }

// CredentialsChanged invalidates the session and kicks the keepalive into
// an immediate relogin. Called when settings are saved with different
// Orkim credentials.
func (a *OrkimAdapter) CredentialsChanged() {
	a.loginMu.Lock()
	changed := a.loginUser != a.settings().OrkimUser || a.loginPass != a.settings().OrkimPass
	a.loginMu.Unlock()
	if !changed {
		return
	}
	a.loggedIn.Store(false)
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Login runs the two-step CAPTCHA login with up to 5 attempts and linearly
// growing backoff. The stop event interrupts the backoff promptly.
func (a *OrkimAdapter) Login(ctx context.Context) error {
	a.loginMu.Lock()
	defer a.loginMu.Unlock()

	var lastErr error
	for i := 0; i < orkimLoginAttempts; i++ {
		if i > 0 {
			if !a.sleep(ctx, time.Duration(2+i)*time.Second) {
				return fmt.Errorf("orkim login interrupted")
			}
		}

		err := a.loginAttempt(ctx)
		if err == nil {
			s := a.settings()
			a.loginUser = s.OrkimUser
			a.loginPass = s.OrkimPass
			a.loggedIn.Store(true)
			a.logger.Info("Orkim login successful")
			return nil
		}
		lastErr = err
		a.logger.Warnf("Orkim login attempt %d/%d failed: %v", i+1, orkimLoginAttempts, err)
	}

	a.loggedIn.Store(false)
	return fmt.Errorf("orkim: %w: %v", ErrAuthentication, lastErr)
}

func (a *OrkimAdapter) loginAttempt(ctx context.Context) error {
	// Step 0: login page carries the CAPTCHA image URL and the server-side
	// MD5 of its text.
	doc, _, err := a.getDocument(ctx, a.config.OrkimBaseURL+"/uye-girisi")
	if err != nil {
		return fmt.Errorf("login page fetch failed: %w", err)
	}

	captchaSrc, ok := doc.Find("img#SecurityCode").Attr("src")
	if !ok {
		return fmt.Errorf("captcha image not found on login page")
	}
	reSecurityCode, _ := doc.Find("input[name=ReSecurityCode]").Attr("value")

	captchaText, err := a.solveCaptcha(ctx, a.absoluteURL(captchaSrc), reSecurityCode)
	if err != nil {
		return err
	}

	s := a.settings()

	// Step 1: AJAX credential post.
	form := url.Values{
		"Email":          {s.OrkimUser},
		"Sifre":          {s.OrkimPass},
		"SecurityCode":   {captchaText},
		"ReSecurityCode": {reSecurityCode},
	}
	body, _, err := a.postForm(ctx, a.config.OrkimBaseURL+"/uye-girisi-dogrula", form, map[string]string{
		"X-Requested-With": "XMLHttpRequest",
		"Accept":           "application/json, text/javascript, */*; q=0.01",
	})
	if err != nil {
		return fmt.Errorf("login step 1 failed: %w", err)
	}

	var step1 struct {
		Sonuc    bool   `json:"Sonuc"`
		Mesaj    string `json:"Mesaj"`
		KisiKod  string `json:"KisiKod"`
		Kurumlar []struct {
			KurumKod string `json:"KurumKod"`
		} `json:"Kurumlar"`
	}
	if err := json.Unmarshal(body, &step1); err != nil {
		return fmt.Errorf("login step 1 parse failed: %w", err)
	}
	if !step1.Sonuc {
		if strings.Contains(step1.Mesaj, orkimCaptchaWrongMsg) {
			return errCaptchaMismatch
		}
		return fmt.Errorf("login rejected: %s", step1.Mesaj)
	}
	if len(step1.Kurumlar) == 0 {
		return fmt.Errorf("login step 1 returned no firms")
	}

	// Step 2: firm selection completes the session.
	firmForm := url.Values{
		"KisiKod":  {step1.KisiKod},
		"KurumKod": {step1.Kurumlar[0].KurumKod},
	}
	body, finalURL, err := a.postForm(ctx, a.config.OrkimBaseURL+"/firma-secimi", firmForm, nil)
	if err != nil {
		return fmt.Errorf("login step 2 failed: %w", err)
	}
	if !strings.Contains(finalURL, "/hesabim") && !strings.Contains(string(body), orkimGreetingToken) {
		return fmt.Errorf("login step 2 did not reach the account page")
	}
	return nil
}

func (a *OrkimAdapter) solveCaptcha(ctx context.Context, captchaURL, reSecurityCode string) (string, error) {
	raw, _, err := a.get(ctx, captchaURL, nil)
	if err != nil {
		return "", fmt.Errorf("captcha download failed: %w", err)
	}

	cleaned, err := PreprocessCaptcha(raw)
	if err != nil {
		return "", err
	}

	text, err := a.solver.Solve(ctx, cleaned)
	if err != nil {
		return "", fmt.Errorf("captcha solve failed: %w", err)
	}
	text = NormalizeCaptchaText(text)

	// The server ships md5(captcha) alongside the image; a local pre-check
	// saves a doomed round trip when the model misread it.
	if reSecurityCode != "" && !strings.EqualFold(md5Hex(text), reSecurityCode) {
		return "", errCaptchaMismatch
	}
	return text, nil
}

// StartKeepalive launches the background session health task. Every
// KeepaliveInterval it probes the account page with redirects disabled and
// re-logins on expiry, backing off 5 minutes after a failed login.
func (a *OrkimAdapter) StartKeepalive(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.config.KeepaliveInterval)
		defer ticker.Stop()

		for {
			kicked := false
			select {
			case <-a.stop:
				return
			case <-ctx.Done():
				return
			case <-a.kick:
				// Credentials changed; the old session may still answer the
				// health probe, so it must not short-circuit the relogin.
				kicked = true
			case <-ticker.C:
			}

			if !kicked && a.sessionHealthy(ctx) {
				a.loggedIn.Store(true)
				continue
			}

			if kicked {
				a.logger.Info("Orkim credentials changed, re-logging in")
			} else {
				a.logger.Info("Orkim session expired, re-logging in")
			}
			a.loggedIn.Store(false)
			if err := a.Login(ctx); err != nil {
				a.logger.Warnf("Orkim keepalive relogin failed: %v", err)
				if !a.sleep(ctx, orkimKeepaliveBackoff) {
					return
				}
			}
		}
	}()
}

func (a *OrkimAdapter) sessionHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.OrkimBaseURL+"/hesabim", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", a.config.UserAgent)

	// A redirect to the login page means the session is gone; follow nothing.
	client := &http.Client{
		Timeout: a.config.Timeout,
		Jar:     a.client.Jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(resp.Body)
	return err == nil && strings.Contains(string(body), orkimGreetingToken)
}

// Stop signals the keepalive task and waits for it to exit.
func (a *OrkimAdapter) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

// SearchProducts posts the term to the portal search. The server either
// redirects to a single product page or to a multi-page listing; both
// branches are handled. Searches proceed on whatever session state exists
// and tolerate a racing relogin.
func (a *OrkimAdapter) SearchProducts(ctx context.Context, term string, cancel *types.CancelFlag, logic SearchLogic) ([]types.OrkimHit, error) {
	if cancel.Cancelled() {
		return nil, nil
	}

	body, finalURL, err := a.postForm(ctx, a.config.OrkimBaseURL+"/arama", url.Values{"q": {term}}, nil)
	if err != nil {
		a.logger.Warnf("Orkim search failed for %q: %v", term, err)
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		a.logger.Warnf("Orkim search parse failed for %q: %v", term, err)
		return nil, nil
	}

	var hits []types.OrkimHit
	if strings.Contains(finalURL, "/urun/") {
		if hit := a.parseProductPage(ctx, doc, finalURL); hit != nil {
			hits = append(hits, *hit)
		}
	} else {
		hits = a.walkListing(ctx, doc, cancel)
	}

	return FilterOrkimHits(hits, term, logic), nil
}

// FilterOrkimHits applies the exact/loose match logic. Exact keeps a hit
// only when the term appears case-insensitively in its name, K-code or
// producer code.
func FilterOrkimHits(hits []types.OrkimHit, term string, logic SearchLogic) []types.OrkimHit {
	if logic != SearchExact {
		return hits
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	out := make([]types.OrkimHit, 0, len(hits))
	for _, hit := range hits {
		haystack := strings.ToLower(hit.UrunAdi + " " + hit.KKodu + " " + hit.UreticiKodu)
		if strings.Contains(haystack, needle) {
			out = append(out, hit)
		}
	}
	return out
}

func (a *OrkimAdapter) parseProductPage(ctx context.Context, doc *goquery.Document, pageURL string) *types.OrkimHit {
	hit := &types.OrkimHit{
		UrunAdi:     strings.TrimSpace(doc.Find("h1.urunAdi").First().Text()),
		KKodu:       strings.TrimSpace(doc.Find(".kKodu").First().Text()),
		UreticiKodu: strings.TrimSpace(doc.Find(".uKodu").First().Text()),
		ProductURL:  pageURL,
		StockStatus: stockFromSelection(doc.Selection),
	}
	if hit.UrunAdi == "" && hit.KKodu == "" {
		return nil
	}

	hit.PriceStr = strings.TrimSpace(doc.Find(".fiyatPaneli .fiyat").First().Text())
	if hit.PriceStr == "" {
		// Price panel is rendered lazily; reveal it with the UrunNo scraped
		// from the inline script.
		if m := urunNoPattern.FindStringSubmatch(doc.Text()); len(m) == 2 {
			hit.PriceStr = a.revealPrice(ctx, m[1])
		}
	}
	return hit
}

func (a *OrkimAdapter) revealPrice(ctx context.Context, urunNo string) string {
	body, _, err := a.postForm(ctx, a.config.OrkimBaseURL+"/urun-fiyat-getir", url.Values{"UrunNo": {urunNo}}, map[string]string{
		"X-Requested-With": "XMLHttpRequest",
	})
	if err != nil {
		a.logger.Warnf("Orkim price reveal failed for UrunNo=%s: %v", urunNo, err)
		return ""
	}

	var reveal struct {
		Fiyat string `json:"Fiyat"`
	}
	if err := json.Unmarshal(body, &reveal); err == nil && reveal.Fiyat != "" {
		return strings.TrimSpace(reveal.Fiyat)
	}
	if frag, err := goquery.NewDocumentFromReader(strings.NewReader(string(body))); err == nil {
		return strings.TrimSpace(frag.Find(".fiyat").First().Text())
	}
	return ""
}

func (a *OrkimAdapter) walkListing(ctx context.Context, doc *goquery.Document, cancel *types.CancelFlag) []types.OrkimHit {
	var hits []types.OrkimHit
	prevHash := ""

	for {
		if cancel.Cancelled() {
			return hits
		}

		cardsHTML, _ := doc.Find(".asinItem").Parent().Html()
		pageHash := md5Hex(cardsHTML)
		if pageHash == prevHash {
			// Page did not actually turn over.
			return hits
		}
		prevHash = pageHash

		hits = append(hits, ParseOrkimListing(doc, a.config.OrkimBaseURL)...)

		nextHref, ok := doc.Find("a.sonrakiSayfa").Attr("href")
		if !ok || strings.TrimSpace(nextHref) == "" {
			return hits
		}
		if cancel.Cancelled() {
			return hits
		}

		body, _, err := a.get(ctx, a.absoluteURL(nextHref), nil)
		if err != nil {
			a.logger.Warnf("Orkim listing page fetch failed: %v", err)
			return hits
		}
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(string(body)))
		if err != nil {
			return hits
		}
	}
}

// ParseOrkimListing extracts hits from one listing page. Pure for testing.
func ParseOrkimListing(doc *goquery.Document, baseURL string) []types.OrkimHit {
	var hits []types.OrkimHit
	doc.Find(".asinItem").Each(func(_ int, card *goquery.Selection) {
		hit := types.OrkimHit{
			KKodu:       strings.TrimSpace(card.Find(".kKodu").First().Text()),
			UreticiKodu: strings.TrimSpace(card.Find(".uKodu").First().Text()),
			UrunAdi:     strings.TrimSpace(card.Find(".urunAdi").First().Text()),
			PriceStr:    strings.TrimSpace(card.Find(".fiyat").First().Text()),
			StockStatus: stockFromSelection(card),
		}
		if href, ok := card.Find("a").First().Attr("href"); ok {
			if strings.HasPrefix(href, "/") {
				href = strings.TrimRight(baseURL, "/") + href
			}
			hit.ProductURL = href
		}
		if hit.KKodu == "" && hit.UrunAdi == "" {
			return
		}
		hits = append(hits, hit)
	})
	return hits
}

// stockFromSelection derives stock state from the label text or the badge
// image filename.
func stockFromSelection(sel *goquery.Selection) string {
	label := strings.ToLower(sel.Find(".stokDurumu").First().Text())
	switch {
	case strings.Contains(label, "stokta var"):
		return types.OrkimInStock
	case strings.Contains(label, "stokta yok"):
		return types.OrkimOutOfStock
	}

	var status string
	sel.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, _ := img.Attr("src")
		switch {
		case strings.Contains(src, "instock.png"):
			status = types.OrkimInStock
			return false
		case strings.Contains(src, "outstock.png"):
			status = types.OrkimOutOfStock
			return false
		}
		return true
	})
	if status != "" {
		return status
	}
	return types.OrkimStockUnknown
}

// StockQuantity probes the exact sellable quantity by adding an absurd
// amount to the cart, reading back the clamped quantity input and removing
// the line again. Kept for explicit on-demand queries; search never calls it.
func (a *OrkimAdapter) StockQuantity(ctx context.Context, urunNo string) (int, error) {
	_, _, err := a.postForm(ctx, a.config.OrkimBaseURL+"/sepete-ekle", url.Values{
		"UrunNo": {urunNo},
		"Adet":   {orkimStockProbeQty},
	}, map[string]string{"X-Requested-With": "XMLHttpRequest"})
	if err != nil {
		return 0, fmt.Errorf("stock probe add failed: %w", err)
	}
	defer func() {
		_, _, err := a.postForm(ctx, a.config.OrkimBaseURL+"/sepetten-cikar", url.Values{"UrunNo": {urunNo}}, nil)
		if err != nil {
			a.logger.Warnf("Orkim stock probe cleanup failed for UrunNo=%s: %v", urunNo, err)
		}
	}()

	doc, _, err := a.getDocument(ctx, a.config.OrkimBaseURL+"/sepetim")
	if err != nil {
		return 0, fmt.Errorf("stock probe cart read failed: %w", err)
	}

	qty, ok := doc.Find(fmt.Sprintf("input.adet[data-urunno=%q]", urunNo)).Attr("value")
	if !ok {
		return 0, fmt.Errorf("stock probe quantity input not found")
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(qty), "%d", &n); err != nil {
		return 0, fmt.Errorf("stock probe quantity unparseable: %q", qty)
	}
	return n, nil
}

func (a *OrkimAdapter) get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	return a.do(req, headers)
}

func (a *OrkimAdapter) getDocument(ctx context.Context, rawURL string) (*goquery.Document, string, error) {
	body, finalURL, err := a.get(ctx, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	return doc, finalURL, err
}

func (a *OrkimAdapter) postForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req, headers)
}

func (a *OrkimAdapter) do(req *http.Request, headers map[string]string) ([]byte, string, error) {
	req.Header.Set("User-Agent", a.config.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("orkim status %d for %s", resp.StatusCode, req.URL.Path)
	}
	return body, resp.Request.URL.String(), nil
}

func (a *OrkimAdapter) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	return strings.TrimRight(a.config.OrkimBaseURL, "/") + "/" + strings.TrimLeft(href, "/")
}

func (a *OrkimAdapter) interruptibleSleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-a.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func md5Hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}
