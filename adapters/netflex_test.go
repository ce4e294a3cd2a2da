package adapters

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nurullah649/NPC-AI-ERP-sub000/internal/types"
)

func testConfig(baseURL string) *types.Config {
	config := types.DefaultConfig()
	config.RequestDelay = time.Millisecond
	config.MaxRetries = 0
	config.NetflexBaseURL = baseURL
	return config
}

func staticSettings() types.Settings {
	return types.Settings{NetflexUser: "user@example.com", NetflexPass: "secret"}
}

func newNetflexServer(t *testing.T, authCalls *int64, searchBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/authenticate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(authCalls, 1)
		fmt.Fprint(w, `{"token":"tok-1"}`)
	})
	mux.HandleFunc("/api/products/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.URL.Query().Get("ts"))
		fmt.Fprint(w, searchBody)
	})
	return httptest.NewServer(mux)
}

func TestGetToken_FreshTokenSkipsNetwork(t *testing.T) {
	var authCalls int64
	server := newNetflexServer(t, &authCalls, `{"data":[]}`)
	defer server.Close()

	adapter := NewNetflexAdapter(testConfig(server.URL), logrus.New(), staticSettings)
	now := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	adapter.now = func() time.Time { return now }

	first, err := adapter.GetToken(context.Background())
	require.NoError(t, err)

	now = now.Add(3540 * time.Second)
	second, err := adapter.GetToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&authCalls))

	now = now.Add(time.Second)
	_, err = adapter.GetToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&authCalls))
}

func TestGetToken_ConcurrentCallersAuthenticateOnce(t *testing.T) {
	var authCalls int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/authenticate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&authCalls, 1)
		time.Sleep(30 * time.Millisecond)
		fmt.Fprint(w, `{"token":"tok-1"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := NewNetflexAdapter(testConfig(server.URL), logrus.New(), staticSettings)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := adapter.GetToken(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", token)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&authCalls))
}

func TestGetToken_CredentialChangeForcesReauth(t *testing.T) {
	var authCalls int64
	server := newNetflexServer(t, &authCalls, `{"data":[]}`)
	defer server.Close()

	current := staticSettings()
	var mu sync.Mutex
	provider := func() types.Settings {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	adapter := NewNetflexAdapter(testConfig(server.URL), logrus.New(), provider)

	_, err := adapter.GetToken(context.Background())
	require.NoError(t, err)

	mu.Lock()
	current.NetflexPass = "rotated"
	mu.Unlock()

	_, err = adapter.GetToken(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&authCalls))
}

func TestGetToken_BadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/authenticate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := NewNetflexAdapter(testConfig(server.URL), logrus.New(), staticSettings)

	_, err := adapter.GetToken(context.Background())

	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestSearchProducts_NormalizesRows(t *testing.T) {
	var authCalls int64
	server := newNetflexServer(t, &authCalls, `{"data":[
		{"urn_Kodu":"A1234","urn_Adi":"Aseton","urn_Fiyat":"12,50","urn_FiyatDovizi":"eur","urn_Stok":"5"},
		{"urn_Kodu":"B9","urn_Adi":"Benzen","urn_Fiyat":"sorunuz","urn_FiyatDovizi":"USD","urn_Stok":""}
	]}`)
	defer server.Close()

	adapter := NewNetflexAdapter(testConfig(server.URL), logrus.New(), staticSettings)

	rows, err := adapter.SearchProducts(context.Background(), "aseton", types.NewCancelFlag())

	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "A1234", rows[0].ProductCode)
	assert.Equal(t, 12.5, rows[0].PriceNumeric)
	assert.Equal(t, "EUR", rows[0].Currency)

	// Non-numeric prices become +Inf with a readable label.
	assert.True(t, math.IsInf(rows[1].PriceNumeric, 1))
	assert.Equal(t, priceUnknownLabel, rows[1].PriceDisplay)
}

func TestSearchProducts_NetworkErrorYieldsEmpty(t *testing.T) {
	var authCalls int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/authenticate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&authCalls, 1)
		fmt.Fprint(w, `{"token":"tok-1"}`)
	})
	mux.HandleFunc("/api/products/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := NewNetflexAdapter(testConfig(server.URL), logrus.New(), staticSettings)

	rows, err := adapter.SearchProducts(context.Background(), "aseton", types.NewCancelFlag())

	assert.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSearchProducts_AuthErrorPropagates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/authenticate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := NewNetflexAdapter(testConfig(server.URL), logrus.New(), staticSettings)

	_, err := adapter.SearchProducts(context.Background(), "aseton", types.NewCancelFlag())

	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12,50", 12.5, false},
		{"1.234,56", 1234.56, false},
		{"1,234.56", 1234.56, false},
		{"€ 99.90", 99.9, false},
		{"", 0, true},
		{"sorunuz", 0, true},
	}

	for _, tc := range cases {
		got, err := ParsePrice(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.InDelta(t, tc.want, got, 0.001, tc.in)
	}
}
