package crypto

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"settlement-core/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := provider.NewClient(provider.Options{Name: "crypto", BaseURL: server.URL})
	fixed := time.Date(2025, 11, 2, 17, 13, 35, 0, time.UTC)
	return NewAdapter(Options{Client: client, Clock: func() time.Time { return fixed }}, zerolog.Nop())
}

func TestResolveSymbolPrefersCuratedIDs(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("preferred symbols must not hit the provider, got %s", r.URL.Path)
	})
	id, err := a.ResolveSymbol(context.Background(), "sol")
	if err != nil {
		t.Fatal(err)
	}
	if id != "solana" {
		t.Fatalf("expected solana, got %s", id)
	}
}

func TestResolveSymbolCachesCoinList(t *testing.T) {
	var calls atomic.Int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		calls.Add(1)
		_, _ = w.Write([]byte(`[{"id":"pepe","symbol":"pepe","name":"Pepe"},{"id":"pepe-copy","symbol":"PEPE","name":"Copy"}]`))
	})

	for i := 0; i < 3; i++ {
		id, err := a.ResolveSymbol(context.Background(), "Pepe")
		if err != nil {
			t.Fatal(err)
		}
		if id != "pepe" {
			t.Fatalf("first listed coin wins, got %s", id)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("coin list fetched %d times", calls.Load())
	}

	_, err := a.ResolveSymbol(context.Background(), "NOPE")
	if !errors.Is(err, ErrUnknownSymbol) || !provider.IsPermanent(err) {
		t.Fatalf("expected permanent unknown symbol, got %v", err)
	}
}

func TestSpotPrice(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/simple/price" || r.URL.Query().Get("ids") != "solana" || r.URL.Query().Get("vs_currencies") != "usd" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"solana":{"usd":201.40}}`))
	})
	price, err := a.SpotPrice(context.Background(), "SOL")
	if err != nil {
		t.Fatal(err)
	}
	if price.Symbol != "SOL" || price.CoinID != "solana" || price.USD.String() != "201.4" {
		t.Fatalf("unexpected price %+v", price)
	}
	if price.FetchedAt.IsZero() {
		t.Fatal("fetched_at must be set")
	}
}

func TestFetchSpotPriceMissingQuote(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := a.FetchSpotPrice(context.Background(), "bitcoin")
	if !provider.IsPermanent(err) {
		t.Fatalf("missing quote should be permanent, got %v", err)
	}
}

func TestFetchSpotPriceRateLimited(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := a.FetchSpotPrice(context.Background(), "bitcoin")
	if !provider.IsTransient(err) {
		t.Fatalf("429 should be transient, got %v", err)
	}
}
