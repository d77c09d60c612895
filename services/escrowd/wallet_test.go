package escrowd

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stakepact/escrow"
)

func TestWalletClientHoldFunds(t *testing.T) {
	var gotPath, gotAPIKey string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewWalletClient(ts.URL+"/", "secret-key", time.Second)
	err := client.HoldFunds(context.Background(), "user:alice", big.NewInt(5000), "USD", "hold:esc-1:user:alice")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if gotPath != "/v1/accounts/user:alice/holds" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAPIKey != "secret-key" {
		t.Fatalf("api key = %q", gotAPIKey)
	}
	if gotBody["amount"] != "5000" || gotBody["currency"] != "USD" || gotBody["reference"] != "hold:esc-1:user:alice" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestWalletClientTransferKinds(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewWalletClient(ts.URL, "", time.Second)
	ctx := context.Background()
	if err := client.ReleaseFunds(ctx, "user:bob", big.NewInt(10), "USD", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := client.RefundFunds(ctx, "user:bob", big.NewInt(10), "USD", "r2"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/v1/accounts/user:bob/releases" || paths[1] != "/v1/accounts/user:bob/refunds" {
		t.Fatalf("paths = %v", paths)
	}
}

func TestWalletClientRejectsNonPositiveAmount(t *testing.T) {
	client := NewWalletClient("http://unreachable.invalid", "", time.Second)
	if err := client.HoldFunds(context.Background(), "user:alice", big.NewInt(0), "USD", "r"); err == nil {
		t.Fatal("zero amount accepted")
	}
	if err := client.HoldFunds(context.Background(), "user:alice", nil, "USD", "r"); err == nil {
		t.Fatal("nil amount accepted")
	}
}

func TestWalletClientInsufficientFunds(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "balance too low", "code": "insufficient_funds"})
	}))
	defer ts.Close()

	client := NewWalletClient(ts.URL, "", time.Second)
	err := client.HoldFunds(context.Background(), "user:alice", big.NewInt(5000), "USD", "ref")
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestWalletClientSurfacesStatusDetail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "provider exploded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewWalletClient(ts.URL, "", time.Second)
	err := client.ReleaseFunds(context.Background(), "user:alice", big.NewInt(10), "USD", "ref")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "500") || !strings.Contains(got, "provider exploded") {
		t.Fatalf("error = %q", got)
	}
}

func TestWalletClientGetBalance(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/user:alice/balance" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("currency"); got != "USD" {
			t.Errorf("currency = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"available": "100", "held": "25"})
	}))
	defer ts.Close()

	client := NewWalletClient(ts.URL, "", time.Second)
	balance, err := client.GetBalance(context.Background(), "user:alice", "USD")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available.Cmp(big.NewInt(100)) != 0 || balance.Held.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("balance = %+v", balance)
	}
}

func TestMockWalletDeduplicatesOnReference(t *testing.T) {
	wallet := NewMockWallet()
	wallet.Credit("user:alice", "USD", big.NewInt(1000))
	ctx := context.Background()

	if err := wallet.HoldFunds(ctx, "user:alice", big.NewInt(400), "USD", "ref-1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := wallet.HoldFunds(ctx, "user:alice", big.NewInt(400), "USD", "ref-1"); err != nil {
		t.Fatalf("duplicate hold: %v", err)
	}

	balance, err := wallet.GetBalance(ctx, "user:alice", "USD")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("available = %s, want 600", balance.Available)
	}
	if balance.Held.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("held = %s, want 400", balance.Held)
	}
}

func TestMockWalletInsufficientFunds(t *testing.T) {
	wallet := NewMockWallet()
	err := wallet.HoldFunds(context.Background(), "user:alice", big.NewInt(100), "USD", "ref-1")
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	wallet.SetUnlimited(true)
	if err := wallet.HoldFunds(context.Background(), "user:alice", big.NewInt(100), "USD", "ref-2"); err != nil {
		t.Fatalf("unlimited hold: %v", err)
	}
	balance, _ := wallet.GetBalance(context.Background(), "user:alice", "USD")
	if balance.Held.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("held = %s", balance.Held)
	}
}

func TestMockWalletRefundMovesHeldBack(t *testing.T) {
	wallet := NewMockWallet()
	wallet.Credit("user:alice", "USD", big.NewInt(500))
	ctx := context.Background()
	if err := wallet.HoldFunds(ctx, "user:alice", big.NewInt(500), "USD", "h1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := wallet.RefundFunds(ctx, "user:alice", big.NewInt(500), "USD", "r1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	balance, _ := wallet.GetBalance(ctx, "user:alice", "USD")
	if balance.Available.Cmp(big.NewInt(500)) != 0 || balance.Held.Sign() != 0 {
		t.Fatalf("balance = %+v", balance)
	}
}

func TestMockWalletAccountsAreCurrencyScoped(t *testing.T) {
	wallet := NewMockWallet()
	wallet.Credit("user:alice", "USD", big.NewInt(100))
	balance, _ := wallet.GetBalance(context.Background(), "user:alice", "EUR")
	if balance.Available.Sign() != 0 {
		t.Fatalf("EUR available = %s", balance.Available)
	}
}
