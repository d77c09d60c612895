package escrowd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"stakepact/escrow"
)

// WalletClient talks to the external wallet provider over JSON HTTP. The
// provider deduplicates transfers on the reference string, which is what lets
// the engine resume partial distributions safely.
type WalletClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewWalletClient constructs a client for the provider at baseURL.
func NewWalletClient(baseURL, apiKey string, timeout time.Duration) *WalletClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WalletClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// HoldFunds implements escrow.Wallet.
func (c *WalletClient) HoldFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error {
	return c.transfer(ctx, "holds", accountID, amount, currency, ref)
}

// ReleaseFunds implements escrow.Wallet.
func (c *WalletClient) ReleaseFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error {
	return c.transfer(ctx, "releases", accountID, amount, currency, ref)
}

// RefundFunds implements escrow.Wallet.
func (c *WalletClient) RefundFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error {
	return c.transfer(ctx, "refunds", accountID, amount, currency, ref)
}

// GetBalance implements escrow.Wallet.
func (c *WalletClient) GetBalance(ctx context.Context, accountID, currency string) (escrow.Balance, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/balance?currency=%s",
		c.baseURL, url.PathEscape(accountID), url.QueryEscape(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return escrow.Balance{}, err
	}
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return escrow.Balance{}, fmt.Errorf("escrowd: wallet balance: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return escrow.Balance{}, walletStatusError(resp, "balance")
	}
	var payload struct {
		Available string `json:"available"`
		Held      string `json:"held"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return escrow.Balance{}, fmt.Errorf("escrowd: decode wallet balance: %w", err)
	}
	available, err := parseAmount(payload.Available)
	if err != nil {
		return escrow.Balance{}, fmt.Errorf("escrowd: wallet balance: %w", err)
	}
	held, err := parseAmount(payload.Held)
	if err != nil {
		return escrow.Balance{}, fmt.Errorf("escrowd: wallet balance: %w", err)
	}
	return escrow.Balance{Available: available, Held: held}, nil
}

func (c *WalletClient) transfer(ctx context.Context, kind, accountID string, amount *big.Int, currency, ref string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrowd: wallet transfer amount must be positive")
	}
	body, err := json.Marshal(map[string]string{
		"amount":    amount.String(),
		"currency":  currency,
		"reference": ref,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/%s", c.baseURL, url.PathEscape(accountID), kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("escrowd: wallet %s: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return walletStatusError(resp, kind)
}

func (c *WalletClient) decorate(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func walletStatusError(resp *http.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Code == "insufficient_funds" {
		return fmt.Errorf("wallet %s: %w", op, escrow.ErrInsufficientFunds)
	}
	detail := strings.TrimSpace(string(raw))
	if detail == "" {
		detail = resp.Status
	}
	return fmt.Errorf("escrowd: wallet %s: status %d: %s", op, resp.StatusCode, detail)
}

type mockAccount struct {
	available *big.Int
	held      *big.Int
}

// MockWallet is an in-memory escrow.Wallet for standalone deployments and
// tests. It honours the provider contract: transfers deduplicate on the
// reference string.
type MockWallet struct {
	mu        sync.Mutex
	accounts  map[string]*mockAccount
	seen      map[string]bool
	unlimited bool
}

// NewMockWallet returns an empty in-memory wallet.
func NewMockWallet() *MockWallet {
	return &MockWallet{
		accounts: make(map[string]*mockAccount),
		seen:     make(map[string]bool),
	}
}

// SetUnlimited makes holds self-fund instead of failing for lack of balance.
// Standalone deployments without a provider run in this mode.
func (w *MockWallet) SetUnlimited(v bool) {
	w.mu.Lock()
	w.unlimited = v
	w.mu.Unlock()
}

// Credit adds available funds to the account.
func (w *MockWallet) Credit(accountID, currency string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	acct := w.account(accountID, currency)
	acct.available.Add(acct.available, amount)
}

// HoldFunds implements escrow.Wallet.
func (w *MockWallet) HoldFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrowd: hold amount must be positive")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[ref] {
		return nil
	}
	acct := w.account(accountID, currency)
	if acct.available.Cmp(amount) < 0 {
		if !w.unlimited {
			return escrow.ErrInsufficientFunds
		}
		acct.available.Set(amount)
	}
	acct.available.Sub(acct.available, amount)
	acct.held.Add(acct.held, amount)
	w.seen[ref] = true
	return nil
}

// ReleaseFunds implements escrow.Wallet. The amount is credited to the
// destination account.
func (w *MockWallet) ReleaseFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrowd: release amount must be positive")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[ref] {
		return nil
	}
	acct := w.account(accountID, currency)
	acct.available.Add(acct.available, amount)
	w.seen[ref] = true
	return nil
}

// RefundFunds implements escrow.Wallet. Held funds on the account are moved
// back to available.
func (w *MockWallet) RefundFunds(ctx context.Context, accountID string, amount *big.Int, currency, ref string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrowd: refund amount must be positive")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[ref] {
		return nil
	}
	acct := w.account(accountID, currency)
	if acct.held.Cmp(amount) >= 0 {
		acct.held.Sub(acct.held, amount)
	} else {
		acct.held.SetInt64(0)
	}
	acct.available.Add(acct.available, amount)
	w.seen[ref] = true
	return nil
}

// GetBalance implements escrow.Wallet.
func (w *MockWallet) GetBalance(ctx context.Context, accountID, currency string) (escrow.Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	acct := w.account(accountID, currency)
	return escrow.Balance{
		Available: new(big.Int).Set(acct.available),
		Held:      new(big.Int).Set(acct.held),
	}, nil
}

func (w *MockWallet) account(accountID, currency string) *mockAccount {
	key := accountID + "|" + currency
	acct, ok := w.accounts[key]
	if !ok {
		acct = &mockAccount{available: new(big.Int), held: new(big.Int)}
		w.accounts[key] = acct
	}
	return acct
}
