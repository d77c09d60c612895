package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "escrowd-test-secret"

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func opsClaims(scope string) jwt.MapClaims {
	now := time.Now().UTC()
	return jwt.MapClaims{
		"iss":   "stakepact",
		"aud":   "escrowd",
		"sub":   "ops-cli",
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(10 * time.Minute).Unix(),
	}
}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "stakepact",
		Audience:   "escrowd",
		ClockSkew:  time.Minute,
	}, nil)
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Subject", Subject(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticatorAcceptsValidToken(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Require(ScopeWrite)(echoSubject())

	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, opsClaims("escrow.read escrow.write")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if res.Header().Get("X-Subject") != "ops-cli" {
		t.Fatalf("subject not propagated: %q", res.Header().Get("X-Subject"))
	}
}

func TestAuthenticatorRejectsMissingToken(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Require(ScopeRead)(echoSubject())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/abc", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}

	req.Header.Set("Authorization", "Token abc")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-bearer scheme, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsWrongSignature(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Require(ScopeRead)(echoSubject())

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/abc", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "other-secret", opsClaims("escrow.read")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsIssuerAndAudienceMismatch(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Require(ScopeRead)(echoSubject())

	claims := opsClaims("escrow.read")
	claims["iss"] = "someone-else"
	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/abc", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for issuer mismatch, got %d", res.Code)
	}

	claims = opsClaims("escrow.read")
	claims["aud"] = "other-service"
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for audience mismatch, got %d", res.Code)
	}

	// Audience lists match when any entry fits.
	claims = opsClaims("escrow.read")
	claims["aud"] = []string{"billing", "escrowd"}
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for audience list, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Require(ScopeRead)(echoSubject())

	claims := opsClaims("escrow.read")
	claims["exp"] = time.Now().Add(-10 * time.Minute).Unix()
	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/abc", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", res.Code)
	}

	// Expiry within the configured skew still passes.
	claims = opsClaims("escrow.read")
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 within clock skew, got %d", res.Code)
	}
}

func TestAuthenticatorEnforcesScopes(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Require(ScopeAdjudicate)(echoSubject())

	req := httptest.NewRequest(http.MethodPost, "/v1/disputes/abc/adjudicate", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, opsClaims("escrow.read escrow.write")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", res.Code)
	}

	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, opsClaims("escrow.adjudicate")))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with adjudicate scope, got %d", res.Code)
	}

	// Scope lists carried as JSON arrays work too.
	claims := opsClaims("")
	claims["scope"] = []string{"escrow.adjudicate", "escrow.read"}
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, claims))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with scope array, got %d", res.Code)
	}
}

func TestAuthenticatorDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	handler := auth.Require(ScopeOps)(echoSubject())

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", res.Code)
	}
}
