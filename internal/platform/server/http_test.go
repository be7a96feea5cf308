package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cryptowin/cryptowin-go/internal/platform/auth"
)

func newTestRouter(t *testing.T) (http.Handler, *DirectoryService) {
	t.Helper()
	ledger := newTestLedger()
	tokens := auth.NewTokenProvider("test-secret", time.Hour)
	directory := NewDirectoryService(testClock(), tokens, ledger)
	return NewRouter(ledger, directory, tokens, nil), directory
}

func postJSON(t *testing.T, handler http.Handler, path, token string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "http-"+path)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (body %s)", path, err, rec.Body.String())
		}
	}
	return rec
}

func TestRouterHealthEndpoints(t *testing.T) {
	handler, _ := newTestRouter(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/status", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestRouterRequiresBearerToken(t *testing.T) {
	handler, _ := newTestRouter(t)

	rec := postJSON(t, handler, "/v1/deposits", "", &DepositRequest{
		AccountID: "acct-1",
		Amount:    money(1000, "EUR"),
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", rec.Code)
	}
}

func TestRouterSignupLoginDepositFlow(t *testing.T) {
	handler, _ := newTestRouter(t)

	var created CreateAccountResponse
	rec := postJSON(t, handler, "/v1/accounts", "", &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &created)
	if rec.Code != http.StatusOK {
		t.Fatalf("signup status = %d (body %s)", rec.Code, rec.Body.String())
	}
	accountID := created.Account.AccountID

	var login AuthenticateResponse
	rec = postJSON(t, handler, "/v1/auth/login", "", &AuthenticateRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &login)
	if rec.Code != http.StatusOK || login.AccessToken == "" {
		t.Fatalf("login status = %d token %q", rec.Code, login.AccessToken)
	}

	var deposit DepositResponse
	rec = postJSON(t, handler, "/v1/deposits", login.AccessToken, &DepositRequest{
		AccountID: accountID,
		Amount:    money(100000, "EUR"),
	}, &deposit)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if deposit.Balance.AmountMilli != 90000 {
		t.Fatalf("balance = %d, want 90000", deposit.Balance.AmountMilli)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/"+accountID+"/balance", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec2.Code)
	}
	var bal GetBalanceResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Balance.AmountMilli != 90000 {
		t.Fatalf("balance = %d, want 90000", bal.Balance.AmountMilli)
	}
}

func TestRouterTokenActorOverridesBody(t *testing.T) {
	handler, _ := newTestRouter(t)

	var created CreateAccountResponse
	postJSON(t, handler, "/v1/accounts", "", &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &created)

	var login AuthenticateResponse
	postJSON(t, handler, "/v1/auth/login", "", &AuthenticateRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &login)

	// Claiming an admin actor in the body must not help; the token actor
	// wins and the deposit against another account is refused.
	var deposit DepositResponse
	rec := postJSON(t, handler, "/v1/deposits", login.AccessToken, &DepositRequest{
		Meta:      &RequestMeta{Actor: &Actor{ID: "admin-1", Role: RoleAdmin}},
		AccountID: "acct-victim",
		Amount:    money(100000, "EUR"),
	}, &deposit)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestRouterUnknownAccountIs404(t *testing.T) {
	handler, _ := newTestRouter(t)

	var created CreateAccountResponse
	postJSON(t, handler, "/v1/accounts", "", &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &created)
	var login AuthenticateResponse
	postJSON(t, handler, "/v1/auth/login", "", &AuthenticateRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &login)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/"+created.Account.AccountID+"/balance", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	// No deposit yet, so the ledger has no account record.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRouterWithdrawalMethodsQuery(t *testing.T) {
	handler, _ := newTestRouter(t)

	var created CreateAccountResponse
	postJSON(t, handler, "/v1/accounts", "", &CreateAccountRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &created)
	var login AuthenticateResponse
	postJSON(t, handler, "/v1/auth/login", "", &AuthenticateRequest{
		Email:    "player@example.com",
		Password: "hunter2hunter2",
	}, &login)

	req := httptest.NewRequest(http.MethodGet, "/v1/withdrawals/methods?country=KE&amount_milli=100000", nil)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var methods GetWithdrawalMethodsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &methods); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(methods.Methods) == 0 {
		t.Fatal("expected methods for KE")
	}
}
