package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/service"
	"kasbook/backend/internal/store/memory"
)

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")

	repo := memory.NewSeeded()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := service.New(repo, nil, logger, "main")
	auth := NewAuthManager("test-secret-0123456789-0123456789", time.Hour, "835261", repo)
	api := New(svc, auth, "http://127.0.0.1:3000")
	return api, api.Handler()
}

func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	body := strings.NewReader(`{"username":"` + username + `","password":"` + password + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d, body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func doJSON(t *testing.T, api *API, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, handler := newTestAPI(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestLoginEndpoint(t *testing.T) {
	_, handler := newTestAPI(t)

	token := loginToken(t, handler, "admin", "admin123")
	if token == "" {
		t.Fatal("empty access token")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"admin","password":"wrong"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad credentials: status = %d, want 401", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	api, handler := newTestAPI(t)

	rec := doJSON(t, api, handler, http.MethodGet, "/api/v1/cash-box", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/cash-box", "not-a-jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestCSRFEnforcedOnMutations(t *testing.T) {
	_, handler := newTestAPI(t)
	token := loginToken(t, handler, "cashier", "cashier123")

	// POST without a CSRF token is rejected before reaching the handler.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cash-box", strings.NewReader(`{"opening_amount":"1000"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	// GETs pass without one.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/money-boxes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET without CSRF: status = %d, want 200", rec.Code)
	}
}

func TestCashBoxLifecycleOverHTTP(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "cashier", "cashier123")

	// No open box yet.
	rec := doJSON(t, api, handler, http.MethodGet, "/api/v1/cash-box", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no box: status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box", token, `{"opening_amount":"10000"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: status = %d, body %s", rec.Code, rec.Body.String())
	}

	// One open box per user.
	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box", token, `{"opening_amount":"500"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second open: status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box/transactions", token, `{"type":"deposit","amount":"2000"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit: status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Zero amount maps to 400.
	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box/transactions", token, `{"type":"deposit","amount":"0"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero deposit: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box/close", token, `{"declared_amount":"12000"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRoleGuardOnAdminRoutes(t *testing.T) {
	api, handler := newTestAPI(t)
	cashierToken := loginToken(t, handler, "cashier", "cashier123")
	adminToken := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodGet, "/api/v1/reports/cash-summary", cashierToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier on report: status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/reports/cash-summary", adminToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin on report: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/audit-logs", cashierToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier on audit logs: status = %d, want 403", rec.Code)
	}
}

func TestForceCloseRequiresManagerPIN(t *testing.T) {
	api, handler := newTestAPI(t)
	cashierToken := loginToken(t, handler, "cashier", "cashier123")
	adminToken := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box", cashierToken, `{"opening_amount":"3000"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: status = %d", rec.Code)
	}
	var opened struct {
		CashBox domain.CashBox `json:"cash_box"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &opened); err != nil {
		t.Fatalf("decode open response: %v", err)
	}

	path := "/api/v1/cash-boxes/" + opened.CashBox.ID + "/force-close"
	rec = doJSON(t, api, handler, http.MethodPost, path, adminToken, `{"reason":"cashier left","manager_pin":"000000"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong pin: status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodPost, path, adminToken, `{"reason":"cashier left","manager_pin":"835261"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("force close: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestDocumentPostingOverHTTP(t *testing.T) {
	api, handler := newTestAPI(t)
	cashierToken := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box", cashierToken, `{"opening_amount":"0"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open: status = %d", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/parties?kind=customer", cashierToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("parties: status = %d", rec.Code)
	}
	var parties struct {
		Parties []domain.Party `json:"parties"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &parties); err != nil || len(parties.Parties) == 0 {
		t.Fatalf("decode parties: %v (%d)", err, len(parties.Parties))
	}
	customerID := parties.Parties[0].ID

	body := `{"kind":"sale","party_id":"` + customerID + `","lines":[{"sku":"SKU-MIE-01","quantity":2}],"paid_amount":"7000"}`
	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/documents", cashierToken, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("post document: status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Overpayment maps to 422 with the figures in the message.
	body = `{"kind":"sale","party_id":"` + customerID + `","lines":[{"sku":"SKU-MIE-01","quantity":1}],"paid_amount":"9999"}`
	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/documents", cashierToken, body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("overpayment: status = %d, want 422", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "billed") {
		t.Fatalf("overpayment body must carry figures, got %s", rec.Body.String())
	}

	// Unknown money box fails the whole posting with 404.
	body = `{"kind":"sale","party_id":"` + customerID + `","lines":[{"sku":"SKU-MIE-01","quantity":1}],"paid_amount":"3500","money_box_id":"mbox-missing"}`
	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/documents", cashierToken, body)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing money box: status = %d, want 404", rec.Code)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/cash-box", token, `{"opening_amount":"1000","surprise":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodDelete, "/api/v1/cash-box", token, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestOptionsPreflight(t *testing.T) {
	_, handler := newTestAPI(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/documents", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://127.0.0.1:3000" {
		t.Fatalf("CORS origin header = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
