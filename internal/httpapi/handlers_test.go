package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lomismoney/Mir01-sub000/internal/cache"
	"github.com/lomismoney/Mir01-sub000/internal/lock"
	"github.com/lomismoney/Mir01-sub000/internal/logging"
	"github.com/lomismoney/Mir01-sub000/internal/service"
	"github.com/lomismoney/Mir01-sub000/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopTimeSeriesCache{}, lock.NoopLocker{}, logging.New("error"), service.Options{MaxRetryAttempts: 3})
	auth := NewAuthManager("test-secret-key-test-secret-key!", time.Hour, repo)

	return New(svc, auth, "*")
}

// login obtains a bearer token for the given seeded account.
func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1234", len(username))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestInventoryRequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/inventory?store_id=1&variant_id=1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestInventoryWithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/inventory?store_id=1&variant_id=1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["quantity"] != float64(20) {
		t.Fatalf("expected seeded quantity 20, got %v", body["quantity"])
	}
}

func TestDeductEndpointMovesStock(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/deduct", token, map[string]any{
		"store_id":   1,
		"variant_id": 1,
		"quantity":   5,
		"note":       "sale",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["quantity"] != float64(15) {
		t.Fatalf("expected 15 remaining, got %v", body["quantity"])
	}
}

func TestDeductEndpointReportsShortfalls(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/deduct", token, map[string]any{
		"store_id":   1,
		"variant_id": 1,
		"quantity":   999,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	shortfalls, ok := body["shortfalls"].([]any)
	if !ok || len(shortfalls) != 1 {
		t.Fatalf("expected one shortfall, got %v", body)
	}
	first := shortfalls[0].(map[string]any)
	if first["requested"] != float64(999) || first["available"] != float64(20) {
		t.Fatalf("shortfall payload wrong: %v", first)
	}
}

func TestAdjustEndpointIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	staffToken := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjust", staffToken, map[string]any{
		"store_id":   1,
		"variant_id": 1,
		"quantity":   3,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	adminToken := login(t, handler, "admin", "admin123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/inventory/adjust", adminToken, map[string]any{
		"store_id":   1,
		"variant_id": 1,
		"quantity":   3,
		"note":       "recount",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["quantity"] != float64(3) {
		t.Fatalf("expected quantity 3 after adjustment, got %v", body["quantity"])
	}
}

func TestOrderNotFoundMapsTo404(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/orders/99999", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestPurchaseFlowThroughAPI(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/purchases", token, map[string]any{
		"store_id":       1,
		"shipping_cents": 5000,
		"lines": []map[string]any{
			{"variant_id": 1, "quantity": 4, "cost_cents": 700000},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create purchase: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	purchaseID := int64(created["id"].(float64))

	// Illegal jump straight to received carries the allowed transitions.
	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/purchases/%d/status", purchaseID), token, map[string]any{
		"status": "received",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for illegal transition, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["from"] != "pending" || body["to"] != "received" {
		t.Fatalf("transition payload wrong: %v", body)
	}

	for _, status := range []string{"confirmed", "in_transit", "received", "completed"} {
		rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/purchases/%d/status", purchaseID), token, map[string]any{
			"status": status,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("transition to %s: expected 200, got %d (body: %s)", status, rec.Code, rec.Body.String())
		}
	}

	// The receipt should have landed in the ledger.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory?store_id=1&variant_id=1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("inventory read: %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["quantity"] != float64(24) {
		t.Fatalf("expected 24 after receipt, got %v", body["quantity"])
	}
}

func TestCreateOrderThroughAPI(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/orders", token, map[string]any{
		"store_id":      1,
		"customer_name": "Lin",
		"lines": []map[string]any{
			{"variant_id": 1, "quantity": 2, "unit_price_cents": 1299900},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	lines := body["lines"].([]any)
	if kind := lines[0].(map[string]any)["kind"]; kind != "stocked_sale" {
		t.Fatalf("expected stocked_sale line, got %v", kind)
	}
	orderID := int64(body["id"].(float64))

	rec = doJSON(t, handler, http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/cancel", orderID), token, map[string]any{
		"reason": "customer changed mind",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "cancelled" {
		t.Fatalf("expected cancelled, got %v", body["status"])
	}
}

func TestStaffManagementIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	staffToken := login(t, handler, "staff", "staff123")
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/users/staff", staffToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for staff, got %d", rec.Code)
	}

	adminToken := login(t, handler, "admin", "admin123")
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/staff", adminToken, map[string]any{
		"username": "newclerk",
		"password": "clerkpass",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "newclerk",
		"password": "clerkpass",
	}); rec.Code != http.StatusOK {
		t.Fatalf("new staff login failed: %d (body: %s)", rec.Code, rec.Body.String())
	}
}
