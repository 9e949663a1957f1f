package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/trackerjam/escrow/internal/auth"
	"github.com/trackerjam/escrow/internal/config"
	"github.com/trackerjam/escrow/internal/marketplace"
	"github.com/trackerjam/escrow/internal/processor"
)

const testJWTSecret = "test-secret-for-server-tests"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		Currency:            "usd",
		PlatformFeeRate:     decimal.RequireFromString("0.05"),
		GatewayTimeout:      5 * time.Second,
		GatewayMaxAttempts:  1,
		GatewayRetryBase:    time.Millisecond,
		ReviewWindow:        48 * time.Hour,
		AutoReleaseInterval: time.Hour,
		ReconcileInterval:   time.Hour,
		ReconcileGrace:      10 * time.Minute,
		ReconcileAlertAfter: 24 * time.Hour,
		AuthJWTSecret:       testJWTSecret,
		AdminSecret:         "admin-secret",
		OnboardingReturnURL: "http://localhost:3000/profile",
	}
}

type testEnv struct {
	srv     *Server
	gateway *processor.MemoryGateway
	market  *marketplace.MemoryStore
}

// newTestServer creates a server over in-memory dependencies
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		gateway: processor.NewMemoryGateway(),
		market:  marketplace.NewMemoryStore(),
	}
	s, err := New(testConfig(), WithProcessor(env.gateway), WithMarketplace(env.market))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.close(context.Background()) })
	env.srv = s
	return env
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.NewVerifier(testJWTSecret).Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	e.srv.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)

	// Background loops are not running before Run.
	w := env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 before start, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got %v", resp["status"])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.srv.startBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		w = env.do(t, http.MethodGet, "/health", "", nil)
		if w.Code == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 once loops run, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodGet, "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	env := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := env.do(t, http.MethodGet, "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}

	env.srv.ready.Store(true)
	w = env.do(t, http.MethodGet, "/health/ready", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("escrow_")) {
		t.Error("metrics output missing escrow namespace")
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	env := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/jobs/:id/payment",
		"GET:/v1/payments",
		"GET:/v1/payments/:id",
		"POST:/v1/payments/:id/approve",
		"POST:/v1/payments/:id/dispute",
		"GET:/v1/balance",
		"GET:/v1/withdrawals",
		"POST:/v1/withdrawals",
		"GET:/v1/payout-account",
		"POST:/v1/payout-account/onboard",
		"GET:/v1/notifications/ws",
		"GET:/v1/admin/reconciliation",
		"POST:/v1/admin/reconcile",
	}

	routeSet := make(map[string]bool)
	for _, route := range env.srv.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Auth tests
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestServer(t)

	for _, path := range []string{"/v1/balance", "/v1/payments", "/v1/withdrawals"} {
		w := env.do(t, http.MethodGet, path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	env := newTestServer(t)

	// A user token is not enough once an admin secret is configured.
	w := env.do(t, http.MethodGet, "/v1/admin/reconciliation/last", "fl_1", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil)
	req.Header.Set("X-Admin-Secret", "admin-secret")
	rec := httptest.NewRecorder()
	env.srv.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, http.MethodGet, "/health/live", "", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
}

// ---------------------------------------------------------------------------
// Payment flow
// ---------------------------------------------------------------------------

func TestPaymentToWithdrawalFlow(t *testing.T) {
	env := newTestServer(t)

	env.market.AddProfile("biz_1", "biz@example.com", "")
	env.market.AddProfile("fl_1", "fl@example.com", "acct_fl_1")
	env.market.AddJob("job_1", "biz_1")
	env.market.AcceptBid("job_1", "fl_1", decimal.RequireFromString("100.00"))
	env.gateway.SetPayee("acct_fl_1", true)

	// Business places the hold.
	w := env.do(t, http.MethodPost, "/v1/jobs/job_1/payment", "biz_1", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	payment := decode(t, w)["payment"].(map[string]interface{})
	paymentID := payment["id"].(string)
	if payment["status"] != "pending" {
		t.Errorf("status = %v, want pending", payment["status"])
	}

	// A second attempt returns the active payment.
	if w := env.do(t, http.MethodPost, "/v1/jobs/job_1/payment", "biz_1", nil); w.Code != http.StatusConflict {
		t.Errorf("duplicate initiate: expected 409, got %d", w.Code)
	}

	// Only the business may approve.
	if w := env.do(t, http.MethodPost, "/v1/payments/"+paymentID+"/approve", "fl_1", nil); w.Code == http.StatusOK {
		t.Error("freelancer should not be able to approve")
	}

	w = env.do(t, http.MethodPost, "/v1/payments/"+paymentID+"/approve", "biz_1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["payment"].(map[string]interface{})["status"]; got != "completed" {
		t.Errorf("status after approve = %v", got)
	}
	if got := env.market.JobStatus("job_1"); got != "completed" {
		t.Errorf("job status = %q, want completed", got)
	}

	w = env.do(t, http.MethodGet, "/v1/balance", "fl_1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["available"]; got != "95.00" {
		t.Errorf("available = %v, want 95.00", got)
	}

	w = env.do(t, http.MethodPost, "/v1/withdrawals", "fl_1", map[string]string{"amount": "50.00"})
	if w.Code != http.StatusCreated {
		t.Fatalf("withdraw: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/v1/withdrawals", "fl_1", map[string]string{"amount": "50.00"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("overdraw: expected 422, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/v1/balance", "fl_1", nil)
	if got := decode(t, w)["available"]; got != "45.00" {
		t.Errorf("available after withdrawal = %v, want 45.00", got)
	}
}

func TestReleaseThenWithdrawExactBalance(t *testing.T) {
	env := newTestServer(t)

	env.market.AddProfile("biz_1", "biz@example.com", "")
	env.market.AddProfile("fl_1", "fl@example.com", "acct_fl_1")
	env.market.AddJob("job_1", "biz_1")
	env.market.AcceptBid("job_1", "fl_1", decimal.RequireFromString("1000.00"))
	env.gateway.SetPayee("acct_fl_1", true)

	w := env.do(t, http.MethodPost, "/v1/jobs/job_1/payment", "biz_1", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	payment := decode(t, w)["payment"].(map[string]interface{})
	for field, want := range map[string]string{"grossAmount": "1000.00", "platformFee": "50.00", "netAmount": "950.00"} {
		got, err := decimal.NewFromString(payment[field].(string))
		if err != nil || !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("%s = %v, want %s", field, payment[field], want)
		}
	}

	w = env.do(t, http.MethodPost, "/v1/payments/"+payment["id"].(string)+"/approve", "biz_1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	balance := func() interface{} {
		t.Helper()
		w := env.do(t, http.MethodGet, "/v1/balance", "fl_1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("balance: expected 200, got %d", w.Code)
		}
		return decode(t, w)["available"]
	}
	if got := balance(); got != "950.00" {
		t.Fatalf("available = %v, want 950.00", got)
	}

	// One cent over the balance is rejected and moves nothing.
	w = env.do(t, http.MethodPost, "/v1/withdrawals", "fl_1", map[string]string{"amount": "950.01"})
	if w.Code != http.StatusUnprocessableEntity || decode(t, w)["error"] != "insufficient_balance" {
		t.Fatalf("overdraw: expected 422 insufficient_balance, got %d: %s", w.Code, w.Body.String())
	}
	if n := env.gateway.TransferCount(); n != 0 {
		t.Fatalf("transfers after rejected withdrawal = %d", n)
	}

	w = env.do(t, http.MethodPost, "/v1/withdrawals", "fl_1", map[string]string{"amount": "950.00"})
	if w.Code != http.StatusCreated {
		t.Fatalf("withdraw: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["withdrawal"].(map[string]interface{})["status"]; got != "completed" {
		t.Errorf("withdrawal status = %v, want completed", got)
	}
	if got := balance(); got != "0.00" {
		t.Errorf("available after withdrawal = %v, want 0.00", got)
	}
}
