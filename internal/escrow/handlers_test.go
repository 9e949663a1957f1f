package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/trackerjam/escrow/internal/processor"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	handler := NewHandler(f.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	// X-User-ID stands in for the auth middleware.
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("authUserID", id)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(v1)
	return r, f
}

func do(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type paymentResponse struct {
	Payment struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		ClientSecret string `json:"clientSecret"`
	} `json:"payment"`
	Error string `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) paymentResponse {
	t.Helper()
	var resp paymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return resp
}

func TestHandler_InitiateApprove(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, http.MethodPost, "/v1/jobs/job_1/payment", "biz_1", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("initiate = %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	if created.Payment.Status != "pending" || created.Payment.ClientSecret == "" {
		t.Fatalf("created = %+v", created.Payment)
	}
	id := created.Payment.ID

	w = do(r, http.MethodPost, "/v1/jobs/job_1/payment", "biz_1", nil)
	if w.Code != http.StatusConflict || decode(t, w).Payment.ID != id {
		t.Fatalf("second initiate = %d: %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/v1/payments/"+id, "fl_1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("freelancer get = %d", w.Code)
	}
	w = do(r, http.MethodGet, "/v1/payments/"+id, "stranger", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger get = %d", w.Code)
	}

	w = do(r, http.MethodPost, "/v1/payments/"+id+"/approve", "fl_1", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("freelancer approve = %d", w.Code)
	}
	w = do(r, http.MethodPost, "/v1/payments/"+id+"/approve", "biz_1", nil)
	if w.Code != http.StatusOK || decode(t, w).Payment.Status != "completed" {
		t.Fatalf("approve = %d: %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/v1/payments?status=completed", "fl_1", nil)
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if w.Code != http.StatusOK || list.Count != 1 {
		t.Fatalf("list = %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Dispute(t *testing.T) {
	r, f := setupTestRouter(t)
	p := f.initiate(t)

	w := do(r, http.MethodPost, "/v1/payments/"+p.ID+"/dispute", "biz_1", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing reason = %d", w.Code)
	}

	w = do(r, http.MethodPost, "/v1/payments/"+p.ID+"/dispute", "biz_1", DisputeRequest{Reason: "not delivered"})
	if w.Code != http.StatusOK || decode(t, w).Payment.Status != "refunded" {
		t.Fatalf("dispute = %d: %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/v1/payments/"+p.ID+"/approve", "biz_1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("approve refunded = %d", w.Code)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	r, f := setupTestRouter(t)
	f.market.AddJob("job_open", "biz_1")
	f.market.AddJob("job_unpaid", "biz_1")
	f.market.AddProfile("fl_2", "fl2@example.com", "")
	f.market.AcceptBid("job_unpaid", "fl_2", decimal.NewFromInt(100))

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		want   int
		code   string
	}{
		{"unknown job", http.MethodPost, "/v1/jobs/job_x/payment", "biz_1", http.StatusNotFound, "not_found"},
		{"no bid", http.MethodPost, "/v1/jobs/job_open/payment", "biz_1", http.StatusConflict, "no_accepted_bid"},
		{"not onboarded", http.MethodPost, "/v1/jobs/job_unpaid/payment", "biz_1", http.StatusUnprocessableEntity, "no_payout_account"},
		{"unknown payment", http.MethodGet, "/v1/payments/pay_x", "biz_1", http.StatusNotFound, "not_found"},
		{"bad id", http.MethodGet, "/v1/payments/pay%20x", "biz_1", http.StatusBadRequest, "invalid_id"},
		{"bad status", http.MethodGet, "/v1/payments?status=lost", "biz_1", http.StatusBadRequest, "validation_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.method, tc.path, tc.user, nil)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
			if got := decode(t, w).Error; got != tc.code {
				t.Errorf("error = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestHandler_GatewayDown(t *testing.T) {
	r, f := setupTestRouter(t)
	p := f.initiate(t)
	f.gateway.FailNext("capture_hold", processor.ErrGatewayUnavailable, processor.ErrGatewayUnavailable, processor.ErrGatewayUnavailable)

	w := do(r, http.MethodPost, "/v1/payments/"+p.ID+"/approve", "biz_1", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("approve with gateway down = %d", w.Code)
	}
}
