package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditrisk/internal/scoring"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "admin-secret"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sampleProfile() *scoring.Profile {
	return &scoring.Profile{
		CustomerID: "cust-1",
		Score:      742,
		RiskBand:   scoring.BandB,
		UpdatedAt:  time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		Features: scoring.Features{
			TotalOrders:       12,
			DeliveredOrders:   10,
			ReturnedOrders:    1,
			ReturnRate:        0.1,
			TotalSpend:        1520.5,
			AvgOrderValue:     126.7,
			Spend30d:          210,
			Spend180d:         900,
			FailedPaymentRate: 0.05,
		},
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AdminHeaderOnlyOnRecompute(t *testing.T) {
	var headers []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = append(headers, r.Method+" "+r.Header.Get("X-Admin-Secret"))
		writeJSON(w, http.StatusOK, ProfileResponse{Profile: sampleProfile()})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.GetProfile(context.Background(), "cust-1")
	require.NoError(t, err)
	_, err = client.Recompute(context.Background(), "cust-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"GET ", "POST s3cret"}, headers)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "No profile yet"})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetProfile(context.Background(), "cust-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "No profile yet")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout\n"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.Summary(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetProfile(context.Background(), "cust-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ListProfiles_Query(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/credit-profiles", r.URL.Path)
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, ProfileList{})
	}))
	defer ts.Close()

	stale := true
	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.ListProfiles(context.Background(), ListParams{RiskBand: "D", Stale: &stale, Limit: 5, Cursor: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "cursor=abc&limit=5&risk_band=D&stale=true", gotQuery)
}

func TestClient_PathEscapesCustomerID(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		writeJSON(w, http.StatusOK, ProfileResponse{Profile: sampleProfile()})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.GetProfile(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/v1/customers/a%2Fb/credit-profile", gotPath)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetCreditProfile(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/cust-1/credit-profile", r.URL.Path)
		writeJSON(w, http.StatusOK, ProfileResponse{Profile: sampleProfile(), BandDescription: "Low risk"})
	}))
	defer cleanup()

	result, err := h.HandleGetCreditProfile(context.Background(), makeRequest(map[string]any{"customer_id": "cust-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Score: 742")
	assert.Contains(t, text, "Band: B (Low risk)")
	assert.Contains(t, text, "Return rate: 10%")
	assert.NotContains(t, text, "STALE")
	assert.NotContains(t, text, "cash on delivery")
}

func TestHandleGetCreditProfile_Stale(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := sampleProfile()
		p.Stale = true
		p.StaleReason = "database unavailable"
		p.Features.UsesCOD = 1
		writeJSON(w, http.StatusOK, ProfileResponse{Profile: p})
	}))
	defer cleanup()

	result, err := h.HandleGetCreditProfile(context.Background(), makeRequest(map[string]any{"customer_id": "cust-1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "STALE: the last recompute failed (database unavailable)")
	assert.Contains(t, text, "Uses cash on delivery")
}

func TestHandleGetCreditProfile_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleGetCreditProfile(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "customer_id is required")
}

func TestHandleGetCreditProfile_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "Customer not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetCreditProfile(context.Background(), makeRequest(map[string]any{"customer_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Customer not found")
}

func TestHandleRecomputeCreditScore(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/customers/cust-1/recompute-score", r.URL.Path)
		assert.Equal(t, "admin-secret", r.Header.Get("X-Admin-Secret"))
		writeJSON(w, http.StatusOK, ProfileResponse{Profile: sampleProfile()})
	}))
	defer cleanup()

	result, err := h.HandleRecomputeCreditScore(context.Background(), makeRequest(map[string]any{"customer_id": "cust-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Score recomputed.")
}

func TestHandleRecomputeCreditScore_Unavailable(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":        "recompute_failed",
			"message":      "Score could not be recomputed; profile marked stale",
			"profileStale": true,
		})
	}))
	defer cleanup()

	result, err := h.HandleRecomputeCreditScore(context.Background(), makeRequest(map[string]any{"customer_id": "cust-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "503")
}

func TestHandleListCreditProfiles(t *testing.T) {
	var gotQuery map[string][]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		stale := sampleProfile()
		stale.CustomerID = "cust-2"
		stale.Stale = true
		writeJSON(w, http.StatusOK, ProfileList{
			Profiles:   []*scoring.Profile{sampleProfile(), stale},
			Count:      2,
			NextCursor: "next-page",
			HasMore:    true,
		})
	}))
	defer cleanup()

	result, err := h.HandleListCreditProfiles(context.Background(), makeRequest(map[string]any{
		"risk_band": "b",
		"stale":     false,
		"limit":     float64(2),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, []string{"B"}, gotQuery["risk_band"])
	assert.Equal(t, []string{"false"}, gotQuery["stale"])
	assert.Equal(t, []string{"2"}, gotQuery["limit"])

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 profile(s)")
	assert.Contains(t, text, "cust-2  score 742  band B  [stale]")
	assert.Contains(t, text, `Pass cursor "next-page"`)
}

func TestHandleListCreditProfiles_NoStaleFilterWhenOmitted(t *testing.T) {
	var gotQuery map[string][]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		writeJSON(w, http.StatusOK, ProfileList{})
	}))
	defer cleanup()

	result, err := h.HandleListCreditProfiles(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No credit profiles found matching your criteria.", resultText(t, result))
	assert.NotContains(t, gotQuery, "stale")
	assert.Equal(t, []string{"20"}, gotQuery["limit"])
}

func TestHandleListCreditProfiles_InvalidBand(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API should not be called")
	}))
	defer cleanup()

	result, err := h.HandleListCreditProfiles(context.Background(), makeRequest(map[string]any{"risk_band": "Z"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "risk_band must be one of")
}

func TestHandleExplainCreditScore(t *testing.T) {
	f := scoring.Features{TotalSpend: 25000, DeliveredOrders: 80, AvgOrderValue: 900}
	bd := scoring.Explain(f)
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/customers/cust-1/credit-profile/explain", r.URL.Path)
		writeJSON(w, http.StatusOK, scoring.Explanation{
			Profile:         &scoring.Profile{CustomerID: "cust-1", Score: bd.Score, RiskBand: bd.Band, Features: f},
			Breakdown:       bd,
			BandDescription: bd.Band.Description(),
		})
	}))
	defer cleanup()

	result, err := h.HandleExplainCreditScore(context.Background(), makeRequest(map[string]any{"customer_id": "cust-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Score for cust-1: 980 (band A")
	assert.Regexp(t, `Base\s+\+600`, text)
	assert.Regexp(t, `Spend\s+\+200`, text)
	assert.Regexp(t, `Cash on delivery\s+\+0`, text)
	assert.NotContains(t, text, "clamped")
}

func TestHandleExplainCreditScore_Clamped(t *testing.T) {
	f := scoring.Features{ReturnRate: 1, FailedPaymentRate: 1, UsesCOD: 1}
	bd := scoring.Explain(f)
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, scoring.Explanation{Breakdown: bd})
	}))
	defer cleanup()

	result, err := h.HandleExplainCreditScore(context.Background(), makeRequest(map[string]any{"customer_id": "cust-1"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Score: 300 (band E)")
	assert.Contains(t, text, "Raw total 50 clamped to 300.")
}

func TestHandleGetPortfolioSummary(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/credit-profiles/summary", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"summary": scoring.Summary{
			Profiles:  3,
			Stale:     1,
			AvgScore:  701.3,
			MinScore:  480,
			MaxScore:  900,
			BandCount: map[scoring.Band]int{scoring.BandA: 1, scoring.BandB: 1, scoring.BandE: 1},
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetPortfolioSummary(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Profiles: 3 (1 stale)")
	assert.Contains(t, text, "Average score: 701.3")
	assert.Contains(t, text, "Range: 480 to 900")
	assert.Contains(t, text, "    C: 0\n")
	assert.Contains(t, text, "    E: 1\n")
}

func TestHandleGetPortfolioSummary_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"summary": scoring.Summary{}})
	}))
	defer cleanup()

	result, err := h.HandleGetPortfolioSummary(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Profiles: 0 (0 stale)")
	assert.NotContains(t, text, "Average")
}

func TestHandleFindCustomer(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ada@example.com", r.URL.Query().Get("email"))
		writeJSON(w, http.StatusOK, map[string]any{"customers": []map[string]any{{
			"id":        "cust-1",
			"fullName":  "Ada Lovelace",
			"email":     "ada@example.com",
			"createdAt": "2026-01-15T09:00:00Z",
		}}})
	}))
	defer cleanup()

	result, err := h.HandleFindCustomer(context.Background(), makeRequest(map[string]any{"email": "ada@example.com"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Customer: Ada Lovelace")
	assert.Contains(t, text, "ID: cust-1")
	assert.Contains(t, text, "Since: 2026-01-15")
}

func TestHandleFindCustomer_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"customers": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleFindCustomer(context.Background(), makeRequest(map[string]any{"email": "who@example.com"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no customer with email who@example.com")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	require.NotNil(t, s)
}
