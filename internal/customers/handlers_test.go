package customers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter() (*gin.Engine, *testEnv) {
	gin.SetMode(gin.TestMode)

	env := newTestEnv()
	handler := NewHandler(env.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r, env
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHandler_CustomerLifecycle(t *testing.T) {
	router, _ := setupHandlerTestRouter()

	w := doJSON(router, "POST", "/v1/customers", map[string]string{"fullName": "Asha", "email": "asha@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decodeBody(t, w)["customer"].(map[string]any)["id"].(string)

	w = doJSON(router, "GET", "/v1/customers/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, "POST", "/v1/customers", map[string]string{"fullName": "Other", "email": "ASHA@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "email_taken", decodeBody(t, w)["error"])

	w = doJSON(router, "GET", "/v1/customers?email=asha@example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	w = doJSON(router, "DELETE", "/v1/customers/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(router, "GET", "/v1/customers/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody(t, w)["error"])
}

func TestHandler_CreateOrder(t *testing.T) {
	router, env := setupHandlerTestRouter()
	c := env.customer(t, "o@example.com")

	w := doJSON(router, "POST", "/v1/orders", map[string]any{"customerId": c.ID, "amount": "5000", "status": "delivered"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, false, body["profileStale"])
	order := body["order"].(map[string]any)
	assert.Equal(t, "5000", order["amount"])
	assert.Equal(t, "delivered", order["status"])
	assert.Equal(t, recomputeCall{c.ID, TriggerOrderSaved}, env.rec.last())
}

func TestHandler_CreateOrder_StaleProfile(t *testing.T) {
	router, env := setupHandlerTestRouter()
	c := env.customer(t, "stale@example.com")
	env.rec.err = errors.New("lock timeout")

	w := doJSON(router, "POST", "/v1/orders", map[string]any{"customerId": c.ID, "amount": 12.5})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, true, body["profileStale"])
	assert.NotEmpty(t, body["warning"])
	assert.NotNil(t, body["order"])
}

func TestHandler_CreateOrder_Validation(t *testing.T) {
	router, env := setupHandlerTestRouter()
	c := env.customer(t, "v@example.com")

	tests := []struct {
		name string
		body map[string]any
		code int
	}{
		{"negative amount", map[string]any{"customerId": c.ID, "amount": "-3"}, http.StatusBadRequest},
		{"bad status", map[string]any{"customerId": c.ID, "amount": "3", "status": "lost"}, http.StatusBadRequest},
		{"missing customer", map[string]any{"amount": "3"}, http.StatusBadRequest},
		{"missing amount", map[string]any{"customerId": c.ID}, http.StatusBadRequest},
		{"null amount", map[string]any{"customerId": c.ID, "amount": nil}, http.StatusBadRequest},
		{"unknown customer", map[string]any{"customerId": "9b2d6c1e-3f4a-4b5c-8d9e-0f1a2b3c4d5e", "amount": "3"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, "POST", "/v1/orders", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestHandler_CreateOrder_ZeroAmountIsAccepted(t *testing.T) {
	router, env := setupHandlerTestRouter()
	c := env.customer(t, "zero@example.com")

	w := doJSON(router, "POST", "/v1/orders", map[string]any{"customerId": c.ID, "amount": "0"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	amount, err := decimal.NewFromString(decodeBody(t, w)["order"].(map[string]any)["amount"].(string))
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
}

func TestHandler_CreatePayment_RequiresAmount(t *testing.T) {
	router, env := setupHandlerTestRouter()
	c := env.customer(t, "noamount@example.com")

	w := doJSON(router, "POST", "/v1/payments", map[string]any{"customerId": c.ID, "method": "card"})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, "invalid_request", body["error"])
	assert.Equal(t, "amount is required", body["message"])

	list, err := env.svc.ListPayments(context.Background(), PaymentFilter{CustomerID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHandler_OrderUpdateDeleteAndPaging(t *testing.T) {
	router, env := setupHandlerTestRouter()
	c := env.customer(t, "page@example.com")

	var ids []float64
	for i := 0; i < 3; i++ {
		w := doJSON(router, "POST", "/v1/orders", map[string]any{"customerId": c.ID, "amount": fmt.Sprintf("%d", 10*(i+1))})
		require.Equal(t, http.StatusCreated, w.Code)
		ids = append(ids, decodeBody(t, w)["order"].(map[string]any)["id"].(float64))
	}

	w := doJSON(router, "GET", "/v1/orders?customer="+c.ID+"&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeBody(t, w)
	assert.EqualValues(t, 2, page["count"])
	assert.Equal(t, true, page["has_more"])

	w = doJSON(router, "GET", "/v1/orders?limit=2&cursor="+page["next_cursor"].(string), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	path := fmt.Sprintf("/v1/orders/%d", int64(ids[0]))
	w = doJSON(router, "PATCH", path, map[string]any{"status": "cancelled"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decodeBody(t, w)["order"].(map[string]any)["status"])

	w = doJSON(router, "DELETE", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["deleted"])
	assert.Equal(t, recomputeCall{c.ID, TriggerOrderDeleted}, env.rec.last())

	w = doJSON(router, "GET", "/v1/orders/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "GET", "/v1/orders?cursor=@@@", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Payments(t *testing.T) {
	router, env := setupHandlerTestRouter()
	c := env.customer(t, "pay@example.com")

	w := doJSON(router, "POST", "/v1/payments", map[string]any{"customerId": c.ID, "method": "cod", "success": false, "amount": "99.99"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decodeBody(t, w)["payment"].(map[string]any)
	assert.Equal(t, false, p["success"])
	assert.Nil(t, p["orderId"])

	w = doJSON(router, "GET", "/v1/payments?success=false&method=cod", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decodeBody(t, w)["count"])

	w = doJSON(router, "GET", "/v1/payments?method=cheque", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "GET", "/v1/payments?success=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, "DELETE", fmt.Sprintf("/v1/payments/%d", int64(p["id"].(float64))), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, recomputeCall{c.ID, TriggerPaymentDeleted}, env.rec.last())
}
