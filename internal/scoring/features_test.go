package scoring

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditrisk/internal/customers"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func order(amount string, status customers.OrderStatus, age time.Duration) customers.Order {
	return customers.Order{
		Amount:    decimal.RequireFromString(amount),
		Status:    status,
		CreatedAt: testNow.Add(-age),
	}
}

func payment(method customers.PaymentMethod, success bool) customers.Payment {
	return customers.Payment{Method: method, Success: success, Amount: decimal.NewFromInt(10), CreatedAt: testNow}
}

func TestExtractFeatures_ZeroHistory(t *testing.T) {
	assert.Equal(t, Features{}, ExtractFeatures(&customers.History{}, testNow))
	assert.Equal(t, Features{}, ExtractFeatures(nil, testNow))

	score, band := Evaluate(ExtractFeatures(&customers.History{}, testNow))
	assert.Equal(t, 600, score)
	assert.Equal(t, BandC, band)
}

func TestExtractFeatures_Aggregates(t *testing.T) {
	day := 24 * time.Hour
	h := &customers.History{
		Orders: []customers.Order{
			order("100.10", customers.StatusDelivered, 30*day),               // window edge: inside 30d
			order("200.20", customers.StatusReturned, 30*day+time.Nanosecond), // just outside 30d
			order("50.00", customers.StatusPlaced, 180*day),                  // window edge: inside 180d
			order("25.00", customers.StatusCancelled, 181*day),
		},
		Payments: []customers.Payment{
			payment(customers.MethodCard, true),
			payment(customers.MethodCOD, false),
			payment(customers.MethodWallet, true),
			payment(customers.MethodBank, false),
		},
	}

	f := ExtractFeatures(h, testNow)

	assert.Equal(t, 4.0, f.TotalOrders)
	assert.Equal(t, 1.0, f.DeliveredOrders)
	assert.Equal(t, 1.0, f.ReturnedOrders)
	assert.Equal(t, 1.0, f.ReturnRate)
	assert.InDelta(t, 375.30, f.TotalSpend, 1e-9)
	assert.InDelta(t, 93.825, f.AvgOrderValue, 1e-9)
	assert.InDelta(t, 100.10, f.Spend30d, 1e-9)
	assert.InDelta(t, 350.30, f.Spend180d, 1e-9)
	assert.Equal(t, 0.5, f.FailedPaymentRate)
	assert.Equal(t, 1.0, f.UsesCOD)
}

func TestExtractFeatures_ReturnRateNeedsDeliveries(t *testing.T) {
	h := &customers.History{Orders: []customers.Order{
		order("10", customers.StatusReturned, 0),
		order("10", customers.StatusReturned, 0),
	}}
	f := ExtractFeatures(h, testNow)
	assert.Equal(t, 2.0, f.ReturnedOrders)
	assert.Equal(t, 0.0, f.ReturnRate)

	h.Orders = append(h.Orders, order("10", customers.StatusDelivered, 0))
	assert.Equal(t, 2.0, ExtractFeatures(h, testNow).ReturnRate)
}

func TestExtractFeatures_ExactDecimalSums(t *testing.T) {
	h := &customers.History{Orders: []customers.Order{
		order("0.10", customers.StatusPlaced, 0),
		order("0.20", customers.StatusPlaced, 0),
	}}
	f := ExtractFeatures(h, testNow)
	assert.Equal(t, 0.3, f.TotalSpend)
	assert.Equal(t, 0.15, f.AvgOrderValue)
}

func TestExtractFeatures_Deterministic(t *testing.T) {
	h := &customers.History{
		Orders:   []customers.Order{order("999.99", customers.StatusShipped, 3*24*time.Hour)},
		Payments: []customers.Payment{payment(customers.MethodCard, false)},
	}
	assert.Equal(t, ExtractFeatures(h, testNow), ExtractFeatures(h, testNow))
}

func TestFeatures_StableNames(t *testing.T) {
	f := Features{TotalOrders: 1, UsesCOD: 1}

	m := f.Map()
	require.Len(t, m, len(FeatureNames))
	for _, name := range FeatureNames {
		_, ok := m[name]
		assert.True(t, ok, name)
	}

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(raw, &decoded))

	keys := make([]string, 0, len(decoded))
	for k := range decoded {
		keys = append(keys, k)
	}
	want := append([]string(nil), FeatureNames...)
	sort.Strings(keys)
	sort.Strings(want)
	assert.Equal(t, want, keys)
}
