package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditrisk/internal/customers"
)

// Feature windows. A boundary order (created exactly 30 or 180 days before
// now) is inside its window.
const (
	ShortWindow = 30 * 24 * time.Hour
	LongWindow  = 180 * 24 * time.Hour
)

// Features is the behavioral snapshot a score is computed from. The JSON
// names are a stable external contract.
type Features struct {
	TotalOrders       float64 `json:"total_orders"`
	DeliveredOrders   float64 `json:"delivered_orders"`
	ReturnedOrders    float64 `json:"returned_orders"`
	ReturnRate        float64 `json:"return_rate"`
	TotalSpend        float64 `json:"total_spend"`
	AvgOrderValue     float64 `json:"avg_order_value"`
	Spend30d          float64 `json:"spend_30d"`
	Spend180d         float64 `json:"spend_180d"`
	FailedPaymentRate float64 `json:"failed_payment_rate"`
	UsesCOD           float64 `json:"uses_cod"`
}

// FeatureNames lists the feature keys in their fixed order.
var FeatureNames = []string{
	"total_orders",
	"delivered_orders",
	"returned_orders",
	"return_rate",
	"total_spend",
	"avg_order_value",
	"spend_30d",
	"spend_180d",
	"failed_payment_rate",
	"uses_cod",
}

// Map returns the features keyed by name.
func (f Features) Map() map[string]float64 {
	return map[string]float64{
		"total_orders":        f.TotalOrders,
		"delivered_orders":    f.DeliveredOrders,
		"returned_orders":     f.ReturnedOrders,
		"return_rate":         f.ReturnRate,
		"total_spend":         f.TotalSpend,
		"avg_order_value":     f.AvgOrderValue,
		"spend_30d":           f.Spend30d,
		"spend_180d":          f.Spend180d,
		"failed_payment_rate": f.FailedPaymentRate,
		"uses_cod":            f.UsesCOD,
	}
}

// ExtractFeatures derives the feature snapshot from a customer's complete
// history as of now. It is pure: the same history and now always give the
// same result. Every order counts toward spend regardless of status.
func ExtractFeatures(h *customers.History, now time.Time) Features {
	var f Features
	if h == nil {
		return f
	}

	shortCutoff := now.Add(-ShortWindow)
	longCutoff := now.Add(-LongWindow)

	var delivered, returned int
	total, spend30, spend180 := decimal.Zero, decimal.Zero, decimal.Zero
	for _, o := range h.Orders {
		switch o.Status {
		case customers.StatusDelivered:
			delivered++
		case customers.StatusReturned:
			returned++
		}
		total = total.Add(o.Amount)
		if !o.CreatedAt.Before(shortCutoff) {
			spend30 = spend30.Add(o.Amount)
		}
		if !o.CreatedAt.Before(longCutoff) {
			spend180 = spend180.Add(o.Amount)
		}
	}

	f.TotalOrders = float64(len(h.Orders))
	f.DeliveredOrders = float64(delivered)
	f.ReturnedOrders = float64(returned)
	if delivered > 0 {
		f.ReturnRate = float64(returned) / float64(delivered)
	}
	f.TotalSpend = total.InexactFloat64()
	if n := len(h.Orders); n > 0 {
		f.AvgOrderValue = total.Div(decimal.NewFromInt(int64(n))).InexactFloat64()
	}
	f.Spend30d = spend30.InexactFloat64()
	f.Spend180d = spend180.InexactFloat64()

	var failed int
	for _, p := range h.Payments {
		if !p.Success {
			failed++
		}
		if p.Method == customers.MethodCOD {
			f.UsesCOD = 1
		}
	}
	if n := len(h.Payments); n > 0 {
		f.FailedPaymentRate = float64(failed) / float64(n)
	}

	return f
}
