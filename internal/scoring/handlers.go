package scoring

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/pagination"
	"github.com/mbd888/creditrisk/internal/validation"
)

// CustomerGetter resolves customers so unknown IDs 404 before any profile
// lookup.
type CustomerGetter interface {
	GetCustomer(ctx context.Context, id string) (*customers.Customer, error)
}

// Handler provides HTTP endpoints for credit profiles.
type Handler struct {
	engine    *Engine
	customers CustomerGetter
	activity  ActivityRecorder
}

// NewHandler creates a new credit profile handler.
func NewHandler(engine *Engine, customers CustomerGetter) *Handler {
	return &Handler{engine: engine, customers: customers}
}

// WithActivity records profile views and report downloads.
func (h *Handler) WithActivity(a ActivityRecorder) *Handler {
	h.activity = a
	return h
}

// RegisterRoutes sets up read-only credit profile routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	byUUID := validation.UUIDParamMiddleware("id")

	r.GET("/customers/:id/credit-profile", byUUID, h.GetProfile)
	r.GET("/customers/:id/credit-profile/explain", byUUID, h.ExplainProfile)
	r.GET("/customers/:id/credit-report", byUUID, h.DownloadReport)
	r.GET("/credit-profiles", h.ListProfiles)
	r.GET("/credit-profiles/summary", h.GetSummary)
}

// RegisterAdminRoutes sets up routes that trigger a recompute.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/customers/:id/recompute-score", validation.UUIDParamMiddleware("id"), h.RecomputeScore)
}

// GetProfile handles GET /v1/customers/:id/credit-profile
func (h *Handler) GetProfile(c *gin.Context) {
	id := c.Param("id")
	if !h.customerExists(c, id) {
		return
	}

	p, err := h.engine.GetProfile(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	h.record(c, id, activity.ActionProfileViewed, "Credit profile viewed")
	c.JSON(http.StatusOK, gin.H{"profile": p, "bandDescription": p.RiskBand.Description()})
}

// ExplainProfile handles GET /v1/customers/:id/credit-profile/explain
func (h *Handler) ExplainProfile(c *gin.Context) {
	id := c.Param("id")
	if !h.customerExists(c, id) {
		return
	}

	exp, err := h.engine.Explain(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

// RecomputeScore handles POST /v1/customers/:id/recompute-score
func (h *Handler) RecomputeScore(c *gin.Context) {
	p, err := h.engine.Recompute(c.Request.Context(), c.Param("id"), TriggerManual)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "bandDescription": p.RiskBand.Description()})
}

// ListProfiles handles GET /v1/credit-profiles
func (h *Handler) ListProfiles(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil {
			badRequest(c, "limit must be an integer")
			return
		}
		limit = v
	}
	limit = pagination.ClampLimit(limit)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "invalid cursor")
		return
	}

	f := ProfileFilter{
		RiskBand: Band(c.Query("risk_band")),
		Limit:    limit + 1,
		Cursor:   cursor,
	}
	if f.RiskBand != "" && !f.RiskBand.Valid() {
		badRequest(c, "risk_band must be one of A, B, C, D, E")
		return
	}
	if s := c.Query("stale"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			badRequest(c, "stale must be true or false")
			return
		}
		f.Stale = &v
	}

	items, err := h.engine.ListProfiles(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(items, limit, func(p *Profile) (time.Time, string) {
		return p.UpdatedAt, p.CustomerID
	})
	c.JSON(http.StatusOK, gin.H{"profiles": page, "count": len(page), "next_cursor": next, "has_more": more})
}

// GetSummary handles GET /v1/credit-profiles/summary
func (h *Handler) GetSummary(c *gin.Context) {
	sum, err := h.engine.Summary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// DownloadReport handles GET /v1/customers/:id/credit-report and streams
// the profile and its breakdown as CSV.
func (h *Handler) DownloadReport(c *gin.Context) {
	id := c.Param("id")
	if !h.customerExists(c, id) {
		return
	}
	exp, err := h.engine.Explain(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	h.record(c, id, activity.ActionReportDownloaded, "Credit report downloaded")

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=credit_report_%s.csv", id))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	p, b := exp.Profile, exp.Breakdown
	rows := [][]string{
		{"field", "value"},
		{"customer_id", p.CustomerID},
		{"score", strconv.Itoa(p.Score)},
		{"risk_band", string(p.RiskBand)},
		{"risk_level", exp.BandDescription},
		{"updated_at", p.UpdatedAt.UTC().Format(time.RFC3339)},
		{"stale", strconv.FormatBool(p.Stale)},
	}
	features := p.Features.Map()
	for _, name := range FeatureNames {
		rows = append(rows, []string{name, strconv.FormatFloat(features[name], 'f', -1, 64)})
	}
	rows = append(rows,
		[]string{"spend_points", strconv.Itoa(b.SpendPoints)},
		[]string{"delivered_points", strconv.Itoa(b.DeliveredPoints)},
		[]string{"order_value_points", strconv.Itoa(b.OrderValuePoints)},
		[]string{"return_penalty", strconv.Itoa(b.ReturnPenalty)},
		[]string{"failed_payment_penalty", strconv.Itoa(b.FailedPaymentPenalty)},
		[]string{"cod_penalty", strconv.Itoa(b.CODPenalty)},
	)
	_ = w.WriteAll(rows)
}

func (h *Handler) customerExists(c *gin.Context, id string) bool {
	if h.customers == nil {
		return true
	}
	if _, err := h.customers.GetCustomer(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

func (h *Handler) record(c *gin.Context, customerID string, action activity.Action, desc string) {
	if h.activity == nil {
		return
	}
	h.activity.Record(c.Request.Context(), activity.Entry{
		CustomerID:  customerID,
		Action:      action,
		Severity:    activity.SeverityInfo,
		Description: desc,
	})
}

func writeError(c *gin.Context, err error) {
	var recErr *RecomputeError
	switch {
	case errors.Is(err, customers.ErrCustomerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Customer not found"})
	case errors.Is(err, ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No profile yet"})
	case errors.As(err, &recErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":        "recompute_failed",
			"message":      "Credit score could not be recomputed, please retry",
			"profileStale": true,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}
