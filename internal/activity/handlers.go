package activity

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditrisk/internal/pagination"
)

// Handler exposes the audit trail to administrators.
type Handler struct {
	store Store
	now   func() time.Time
}

// NewHandler creates a new activity handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, now: time.Now}
}

// RegisterAdminRoutes sets up admin-only activity routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/activity", h.ListActivity)
	r.GET("/admin/activity/stats", h.GetStats)
}

// ListActivity handles GET /v1/admin/activity
func (h *Handler) ListActivity(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
		return
	}

	limit := f.Limit
	f.Limit = limit + 1
	entries, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list activity"})
		return
	}

	page, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":     page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    more,
	})
}

// GetStats handles GET /v1/admin/activity/stats
func (h *Handler) GetStats(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter", "message": err.Error()})
		return
	}
	f.Limit, f.Cursor = 0, nil

	stats, err := h.store.Stats(c.Request.Context(), f, h.now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func parseFilter(c *gin.Context) (Filter, error) {
	f := Filter{
		CustomerID: c.Query("customer"),
		Action:     Action(c.Query("action")),
		Severity:   Severity(c.Query("severity")),
		Search:     c.Query("search"),
	}
	if f.Action != "" && !f.Action.Valid() {
		return f, fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, f.Action)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return f, fmt.Errorf("%w: unknown severity %q", ErrInvalidFilter, f.Severity)
	}

	var err error
	if f.From, err = parseBound(c.Query("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseBound(c.Query("to"), true); err != nil {
		return f, err
	}

	limit := 0
	if l := c.Query("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil {
			return f, fmt.Errorf("%w: limit must be an integer", ErrInvalidFilter)
		}
	}
	f.Limit = pagination.ClampLimit(limit)

	if f.Cursor, err = pagination.Decode(c.Query("cursor")); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return f, nil
}

// parseBound accepts RFC 3339 or a bare date. A bare upper bound covers the
// whole day.
func parseBound(s string, upper bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.Join(ErrInvalidFilter, fmt.Errorf("bad date %q, want YYYY-MM-DD or RFC 3339", s))
	}
	if upper {
		d = d.AddDate(0, 0, 1)
	}
	return d, nil
}
