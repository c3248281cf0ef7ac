package customers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/creditrisk/internal/pagination"
	"github.com/mbd888/creditrisk/internal/validation"
)

// Handler provides HTTP endpoints for customers, orders and payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new customers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	byUUID := validation.UUIDParamMiddleware("id")
	byInt := validation.Int64ParamMiddleware("id")

	r.GET("/customers", h.ListCustomers)
	r.GET("/customers/:id", byUUID, h.GetCustomer)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", byInt, h.GetOrder)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", byInt, h.GetPayment)
}

// RegisterAdminRoutes sets up mutating routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	byUUID := validation.UUIDParamMiddleware("id")
	byInt := validation.Int64ParamMiddleware("id")

	r.POST("/customers", h.CreateCustomer)
	r.PUT("/customers/:id", byUUID, h.UpdateCustomer)
	r.DELETE("/customers/:id", byUUID, h.DeleteCustomer)
	r.POST("/orders", h.CreateOrder)
	r.PATCH("/orders/:id", byInt, h.UpdateOrder)
	r.DELETE("/orders/:id", byInt, h.DeleteOrder)
	r.POST("/payments", h.CreatePayment)
	r.PATCH("/payments/:id", byInt, h.UpdatePayment)
	r.DELETE("/payments/:id", byInt, h.DeletePayment)
}

// --- customers ---

// ListCustomers handles GET /v1/customers. With ?email= it returns the single
// matching customer.
func (h *Handler) ListCustomers(c *gin.Context) {
	if email := c.Query("email"); email != "" {
		cust, err := h.service.GetCustomerByEmail(c.Request.Context(), email)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"customers": []*Customer{cust}, "count": 1, "next_cursor": "", "has_more": false})
		return
	}

	limit, cursor, ok := parsePage(c)
	if !ok {
		return
	}
	items, err := h.service.ListCustomers(c.Request.Context(), CustomerFilter{
		Query:  c.Query("q"),
		Limit:  limit + 1,
		Cursor: cursor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(items, limit, func(cu *Customer) (time.Time, string) {
		return cu.CreatedAt, cu.ID
	})
	c.JSON(http.StatusOK, gin.H{"customers": page, "count": len(page), "next_cursor": next, "has_more": more})
}

// GetCustomer handles GET /v1/customers/:id
func (h *Handler) GetCustomer(c *gin.Context) {
	cust, err := h.service.GetCustomer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer": cust})
}

// CreateCustomer handles POST /v1/customers
func (h *Handler) CreateCustomer(c *gin.Context) {
	var req CreateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cust, err := h.service.CreateCustomer(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"customer": cust})
}

// UpdateCustomer handles PUT /v1/customers/:id
func (h *Handler) UpdateCustomer(c *gin.Context) {
	var req UpdateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cust, err := h.service.UpdateCustomer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer": cust})
}

// DeleteCustomer handles DELETE /v1/customers/:id
func (h *Handler) DeleteCustomer(c *gin.Context) {
	if err := h.service.DeleteCustomer(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- orders ---

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit, cursor, ok := parsePage(c)
	if !ok {
		return
	}
	f := OrderFilter{
		CustomerID: c.Query("customer"),
		Status:     OrderStatus(c.Query("status")),
		Limit:      limit + 1,
		Cursor:     cursor,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(c, ErrInvalidStatus)
		return
	}

	items, err := h.service.ListOrders(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(items, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, strconv.FormatInt(o.ID, 10)
	})
	c.JSON(http.StatusOK, gin.H{"orders": page, "count": len(page), "next_cursor": next, "has_more": more})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.GetOrder(c.Request.Context(), c.GetInt64("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if !bindWithAmount(c, &req) {
		return
	}
	o, err := h.service.CreateOrder(c.Request.Context(), req)
	writeSaved(c, http.StatusCreated, "order", o, err)
}

// UpdateOrder handles PATCH /v1/orders/:id
func (h *Handler) UpdateOrder(c *gin.Context) {
	var req UpdateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := h.service.UpdateOrder(c.Request.Context(), c.GetInt64("id"), req)
	writeSaved(c, http.StatusOK, "order", o, err)
}

// DeleteOrder handles DELETE /v1/orders/:id
func (h *Handler) DeleteOrder(c *gin.Context) {
	err := h.service.DeleteOrder(c.Request.Context(), c.GetInt64("id"))
	writeDeleted(c, err)
}

// --- payments ---

// ListPayments handles GET /v1/payments
func (h *Handler) ListPayments(c *gin.Context) {
	limit, cursor, ok := parsePage(c)
	if !ok {
		return
	}
	f := PaymentFilter{
		CustomerID: c.Query("customer"),
		Method:     PaymentMethod(c.Query("method")),
		Limit:      limit + 1,
		Cursor:     cursor,
	}
	if f.Method != "" && !f.Method.Valid() {
		writeError(c, ErrInvalidMethod)
		return
	}
	if s := c.Query("success"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			badRequest(c, errors.New("success must be true or false"))
			return
		}
		f.Success = &v
	}
	if s := c.Query("order"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			badRequest(c, errors.New("order must be an integer"))
			return
		}
		f.OrderID = &v
	}

	items, err := h.service.ListPayments(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(items, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, strconv.FormatInt(p.ID, 10)
	})
	c.JSON(http.StatusOK, gin.H{"payments": page, "count": len(page), "next_cursor": next, "has_more": more})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.GetInt64("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if !bindWithAmount(c, &req) {
		return
	}
	p, err := h.service.CreatePayment(c.Request.Context(), req)
	writeSaved(c, http.StatusCreated, "payment", p, err)
}

// UpdatePayment handles PATCH /v1/payments/:id
func (h *Handler) UpdatePayment(c *gin.Context) {
	var req UpdatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.service.UpdatePayment(c.Request.Context(), c.GetInt64("id"), req)
	writeSaved(c, http.StatusOK, "payment", p, err)
}

// DeletePayment handles DELETE /v1/payments/:id
func (h *Handler) DeletePayment(c *gin.Context) {
	err := h.service.DeletePayment(c.Request.Context(), c.GetInt64("id"))
	writeDeleted(c, err)
}

// --- responses ---

const staleWarning = "Saved, but the credit score could not be updated; the profile is marked stale"

// writeSaved answers a create/update. A committed write whose recompute
// failed still succeeds, flagged with profileStale.
func writeSaved(c *gin.Context, status int, key string, entity any, err error) {
	switch {
	case err == nil:
		c.JSON(status, gin.H{key: entity, "profileStale": false})
	case errors.Is(err, ErrScoreNotUpdated):
		c.JSON(status, gin.H{key: entity, "profileStale": true, "warning": staleWarning})
	default:
		writeError(c, err)
	}
}

func writeDeleted(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"deleted": true, "profileStale": false})
	case errors.Is(err, ErrScoreNotUpdated):
		c.JSON(http.StatusOK, gin.H{"deleted": true, "profileStale": true, "warning": staleWarning})
	default:
		writeError(c, err)
	}
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrCustomerNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrPaymentNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrEmailTaken):
		status, code = http.StatusConflict, "email_taken"
	case errors.Is(err, ErrInvalidCustomer), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidMethod), errors.Is(err, ErrOrderCustomerMismatch), errors.Is(err, pagination.ErrInvalidCursor):
		status, code = http.StatusBadRequest, "validation_error"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

// amountBody tells an omitted or null amount apart from an explicit zero.
type amountBody struct {
	Amount *decimal.Decimal `json:"amount" binding:"required"`
}

// bindWithAmount binds a create body that must carry an amount. It writes the
// 400 itself and reports false on failure.
func bindWithAmount(c *gin.Context, req any) bool {
	if err := c.ShouldBindBodyWithJSON(req); err != nil {
		badRequest(c, err)
		return false
	}
	var body amountBody
	if err := c.ShouldBindBodyWithJSON(&body); err != nil {
		badRequest(c, errors.New("amount is required"))
		return false
	}
	return true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}

// parsePage reads limit and cursor. It writes the 400 itself and reports
// false when either is malformed.
func parsePage(c *gin.Context) (int, *pagination.Cursor, bool) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil {
			badRequest(c, errors.New("limit must be an integer"))
			return 0, nil, false
		}
		limit = v
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return 0, nil, false
	}
	return pagination.ClampLimit(limit), cursor, true
}
