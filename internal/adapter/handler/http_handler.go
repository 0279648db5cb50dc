package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/core/service"
)

type HTTPHandler struct {
	picking *service.PickingService
	ledger  *service.LedgerService
	log     *zap.Logger
}

type apiResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Holder  *domain.LockState `json:"holder,omitempty"`
}

type startRequestBody struct {
	StartedBy string `json:"startedBy" binding:"required"`
}

type abortRequestBody struct {
	Worker string `json:"worker" binding:"required"`
}

type startLineItemBody struct {
	StartedBy string `json:"startedBy" binding:"required"`
	DeviceID  string `json:"deviceId"`
}

type lineItemStatusBody struct {
	Status      string `json:"status" binding:"required"`
	CompletedBy string `json:"completedBy"`
}

func NewHTTPHandler(picking *service.PickingService, ledger *service.LedgerService, log *zap.Logger) *HTTPHandler {
	return &HTTPHandler{picking: picking, ledger: ledger, log: log}
}

// Register mounts the request-response routes.
func (h *HTTPHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/requests", h.ListRequests)
	api.GET("/requests/grouped", h.ListGrouped)
	api.GET("/requests/summary", h.ListSummaries)
	api.POST("/requests", h.CreateRequest)
	api.GET("/requests/:number", h.GetRequest)
	api.POST("/requests/:number/start", h.StartRequest)
	api.POST("/requests/:number/abort", h.AbortRequest)
	api.POST("/requests/:number/items/:line/start", h.StartLineItem)
	api.PUT("/requests/:number/items/:line/status", h.UpdateLineItemStatus)

	api.GET("/devices/status", h.DeviceStatus)
	api.GET("/lock", h.LockStatus)

	api.GET("/inventory/:device/:product", h.LatestStock)
	api.GET("/inventory/:device/:product/history", h.StockHistory)
	api.POST("/inventory/adjustments", h.AdjustStock)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) ListRequests(c *gin.Context) {
	reqs, err := h.picking.ListRequests(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, reqs)
}

func (h *HTTPHandler) ListGrouped(c *gin.Context) {
	grouped, err := h.picking.ListGrouped(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, grouped)
}

func (h *HTTPHandler) ListSummaries(c *gin.Context) {
	summaries, err := h.picking.ListSummaries(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, summaries)
}

func (h *HTTPHandler) CreateRequest(c *gin.Context) {
	var in service.NewRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		writeBadRequest(c, err)
		return
	}
	req, err := h.picking.CreateRequest(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, apiResponse{Success: true, Data: req})
}

func (h *HTTPHandler) GetRequest(c *gin.Context) {
	req, err := h.picking.GetRequest(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, req)
}

func (h *HTTPHandler) StartRequest(c *gin.Context) {
	var body startRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBadRequest(c, err)
		return
	}
	res, err := h.picking.StartRequest(c.Request.Context(), c.Param("number"), body.StartedBy)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, res)
}

func (h *HTTPHandler) AbortRequest(c *gin.Context) {
	var body abortRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBadRequest(c, err)
		return
	}
	req, err := h.picking.AbortRequest(c.Request.Context(), c.Param("number"), body.Worker)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, req)
}

func (h *HTTPHandler) StartLineItem(c *gin.Context) {
	line, ok := lineParam(c)
	if !ok {
		return
	}
	var body startLineItemBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBadRequest(c, err)
		return
	}
	req, err := h.picking.StartLineItem(c.Request.Context(), c.Param("number"), line, body.StartedBy, body.DeviceID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, req)
}

func (h *HTTPHandler) UpdateLineItemStatus(c *gin.Context) {
	line, ok := lineParam(c)
	if !ok {
		return
	}
	var body lineItemStatusBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeBadRequest(c, err)
		return
	}
	req, err := h.picking.UpdateLineItemStatus(c.Request.Context(), c.Param("number"), line, body.Status, body.CompletedBy)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, req)
}

func (h *HTTPHandler) DeviceStatus(c *gin.Context) {
	writeOK(c, h.picking.DeviceStatus())
}

func (h *HTTPHandler) LockStatus(c *gin.Context) {
	state, err := h.picking.LockStatus(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, state)
}

func (h *HTTPHandler) LatestStock(c *gin.Context) {
	snap, err := h.ledger.LatestFor(c.Request.Context(), itemCodeParam(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, snap)
}

func (h *HTTPHandler) StockHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.ledger.History(c.Request.Context(), itemCodeParam(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeOK(c, entries)
}

func (h *HTTPHandler) AdjustStock(c *gin.Context) {
	var adj service.Adjustment
	if err := c.ShouldBindJSON(&adj); err != nil {
		writeBadRequest(c, err)
		return
	}
	entry, err := h.ledger.Adjust(c.Request.Context(), adj)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, apiResponse{Success: true, Data: entry})
}

func itemCodeParam(c *gin.Context) domain.ItemCode {
	return domain.ItemCode{DeviceID: c.Param("device"), ProductCode: c.Param("product")}
}

func lineParam(c *gin.Context) (int, bool) {
	line, err := strconv.Atoi(c.Param("line"))
	if err != nil || line <= 0 {
		c.JSON(http.StatusBadRequest, apiResponse{Message: "line number must be a positive integer"})
		return 0, false
	}
	return line, true
}

func writeOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: data})
}

func writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, apiResponse{Message: "invalid request body: " + err.Error()})
}

// httpStatus maps a service error onto the status code tablets react to.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrLockConflict):
		return http.StatusLocked
	case errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	status := httpStatus(err)
	resp := apiResponse{Message: err.Error()}
	if ce, ok := service.IsConflict(err); ok {
		holder := ce.Holder
		resp.Holder = &holder
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			resp.Message = "internal error"
		}
	}
	c.JSON(status, resp)
}

// RequestLogger logs each request through zap once the handler chain is done.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		log.Info("http request", fields...)
	}
}

// NewRouter builds the gin engine serving the API, the websocket endpoint and /metrics.
func NewRouter(h *HTTPHandler, ws *WSHandler, metrics http.Handler, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log))
	h.Register(r)
	if ws != nil {
		r.GET("/ws", ws.Serve)
	}
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}
