package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Caller identity headers
const (
	HeaderPartyID   = "X-Party-ID"
	HeaderPartyKind = "X-Party-Kind"
)

const callerKey = "caller"

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	checks       map[string]ReadinessCheck
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService) *Handler {
	return &Handler{
		orderService: orderService,
		checks:       make(map[string]ReadinessCheck),
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/verify/:token", h.verify)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/parties", h.createParty)
		v1.POST("/products", h.createProduct)
		v1.GET("/verify/:token", h.verify)

		orders := v1.Group("/orders", callerMiddleware())
		orders.POST("", h.placeOrder)
		orders.GET("/:id", h.getOrder)
		orders.GET("/:id/legs", h.getLegs)
		orders.GET("/:id/tracking", h.getTracking)
		orders.GET("/:id/qr", h.getQR)
		orders.POST("/:id/approve", h.approveOrder)
		orders.POST("/:id/reject", h.rejectOrder)
		orders.POST("/:id/cancel", h.cancelOrder)

		legs := orders.Group("/:id/legs/:legId")
		legs.POST("/accept", h.acceptLeg)
		legs.POST("/reject", h.rejectLeg)
		legs.POST("/ship", h.shipLeg)
		legs.POST("/receipt", h.confirmReceipt)
		legs.POST("/delivery", h.confirmDelivery)
		legs.POST("/forward", h.forwardOrder)
		legs.POST("/reassign", h.reassignLeg)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// callerMiddleware resolves the acting party from the identity headers
func callerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(HeaderPartyID), 10, 64)
		kind := models.PartyKind(strings.ToUpper(strings.TrimSpace(c.GetHeader(HeaderPartyKind))))
		if err != nil || id <= 0 || !kind.Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid caller identity",
			})
			return
		}
		c.Set(callerKey, models.Caller{PartyID: id, Kind: kind})
		c.Next()
	}
}

func callerFrom(c *gin.Context) models.Caller {
	return c.MustGet(callerKey).(models.Caller)
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyFinal),
		errors.Is(err, models.ErrNoRouteAvailable):
		return http.StatusConflict
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrHashMismatch),
		errors.Is(err, models.ErrSignatureInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		body = gin.H{"error": "Internal error"}
	}
	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
