package api

import (
	"errors"
	"io"
	"net/http"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
)

type createPartyRequest struct {
	Kind        models.PartyKind `json:"kind" binding:"required"`
	Name        string           `json:"name" binding:"required"`
	ServiceArea string           `json:"service_area"`
	Active      *bool            `json:"active"`
}

type createProductRequest struct {
	SupplierID int64  `json:"supplier_id" binding:"required"`
	SKU        string `json:"sku" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Price      int64  `json:"price"`
}

type shipRequest struct {
	TransporterID *int64 `json:"transporter_id,omitempty"`
}

func (h *Handler) createParty(c *gin.Context) {
	var req createPartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	party := &models.Party{
		Kind:        req.Kind,
		Name:        req.Name,
		ServiceArea: req.ServiceArea,
		Active:      req.Active == nil || *req.Active,
	}
	if err := h.orderService.CreateParty(c.Request.Context(), party); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, party)
}

func (h *Handler) createProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	product := &models.Product{
		SupplierID: req.SupplierID,
		SKU:        req.SKU,
		Name:       req.Name,
		Price:      req.Price,
	}
	if err := h.orderService.CreateProduct(c.Request.Context(), product); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

// placeOrder handles order placement
func (h *Handler) placeOrder(c *gin.Context) {
	var req service.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orderService.PlaceOrder(c.Request.Context(), callerFrom(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	details, err := h.orderService.GetOrder(c.Request.Context(), callerFrom(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) getLegs(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	legs, err := h.orderService.GetLegs(c.Request.Context(), callerFrom(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"legs": legs})
}

func (h *Handler) getTracking(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	events, err := h.orderService.GetTrackingEvents(c.Request.Context(), callerFrom(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// getQR returns the verification record and QR payload, or the bare PNG
// with ?format=png
func (h *Handler) getQR(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	qr, err := h.orderService.GetOrderQR(c.Request.Context(), callerFrom(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("format") == "png" {
		c.Data(http.StatusOK, "image/png", qr.PNG)
		return
	}
	c.JSON(http.StatusOK, qr)
}

// verify is the public endpoint encoded in QR payloads
func (h *Handler) verify(c *gin.Context) {
	result, err := h.orderService.VerifyByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) approveOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req service.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	details, err := h.orderService.ApproveOrder(c.Request.Context(), callerFrom(c), orderID, &req)
	respond(c, details, err)
}

func (h *Handler) rejectOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req service.ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	details, err := h.orderService.RejectOrder(c.Request.Context(), callerFrom(c), orderID, req.Reason)
	respond(c, details, err)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req service.ReasonRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	details, err := h.orderService.CancelOrder(c.Request.Context(), callerFrom(c), orderID, req.Reason)
	respond(c, details, err)
}

// bindOptionalJSON binds a body that may be omitted. An empty body leaves req
// zero; a malformed one is a 400.
func bindOptionalJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return false
	}
	return true
}

func legParams(c *gin.Context) (int64, int64, bool) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return 0, 0, false
	}
	legID, ok := idParam(c, "legId")
	if !ok {
		return 0, 0, false
	}
	return orderID, legID, true
}

func (h *Handler) acceptLeg(c *gin.Context) {
	orderID, legID, ok := legParams(c)
	if !ok {
		return
	}
	details, err := h.orderService.AcceptLeg(c.Request.Context(), callerFrom(c), orderID, legID)
	respond(c, details, err)
}

func (h *Handler) rejectLeg(c *gin.Context) {
	orderID, legID, ok := legParams(c)
	if !ok {
		return
	}
	var req service.ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	details, err := h.orderService.RejectLeg(c.Request.Context(), callerFrom(c), orderID, legID, req.Reason)
	respond(c, details, err)
}

func (h *Handler) shipLeg(c *gin.Context) {
	orderID, legID, ok := legParams(c)
	if !ok {
		return
	}
	var req shipRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	details, err := h.orderService.ShipLeg(c.Request.Context(), callerFrom(c), orderID, legID, req.TransporterID)
	respond(c, details, err)
}

func (h *Handler) confirmReceipt(c *gin.Context) {
	orderID, legID, ok := legParams(c)
	if !ok {
		return
	}
	details, err := h.orderService.ConfirmReceipt(c.Request.Context(), callerFrom(c), orderID, legID)
	respond(c, details, err)
}

func (h *Handler) confirmDelivery(c *gin.Context) {
	orderID, legID, ok := legParams(c)
	if !ok {
		return
	}
	details, record, err := h.orderService.ConfirmDelivery(c.Request.Context(), callerFrom(c), orderID, legID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":        details.Order,
		"legs":         details.Legs,
		"verification": record,
	})
}

func (h *Handler) forwardOrder(c *gin.Context) {
	orderID, legID, ok := legParams(c)
	if !ok {
		return
	}
	var req service.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	details, err := h.orderService.ForwardOrder(c.Request.Context(), callerFrom(c), orderID, legID, &req)
	respond(c, details, err)
}

func (h *Handler) reassignLeg(c *gin.Context) {
	orderID, legID, ok := legParams(c)
	if !ok {
		return
	}
	var req service.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	details, err := h.orderService.ReassignLeg(c.Request.Context(), callerFrom(c), orderID, legID, &req)
	respond(c, details, err)
}

// respond writes the outcome of a transition. A committed rejection that
// exhausted the route is reported as a conflict carrying the updated order.
func respond(c *gin.Context, details *service.OrderDetails, err error) {
	if err != nil {
		if details != nil && errors.Is(err, models.ErrNoRouteAvailable) {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
				"order": details.Order,
				"legs":  details.Legs,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}
