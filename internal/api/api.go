package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"checkout-service/internal/apperr"
	"checkout-service/internal/auth"
	"checkout-service/internal/entity"
	"checkout-service/internal/gateway"
	"checkout-service/internal/service"
)

type Handler struct {
	orderService   service.OrderService
	paymentService service.PaymentService
	webhookSecret  string
}

func NewHandler(orderService service.OrderService, paymentService service.PaymentService, webhookSecret string) *Handler {
	return &Handler{
		orderService:   orderService,
		paymentService: paymentService,
		webhookSecret:  webhookSecret,
	}
}

// Register wires the routes. Everything except the webhook feed and the
// health probe sits behind the JWT middleware.
func (h *Handler) Register(e *echo.Echo, jwtSecret string) {
	e.POST("/webhooks/payments", h.HandleWebhook)
	e.GET("/health", h.Health)

	authed := e.Group("", echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(jwtSecret),
	}))

	authed.POST("/orders", h.CreateOrder)
	authed.GET("/orders", h.ListOrders)
	authed.GET("/orders/:id", h.GetOrder)
	authed.POST("/orders/:id/cancel", h.CancelOrder)
	authed.PATCH("/orders/:id/status", h.UpdateOrderStatus)
	authed.PATCH("/orders/:id/notes", h.UpdateOrderNotes)

	authed.POST("/payments/intents", h.CreateIntent)
	authed.POST("/payments/confirm", h.ConfirmPayment)
	authed.POST("/payments/:id/refund", h.RefundPayment)
	authed.GET("/payments/:id", h.GetPayment)
}

func principalFrom(c echo.Context) (auth.Principal, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return auth.Principal{}, apperr.New(apperr.KindValidation, "missing token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return auth.Principal{}, apperr.New(apperr.KindValidation, "malformed token claims")
	}
	return auth.FromClaims(claims)
}

// errorResponse maps the error taxonomy to HTTP without leaking internal
// collaborator detail.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindInvalidSignature:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindConflict, apperr.KindInvalidTransition, apperr.KindRefundExceedsBalance:
		status = http.StatusConflict
	case apperr.KindInsufficientStock, apperr.KindProductUnavailable:
		status = http.StatusUnprocessableEntity
	case apperr.KindCollaboratorUnavailable:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		log.Error().Err(err).Msg("Request failed")
	}
	return c.JSON(status, map[string]string{
		"error": apperr.MessageOf(err),
		"kind":  string(apperr.KindOf(err)),
	})
}

func (h *Handler) CreateOrder(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var input service.CreateOrderInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
	}

	order, err := h.orderService.CreateOrder(c.Request().Context(), principal, input)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) ListOrders(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	limit, _ := intQuery(c, "limit")
	offset, _ := intQuery(c, "offset")

	orders, err := h.orderService.ListOrders(c.Request().Context(), principal, limit, offset)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, orders)
}

func (h *Handler) GetOrder(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid order id"})
	}

	order, err := h.orderService.GetOrder(c.Request().Context(), principal, orderID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) CancelOrder(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid order id"})
	}

	order, err := h.orderService.CancelOrder(c.Request().Context(), principal, orderID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) UpdateOrderStatus(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid order id"})
	}

	var body struct {
		Status entity.OrderStatus `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
	}

	order, err := h.orderService.UpdateStatus(c.Request().Context(), principal, orderID, body.Status)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) UpdateOrderNotes(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid order id"})
	}

	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
	}

	order, err := h.orderService.UpdateNotes(c.Request().Context(), principal, orderID, body.Notes)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) CreateIntent(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var input service.CreateIntentInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
	}

	result, err := h.paymentService.CreateIntent(c.Request().Context(), principal, input)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) ConfirmPayment(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var body struct {
		OrderID  uuid.UUID `json:"order_id"`
		IntentID string    `json:"intent_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
	}
	if body.IntentID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "intent_id is required"})
	}

	payment, err := h.paymentService.Confirm(c.Request().Context(), principal, body.OrderID, body.IntentID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, payment)
}

func (h *Handler) RefundPayment(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
	}

	var input service.RefundInput
	if err := c.Bind(&input); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request payload"})
	}
	input.PaymentID = paymentID

	payment, err := h.paymentService.Refund(c.Request().Context(), principal, input)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, payment)
}

func (h *Handler) GetPayment(c echo.Context) error {
	principal, err := principalFrom(c)
	if err != nil {
		return errorResponse(c, err)
	}

	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payment id"})
	}

	payment, err := h.paymentService.GetPayment(c.Request().Context(), principal, paymentID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, payment)
}

// HandleWebhook is the gateway's asynchronous notification path. The
// signature must verify before the payload is even parsed.
func (h *Handler) HandleWebhook(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unable to read payload"})
	}

	sig := c.Request().Header.Get("Gateway-Signature")
	if err := gateway.VerifySignature(payload, sig, h.webhookSecret, gateway.DefaultSignatureTolerance); err != nil {
		return errorResponse(c, err)
	}

	event, err := gateway.ParseEvent(payload)
	if err != nil {
		return errorResponse(c, err)
	}

	if err := h.paymentService.HandleWebhookEvent(c.Request().Context(), event); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"received": "ok"})
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "checkout-service",
		"time":    time.Now().Format(time.RFC3339),
	})
}

func intQuery(c echo.Context, name string) (int, bool) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
