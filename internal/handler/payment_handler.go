package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/gateway"
	"github.com/iliyamo/pod-booking/internal/service"
)

// CallbackAPI is satisfied by *service.BookingService.
type CallbackAPI interface {
	HandleCallback(ctx context.Context, cb gateway.Callback) service.CallbackResult
}

type PaymentHandler struct {
	svc CallbackAPI
	log *zap.Logger
}

func NewPaymentHandler(svc CallbackAPI, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{svc: svc, log: log.Named("payments")}
}

// Callback handles POST /v1/payments/zalopay/callback. The gateway reads
// only return_code, so the HTTP status is always 200.
func (h *PaymentHandler) Callback(c echo.Context) error {
	var cb gateway.Callback
	if err := c.Bind(&cb); err != nil || cb.Data == "" || cb.MAC == "" {
		h.log.Warn("malformed callback", zap.String("remote", c.RealIP()))
		return c.JSON(http.StatusOK, service.CallbackResult{
			ReturnCode: service.CallbackInvalid, ReturnMessage: "malformed callback",
		})
	}
	// the gateway's own deadline must not abort a half-applied transition
	res := h.svc.HandleCallback(context.WithoutCancel(c.Request().Context()), cb)
	return c.JSON(http.StatusOK, res)
}
