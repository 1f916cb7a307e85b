// Package handler adapts the booking services to HTTP. Handlers decode and
// validate requests, call one service operation and map its errors to
// status codes.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/middleware"
	"github.com/iliyamo/pod-booking/internal/repository"
	"github.com/iliyamo/pod-booking/internal/service"
)

// Validator plugs go-playground/validator into echo's c.Validate.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator { return &Validator{v: validator.New()} }

func (cv *Validator) Validate(i interface{}) error {
	if err := cv.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// Invalidator drops cached responses for a request path.
type Invalidator interface {
	Invalidate(ctx context.Context, path string)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(context.Context, string) {}

func slotsPath(podID uint64) string {
	return "/v1/pods/" + strconv.FormatUint(podID, 10) + "/slots"
}

func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func currentUser(c echo.Context) (uint64, error) {
	id, ok := middleware.UserID(c)
	if !ok {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return id, nil
}

// bindValid binds the body into dst and validates it.
func bindValid(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(dst)
}

// respondError maps service and repository errors onto HTTP responses.
func respondError(c echo.Context, log *zap.Logger, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, echo.Map{"error": he.Message})
	}
	var overlap *service.OverlapError
	if errors.As(err, &overlap) {
		return c.JSON(http.StatusConflict, echo.Map{
			"error":            err.Error(),
			"overlap":          overlap.Kind.String(),
			"conflict_slot_id": overlap.Conflict.ID,
		})
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrSlotUnavailable), errors.Is(err, service.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, service.ErrPaymentRejected):
		status = http.StatusBadGateway
	case errors.Is(err, repository.ErrPodNotFound), errors.Is(err, repository.ErrSlotNotFound),
		errors.Is(err, repository.ErrBookingNotFound), errors.Is(err, repository.ErrPaymentNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(status, echo.Map{"error": "internal error"})
	}
	return c.JSON(status, echo.Map{"error": err.Error()})
}
