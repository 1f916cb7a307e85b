package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/service"
)

// BookingAPI is satisfied by *service.BookingService.
type BookingAPI interface {
	CreateBooking(ctx context.Context, in service.CreateBookingInput) (*service.CreateBookingResult, error)
	GetBooking(ctx context.Context, id, userID uint64) (*service.BookingDetail, error)
	ReviewBooking(ctx context.Context, userID uint64, p model.BookingPatch) (*model.Booking, error)
	CancelBooking(ctx context.Context, id, userID uint64) (*model.Booking, error)
}

type BookingHandler struct {
	svc   BookingAPI
	cache Invalidator
	log   *zap.Logger
}

// NewBookingHandler wires the customer booking endpoints. cache may be nil.
func NewBookingHandler(svc BookingAPI, cache Invalidator, log *zap.Logger) *BookingHandler {
	if cache == nil {
		cache = nopInvalidator{}
	}
	return &BookingHandler{svc: svc, cache: cache, log: log.Named("bookings")}
}

type bookingSlotView struct {
	SlotID uint64 `json:"slot_id"`
	Price  int64  `json:"price"`
}

type paymentView struct {
	ID            uint64 `json:"id"`
	TransactionID string `json:"transaction_id"`
	TotalCost     int64  `json:"total_cost"`
	PaymentURL    string `json:"payment_url"`
	Status        string `json:"status"`
}

type bookingView struct {
	ID        uint64            `json:"id"`
	PodID     uint64            `json:"pod_id"`
	UserID    uint64            `json:"user_id"`
	Status    string            `json:"status"`
	Rating    *uint8            `json:"rating,omitempty"`
	Comment   *string           `json:"comment,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Slots     []bookingSlotView `json:"slots,omitempty"`
	Payment   *paymentView      `json:"payment,omitempty"`
}

func toBookingView(b *model.Booking) bookingView {
	return bookingView{
		ID: b.ID, PodID: b.PodID, UserID: b.UserID, Status: b.Status,
		Rating: b.Rating, Comment: b.Comment,
		CreatedAt: b.CreatedAt.UTC(), UpdatedAt: b.UpdatedAt.UTC(),
	}
}

func toDetailView(d *service.BookingDetail) bookingView {
	v := toBookingView(d.Booking)
	for _, s := range d.Slots {
		v.Slots = append(v.Slots, bookingSlotView{SlotID: s.SlotID, Price: s.Price})
	}
	if p := d.Payment; p != nil {
		v.Payment = &paymentView{
			ID: p.ID, TransactionID: p.TransactionID, TotalCost: p.TotalCost,
			PaymentURL: p.PaymentURL, Status: p.Status,
		}
	}
	return v
}

type createBookingRequest struct {
	SlotIDs []uint64 `json:"slot_ids" validate:"required,min=1,max=48,dive,gt=0"`
}

// Create handles POST /v1/pods/:id/bookings. It reserves the slots, opens
// a gateway order and answers with the payment URL.
func (h *BookingHandler) Create(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	podID, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	var req createBookingRequest
	if err := bindValid(c, &req); err != nil {
		return respondError(c, h.log, err)
	}

	res, err := h.svc.CreateBooking(c.Request().Context(), service.CreateBookingInput{
		PodID: podID, UserID: userID, SlotIDs: req.SlotIDs,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.cache.Invalidate(c.Request().Context(), slotsPath(podID))
	return c.JSON(http.StatusCreated, res)
}

// Get handles GET /v1/bookings/:id for the booking's owner.
func (h *BookingHandler) Get(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	d, err := h.svc.GetBooking(c.Request().Context(), id, userID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toDetailView(d))
}

type reviewRequest struct {
	Rating  *uint8  `json:"rating" validate:"omitempty,min=1,max=5"`
	Comment *string `json:"comment" validate:"omitempty,max=2000"`
}

// Patch handles PATCH /v1/bookings/:id; owners may set rating and comment.
func (h *BookingHandler) Patch(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	var req reviewRequest
	if err := bindValid(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	b, err := h.svc.ReviewBooking(c.Request().Context(), userID, model.BookingPatch{
		ID: id, Rating: req.Rating, Comment: req.Comment,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toBookingView(b))
}

// Cancel handles POST /v1/bookings/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	b, err := h.svc.CancelBooking(c.Request().Context(), id, userID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.cache.Invalidate(c.Request().Context(), slotsPath(b.PodID))
	return c.JSON(http.StatusOK, toBookingView(b))
}
