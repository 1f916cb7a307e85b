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

const dateLayout = "2006-01-02"

// SlotAPI is satisfied by *service.SlotService.
type SlotAPI interface {
	Generate(ctx context.Context, in service.GenerateInput) ([]model.Slot, error)
	ListSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error)
	Location() *time.Location
}

type SlotHandler struct {
	svc   SlotAPI
	pods  PodStore
	cache Invalidator
	log   *zap.Logger
}

// NewSlotHandler wires the slot endpoints. With pods set, generation is
// limited to the pod's owner and admins. cache may be nil.
func NewSlotHandler(svc SlotAPI, pods PodStore, cache Invalidator, log *zap.Logger) *SlotHandler {
	if cache == nil {
		cache = nopInvalidator{}
	}
	return &SlotHandler{svc: svc, pods: pods, cache: cache, log: log.Named("slots")}
}

type slotView struct {
	ID          uint64    `json:"id"`
	PodID       uint64    `json:"pod_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	UnitPrice   int64     `json:"unit_price"`
	IsAvailable bool      `json:"is_available"`
}

func toSlotViews(slots []model.Slot) []slotView {
	out := make([]slotView, len(slots))
	for i, s := range slots {
		out[i] = slotView{
			ID: s.ID, PodID: s.PodID, StartTime: s.StartTime.UTC(), EndTime: s.EndTime.UTC(),
			UnitPrice: s.UnitPrice, IsAvailable: s.IsAvailable,
		}
	}
	return out
}

type generateRequest struct {
	StartDate       string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate         string `json:"end_date" validate:"required,datetime=2006-01-02"`
	StartHour       *int   `json:"start_hour" validate:"required,min=0,max=23"`
	EndHour         int    `json:"end_hour" validate:"required,min=1,max=24"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1"`
	UnitPrice       int64  `json:"unit_price" validate:"min=0"`
	GapMinutes      int    `json:"gap_minutes" validate:"min=0"`
	WithinWindow    bool   `json:"within_window"`
}

// Generate handles POST /v1/pods/:id/slots/generate. The whole batch is
// created or none of it.
func (h *SlotHandler) Generate(c echo.Context) error {
	podID, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := ensureOwner(c, h.pods, podID); err != nil {
		return respondError(c, h.log, err)
	}
	var req generateRequest
	if err := bindValid(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	loc := h.svc.Location()
	start, err := time.ParseInLocation(dateLayout, req.StartDate, loc)
	if err != nil {
		return respondError(c, h.log, echo.NewHTTPError(http.StatusBadRequest, "invalid start_date"))
	}
	end, err := time.ParseInLocation(dateLayout, req.EndDate, loc)
	if err != nil {
		return respondError(c, h.log, echo.NewHTTPError(http.StatusBadRequest, "invalid end_date"))
	}

	slots, err := h.svc.Generate(c.Request().Context(), service.GenerateInput{
		PodID:           podID,
		StartDate:       start,
		EndDate:         end,
		StartHour:       *req.StartHour,
		EndHour:         req.EndHour,
		DurationMinutes: req.DurationMinutes,
		GapMinutes:      req.GapMinutes,
		UnitPrice:       req.UnitPrice,
		WithinWindow:    req.WithinWindow,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	h.cache.Invalidate(c.Request().Context(), slotsPath(podID))
	return c.JSON(http.StatusCreated, echo.Map{"created": len(slots), "slots": toSlotViews(slots)})
}

// List handles GET /v1/pods/:id/slots?date=&start_time=&end_time=&is_available=.
// date is a calendar day in the service timezone; start_time and end_time
// are RFC 3339 instants.
func (h *SlotHandler) List(c echo.Context) error {
	podID, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	f := model.SlotFilter{PodID: podID}

	var (
		date, from, to string
		avail          bool
	)
	b := echo.QueryParamsBinder(c).
		String("date", &date).
		String("start_time", &from).
		String("end_time", &to).
		Bool("is_available", &avail)
	if err := b.BindError(); err != nil {
		return respondError(c, h.log, echo.NewHTTPError(http.StatusBadRequest, "invalid query"))
	}
	if date != "" {
		d, err := time.ParseInLocation(dateLayout, date, h.svc.Location())
		if err != nil {
			return respondError(c, h.log, echo.NewHTTPError(http.StatusBadRequest, "invalid date"))
		}
		f.Date = &d
	}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return respondError(c, h.log, echo.NewHTTPError(http.StatusBadRequest, "invalid start_time"))
		}
		f.StartTime = &t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return respondError(c, h.log, echo.NewHTTPError(http.StatusBadRequest, "invalid end_time"))
		}
		f.EndTime = &t
	}
	if c.QueryParam("is_available") != "" {
		f.IsAvailable = &avail
	}

	slots, err := h.svc.ListSlots(c.Request().Context(), f)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"slots": toSlotViews(slots)})
}
