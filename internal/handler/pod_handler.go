package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/pod-booking/internal/middleware"
	"github.com/iliyamo/pod-booking/internal/model"
	"github.com/iliyamo/pod-booking/internal/repository"
)

// PodStore is satisfied by *repository.PodRepo.
type PodStore interface {
	Create(ctx context.Context, p *model.Pod) error
	GetByID(ctx context.Context, id uint64) (*model.Pod, error)
	List(ctx context.Context, ownerID uint64) ([]model.Pod, error)
	Rename(ctx context.Context, id, ownerID uint64, name string) error
}

// PodHandler exposes the pod registry. Handlers talk to the repository
// directly; there is no pod lifecycle to protect.
type PodHandler struct {
	pods PodStore
	log  *zap.Logger
}

func NewPodHandler(pods PodStore, log *zap.Logger) *PodHandler {
	return &PodHandler{pods: pods, log: log.Named("pods")}
}

type podRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

func (h *PodHandler) bindName(c echo.Context) (string, error) {
	var req podRequest
	if err := bindValid(c, &req); err != nil {
		return "", err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	return name, nil
}

func (h *PodHandler) podError(c echo.Context, err error) error {
	if errors.Is(err, repository.ErrPodNameTaken) {
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}
	return respondError(c, h.log, err)
}

// Create handles POST /v1/pods for the authenticated owner.
func (h *PodHandler) Create(c echo.Context) error {
	ownerID, err := currentUser(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	name, err := h.bindName(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	p := &model.Pod{OwnerID: ownerID, Name: name}
	if err := h.pods.Create(c.Request().Context(), p); err != nil {
		return h.podError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

// Rename handles PATCH /v1/pods/:id.
func (h *PodHandler) Rename(c echo.Context) error {
	ownerID, err := currentUser(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return respondError(c, h.log, err)
	}
	name, err := h.bindName(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := h.pods.Rename(c.Request().Context(), id, ownerID, name); err != nil {
		return h.podError(c, err)
	}
	p, err := h.pods.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, p)
}

// ListMine handles GET /v1/owner/pods.
func (h *PodHandler) ListMine(c echo.Context) error {
	ownerID, err := currentUser(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	pods, err := h.pods.List(c.Request().Context(), ownerID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": pods})
}

// List handles the public GET /v1/pods.
func (h *PodHandler) List(c echo.Context) error {
	pods, err := h.pods.List(c.Request().Context(), 0)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": pods})
}

// ensureOwner passes for admins and for the pod's owner. Others get
// 403; an unknown pod gets ErrPodNotFound.
func ensureOwner(c echo.Context, pods PodStore, podID uint64) error {
	if pods == nil || middleware.Role(c) == middleware.RoleAdmin {
		return nil
	}
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	p, err := pods.GetByID(c.Request().Context(), podID)
	if err != nil {
		return err
	}
	if p.OwnerID != userID {
		return echo.NewHTTPError(http.StatusForbidden, "pod belongs to another owner")
	}
	return nil
}
