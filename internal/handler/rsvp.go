package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/crewly/attendance-api/internal/repository"
	"github.com/crewly/attendance-api/internal/service"
)

// RSVPHandler exposes the RSVP engine over HTTP.  All methods assume JWT
// authentication has already run; membership authorization is enforced by
// the service before it opens a transaction.  Cache may be nil, in which
// case occupancy reads always hit the database.
type RSVPHandler struct {
	Service  *service.RSVPService
	Cache    *redis.Client
	CacheTTL time.Duration
}

// NewRSVPHandler constructs an RSVPHandler.  Service must be non-nil.
func NewRSVPHandler(svc *service.RSVPService, cache *redis.Client, cacheTTL time.Duration) *RSVPHandler {
	if svc == nil {
		panic("nil service passed to NewRSVPHandler")
	}
	return &RSVPHandler{Service: svc, Cache: cache, CacheTTL: cacheTTL}
}

// CreateRSVP handles POST /v1/slots/:id/rsvp.  The optional JSON body may
// carry a note.  On success it returns 201 with the committed status
// ("attending" or "waiting") and a user-facing message; the status always
// reflects the transaction that committed, never an optimistic guess.
func (h *RSVPHandler) CreateRSVP(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	slotID, err := parseSlotID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid slot id"})
	}
	var body struct {
		Note string `json:"note"`
	}
	// The body is optional; an empty or absent body registers without a note.
	if err := c.Bind(&body); err != nil && c.Request().ContentLength > 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res, err := h.Service.Create(c.Request().Context(), slotID, userID, body.Note)
	if err != nil {
		return h.mapError(c, err)
	}
	h.invalidateOccupancy(c.Request().Context(), slotID)
	return c.JSON(http.StatusCreated, res)
}

// CancelRSVP handles DELETE /v1/slots/:id/rsvp.  Cancelling is idempotent:
// a second call returns 200 again and triggers no second promotion.
func (h *RSVPHandler) CancelRSVP(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	slotID, err := parseSlotID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid slot id"})
	}

	if err := h.Service.Cancel(c.Request().Context(), slotID, userID); err != nil {
		return h.mapError(c, err)
	}
	h.invalidateOccupancy(c.Request().Context(), slotID)
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// Occupancy handles GET /v1/slots/:id/occupancy.  Responses are cached in
// Redis for a short TTL; the write path invalidates the entry on every
// committed RSVP mutation, so the cache can serve stale data only for reads
// racing a write within the TTL.
func (h *RSVPHandler) Occupancy(c echo.Context) error {
	slotID, err := parseSlotID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid slot id"})
	}
	ctx := c.Request().Context()

	if h.Cache != nil {
		if raw, err := h.Cache.Get(ctx, occupancyKey(slotID)).Bytes(); err == nil {
			var occ service.Occupancy
			if json.Unmarshal(raw, &occ) == nil {
				return c.JSON(http.StatusOK, &occ)
			}
		}
	}

	occ, err := h.Service.SlotOccupancy(ctx, slotID)
	if err != nil {
		return h.mapError(c, err)
	}
	if h.Cache != nil {
		if raw, err := json.Marshal(occ); err == nil {
			_ = h.Cache.Set(ctx, occupancyKey(slotID), raw, h.CacheTTL).Err()
		}
	}
	return c.JSON(http.StatusOK, occ)
}

// Attendees handles GET /v1/slots/:id/attendees.  Only crew members may view
// the roster; attending members come first, then the waiting list in
// promotion order.
func (h *RSVPHandler) Attendees(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	slotID, err := parseSlotID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid slot id"})
	}
	entries, err := h.Service.Roster(c.Request().Context(), slotID, userID)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": entries})
}

// MyRSVPs handles GET /v1/my-rsvps.  It returns the caller's live
// registrations across all slots, ordered by slot start time.
func (h *RSVPHandler) MyRSVPs(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	items, err := h.Service.ListForUser(c.Request().Context(), userID)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// mapError translates service errors into HTTP responses.
func (h *RSVPHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrSlotNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "slot not found"})
	case errors.Is(err, repository.ErrNotRegistered):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not registered"})
	case errors.Is(err, repository.ErrAlreadyRegistered):
		return c.JSON(http.StatusConflict, echo.Map{"error": "already registered"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not a crew member"})
	case errors.Is(err, repository.ErrConflict):
		// The transaction kept losing serialization races; the request is
		// safe to retry.
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "conflict, please retry"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
}

// invalidateOccupancy drops the cached occupancy for a slot after a write.
// Best effort: a failed delete only extends staleness until the TTL expires.
func (h *RSVPHandler) invalidateOccupancy(ctx context.Context, slotID uint64) {
	if h.Cache == nil {
		return
	}
	_ = h.Cache.Del(ctx, occupancyKey(slotID)).Err()
}

func occupancyKey(slotID uint64) string {
	return fmt.Sprintf("occ:slot:%d", slotID)
}
