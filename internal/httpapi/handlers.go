package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/engine"
)

type reserveRequest struct {
	OfferID    string `json:"offer_id"`
	CustomerID string `json:"customer_id"`
	Quantity   int    `json:"quantity"`
}

// Reserve places a hold. Customers reserve for themselves; staff may name
// the customer.
func (h *Handlers) Reserve(c echo.Context) error {
	var req reserveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	actor := actorFrom(c)
	switch {
	case actor.Role == domain.RoleCustomer:
		if req.CustomerID != "" && req.CustomerID != actor.ID {
			return h.fail(c, "reserve", domain.ErrForbidden)
		}
		req.CustomerID = actor.ID
	case req.CustomerID == "":
		return badRequest(c, "customer_id is required")
	}

	r, err := h.svc.Reserve(c.Request().Context(), engine.ReserveInput{
		OfferID:    req.OfferID,
		CustomerID: req.CustomerID,
		Quantity:   req.Quantity,
	})
	if err != nil {
		return h.fail(c, "reserve", err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handlers) GetReservation(c echo.Context) error {
	r, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "get", err)
	}
	actor := actorFrom(c)
	if actor.Role == domain.RoleCustomer && r.CustomerID != actor.ID {
		// Do not reveal other customers' reservations.
		return h.fail(c, "get", domain.ErrReservationNotFound)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handlers) Cancel(c echo.Context) error {
	idempotent, _ := strconv.ParseBool(c.QueryParam("idempotent"))
	r, err := h.svc.Cancel(c.Request().Context(), engine.CancelInput{
		ReservationID: c.Param("id"),
		Actor:         actorFrom(c),
		Idempotent:    idempotent,
	})
	if err != nil {
		return h.fail(c, "cancel", err)
	}
	return c.JSON(http.StatusOK, r)
}

type extendRequest struct {
	// By is a Go duration string such as "10m".
	By string `json:"by"`
}

func (h *Handlers) Extend(c echo.Context) error {
	var req extendRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	by, err := time.ParseDuration(req.By)
	if err != nil {
		return h.fail(c, "extend", domain.ErrInvalidDuration)
	}

	r, err := h.svc.Extend(c.Request().Context(), engine.ExtendInput{
		ReservationID: c.Param("id"),
		By:            by,
		Actor:         actorFrom(c),
	})
	if err != nil {
		return h.fail(c, "extend", err)
	}
	return c.JSON(http.StatusOK, r)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handlers) FailedPickup(c echo.Context) error {
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	r, err := h.svc.MarkFailedPickup(c.Request().Context(), engine.FailedPickupInput{
		ReservationID: c.Param("id"),
		Actor:         actorFrom(c),
		Notes:         req.Notes,
	})
	if err != nil {
		return h.fail(c, "failed_pickup", err)
	}
	return c.JSON(http.StatusOK, r)
}

type redeemRequest struct {
	Token string `json:"token"`
}

func (h *Handlers) Redeem(c echo.Context) error {
	var req redeemRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}
	r, err := h.svc.Redeem(c.Request().Context(), req.Token, actorFrom(c))
	if err != nil {
		return h.fail(c, "redeem", err)
	}
	return c.JSON(http.StatusOK, r)
}

type overrideRequest struct {
	Target domain.State `json:"target"`
	Notes  string       `json:"notes"`
}

func (h *Handlers) Override(c echo.Context) error {
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	r, err := h.svc.AdminOverride(c.Request().Context(), engine.OverrideInput{
		ReservationID: c.Param("id"),
		Target:        req.Target,
		Actor:         actorFrom(c),
		Notes:         req.Notes,
	})
	if err != nil {
		return h.fail(c, "override", err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handlers) Stats(c echo.Context) error {
	if actorFrom(c).Role != domain.RoleAdmin {
		return h.fail(c, "stats", domain.ErrForbidden)
	}
	s, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return h.fail(c, "stats", err)
	}
	return c.JSON(http.StatusOK, s)
}

// NotificationToken returns a PubNub access token scoped to the caller's
// channel.
func (h *Handlers) NotificationToken(c echo.Context) error {
	actor := actorFrom(c)
	tok, err := h.granter.GrantToken(c.Request().Context(), actor.ID)
	if err != nil {
		return h.fail(c, "grant_token", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"token": tok})
}
