// Package httpapi exposes the reservation lifecycle over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/engine"
	"reservation-engine/internal/obs"
	"reservation-engine/internal/store"
)

const (
	HeaderActorID      = "X-Actor-ID"
	HeaderActorRole    = "X-Actor-Role"
	HeaderActorPartner = "X-Actor-Partner"
)

// Service is the lifecycle surface the handlers drive.
type Service interface {
	Reserve(ctx context.Context, in engine.ReserveInput) (*domain.Reservation, error)
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	Cancel(ctx context.Context, in engine.CancelInput) (*domain.Reservation, error)
	Redeem(ctx context.Context, token string, actor domain.Actor) (*domain.Reservation, error)
	Extend(ctx context.Context, in engine.ExtendInput) (*domain.Reservation, error)
	MarkFailedPickup(ctx context.Context, in engine.FailedPickupInput) (*domain.Reservation, error)
	AdminOverride(ctx context.Context, in engine.OverrideInput) (*domain.Reservation, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// TokenGranter hands customers a subscribe token for their notification
// channel.
type TokenGranter interface {
	GrantToken(ctx context.Context, customerID string) (string, error)
}

type Options struct {
	Logger   *zap.Logger
	Gatherer prometheus.Gatherer
	Granter  TokenGranter
}

type Handlers struct {
	svc     Service
	granter TokenGranter
	logger  *zap.Logger
}

// New builds the echo instance with every route mounted.
func New(svc Service, opts Options) *echo.Echo {
	h := &Handlers{svc: svc, granter: opts.Granter, logger: obs.OrNop(opts.Logger)}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1", actorMiddleware)

	api.POST("/reservations", h.Reserve)
	api.GET("/reservations/:id", h.GetReservation)
	api.POST("/reservations/:id/cancel", h.Cancel)
	api.POST("/reservations/:id/extend", h.Extend)
	api.POST("/reservations/:id/failed-pickup", h.FailedPickup)
	api.POST("/redeem", h.Redeem)

	api.POST("/admin/reservations/:id/override", h.Override)
	api.GET("/admin/stats", h.Stats)

	if h.granter != nil {
		api.GET("/notifications/token", h.NotificationToken)
	}
	return e
}

const actorKey = "actor"

// actorMiddleware reads the caller identity forwarded by the gateway.
func actorMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor := domain.Actor{
			ID:        strings.TrimSpace(c.Request().Header.Get(HeaderActorID)),
			Role:      domain.Role(strings.ToLower(strings.TrimSpace(c.Request().Header.Get(HeaderActorRole)))),
			PartnerID: strings.TrimSpace(c.Request().Header.Get(HeaderActorPartner)),
		}
		if !actor.Valid() || actor.Role == domain.RoleSystem {
			return c.JSON(http.StatusUnauthorized, errorBody{Error: "missing or invalid actor", Code: "unauthenticated"})
		}
		c.Set(actorKey, actor)
		return next(c)
	}
}

func actorFrom(c echo.Context) domain.Actor {
	a, _ := c.Get(actorKey).(domain.Actor)
	return a
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps lifecycle errors onto HTTP statuses and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrReservationNotFound):
		return http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, domain.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found"
	case errors.Is(err, domain.ErrOfferNotFound):
		return http.StatusNotFound, "offer_not_found"
	case errors.Is(err, domain.ErrTokenExpired):
		return http.StatusGone, "token_expired"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, domain.ErrInsufficientInventory):
		return http.StatusConflict, "insufficient_inventory"
	case errors.Is(err, domain.ErrInsufficientPoints):
		return http.StatusConflict, "insufficient_points"
	case errors.Is(err, domain.ErrOfferNotReservable):
		return http.StatusConflict, "offer_not_reservable"
	case errors.Is(err, domain.ErrExtensionLimit):
		return http.StatusConflict, "extension_limit"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, domain.ErrInvalidDuration):
		return http.StatusBadRequest, "invalid_duration"
	case errors.Is(err, domain.ErrInvalidTargetState):
		return http.StatusBadRequest, "invalid_target_state"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handlers) fail(c echo.Context, op string, err error) error {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" failed", zap.String("path", c.Path()), zap.Error(err))
		msg = "internal error"
	}
	return c.JSON(status, errorBody{Error: msg, Code: code})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}
