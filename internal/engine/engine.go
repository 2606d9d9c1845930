// Package engine implements the reservation lifecycle: reserve, resolve
// exactly once, and settle the side effects of the resolution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"reservation-engine/internal/clock"
	"reservation-engine/internal/domain"
	"reservation-engine/internal/ledger"
	"reservation-engine/internal/obs"
	"reservation-engine/internal/settlement"
	"reservation-engine/internal/store"
	"reservation-engine/internal/token"
)

const (
	defaultHoldDuration      = 15 * time.Minute
	defaultMaxQuantity       = 20
	defaultMaxTotalExtension = 30 * time.Minute
	defaultTokenAttempts     = 3
)

// TokenMinter mints pickup tokens.
type TokenMinter interface {
	Mint() (string, error)
}

// Deps are the collaborators the engine cannot run without.
type Deps struct {
	Store      store.Store
	Offers     ledger.OfferCatalog
	Inventory  ledger.Inventory
	Points     ledger.Points
	Dispatcher settlement.Dispatcher
	Clock      clock.Clock
}

type Engine struct {
	store      store.Store
	offers     ledger.OfferCatalog
	inventory  ledger.Inventory
	points     ledger.Points
	dispatcher settlement.Dispatcher
	clock      clock.Clock

	tokens  TokenMinter
	newID   func() string
	logger  *zap.Logger
	metrics *obs.Metrics
	tracer  trace.Tracer

	holdDuration      time.Duration
	maxQuantity       int
	maxTotalExtension time.Duration
	tokenAttempts     int
}

type Option func(*Engine)

// WithHoldDuration sets the reservation window used when an offer does not
// define its own.
func WithHoldDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.holdDuration = d
		}
	}
}

func WithMaxQuantity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxQuantity = n
		}
	}
}

// WithMaxTotalExtension caps the sum of all extensions of one reservation.
func WithMaxTotalExtension(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.maxTotalExtension = d
		}
	}
}

func WithTokenMinter(m TokenMinter) Option {
	return func(e *Engine) { e.tokens = m }
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = obs.OrNop(l) }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.Store == nil || deps.Offers == nil || deps.Inventory == nil ||
		deps.Points == nil || deps.Dispatcher == nil {
		return nil, errors.New("engine: store, offers, inventory, points and dispatcher are required")
	}
	e := &Engine{
		store:             deps.Store,
		offers:            deps.Offers,
		inventory:         deps.Inventory,
		points:            deps.Points,
		dispatcher:        deps.Dispatcher,
		clock:             deps.Clock,
		tokens:            token.NewIssuer(),
		newID:             uuid.NewString,
		logger:            zap.NewNop(),
		metrics:           obs.NewMetrics(nil),
		tracer:            obs.Tracer("reservation-engine/engine"),
		holdDuration:      defaultHoldDuration,
		maxQuantity:       defaultMaxQuantity,
		maxTotalExtension: defaultMaxTotalExtension,
		tokenAttempts:     defaultTokenAttempts,
	}
	if e.clock == nil {
		e.clock = clock.NewSystem()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Get returns the current record.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return r, nil
}

// GetByToken looks a reservation up by its pickup token without redeeming it.
func (e *Engine) GetByToken(ctx context.Context, tok string) (*domain.Reservation, error) {
	r, err := e.store.GetByToken(ctx, token.Normalize(tok))
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Stats reports counts from the store.
func (e *Engine) Stats(ctx context.Context) (store.Stats, error) {
	return e.store.Stats(ctx)
}

// begin opens a span and returns a finisher that records the outcome.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		result := resultLabel(err)
		e.metrics.Transitions.WithLabelValues(op, result).Inc()
		e.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
		span.SetAttributes(attribute.String("result", result))
		if err != nil && !domain.IsLostRace(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, domain.ErrAlreadyResolved), errors.Is(err, domain.ErrInvalidStateTransition):
		return "already_resolved"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case errors.Is(err, domain.ErrNotYetExpired):
		return "not_expired"
	case errors.Is(err, domain.ErrInsufficientInventory), errors.Is(err, domain.ErrInsufficientPoints):
		return "insufficient"
	case errors.Is(err, domain.ErrReservationNotFound), errors.Is(err, domain.ErrTokenNotFound),
		errors.Is(err, domain.ErrOfferNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.ErrReservationNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return domain.ErrConcurrentModification
	default:
		return fmt.Errorf("store: %w", err)
	}
}
