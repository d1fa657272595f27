// Package gate decides synchronously whether one user may act on another.
// Blocks are enforced in both directions no matter which side created them,
// and every decision reads the store: nothing is cached.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/metrics"
)

var tracer = otel.Tracer("gate")

// Store is the subset of the relationship store the gate reads.
type Store interface {
	FindBlock(ctx context.Context, a, b domain.UserID) (domain.Fact, bool, error)
	FindLike(ctx context.Context, author, recipient domain.UserID) (domain.Fact, bool, error)
}

// Gate authorizes actions against the relationship store.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// New creates a Gate reading from store.
func New(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger.With(slog.String("component", "gate"))}
}

// Authorize returns nil when actor may perform action against target.
// Otherwise the error wraps one of domain.ErrInvalidInput,
// domain.ErrSelfAction, domain.ErrRelationshipDenied,
// domain.ErrAlreadyExists or domain.ErrStoreUnavailable.
func (g *Gate) Authorize(ctx context.Context, actor, target domain.UserID, action domain.Action) error {
	ctx, span := tracer.Start(ctx, "gate.authorize")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("actor_id", int64(actor)),
		attribute.Int64("target_id", int64(target)),
		attribute.String("action", action.String()),
	)

	err := g.authorize(ctx, actor, target, action)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.Denials.WithLabelValues(reason(err)).Inc()
		if errors.Is(err, domain.ErrStoreUnavailable) {
			g.logger.Error("authorization failed",
				slog.Int64("actor_id", int64(actor)),
				slog.Int64("target_id", int64(target)),
				slog.String("action", action.String()),
				slog.Any("error", err))
		}
	}
	return err
}

func (g *Gate) authorize(ctx context.Context, actor, target domain.UserID, action domain.Action) error {
	if !actor.Valid() || !target.Valid() {
		return fmt.Errorf("gate: %s %d->%d: %w", action, actor, target, domain.ErrInvalidInput)
	}
	switch action {
	case domain.ActionMessage, domain.ActionLike, domain.ActionView:
	default:
		return fmt.Errorf("gate: unknown action %d: %w", int(action), domain.ErrInvalidInput)
	}

	if action == domain.ActionLike && actor == target {
		return fmt.Errorf("gate: like %d: %w", actor, domain.ErrSelfAction)
	}

	_, blocked, err := g.store.FindBlock(ctx, actor, target)
	if err != nil {
		return storeErr("find block", err)
	}
	if blocked {
		return fmt.Errorf("gate: %s %d->%d: %w", action, actor, target, domain.ErrRelationshipDenied)
	}

	if action == domain.ActionLike {
		_, exists, err := g.store.FindLike(ctx, actor, target)
		if err != nil {
			return storeErr("find like", err)
		}
		if exists {
			return fmt.Errorf("gate: like %d->%d: %w", actor, target, domain.ErrAlreadyExists)
		}
	}
	return nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("gate: %s: %w", op, err)
	}
	return fmt.Errorf("gate: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSelfAction):
		return "self_action"
	case errors.Is(err, domain.ErrRelationshipDenied):
		return "relationship_denied"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	default:
		return "store_unavailable"
	}
}
