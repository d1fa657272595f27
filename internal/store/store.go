// Package store defines the RelationshipStore contract: the durable source
// of truth for likes, blocks, reports and messages. Adapters live in the
// memory and postgres subpackages.
package store

import (
	"context"
	"time"

	"github.com/heartline/realtime/internal/domain"
)

// RelationshipStore persists relationship facts and messages. Answers are
// trusted by callers. Create methods return domain.ErrAlreadyExists for a
// duplicate directed fact; Delete methods return domain.ErrNotFound for an
// unknown id.
type RelationshipStore interface {
	// FindBlock returns a block between a and b in either direction.
	FindBlock(ctx context.Context, a, b domain.UserID) (domain.Fact, bool, error)
	// FindBlockBy returns the block authored by author against recipient.
	FindBlockBy(ctx context.Context, author, recipient domain.UserID) (domain.Fact, bool, error)
	FindLike(ctx context.Context, author, recipient domain.UserID) (domain.Fact, bool, error)

	CreateLike(ctx context.Context, author, recipient domain.UserID) (int64, error)
	DeleteLike(ctx context.Context, id int64) error
	CreateBlock(ctx context.Context, author, recipient domain.UserID) (int64, error)
	DeleteBlock(ctx context.Context, id int64) error

	CreateReport(ctx context.Context, author, recipient domain.UserID, reason string) (int64, error)
	FindReport(ctx context.Context, author, recipient domain.UserID) (domain.Report, bool, error)
	DeleteReport(ctx context.Context, id int64) error

	AppendMessage(ctx context.Context, author, recipient domain.UserID, body string, ts time.Time) (int64, error)
	// MessagesBetween returns the conversation between a and b ordered by
	// timestamp then id.
	MessagesBetween(ctx context.Context, a, b domain.UserID) ([]domain.Message, error)
}
