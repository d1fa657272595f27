package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/heartline/realtime/internal/domain"
)

const (
	tableLikes   = "likes"
	tableBlocks  = "blocks"
	tableReports = "reports"
)

// FindBlock implements store.RelationshipStore.
func (d *DB) FindBlock(ctx context.Context, a, b domain.UserID) (domain.Fact, bool, error) {
	ctx, span := startSpan(ctx, "find_block")
	defer span.End()

	f := domain.Fact{Kind: domain.KindBlock}
	err := d.sql.QueryRowContext(ctx,
		`SELECT id, author_id, recipient_id, created_at FROM blocks
		 WHERE (author_id=$1 AND recipient_id=$2) OR (author_id=$2 AND recipient_id=$1)
		 ORDER BY id LIMIT 1;`, int64(a), int64(b),
	).Scan(&f.ID, &f.AuthorID, &f.RecipientID, &f.CreatedAt)
	return scanFact(span, "find_block", f, err)
}

// FindBlockBy implements store.RelationshipStore.
func (d *DB) FindBlockBy(ctx context.Context, author, recipient domain.UserID) (domain.Fact, bool, error) {
	ctx, span := startSpan(ctx, "find_block_by")
	defer span.End()
	return d.findDirected(ctx, span, tableBlocks, domain.KindBlock, author, recipient)
}

// FindLike implements store.RelationshipStore.
func (d *DB) FindLike(ctx context.Context, author, recipient domain.UserID) (domain.Fact, bool, error) {
	ctx, span := startSpan(ctx, "find_like")
	defer span.End()
	return d.findDirected(ctx, span, tableLikes, domain.KindLike, author, recipient)
}

// CreateLike implements store.RelationshipStore.
func (d *DB) CreateLike(ctx context.Context, author, recipient domain.UserID) (int64, error) {
	ctx, span := startSpan(ctx, "create_like")
	defer span.End()
	return d.insertDirected(ctx, span, tableLikes, author, recipient)
}

// DeleteLike implements store.RelationshipStore.
func (d *DB) DeleteLike(ctx context.Context, id int64) error {
	ctx, span := startSpan(ctx, "delete_like")
	defer span.End()
	return d.deleteByID(ctx, span, tableLikes, id)
}

// CreateBlock implements store.RelationshipStore.
func (d *DB) CreateBlock(ctx context.Context, author, recipient domain.UserID) (int64, error) {
	ctx, span := startSpan(ctx, "create_block")
	defer span.End()
	return d.insertDirected(ctx, span, tableBlocks, author, recipient)
}

// DeleteBlock implements store.RelationshipStore.
func (d *DB) DeleteBlock(ctx context.Context, id int64) error {
	ctx, span := startSpan(ctx, "delete_block")
	defer span.End()
	return d.deleteByID(ctx, span, tableBlocks, id)
}

// CreateReport implements store.RelationshipStore. The reason is validated
// before insertion, matching the CHECK constraint on the reports table.
func (d *DB) CreateReport(ctx context.Context, author, recipient domain.UserID, reason string) (int64, error) {
	if !domain.ValidReportReason(reason) {
		return 0, fmt.Errorf("postgres: invalid reason %q: %w", reason, domain.ErrInvalidInput)
	}
	ctx, span := startSpan(ctx, "create_report")
	defer span.End()

	var id int64
	err := d.sql.QueryRowContext(ctx,
		"INSERT INTO reports(author_id, recipient_id, reason) VALUES($1, $2, $3) RETURNING id;",
		int64(author), int64(recipient), reason,
	).Scan(&id)
	if err != nil {
		return 0, classify(span, "create_report", err)
	}
	return id, nil
}

// FindReport implements store.RelationshipStore.
func (d *DB) FindReport(ctx context.Context, author, recipient domain.UserID) (domain.Report, bool, error) {
	ctx, span := startSpan(ctx, "find_report")
	defer span.End()

	r := domain.Report{Fact: domain.Fact{Kind: domain.KindReport}}
	err := d.sql.QueryRowContext(ctx,
		"SELECT id, author_id, recipient_id, reason, created_at FROM reports WHERE author_id=$1 AND recipient_id=$2;",
		int64(author), int64(recipient),
	).Scan(&r.ID, &r.AuthorID, &r.RecipientID, &r.Reason, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, false, nil
	}
	if err != nil {
		return domain.Report{}, false, classify(span, "find_report", err)
	}
	return r, true, nil
}

// DeleteReport implements store.RelationshipStore.
func (d *DB) DeleteReport(ctx context.Context, id int64) error {
	ctx, span := startSpan(ctx, "delete_report")
	defer span.End()
	return d.deleteByID(ctx, span, tableReports, id)
}

// AppendMessage implements store.RelationshipStore.
func (d *DB) AppendMessage(ctx context.Context, author, recipient domain.UserID, body string, ts time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "append_message")
	defer span.End()

	var id int64
	err := d.sql.QueryRowContext(ctx,
		"INSERT INTO messages(author_id, recipient_id, body, created_at) VALUES($1, $2, $3, $4) RETURNING id;",
		int64(author), int64(recipient), body, ts.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, classify(span, "append_message", err)
	}
	return id, nil
}

// MessagesBetween implements store.RelationshipStore.
func (d *DB) MessagesBetween(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	ctx, span := startSpan(ctx, "messages_between")
	defer span.End()

	p := domain.PairOf(a, b)
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, author_id, recipient_id, body, created_at FROM messages
		 WHERE LEAST(author_id, recipient_id)=$1 AND GREATEST(author_id, recipient_id)=$2
		 ORDER BY created_at, id;`, int64(p.Low), int64(p.High))
	if err != nil {
		return nil, classify(span, "messages_between", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.RecipientID, &m.Body, &m.Timestamp); err != nil {
			return nil, classify(span, "messages_between", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(span, "messages_between", err)
	}
	return out, nil
}

// findDirected, insertDirected and deleteByID interpolate table names, which
// are always package constants.
func (d *DB) findDirected(ctx context.Context, span trace.Span, table string, kind domain.Kind, author, recipient domain.UserID) (domain.Fact, bool, error) {
	f := domain.Fact{Kind: kind}
	err := d.sql.QueryRowContext(ctx,
		"SELECT id, author_id, recipient_id, created_at FROM "+table+" WHERE author_id=$1 AND recipient_id=$2;",
		int64(author), int64(recipient),
	).Scan(&f.ID, &f.AuthorID, &f.RecipientID, &f.CreatedAt)
	return scanFact(span, "find_"+string(kind), f, err)
}

func (d *DB) insertDirected(ctx context.Context, span trace.Span, table string, author, recipient domain.UserID) (int64, error) {
	var id int64
	err := d.sql.QueryRowContext(ctx,
		"INSERT INTO "+table+"(author_id, recipient_id) VALUES($1, $2) RETURNING id;",
		int64(author), int64(recipient),
	).Scan(&id)
	if err != nil {
		return 0, classify(span, "insert "+table, err)
	}
	return id, nil
}

func (d *DB) deleteByID(ctx context.Context, span trace.Span, table string, id int64) error {
	res, err := d.sql.ExecContext(ctx, "DELETE FROM "+table+" WHERE id=$1;", id)
	if err != nil {
		return classify(span, "delete "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(span, "delete "+table, err)
	}
	if n == 0 {
		return fmt.Errorf("postgres: delete %s %d: %w", table, id, domain.ErrNotFound)
	}
	return nil
}

func scanFact(span trace.Span, op string, f domain.Fact, err error) (domain.Fact, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Fact{}, false, nil
	}
	if err != nil {
		return domain.Fact{}, false, classify(span, op, err)
	}
	return f, true, nil
}
