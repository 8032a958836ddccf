// Package sqldb stores the review queue in SQLite or Postgres through
// database/sql. The schema is applied with golang-migrate on startup.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/antimoltbook/verifier/lib/review"
	"github.com/google/uuid"
)

type dialect string

const (
	dialectSQLite   dialect = "sqlite3"
	dialectPostgres dialect = "postgres"
)

func (d dialect) driverName() string {
	if d == dialectPostgres {
		return "pgx"
	}
	return "sqlite3"
}

// rebind turns ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// lockRows appends a row lock on dialects that have one. SQLite serializes
// writers through its single connection instead.
func (d dialect) lockRows(query string) string {
	if d == dialectPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

// Timestamps are stored as unix nanoseconds, clamped to the int64 range.
func nanos(t time.Time) int64 {
	switch {
	case t.IsZero() || t.Year() < 1678:
		return math.MinInt64
	case t.Year() > 2261:
		return math.MaxInt64
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

const itemColumns = `id, challenge_id, submitter_id, kind, prompt, response, reason, queued_at, decision, reviewer_id, decided_at, approvals, rejections`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*review.Item, error) {
	var (
		item              review.Item
		prompt, response  string
		decision          string
		queued, decidedAt int64
	)

	if err := row.Scan(
		&item.ID,
		&item.ChallengeID,
		&item.SubmitterID,
		&item.Kind,
		&prompt,
		&response,
		&item.Reason,
		&queued,
		&decision,
		&item.ReviewerID,
		&decidedAt,
		&item.Approvals,
		&item.Rejections,
	); err != nil {
		return nil, err
	}

	item.Prompt = json.RawMessage(prompt)
	item.Response = json.RawMessage(response)
	item.Decision = review.Decision(decision)
	item.QueuedAt = fromNanos(queued)
	item.DecidedAt = fromNanos(decidedAt)

	return &item, nil
}

func scanItems(rows *sql.Rows) ([]review.Item, error) {
	defer rows.Close()

	var result []review.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}

	return result, rows.Err()
}

// Repository implements review.Repository on a *sql.DB.
type Repository struct {
	db      *sql.DB
	dialect dialect
}

func (r *Repository) Enqueue(ctx context.Context, item *review.Item) error {
	if item.ID == "" {
		item.ID = uuid.Must(uuid.NewV7()).String()
	}
	item.Decision = review.DecisionPending

	_, err := r.db.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO review_items (id, challenge_id, submitter_id, kind, prompt, response, reason, queued_at, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		item.ID,
		item.ChallengeID,
		item.SubmitterID,
		item.Kind,
		string(item.Prompt),
		string(item.Response),
		item.Reason,
		nanos(item.QueuedAt),
		string(review.DecisionPending),
	)
	if err != nil {
		return fmt.Errorf("review: can't enqueue %q: %w", item.ID, err)
	}

	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*review.Item, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`SELECT `+itemColumns+` FROM review_items WHERE id = ?`), id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", review.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("review: can't load %q: %w", id, err)
	}

	return item, nil
}

func (r *Repository) List(ctx context.Context, reviewerID string, limit int, queuedAfter time.Time) ([]review.Item, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(`
		SELECT `+itemColumns+` FROM review_items i
		WHERE i.decision = ?
		  AND i.submitter_id <> ?
		  AND i.queued_at > ?
		  AND NOT EXISTS (
		    SELECT 1 FROM review_votes v WHERE v.item_id = i.id AND v.reviewer_id = ?
		  )
		ORDER BY i.queued_at, i.id
		LIMIT ?`),
		string(review.DecisionPending),
		reviewerID,
		nanos(queuedAfter),
		reviewerID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("review: can't list queue: %w", err)
	}

	return scanItems(rows)
}

func (r *Repository) Decide(ctx context.Context, id, reviewerID string, approved bool, quorum int, now time.Time) (*review.Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("review: can't begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, r.dialect.rebind(r.dialect.lockRows(`SELECT `+itemColumns+` FROM review_items WHERE id = ?`)), id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", review.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("review: can't load %q: %w", id, err)
	}

	if item.SubmitterID == reviewerID {
		return nil, review.ErrForbidden
	}

	if !item.Pending() {
		return nil, fmt.Errorf("%w: %q is %s", review.ErrAlreadyDecided, id, item.Decision)
	}

	res, err := tx.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO review_votes (item_id, reviewer_id, approved, voted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (item_id, reviewer_id) DO NOTHING`),
		id, reviewerID, approved, nanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("review: can't record vote on %q: %w", id, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("review: can't record vote on %q: %w", id, err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %q already voted on %q", review.ErrAlreadyDecided, reviewerID, id)
	}

	item.Tally(reviewerID, approved, quorum, now)

	decidedAt := int64(0)
	if !item.DecidedAt.IsZero() {
		decidedAt = nanos(item.DecidedAt)
	}

	// compare-and-swap on the pending state; a concurrent decider that got
	// here first leaves zero rows to update
	res, err = tx.ExecContext(ctx, r.dialect.rebind(`
		UPDATE review_items
		SET decision = ?, reviewer_id = ?, decided_at = ?, approvals = ?, rejections = ?
		WHERE id = ? AND decision = ?`),
		string(item.Decision),
		item.ReviewerID,
		decidedAt,
		item.Approvals,
		item.Rejections,
		id,
		string(review.DecisionPending),
	)
	if err != nil {
		return nil, fmt.Errorf("review: can't update %q: %w", id, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("review: can't update %q: %w", id, err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %q", review.ErrAlreadyDecided, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("review: can't commit decision on %q: %w", id, err)
	}

	return item, nil
}

func (r *Repository) Expire(ctx context.Context, queuedBefore, now time.Time) ([]review.Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("review: can't begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, r.dialect.rebind(r.dialect.lockRows(`
		SELECT `+itemColumns+` FROM review_items
		WHERE decision = ? AND queued_at < ?
		ORDER BY queued_at, id`)),
		string(review.DecisionPending),
		nanos(queuedBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("review: can't find stale items: %w", err)
	}

	expired, err := scanItems(rows)
	if err != nil {
		return nil, fmt.Errorf("review: can't find stale items: %w", err)
	}

	if len(expired) == 0 {
		return nil, nil
	}

	stmt, err := tx.PrepareContext(ctx, r.dialect.rebind(`
		UPDATE review_items SET decision = ?, decided_at = ?
		WHERE id = ? AND decision = ?`))
	if err != nil {
		return nil, fmt.Errorf("review: can't prepare expiry: %w", err)
	}
	defer stmt.Close()

	for i := range expired {
		if _, err := stmt.ExecContext(ctx, string(review.DecisionExpired), nanos(now), expired[i].ID, string(review.DecisionPending)); err != nil {
			return nil, fmt.Errorf("review: can't expire %q: %w", expired[i].ID, err)
		}

		expired[i].Decision = review.DecisionExpired
		expired[i].DecidedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("review: can't commit expiry: %w", err)
	}

	return expired, nil
}

// Close closes the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}
