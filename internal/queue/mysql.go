package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/util"
	"github.com/jmoiron/sqlx"
)

// MySQLQueue stores items in queue_messages and leases them with SELECT ... FOR UPDATE SKIP LOCKED,
// so concurrent workers never claim the same visible row.
type MySQLQueue struct {
	db   *sqlx.DB
	name string

	// Now is the queue clock; tests replace it to expire leases.
	Now func() time.Time
}

func NewMySQLQueue(db *sqlx.DB, name string) *MySQLQueue {
	if name == "" {
		name = "email-queue"
	}
	return &MySQLQueue{db: db, name: name, Now: time.Now}
}

var _ Queue = (*MySQLQueue)(nil)

type mysqlRow struct {
	ID           string `db:"id"`
	Payload      []byte `db:"payload"`
	DequeueCount int    `db:"dequeue_count"`
}

func (q *MySQLQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	now := q.Now().UTC()
	id := util.NewAt(now)

	const stmt = `
		INSERT INTO queue_messages
		    (id, queue, payload, dequeue_count, visible_at, created_at)
		VALUES
		    (?,  ?,     ?,       0,             ?,          ?)
	`
	if _, err := q.db.ExecContext(ctx, stmt, id, q.name, payload, now, now); err != nil {
		return "", fmt.Errorf("insert queue message: %w", err)
	}

	return id, nil
}

func (q *MySQLQueue) Lease(ctx context.Context, max int, visibility time.Duration) ([]LeasedItem, error) {
	if max <= 0 {
		return nil, nil
	}

	now := q.Now().UTC()
	visibleAt := now.Add(visibility)

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []mysqlRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT id, payload, dequeue_count
		  FROM queue_messages
		 WHERE queue = ? AND visible_at <= ?
		 ORDER BY visible_at, id
		 LIMIT ?
		   FOR UPDATE SKIP LOCKED
	`, q.name, now, max)
	if err != nil {
		return nil, fmt.Errorf("select visible: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]LeasedItem, 0, len(rows))
	for _, r := range rows {
		token := util.NewAt(now)
		_, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			   SET lease_token = ?, dequeue_count = dequeue_count + 1, visible_at = ?
			 WHERE id = ?
		`, token, visibleAt, r.ID)
		if err != nil {
			return nil, fmt.Errorf("lease %s: %w", r.ID, err)
		}
		out = append(out, LeasedItem{
			ID:           r.ID,
			LeaseToken:   token,
			Payload:      r.Payload,
			DequeueCount: r.DequeueCount + 1,
			VisibleAt:    visibleAt,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *MySQLQueue) Delete(ctx context.Context, id, leaseToken string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND lease_token = ?`, id, leaseToken)
	if err != nil {
		return fmt.Errorf("delete queue message: %w", err)
	}

	return q.checkRemoved(ctx, q.db, res, id)
}

func (q *MySQLQueue) DeadLetter(ctx context.Context, item LeasedItem, reason string) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_dead_letters
		    (id, queue, payload, dequeue_count, reason, dead_at)
		SELECT id, queue, payload, dequeue_count, ?, ?
		  FROM queue_messages
		 WHERE id = ? AND lease_token = ?
	`, reason, q.Now().UTC(), item.ID, item.LeaseToken)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND lease_token = ?`, item.ID, item.LeaseToken)
	if err != nil {
		return fmt.Errorf("delete dead-lettered message: %w", err)
	}
	if err := q.checkRemoved(ctx, tx, res, item.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// checkRemoved tells a stale token apart from a missing item when a guarded DELETE hit no row.
func (q *MySQLQueue) checkRemoved(ctx context.Context, qx sqlx.QueryerContext, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var one int
	err = sqlx.GetContext(ctx, qx, &one, `SELECT 1 FROM queue_messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrLeaseLost
}

func (q *MySQLQueue) Clear(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE queue = ?`, q.name)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return res.RowsAffected()
}

func (q *MySQLQueue) Stats(ctx context.Context) (Stats, error) {
	var st struct {
		Visible sql.NullInt64 `db:"visible"`
		Total   int64         `db:"total"`
	}
	err := q.db.GetContext(ctx, &st, `
		SELECT SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END) AS visible,
		       COUNT(*) AS total
		  FROM queue_messages
		 WHERE queue = ?
	`, q.Now().UTC(), q.name)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	var dead int64
	if err := q.db.GetContext(ctx, &dead,
		`SELECT COUNT(*) FROM queue_dead_letters WHERE queue = ?`, q.name); err != nil {
		return Stats{}, fmt.Errorf("dead letter stats: %w", err)
	}

	return Stats{
		Visible:      st.Visible.Int64,
		Leased:       st.Total - st.Visible.Int64,
		DeadLettered: dead,
	}, nil
}

// Ping verifies the connection and that the queue table exists.
func (q *MySQLQueue) Ping(ctx context.Context) error {
	var n int64
	return q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queue_messages WHERE 1 = 0`)
}
