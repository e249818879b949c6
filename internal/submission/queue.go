// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package submission is the on-disk FIFO of encoded telemetry waiting to
// be sent to the long-term stats collector. An item stays queued until
// the uplink acknowledges it.
package submission

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/errors"
)

// ErrQueueFull is returned when a capped queue refuses a new item.
// Queued items are never discarded to make room.
var ErrQueueFull = errors.New(errors.KindCapacity, "submission queue full")

// FileName is the queue database name inside the state directory.
const FileName = "submissions.db"

// Item is one queued submission.
type Item struct {
	ID        int64     `json:"id"`
	BatchID   uuid.UUID `json:"batch_id"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"-"`
}

// Queue handles persistence of pending submissions to SQLite
type Queue struct {
	db       *sql.DB
	clock    clock.Clock
	maxItems int
	refused  atomic.Uint64
}

// Options tunes a Queue.
type Options struct {
	// MaxItems caps the queue. At the cap new items are refused with
	// ErrQueueFull. Zero or negative means unbounded.
	MaxItems int
	Clock    clock.Clock
}

// Open opens or creates the queue database at path.
func Open(path string, opts Options) (*Queue, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "failed to open submission queue")
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	q := &Queue{db: db, clock: clock.OrReal(opts.Clock), maxItems: opts.MaxItems}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, errors.Attr(errors.Wrap(err, errors.KindConfiguration, "failed to initialise submission queue"), "path", path)
	}
	return q, nil
}

// OpenDir opens the queue in a state directory.
func OpenDir(dir string, opts Options) (*Queue, error) {
	return Open(filepath.Join(dir, FileName), opts)
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		created_at INTEGER NOT NULL, -- Unix nanoseconds
		payload BLOB NOT NULL
	);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Enqueue appends payload and returns the stored item. A capped queue that
// is full refuses the item with ErrQueueFull and leaves queued items alone.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (Item, error) {
	return q.EnqueueBatch(ctx, uuid.New(), payload)
}

// EnqueueBatch is Enqueue with a caller-chosen batch id.
func (q *Queue) EnqueueBatch(ctx context.Context, batchID uuid.UUID, payload []byte) (Item, error) {
	item := Item{BatchID: batchID, CreatedAt: q.clock.Now(), Payload: payload}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, errors.Wrap(err, errors.KindInternal, "enqueue")
	}
	defer tx.Rollback()

	if q.maxItems > 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&n); err != nil {
			return Item{}, errors.Wrap(err, errors.KindInternal, "enqueue")
		}
		if n >= q.maxItems {
			q.refused.Add(1)
			return Item{}, errors.Attr(ErrQueueFull, "max_items", q.maxItems)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (batch_id, created_at, payload) VALUES (?, ?, ?)`,
		item.BatchID.String(), item.CreatedAt.UnixNano(), item.Payload)
	if err != nil {
		return Item{}, errors.Wrap(err, errors.KindInternal, "enqueue")
	}
	if item.ID, err = res.LastInsertId(); err != nil {
		return Item{}, errors.Wrap(err, errors.KindInternal, "enqueue")
	}

	if err := tx.Commit(); err != nil {
		return Item{}, errors.Wrap(err, errors.KindInternal, "enqueue")
	}
	return item, nil
}

// Pending returns up to limit items, oldest first. A non-positive limit
// returns everything.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, batch_id, created_at, payload FROM submissions ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "list pending submissions")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it      Item
			batchID string
			created int64
		)
		if err := rows.Scan(&it.ID, &batchID, &created, &it.Payload); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan submission")
		}
		if it.BatchID, err = uuid.Parse(batchID); err != nil {
			return nil, errors.Attr(errors.Wrap(err, errors.KindInternal, "corrupt batch id"), "id", it.ID)
		}
		it.CreatedAt = time.Unix(0, created)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Ack removes a delivered item. Acking an unknown id is not an error.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindInternal, "ack submission"), "id", id)
	}
	return nil
}

// Refused returns how many items a full queue has turned away.
func (q *Queue) Refused() uint64 { return q.refused.Load() }

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "count submissions")
	}
	return n, nil
}
