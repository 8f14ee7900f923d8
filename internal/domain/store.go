package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CloseUpdate is the terminal write applied to a position by the close
// workflow. The store applies it atomically and only while the row is still
// open.
type CloseUpdate struct {
	Reason      string
	ClosePrice  float64
	RealizedPnl float64
	ClosedAt    time.Time
}

// PositionStore persists positions. Writes are last-write-wins; there is no
// optimistic-concurrency token on the row.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	ListClosedSince(ctx context.Context, since time.Time) ([]Position, error)

	// UpdateEntryPrice repairs entry-price drift. It only touches open rows;
	// a row that closed in the meantime returns ErrNotFound untouched.
	UpdateEntryPrice(ctx context.Context, id string, entryPrice float64) error
	UpdateCurrentPrice(ctx context.Context, id string, price float64) error

	// Close marks the position closed. Guarded by status = open so a repeat
	// close can never overwrite the terminal fields; returns ErrNotFound
	// when no open row matched.
	Close(ctx context.Context, id string, upd CloseUpdate) error

	GroupedStats(ctx context.Context, dim StatsDimension) ([]GroupStat, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
