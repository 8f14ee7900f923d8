package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stratops/bitdash/internal/domain"
)

// ClosedLister is the slice of the position store the archiver needs.
type ClosedLister interface {
	ListClosedSince(ctx context.Context, since time.Time) ([]domain.Position, error)
}

// Archiver periodically exports closed positions as JSONL objects. Each run
// covers one window; the key is derived from the window start so a re-run
// after a crash overwrites its own partial object instead of duplicating
// rows. Deleting exported rows from the primary store is deliberately not
// done here.
type Archiver struct {
	store  ClosedLister
	writer *Writer
	reader *Reader
	audit  domain.AuditStore
	logger *slog.Logger

	prefix   string
	interval time.Duration
	cursor   time.Time
}

// NewArchiver creates an Archiver exporting under the given key prefix every
// interval.
func NewArchiver(
	store ClosedLister,
	writer *Writer,
	reader *Reader,
	audit domain.AuditStore,
	prefix string,
	interval time.Duration,
	logger *slog.Logger,
) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Archiver{
		store:    store,
		writer:   writer,
		reader:   reader,
		audit:    audit,
		logger:   logger.With(slog.String("component", "archiver")),
		prefix:   prefix,
		interval: interval,
		cursor:   time.Now().UTC().Add(-interval),
	}
}

// Run exports on the configured interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("archiver started",
		slog.String("prefix", a.prefix),
		slog.Duration("interval", a.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if count, err := a.RunOnce(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			} else if count > 0 {
				a.logger.Info("archived closed positions", slog.Int64("count", count))
			}
		}
	}
}

// RunOnce exports positions closed since the last run and advances the
// cursor. It returns the number of exported rows.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	since := a.cursor
	positions, err := a.store.ListClosedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(positions) == 0 {
		a.cursor = time.Now().UTC()
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	key := a.objectKey(since)
	if exists, err := a.reader.Exists(ctx, key); err != nil {
		a.logger.Warn("archive existence check failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	} else if exists {
		a.logger.Warn("overwriting existing archive object", slog.String("key", key))
	}

	if int64(len(buf)) >= minPartSize {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	count := int64(len(positions))
	a.cursor = maxClosedAt(positions, since)

	if a.audit != nil {
		err := a.audit.Log(ctx, "archive_exported", map[string]any{
			"key":   key,
			"count": count,
			"since": since.Format(time.RFC3339),
		})
		if err != nil {
			return count, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}

	return count, nil
}

// objectKey builds the object key for a window, e.g.
// closed-positions/2026-08/2026-08-30T12-00-00Z.jsonl.
func (a *Archiver) objectKey(since time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl",
		a.prefix,
		since.UTC().Format("2006-01"),
		since.UTC().Format("2006-01-02T15-04-05Z"))
}

// maxClosedAt returns the latest close timestamp in the batch, nudged forward
// a nanosecond so the next window excludes rows already exported.
func maxClosedAt(positions []domain.Position, fallback time.Time) time.Time {
	latest := fallback
	for _, p := range positions {
		if p.ClosedAt != nil && p.ClosedAt.After(latest) {
			latest = *p.ClosedAt
		}
	}
	return latest.Add(time.Nanosecond)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
