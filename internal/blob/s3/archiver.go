package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// Blobs is the object storage the archiver writes to.
type Blobs interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
	Exists(ctx context.Context, path string) (bool, error)
}

// Pruner deletes CLOSED records that closed before cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver uploads each trading day's CLOSED records as one JSONL object,
// partitioned by date:
//
//	archive/positions/2026/03/02.jsonl
//
// A day already present in the bucket is not uploaded again.
type Archiver struct {
	blobs     Blobs
	positions domain.ClosedPositionLister
	audit     domain.AuditStore
	pruner    Pruner
	retain    time.Duration
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver that cuts days in loc. audit may be nil.
func NewArchiver(blobs Blobs, positions domain.ClosedPositionLister, audit domain.AuditStore, loc *time.Location, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobs:     blobs,
		positions: positions,
		audit:     audit,
		loc:       loc,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// WithRetention makes each run prune records closed more than retain ago,
// once their day has been archived.
func (a *Archiver) WithRetention(p Pruner, retain time.Duration) *Archiver {
	a.pruner = p
	a.retain = retain
	return a
}

// ArchiveDay uploads the records that closed on day's calendar date and
// returns how many were written.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	day = day.In(a.loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, a.loc)
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)
	path := archivePath(start)

	exists, err := a.blobs.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", path, err)
	}
	if exists {
		return 0, nil
	}

	recs, err := a.positions.ListClosed(ctx, domain.ListOpts{Since: &start, Until: &end})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	if int64(len(buf)) > minPartSize {
		err = a.blobs.PutMultipart(ctx, path, bytes.NewReader(buf), "application/x-ndjson", minPartSize)
	} else {
		err = a.blobs.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"path":  path,
			"count": len(recs),
			"date":  start.Format(time.DateOnly),
		}); err != nil {
			return len(recs), fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return len(recs), nil
}

// RunOnce archives the previous day and applies retention.
func (a *Archiver) RunOnce(ctx context.Context) error {
	now := a.now().In(a.loc)
	n, err := a.ArchiveDay(ctx, now.AddDate(0, 0, -1))
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "archived closed positions", slog.Int("count", n))
	}

	if a.pruner == nil || a.retain <= 0 {
		return nil
	}
	cutoff := now.Add(-a.retain)
	if yesterday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc).AddDate(0, 0, -1); cutoff.After(yesterday) {
		cutoff = yesterday
	}
	pruned, err := a.pruner.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: prune: %w", err)
	}
	if pruned > 0 {
		a.logger.InfoContext(ctx, "pruned archived positions", slog.Int64("count", pruned))
	}
	return nil
}

// Run archives once at start and then every interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.WarnContext(ctx, "archive failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// archivePath builds the object key of a day's archive.
func archivePath(day time.Time) string {
	return fmt.Sprintf("archive/positions/%s.jsonl", day.Format("2006/01/02"))
}

// marshalJSONL encodes records as newline-delimited JSON.
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
