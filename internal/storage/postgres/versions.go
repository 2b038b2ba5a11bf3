package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/webmonitor/internal/meta"
	"github.com/JakeFAU/webmonitor/internal/monitor"
)

const versionColumns = `uuid, page_uuid, capture_time, body_hash, body_url, content_length, media_type,
	source_type, source_metadata, title, different, status, network_error, created_at, updated_at`

func scanVersion(row pgx.Row) (monitor.Version, error) {
	var (
		v        monitor.Version
		metadata []byte
	)
	err := row.Scan(
		&v.ID,
		&v.PageID,
		&v.CaptureTime,
		&v.BodyHash,
		&v.BodyURL,
		&v.ContentLength,
		&v.MediaType,
		&v.SourceType,
		&metadata,
		&v.Title,
		&v.Different,
		&v.Status,
		&v.NetworkError,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return monitor.Version{}, err
	}
	if err := decodeObject(metadata, &v.SourceMetadata); err != nil {
		return monitor.Version{}, fmt.Errorf("decode source_metadata of %s: %w", v.ID, err)
	}
	v.CaptureTime = v.CaptureTime.UTC()
	v.CreatedAt = v.CreatedAt.UTC()
	v.UpdatedAt = v.UpdatedAt.UTC()
	return v, nil
}

func (s *Store) queryVersions(ctx context.Context, sql string, args ...any) ([]monitor.Version, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []monitor.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion fetches a version by ID.
func (s *Store) GetVersion(ctx context.Context, id string) (monitor.Version, error) {
	v, err := scanVersion(s.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM versions WHERE uuid = $1`, id))
	if err != nil {
		return monitor.Version{}, classify(err, "version", id)
	}
	return v, nil
}

// FindVersion returns the version captured at captureTime by sourceType.
func (s *Store) FindVersion(
	ctx context.Context,
	pageID string,
	captureTime time.Time,
	sourceType string,
) (monitor.Version, error) {
	v, err := scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_uuid = $1 AND capture_time = $2 AND source_type = $3
		ORDER BY uuid
		LIMIT 1`, pageID, captureTime, sourceType))
	if err != nil {
		return monitor.Version{}, classify(err, "version at", captureTime.Format(time.RFC3339Nano))
	}
	return v, nil
}

// PreviousVersion returns the nearest earlier version of the same page and
// source type, ordered by (capture_time, uuid).
func (s *Store) PreviousVersion(ctx context.Context, v monitor.Version) (monitor.Version, error) {
	prev, err := scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_uuid = $1 AND source_type = $2 AND (capture_time, uuid) < ($3, $4)
		ORDER BY capture_time DESC, uuid DESC
		LIMIT 1`, v.PageID, v.SourceType, v.CaptureTime, v.ID))
	if err != nil {
		return monitor.Version{}, classify(err, "version before", v.ID)
	}
	return prev, nil
}

// NextVersion returns the nearest later version of the same page and source
// type.
func (s *Store) NextVersion(ctx context.Context, v monitor.Version) (monitor.Version, error) {
	next, err := scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_uuid = $1 AND source_type = $2 AND (capture_time, uuid) > ($3, $4)
		ORDER BY capture_time, uuid
		LIMIT 1`, v.PageID, v.SourceType, v.CaptureTime, v.ID))
	if err != nil {
		return monitor.Version{}, classify(err, "version after", v.ID)
	}
	return next, nil
}

// SaveVersion inserts or replaces a version by ID.
func (s *Store) SaveVersion(ctx context.Context, v monitor.Version) error {
	if err := requireID(v.ID); err != nil {
		return err
	}
	metadata, err := encodeObject(v.SourceMetadata)
	if err != nil {
		return fmt.Errorf("encode source_metadata of %s: %w", v.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (uuid) DO UPDATE SET
			page_uuid = EXCLUDED.page_uuid,
			capture_time = EXCLUDED.capture_time,
			body_hash = EXCLUDED.body_hash,
			body_url = EXCLUDED.body_url,
			content_length = EXCLUDED.content_length,
			media_type = EXCLUDED.media_type,
			source_type = EXCLUDED.source_type,
			source_metadata = EXCLUDED.source_metadata,
			title = EXCLUDED.title,
			different = EXCLUDED.different,
			status = EXCLUDED.status,
			network_error = EXCLUDED.network_error,
			updated_at = EXCLUDED.updated_at`,
		v.ID, v.PageID, v.CaptureTime, v.BodyHash, v.BodyURL, v.ContentLength, v.MediaType,
		v.SourceType, metadata, v.Title, v.Different, v.Status, v.NetworkError, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return classify(err, "version", v.ID)
	}
	return nil
}

// SetDifferent updates only the different flag.
func (s *Store) SetDifferent(ctx context.Context, versionID string, different bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE versions SET different = $2 WHERE uuid = $1`, versionID, different)
	if err != nil {
		return classify(err, "version", versionID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("version", versionID)
	}
	return nil
}

// VersionsForStatus returns versions captured since the window start, newest
// first, followed by the newest version before it.
func (s *Store) VersionsForStatus(ctx context.Context, pageID string, since time.Time) ([]monitor.Version, error) {
	recent, err := s.queryVersions(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_uuid = $1 AND capture_time >= $2
		ORDER BY capture_time DESC, uuid DESC`, pageID, since)
	if err != nil {
		return nil, fmt.Errorf("versions of %s since %s: %w", pageID, since.Format(time.RFC3339), err)
	}
	anchor, err := s.queryVersions(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_uuid = $1 AND capture_time < $2
		ORDER BY capture_time DESC, uuid DESC
		LIMIT 1`, pageID, since)
	if err != nil {
		return nil, fmt.Errorf("version of %s before %s: %w", pageID, since.Format(time.RFC3339), err)
	}
	return append(recent, anchor...), nil
}

// LatestVersion returns the newest version of a page across source types.
func (s *Store) LatestVersion(ctx context.Context, pageID string) (monitor.Version, error) {
	v, err := scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM versions
		WHERE page_uuid = $1
		ORDER BY capture_time DESC, uuid DESC
		LIMIT 1`, pageID))
	if err != nil {
		return monitor.Version{}, classify(err, "latest version of page", pageID)
	}
	return v, nil
}

// CountVersions counts a page's versions.
func (s *Store) CountVersions(ctx context.Context, pageID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM versions WHERE page_uuid = $1`, pageID).Scan(&n); err != nil {
		return 0, classify(err, "versions of page", pageID)
	}
	return n, nil
}

func encodeObject(o meta.Object) ([]byte, error) {
	return o.MarshalJSON()
}

func decodeObject(raw []byte, dst *meta.Object) error {
	if len(raw) == 0 {
		*dst = meta.New()
		return nil
	}
	return dst.UnmarshalJSON(raw)
}
