package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

const changeColumns = `uuid, uuid_from, uuid_to, current_annotation, priority, significance, created_at, updated_at`

func scanChange(row pgx.Row) (monitor.Change, error) {
	var (
		c          monitor.Change
		annotation []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.FromVersionID,
		&c.VersionID,
		&annotation,
		&c.Priority,
		&c.Significance,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return monitor.Change{}, err
	}
	if err := decodeObject(annotation, &c.CurrentAnnotation); err != nil {
		return monitor.Change{}, fmt.Errorf("decode current_annotation of %s: %w", c.ID, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// GetChange fetches a change by ID.
func (s *Store) GetChange(ctx context.Context, id string) (monitor.Change, error) {
	c, err := scanChange(s.db.QueryRow(ctx, `SELECT `+changeColumns+` FROM changes WHERE uuid = $1`, id))
	if err != nil {
		return monitor.Change{}, classify(err, "change", id)
	}
	return c, nil
}

// FindChange looks up the change for a version pair.
func (s *Store) FindChange(ctx context.Context, fromVersionID, toVersionID string) (monitor.Change, error) {
	c, err := scanChange(s.db.QueryRow(ctx, `
		SELECT `+changeColumns+`
		FROM changes
		WHERE uuid_from = $1 AND uuid_to = $2`, fromVersionID, toVersionID))
	if err != nil {
		return monitor.Change{}, classify(err, "change", fromVersionID+".."+toVersionID)
	}
	return c, nil
}

// SaveChange inserts or replaces a change. A second change for the same
// version pair yields monitor.ErrConflict.
func (s *Store) SaveChange(ctx context.Context, c monitor.Change) error {
	if err := requireID(c.ID); err != nil {
		return err
	}
	annotation, err := encodeObject(c.CurrentAnnotation)
	if err != nil {
		return fmt.Errorf("encode current_annotation of %s: %w", c.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO changes (`+changeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (uuid) DO UPDATE SET
			current_annotation = EXCLUDED.current_annotation,
			priority = EXCLUDED.priority,
			significance = EXCLUDED.significance,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.FromVersionID, c.VersionID, annotation, c.Priority, c.Significance, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return classify(err, "change", c.ID)
	}
	return nil
}

// AddAnnotation appends an immutable annotation to its change.
func (s *Store) AddAnnotation(ctx context.Context, a monitor.Annotation) error {
	if err := requireID(a.ID); err != nil {
		return err
	}
	data, err := encodeObject(a.Data)
	if err != nil {
		return fmt.Errorf("encode annotation %s: %w", a.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO annotations (uuid, change_uuid, author, annotation, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.ChangeID, a.Author, data, a.CreatedAt,
	)
	if err != nil {
		return classify(err, "annotation", a.ID)
	}
	return nil
}

// ListAnnotations returns a change's annotations in creation order. The
// serial column breaks ties between annotations created in the same instant.
func (s *Store) ListAnnotations(ctx context.Context, changeID string) ([]monitor.Annotation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT uuid, change_uuid, author, annotation, created_at
		FROM annotations
		WHERE change_uuid = $1
		ORDER BY created_at, seq`, changeID)
	if err != nil {
		return nil, classify(err, "annotations of change", changeID)
	}
	defer rows.Close()

	out := []monitor.Annotation{}
	for rows.Next() {
		var (
			a    monitor.Annotation
			data []byte
		)
		if err := rows.Scan(&a.ID, &a.ChangeID, &a.Author, &data, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if err := decodeObject(data, &a.Data); err != nil {
			return nil, fmt.Errorf("decode annotation %s: %w", a.ID, err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list annotations of %s: %w", changeID, err)
	}
	return out, nil
}
