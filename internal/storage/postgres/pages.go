package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

const pageColumns = `uuid, url, url_key, title, active, status, maintainers, tags, created_at, updated_at`

func scanPage(row pgx.Row) (monitor.Page, error) {
	var p monitor.Page
	err := row.Scan(
		&p.ID,
		&p.URL,
		&p.URLKey,
		&p.Title,
		&p.Active,
		&p.Status,
		&p.Maintainers,
		&p.Tags,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

// GetPage fetches a page by ID.
func (s *Store) GetPage(ctx context.Context, id string) (monitor.Page, error) {
	page, err := scanPage(s.db.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE uuid = $1`, id))
	if err != nil {
		return monitor.Page{}, classify(err, "page", id)
	}
	return page, nil
}

// FindPageByURLKey returns the oldest page with urlKey.
func (s *Store) FindPageByURLKey(ctx context.Context, urlKey string) (monitor.Page, error) {
	page, err := scanPage(s.db.QueryRow(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE url_key = $1
		ORDER BY created_at, uuid
		LIMIT 1`, urlKey))
	if err != nil {
		return monitor.Page{}, classify(err, "page with url_key", urlKey)
	}
	return page, nil
}

// FindPageByAlias resolves urlKey through page_urls intervals containing at.
func (s *Store) FindPageByAlias(ctx context.Context, urlKey string, at time.Time) (monitor.Page, error) {
	page, err := scanPage(s.db.QueryRow(ctx, `
		SELECT p.uuid, p.url, p.url_key, p.title, p.active, p.status, p.maintainers, p.tags, p.created_at, p.updated_at
		FROM page_urls u
		JOIN pages p ON p.uuid = u.page_uuid
		WHERE u.url_key = $1 AND u.from_time <= $2 AND $2 < u.to_time
		ORDER BY u.from_time DESC, p.created_at, p.uuid
		LIMIT 1`, urlKey, at))
	if err != nil {
		return monitor.Page{}, classify(err, "page alias", urlKey)
	}
	return page, nil
}

// CreatePage inserts a new page. A duplicate ID yields monitor.ErrConflict.
func (s *Store) CreatePage(ctx context.Context, p monitor.Page) error {
	if err := requireID(p.ID); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO pages (`+pageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.URL, p.URLKey, p.Title, p.Active, p.Status,
		nonNil(p.Maintainers), nonNil(p.Tags), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return classify(err, "page", p.ID)
	}
	return nil
}

// UpdatePage replaces the mutable columns of an existing page.
func (s *Store) UpdatePage(ctx context.Context, p monitor.Page) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE pages
		SET url = $2, url_key = $3, title = $4, active = $5, status = $6,
			maintainers = $7, tags = $8, updated_at = $9
		WHERE uuid = $1`,
		p.ID, p.URL, p.URLKey, p.Title, p.Active, p.Status,
		nonNil(p.Maintainers), nonNil(p.Tags), p.UpdatedAt,
	)
	if err != nil {
		return classify(err, "page", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("page", p.ID)
	}
	return nil
}

// AddPageURL records an alias. Re-adding the same interval is a no-op.
func (s *Store) AddPageURL(ctx context.Context, alias monitor.PageURL) error {
	if err := requireID(alias.ID); err != nil {
		return err
	}
	if err := alias.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO page_urls (uuid, page_uuid, url, url_key, from_time, to_time, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (page_uuid, url, from_time, to_time) DO NOTHING`,
		alias.ID, alias.PageID, alias.URL, alias.URLKey, alias.From, alias.To, alias.Notes,
	)
	if err != nil {
		return classify(err, "page url", alias.URL)
	}
	return nil
}
