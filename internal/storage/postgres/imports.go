package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

const importColumns = `uuid, status, options, payload_key, processed_versions, created_versions,
	updated_versions, skipped_versions, processing_errors, processing_warnings, created_at, updated_at`

type importJSON struct {
	options  []byte
	errors   []byte
	warnings []byte
}

func encodeImport(imp monitor.Import) (importJSON, error) {
	var (
		out importJSON
		err error
	)
	if out.options, err = json.Marshal(imp.Options); err != nil {
		return importJSON{}, fmt.Errorf("encode options: %w", err)
	}
	if out.errors, err = json.Marshal(rowErrors(imp.Errors)); err != nil {
		return importJSON{}, fmt.Errorf("encode processing_errors: %w", err)
	}
	if out.warnings, err = json.Marshal(rowErrors(imp.Warnings)); err != nil {
		return importJSON{}, fmt.Errorf("encode processing_warnings: %w", err)
	}
	return out, nil
}

func rowErrors(list []monitor.RowError) []monitor.RowError {
	if list == nil {
		return []monitor.RowError{}
	}
	return list
}

// CreateImport inserts a new import batch.
func (s *Store) CreateImport(ctx context.Context, imp monitor.Import) error {
	if err := requireID(imp.ID); err != nil {
		return err
	}
	enc, err := encodeImport(imp)
	if err != nil {
		return fmt.Errorf("import %s: %w", imp.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO imports (`+importColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		imp.ID, string(imp.Status), enc.options, imp.PayloadKey,
		imp.Processed, imp.Created, imp.Updated, imp.Skipped,
		enc.errors, enc.warnings, imp.CreatedAt, imp.UpdatedAt,
	)
	if err != nil {
		return classify(err, "import", imp.ID)
	}
	return nil
}

// UpdateImport replaces the progress columns of an existing batch.
func (s *Store) UpdateImport(ctx context.Context, imp monitor.Import) error {
	enc, err := encodeImport(imp)
	if err != nil {
		return fmt.Errorf("import %s: %w", imp.ID, err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE imports
		SET status = $2, options = $3, processed_versions = $4, created_versions = $5,
			updated_versions = $6, skipped_versions = $7, processing_errors = $8,
			processing_warnings = $9, updated_at = $10
		WHERE uuid = $1`,
		imp.ID, string(imp.Status), enc.options, imp.Processed, imp.Created,
		imp.Updated, imp.Skipped, enc.errors, enc.warnings, imp.UpdatedAt,
	)
	if err != nil {
		return classify(err, "import", imp.ID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("import", imp.ID)
	}
	return nil
}

// GetImport fetches an import batch by ID.
func (s *Store) GetImport(ctx context.Context, id string) (monitor.Import, error) {
	var (
		imp      monitor.Import
		status   string
		options  []byte
		errs     []byte
		warnings []byte
	)
	err := s.db.QueryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE uuid = $1`, id).Scan(
		&imp.ID,
		&status,
		&options,
		&imp.PayloadKey,
		&imp.Processed,
		&imp.Created,
		&imp.Updated,
		&imp.Skipped,
		&errs,
		&warnings,
		&imp.CreatedAt,
		&imp.UpdatedAt,
	)
	if err != nil {
		return monitor.Import{}, classify(err, "import", id)
	}
	imp.Status = monitor.ImportStatus(status)
	if err := json.Unmarshal(options, &imp.Options); err != nil {
		return monitor.Import{}, fmt.Errorf("decode options of import %s: %w", id, err)
	}
	if err := json.Unmarshal(errs, &imp.Errors); err != nil {
		return monitor.Import{}, fmt.Errorf("decode processing_errors of import %s: %w", id, err)
	}
	if err := json.Unmarshal(warnings, &imp.Warnings); err != nil {
		return monitor.Import{}, fmt.Errorf("decode processing_warnings of import %s: %w", id, err)
	}
	imp.CreatedAt = imp.CreatedAt.UTC()
	imp.UpdatedAt = imp.UpdatedAt.UTC()
	return imp, nil
}
