package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/canonical"
	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// payloadPrefix is the archive-store folder import payloads are kept in.
const payloadPrefix = "imports/"

// canonicalize handles GET /v1/canonicalize?url=. It answers with the display
// form of the URL and the key pages are matched by.
func (s *Server) canonicalize(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	display, err := canonical.Canonicalize(raw, canonical.Minimal())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := canonical.SURT(raw, canonical.DefaultOptions())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":       raw,
		"canonical": display,
		"url_key":   key,
	})
}

// submitImport handles POST /v1/imports?update=&create_pages=&skip_unchanged_versions=.
// The body is a JSON array or NDJSON stream of version records. The payload is
// kept in the archive store and the batch is queued; the response is 202 with
// the pending import.
func (s *Server) submitImport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil || s.payloads == nil || s.submitter == nil || s.ids == nil || s.clock == nil {
		writeError(w, http.StatusServiceUnavailable, "imports are not configured")
		return
	}
	opts, err := s.importOptions(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxImportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("import payload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read import payload")
		return
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		writeError(w, http.StatusBadRequest, "import payload is empty")
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		s.writeStoreError(w, fmt.Errorf("import id: %w", err), "import")
		return
	}
	key, contentType := payloadPrefix+id+".ndjson", "application/x-ndjson"
	if trimmed[0] == '[' {
		key, contentType = payloadPrefix+id+".json", "application/json"
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.payloads.Save(ctx, key, bytes.NewReader(body), contentType); err != nil {
		s.writeStoreError(w, fmt.Errorf("store payload: %w", err), "import payload")
		return
	}
	now := s.clock.Now()
	imp := monitor.Import{
		ID:         id,
		Status:     monitor.ImportPending,
		Options:    opts,
		PayloadKey: key,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateImport(ctx, imp); err != nil {
		s.writeStoreError(w, err, "import")
		return
	}
	if err := s.submitter.Submit(ctx, imp); err != nil {
		s.logger.Error("queue import failed", zap.String("import_id", id), zap.Error(err))
		imp.Status = monitor.ImportFailed
		imp.AddError(0, err)
		if saveErr := s.store.UpdateImport(context.WithoutCancel(ctx), imp); saveErr != nil {
			s.logger.Error("mark import failed", zap.String("import_id", id), zap.Error(saveErr))
		}
		writeError(w, http.StatusServiceUnavailable, "import queue unavailable")
		return
	}
	s.logger.Info("import queued",
		zap.String("import_id", id),
		zap.Int("bytes", len(body)),
		zap.String("update", string(opts.UpdateBehavior)),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"import": imp})
}

// getImport handles GET /v1/imports/{import_id}.
func (s *Server) getImport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	imp, err := s.store.GetImport(ctx, chi.URLParam(r, "import_id"))
	if err != nil {
		s.writeStoreError(w, err, "import")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"import": imp})
}

// importOptions overlays query parameters on the configured defaults.
func (s *Server) importOptions(query url.Values) (monitor.ImportOptions, error) {
	opts := s.cfg.Importer.ImportOptions
	if raw := query.Get("update"); raw != "" {
		opts.UpdateBehavior = monitor.UpdateBehavior(raw)
	}
	behavior, err := monitor.ParseUpdateBehavior(string(opts.UpdateBehavior))
	if err != nil {
		return monitor.ImportOptions{}, err
	}
	opts.UpdateBehavior = behavior
	if opts.CreatePages, err = boolParam(query, "create_pages", opts.CreatePages); err != nil {
		return monitor.ImportOptions{}, err
	}
	if opts.SkipUnchangedVersions, err = boolParam(query, "skip_unchanged_versions", opts.SkipUnchangedVersions); err != nil {
		return monitor.ImportOptions{}, err
	}
	return opts, nil
}

func boolParam(query url.Values, name string, def bool) (bool, error) {
	raw := query.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, monitor.Invalid(name, "%q is not a boolean", raw)
	}
	return v, nil
}
