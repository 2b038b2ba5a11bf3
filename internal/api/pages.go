package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/diffservice"
	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// changeView is a change together with the versions it links.
type changeView struct {
	Change monitor.Change  `json:"change"`
	From   monitor.Version `json:"from"`
	To     monitor.Version `json:"to"`
}

// getPage handles GET /v1/pages/{page_id}. The response carries the page,
// its newest version (if any) and its version count.
func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	page, err := s.store.GetPage(ctx, chi.URLParam(r, "page_id"))
	if err != nil {
		s.writeStoreError(w, err, "page")
		return
	}
	resp := map[string]any{"page": page}
	latest, err := s.store.LatestVersion(ctx, page.ID)
	switch {
	case err == nil:
		resp["latest"] = latest
	case !errors.Is(err, monitor.ErrNotFound):
		s.writeStoreError(w, err, "latest version")
		return
	}
	count, err := s.store.CountVersions(ctx, page.ID)
	if err != nil {
		s.writeStoreError(w, err, "versions")
		return
	}
	resp["versions"] = count
	writeJSON(w, http.StatusOK, resp)
}

// getChange handles GET /v1/pages/{page_id}/changes/{change_id}.
func (s *Server) getChange(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	view, ok := s.loadChange(ctx, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// annotate handles POST /v1/pages/{page_id}/changes/{change_id}/annotations.
// The body must be a JSON object; the author comes from X-Author. An unsaved
// change is persisted by the first annotation.
func (s *Server) annotate(w http.ResponseWriter, r *http.Request) {
	if s.annotations == nil {
		writeError(w, http.StatusServiceUnavailable, "annotations are not configured")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAnnotation))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "annotation is too large")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	view, ok := s.loadChange(ctx, w, r)
	if !ok {
		return
	}
	author := strings.TrimSpace(r.Header.Get("X-Author"))
	created, err := s.annotations.Annotate(ctx, &view.Change, raw, author)
	if err != nil {
		s.writeStoreError(w, err, "change")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"annotation": created,
		"change":     view.Change,
	})
}

// diff handles GET /v1/pages/{page_id}/changes/{change_id}/diff/{kind}. The
// archived bodies of both versions are handed to the differencing service and
// its answer is relayed as-is. Extra query parameters pass through.
func (s *Server) diff(w http.ResponseWriter, r *http.Request) {
	if s.differ == nil {
		writeError(w, http.StatusServiceUnavailable, "diff service is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	view, ok := s.loadChange(ctx, w, r)
	if !ok {
		return
	}
	if view.From.BodyURL == "" || view.To.BodyURL == "" {
		writeError(w, http.StatusUnprocessableEntity, "both versions need an archived body to diff")
		return
	}
	params := map[string]string{}
	for k, values := range r.URL.Query() {
		if k != "api_key" && len(values) > 0 {
			params[k] = values[0]
		}
	}
	kind := chi.URLParam(r, "kind")
	result, err := s.differ.Diff(ctx, kind, view.From.BodyURL, view.To.BodyURL, params)
	if err != nil {
		var upstream *diffservice.Error
		if errors.As(err, &upstream) {
			status := upstream.Status
			if status >= http.StatusInternalServerError {
				status = http.StatusBadGateway
			}
			writeError(w, status, upstream.Message)
			return
		}
		s.logger.Error("diff failed", zap.String("kind", kind), zap.Error(err))
		writeError(w, http.StatusBadGateway, "diff service request failed")
		return
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

// loadChange resolves the change_id path segment, "<from>..<to>" or "..<to>",
// to a change of page_id and the versions it links. It writes the error
// response itself and reports false on failure.
func (s *Server) loadChange(ctx context.Context, w http.ResponseWriter, r *http.Request) (changeView, bool) {
	if s.store == nil || s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return changeView{}, false
	}
	pageID := chi.URLParam(r, "page_id")
	fromID, toID, found := strings.Cut(chi.URLParam(r, "change_id"), "..")
	if !found || toID == "" {
		writeError(w, http.StatusBadRequest, `change id must be "<from>..<to>" or "..<to>"`)
		return changeView{}, false
	}

	to, err := s.pageVersion(ctx, pageID, toID)
	if err != nil {
		s.writeStoreError(w, err, "version")
		return changeView{}, false
	}
	var from *monitor.Version
	if fromID != "" {
		v, err := s.pageVersion(ctx, pageID, fromID)
		if err != nil {
			s.writeStoreError(w, err, "version")
			return changeView{}, false
		}
		from = &v
	}
	change, err := s.engine.Between(ctx, from, to, false)
	if err != nil {
		s.writeStoreError(w, err, "change")
		return changeView{}, false
	}
	if from == nil {
		v, err := s.store.GetVersion(ctx, change.FromVersionID)
		if err != nil {
			s.writeStoreError(w, err, "version")
			return changeView{}, false
		}
		from = &v
	}
	if err := change.Validate(*from, to); err != nil {
		s.writeStoreError(w, err, "change")
		return changeView{}, false
	}
	return changeView{Change: change, From: *from, To: to}, true
}

// pageVersion loads a version and hides versions of other pages.
func (s *Server) pageVersion(ctx context.Context, pageID, versionID string) (monitor.Version, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return monitor.Version{}, err
	}
	if v.PageID != pageID {
		return monitor.Version{}, monitor.ErrNotFound
	}
	return v, nil
}
