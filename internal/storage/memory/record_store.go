package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// Store provides an in-memory monitor.Store for development/testing.
type Store struct {
	mu          sync.RWMutex
	pages       map[string]monitor.Page
	aliases     []monitor.PageURL
	versions    map[string]monitor.Version
	changes     map[string]monitor.Change
	annotations map[string][]monitor.Annotation
	imports     map[string]monitor.Import
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		pages:       make(map[string]monitor.Page),
		versions:    make(map[string]monitor.Version),
		changes:     make(map[string]monitor.Change),
		annotations: make(map[string][]monitor.Annotation),
		imports:     make(map[string]monitor.Import),
	}
}

var _ monitor.Store = (*Store)(nil)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, monitor.ErrNotFound)
}

// GetPage fetches a page by ID.
func (s *Store) GetPage(_ context.Context, id string) (monitor.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[id]
	if !ok {
		return monitor.Page{}, notFound("page", id)
	}
	return copyPage(page), nil
}

// FindPageByURLKey returns the oldest page with urlKey.
func (s *Store) FindPageByURLKey(_ context.Context, urlKey string) (monitor.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found monitor.Page
		ok    bool
	)
	for _, page := range s.pages {
		if page.URLKey != urlKey {
			continue
		}
		if !ok || page.CreatedAt.Before(found.CreatedAt) ||
			(page.CreatedAt.Equal(found.CreatedAt) && page.ID < found.ID) {
			found, ok = page, true
		}
	}
	if !ok {
		return monitor.Page{}, notFound("page with url_key", urlKey)
	}
	return copyPage(found), nil
}

// FindPageByAlias resolves urlKey through PageURL intervals containing at.
func (s *Store) FindPageByAlias(_ context.Context, urlKey string, at time.Time) (monitor.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, alias := range s.aliases {
		if alias.URLKey != urlKey || !alias.Contains(at) {
			continue
		}
		if page, ok := s.pages[alias.PageID]; ok {
			return copyPage(page), nil
		}
	}
	return monitor.Page{}, notFound("page alias", urlKey)
}

// CreatePage stores a new page.
func (s *Store) CreatePage(_ context.Context, page monitor.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.ID]; exists {
		return fmt.Errorf("page %q: %w", page.ID, monitor.ErrConflict)
	}
	s.pages[page.ID] = copyPage(page)
	return nil
}

// UpdatePage replaces an existing page.
func (s *Store) UpdatePage(_ context.Context, page monitor.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.ID]; !exists {
		return notFound("page", page.ID)
	}
	s.pages[page.ID] = copyPage(page)
	return nil
}

// AddPageURL records an alias for a page.
func (s *Store) AddPageURL(_ context.Context, alias monitor.PageURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[alias.PageID]; !exists {
		return notFound("page", alias.PageID)
	}
	for _, existing := range s.aliases {
		if existing.PageID == alias.PageID && existing.URL == alias.URL &&
			existing.From.Equal(alias.From) && existing.To.Equal(alias.To) {
			return nil
		}
	}
	s.aliases = append(s.aliases, alias)
	return nil
}

// GetVersion fetches a version by ID.
func (s *Store) GetVersion(_ context.Context, id string) (monitor.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return monitor.Version{}, notFound("version", id)
	}
	return copyVersion(v), nil
}

// FindVersion returns the version captured at captureTime by sourceType.
func (s *Store) FindVersion(
	_ context.Context,
	pageID string,
	captureTime time.Time,
	sourceType string,
) (monitor.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions {
		if v.PageID == pageID && v.SourceType == sourceType && v.CaptureTime.Equal(captureTime) {
			return copyVersion(v), nil
		}
	}
	return monitor.Version{}, notFound("version at", captureTime.Format(time.RFC3339Nano))
}

// PreviousVersion returns the nearest earlier version in the same chain.
func (s *Store) PreviousVersion(_ context.Context, v monitor.Version) (monitor.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best monitor.Version
		ok   bool
	)
	for _, other := range s.versions {
		if !sameChain(v, other) || !other.Less(v) {
			continue
		}
		if !ok || best.Less(other) {
			best, ok = other, true
		}
	}
	if !ok {
		return monitor.Version{}, notFound("version before", v.ID)
	}
	return copyVersion(best), nil
}

// NextVersion returns the nearest later version in the same chain.
func (s *Store) NextVersion(_ context.Context, v monitor.Version) (monitor.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best monitor.Version
		ok   bool
	)
	for _, other := range s.versions {
		if !sameChain(v, other) || !v.Less(other) {
			continue
		}
		if !ok || other.Less(best) {
			best, ok = other, true
		}
	}
	if !ok {
		return monitor.Version{}, notFound("version after", v.ID)
	}
	return copyVersion(best), nil
}

// SaveVersion inserts or replaces a version by ID.
func (s *Store) SaveVersion(_ context.Context, v monitor.Version) error {
	if v.ID == "" {
		return &monitor.ValidationError{Field: "uuid", Message: "is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.ID] = copyVersion(v)
	return nil
}

// SetDifferent updates only the different flag.
func (s *Store) SetDifferent(_ context.Context, versionID string, different bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return notFound("version", versionID)
	}
	v.Different = different
	s.versions[versionID] = v
	return nil
}

// VersionsForStatus returns versions since the window start, newest first,
// plus the newest version before it.
func (s *Store) VersionsForStatus(_ context.Context, pageID string, since time.Time) ([]monitor.Version, error) {
	all := s.pageVersions(pageID)
	sort.Slice(all, func(i, j int) bool { return all[j].Less(all[i]) })
	out := make([]monitor.Version, 0, len(all))
	for _, v := range all {
		out = append(out, v)
		if v.CaptureTime.Before(since) {
			break
		}
	}
	return out, nil
}

// LatestVersion returns the newest version of a page across sources.
func (s *Store) LatestVersion(_ context.Context, pageID string) (monitor.Version, error) {
	all := s.pageVersions(pageID)
	if len(all) == 0 {
		return monitor.Version{}, notFound("latest version of page", pageID)
	}
	latest := all[0]
	for _, v := range all[1:] {
		if latest.Less(v) {
			latest = v
		}
	}
	return latest, nil
}

// CountVersions counts a page's versions.
func (s *Store) CountVersions(_ context.Context, pageID string) (int, error) {
	return len(s.pageVersions(pageID)), nil
}

func (s *Store) pageVersions(pageID string) []monitor.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Version
	for _, v := range s.versions {
		if v.PageID == pageID {
			out = append(out, copyVersion(v))
		}
	}
	return out
}

// GetChange fetches a change by ID.
func (s *Store) GetChange(_ context.Context, id string) (monitor.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.changes[id]
	if !ok {
		return monitor.Change{}, notFound("change", id)
	}
	return copyChange(c), nil
}

// FindChange looks up the change for a version pair.
func (s *Store) FindChange(_ context.Context, fromVersionID, toVersionID string) (monitor.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.changes {
		if c.FromVersionID == fromVersionID && c.VersionID == toVersionID {
			return copyChange(c), nil
		}
	}
	return monitor.Change{}, notFound("change", fromVersionID+".."+toVersionID)
}

// SaveChange inserts or replaces a change. Pairs are unique.
func (s *Store) SaveChange(_ context.Context, c monitor.Change) error {
	if c.ID == "" {
		return &monitor.ValidationError{Field: "uuid", Message: "is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.changes {
		if id != c.ID && existing.FromVersionID == c.FromVersionID && existing.VersionID == c.VersionID {
			return fmt.Errorf("change %s..%s: %w", c.FromVersionID, c.VersionID, monitor.ErrConflict)
		}
	}
	s.changes[c.ID] = copyChange(c)
	return nil
}

// AddAnnotation appends an annotation to its change.
func (s *Store) AddAnnotation(_ context.Context, a monitor.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.changes[a.ChangeID]; !ok {
		return notFound("change", a.ChangeID)
	}
	a.Data = a.Data.Clone()
	s.annotations[a.ChangeID] = append(s.annotations[a.ChangeID], a)
	return nil
}

// ListAnnotations returns annotations in creation order.
func (s *Store) ListAnnotations(_ context.Context, changeID string) ([]monitor.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.annotations[changeID]
	out := make([]monitor.Annotation, len(stored))
	for i, a := range stored {
		a.Data = a.Data.Clone()
		out[i] = a
	}
	return out, nil
}

// CreateImport stores a new import batch.
func (s *Store) CreateImport(_ context.Context, imp monitor.Import) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.imports[imp.ID]; exists {
		return fmt.Errorf("import %q: %w", imp.ID, monitor.ErrConflict)
	}
	s.imports[imp.ID] = copyImport(imp)
	return nil
}

// UpdateImport replaces an existing import batch.
func (s *Store) UpdateImport(_ context.Context, imp monitor.Import) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.imports[imp.ID]; !exists {
		return notFound("import", imp.ID)
	}
	s.imports[imp.ID] = copyImport(imp)
	return nil
}

// GetImport fetches an import batch by ID.
func (s *Store) GetImport(_ context.Context, id string) (monitor.Import, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	imp, ok := s.imports[id]
	if !ok {
		return monitor.Import{}, notFound("import", id)
	}
	return copyImport(imp), nil
}

func sameChain(a, b monitor.Version) bool {
	return a.ID != b.ID && a.PageID == b.PageID && a.SourceType == b.SourceType
}

func copyPage(p monitor.Page) monitor.Page {
	p.Maintainers = append([]string(nil), p.Maintainers...)
	p.Tags = append([]string(nil), p.Tags...)
	return p
}

func copyVersion(v monitor.Version) monitor.Version {
	v.SourceMetadata = v.SourceMetadata.Clone()
	return v
}

func copyChange(c monitor.Change) monitor.Change {
	c.CurrentAnnotation = c.CurrentAnnotation.Clone()
	if c.Priority != nil {
		p := *c.Priority
		c.Priority = &p
	}
	if c.Significance != nil {
		sig := *c.Significance
		c.Significance = &sig
	}
	return c
}

func copyImport(imp monitor.Import) monitor.Import {
	imp.Errors = append([]monitor.RowError(nil), imp.Errors...)
	imp.Warnings = append([]monitor.RowError(nil), imp.Warnings...)
	return imp
}
