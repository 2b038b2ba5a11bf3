package monitor

import (
	"context"
	"io"
	"time"
)

// PageStore persists pages and their URL aliases.
type PageStore interface {
	GetPage(ctx context.Context, id string) (Page, error)
	// FindPageByURLKey returns the page whose url_key matches.
	FindPageByURLKey(ctx context.Context, urlKey string) (Page, error)
	// FindPageByAlias returns the page with a PageURL for urlKey whose
	// interval contains at.
	FindPageByAlias(ctx context.Context, urlKey string, at time.Time) (Page, error)
	CreatePage(ctx context.Context, page Page) error
	UpdatePage(ctx context.Context, page Page) error
	AddPageURL(ctx context.Context, alias PageURL) error
}

// VersionStore persists versions. Neighbor lookups are scoped to one page and
// one source type and ordered by (capture_time, id).
type VersionStore interface {
	GetVersion(ctx context.Context, id string) (Version, error)
	FindVersion(ctx context.Context, pageID string, captureTime time.Time, sourceType string) (Version, error)
	PreviousVersion(ctx context.Context, v Version) (Version, error)
	NextVersion(ctx context.Context, v Version) (Version, error)
	SaveVersion(ctx context.Context, v Version) error
	SetDifferent(ctx context.Context, versionID string, different bool) error
	// VersionsForStatus returns versions captured at or after since, newest
	// first, followed by the newest version captured before since if any.
	VersionsForStatus(ctx context.Context, pageID string, since time.Time) ([]Version, error)
	LatestVersion(ctx context.Context, pageID string) (Version, error)
	CountVersions(ctx context.Context, pageID string) (int, error)
}

// ChangeStore persists changes and their annotations.
type ChangeStore interface {
	GetChange(ctx context.Context, id string) (Change, error)
	FindChange(ctx context.Context, fromVersionID, toVersionID string) (Change, error)
	SaveChange(ctx context.Context, change Change) error
	AddAnnotation(ctx context.Context, annotation Annotation) error
	// ListAnnotations returns the annotations of a change in creation order.
	ListAnnotations(ctx context.Context, changeID string) ([]Annotation, error)
}

// ImportStore persists import batch records.
type ImportStore interface {
	CreateImport(ctx context.Context, imp Import) error
	UpdateImport(ctx context.Context, imp Import) error
	GetImport(ctx context.Context, id string) (Import, error)
}

// Store groups every record store the engine uses.
type Store interface {
	PageStore
	VersionStore
	ChangeStore
	ImportStore
}

// ArchiveStore is a content-addressed blob store.
type ArchiveStore interface {
	// Save writes body under key and returns the locator for it.
	Save(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	// Exists accepts either a bare key or a locator produced by this store.
	Exists(ctx context.Context, keyOrURL string) (bool, error)
	LocatorFor(key string) string
	// KeyFor extracts the key from a locator of this store. It reports false
	// for URLs that do not point into the store.
	KeyFor(keyOrURL string) (string, bool)
}

// Fetcher fetches a URL and returns the body plus metadata. HTTP error
// statuses are returned as responses, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for import batches.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// PageLocker serializes version mutations per page.
type PageLocker interface {
	Lock(ctx context.Context, pageID string) (unlock func(), err error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
