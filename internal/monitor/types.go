package monitor

import (
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/webmonitor/internal/canonical"
	"github.com/JakeFAU/webmonitor/internal/meta"
)

// Interval bounds used in place of open PageURL endpoints so range queries
// never deal with missing values.
var (
	NegInf = time.Date(1000, time.January, 1, 0, 0, 0, 0, time.UTC)
	PosInf = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// Page is a monitored resource identified by a canonical URL.
type Page struct {
	ID          string    `json:"uuid"`
	URL         string    `json:"url"`
	URLKey      string    `json:"url_key"`
	Title       string    `json:"title"`
	Active      bool      `json:"active"`
	Status      int       `json:"status,omitempty"`
	Maintainers []string  `json:"maintainers"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SetURL normalizes raw into the page's display URL and recomputes URLKey.
func (p *Page) SetURL(raw string) error {
	display, err := canonical.Canonicalize(raw, canonical.Minimal())
	if err != nil {
		return invalid("url", "%v", err)
	}
	key, err := canonical.SURT(raw, canonical.DefaultOptions())
	if err != nil {
		return invalid("url", "%v", err)
	}
	p.URL = display
	p.URLKey = key
	return nil
}

// Validate rejects pages whose URL has no usable domain.
func (p Page) Validate() error {
	if p.URL == "" {
		return invalid("url", "is required")
	}
	host := canonical.Hostname(p.URL)
	if host == "" {
		return invalid("url", "%q is not a web URL", p.URL)
	}
	if host != "localhost" && !strings.Contains(host, ".") && !canonical.IsIP(host) {
		return invalid("url", "%q must have a domain", p.URL)
	}
	return nil
}

// AddMaintainer records name unless it is already present (case-insensitive).
func (p *Page) AddMaintainer(name string) bool {
	return addUnique(&p.Maintainers, name)
}

// AddTag records name unless it is already present (case-insensitive).
func (p *Page) AddTag(name string) bool {
	return addUnique(&p.Tags, name)
}

func addUnique(list *[]string, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, existing := range *list {
		if strings.EqualFold(existing, name) {
			return false
		}
	}
	*list = append(*list, name)
	return true
}

// PageURL records that URL resolved to a page during [From, To).
type PageURL struct {
	ID     string    `json:"uuid"`
	PageID string    `json:"page_uuid"`
	URL    string    `json:"url"`
	URLKey string    `json:"url_key"`
	From   time.Time `json:"from_time"`
	To     time.Time `json:"to_time"`
	Notes  string    `json:"notes,omitempty"`
}

// NewPageURL builds an unbounded alias for pageID.
func NewPageURL(pageID, rawURL string) (PageURL, error) {
	key, err := canonical.SURT(rawURL, canonical.DefaultOptions())
	if err != nil {
		return PageURL{}, invalid("url", "%v", err)
	}
	return PageURL{PageID: pageID, URL: rawURL, URLKey: key, From: NegInf, To: PosInf}, nil
}

// Contains reports whether t falls inside the alias interval.
func (u PageURL) Contains(t time.Time) bool {
	return !t.Before(u.From) && t.Before(u.To)
}

// Validate checks the interval is well formed.
func (u PageURL) Validate() error {
	if u.URL == "" {
		return invalid("url", "is required")
	}
	if u.From.IsZero() || u.To.IsZero() {
		return invalid("from_time", "interval bounds must be set")
	}
	if !u.From.Before(u.To) {
		return invalid("to_time", "must be after from_time")
	}
	return nil
}

// Version is one capture of a page.
type Version struct {
	ID             string      `json:"uuid"`
	PageID         string      `json:"page_uuid"`
	CaptureTime    time.Time   `json:"capture_time"`
	BodyHash       string      `json:"body_hash,omitempty"`
	BodyURL        string      `json:"body_url,omitempty"`
	ContentLength  int64       `json:"content_length,omitempty"`
	MediaType      string      `json:"media_type,omitempty"`
	SourceType     string      `json:"source_type"`
	SourceMetadata meta.Object `json:"source_metadata"`
	Title          string      `json:"title,omitempty"`
	Different      bool        `json:"different"`
	Status         int         `json:"status,omitempty"`
	NetworkError   string      `json:"network_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Less orders versions by capture time, breaking ties by ID.
func (v Version) Less(other Version) bool {
	if !v.CaptureTime.Equal(other.CaptureTime) {
		return v.CaptureTime.Before(other.CaptureTime)
	}
	return v.ID < other.ID
}

// NetworkErrorStatus stands in for captures that never got an HTTP response.
const NetworkErrorStatus = 599

// EffectiveStatus is the HTTP status used for page status calculations.
func (v Version) EffectiveStatus() int {
	switch {
	case v.Status != 0:
		return v.Status
	case v.NetworkError != "":
		return NetworkErrorStatus
	default:
		return http.StatusOK
	}
}

// Validate checks the fields required before a version is persisted.
func (v Version) Validate() error {
	if v.PageID == "" {
		return invalid("page_uuid", "is required")
	}
	if v.CaptureTime.IsZero() {
		return invalid("capture_time", "is required")
	}
	return nil
}

// Change is the transition between two versions of the same page. A change
// with an empty ID has not been persisted.
type Change struct {
	ID                string      `json:"uuid,omitempty"`
	FromVersionID     string      `json:"uuid_from"`
	VersionID         string      `json:"uuid_to"`
	CurrentAnnotation meta.Object `json:"current_annotation"`
	Priority          *float64    `json:"priority,omitempty"`
	Significance      *float64    `json:"significance,omitempty"`
	CreatedAt         time.Time   `json:"created_at,omitzero"`
	UpdatedAt         time.Time   `json:"updated_at,omitzero"`
}

// Persisted reports whether the change has been saved.
func (c Change) Persisted() bool {
	return c.ID != ""
}

// Validate enforces the pairing invariant for the versions the change links.
func (c Change) Validate(from, to Version) error {
	if c.FromVersionID != from.ID || c.VersionID != to.ID {
		return invalid("uuid_from", "versions do not match change")
	}
	if from.ID == to.ID {
		return invalid("uuid_from", "cannot be the same as uuid_to")
	}
	if from.PageID != to.PageID {
		return invalid("uuid_from", "versions belong to different pages")
	}
	if !from.CaptureTime.Before(to.CaptureTime) {
		return invalid("uuid_from", "must be captured before uuid_to")
	}
	return nil
}

// Annotation is an immutable authored JSON object attached to a change.
type Annotation struct {
	ID        string      `json:"uuid"`
	ChangeID  string      `json:"change_uuid"`
	Author    string      `json:"author,omitempty"`
	Data      meta.Object `json:"annotation"`
	CreatedAt time.Time   `json:"created_at"`
}

// ImportStatus is the lifecycle state of an import batch.
type ImportStatus string

// Import status values persisted in the import store.
const (
	ImportPending    ImportStatus = "pending"
	ImportProcessing ImportStatus = "processing"
	ImportComplete   ImportStatus = "complete"
	ImportFailed     ImportStatus = "failed"
)

// UpdateBehavior selects how an import treats a version that already exists.
type UpdateBehavior string

// Update behaviors accepted by the importer.
const (
	UpdateSkip    UpdateBehavior = "skip"
	UpdateReplace UpdateBehavior = "replace"
	UpdateMerge   UpdateBehavior = "merge"
)

// ParseUpdateBehavior maps user input to an UpdateBehavior, defaulting to skip.
func ParseUpdateBehavior(raw string) (UpdateBehavior, error) {
	switch b := UpdateBehavior(strings.ToLower(strings.TrimSpace(raw))); b {
	case "":
		return UpdateSkip, nil
	case UpdateSkip, UpdateReplace, UpdateMerge:
		return b, nil
	default:
		return "", invalid("update", "unknown update behavior %q", raw)
	}
}

// ImportOptions are the per-batch knobs supplied by the submitter.
type ImportOptions struct {
	CreatePages           bool           `json:"create_pages" mapstructure:"create_pages"`
	SkipUnchangedVersions bool           `json:"skip_unchanged_versions" mapstructure:"skip_unchanged_versions"`
	UpdateBehavior        UpdateBehavior `json:"update" mapstructure:"update_behavior"`
}

// RowError pins a message to a record of an import batch (1-based).
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Import is the persisted record of one batch.
type Import struct {
	ID         string        `json:"uuid"`
	Status     ImportStatus  `json:"status"`
	Options    ImportOptions `json:"options"`
	PayloadKey string        `json:"payload_key,omitempty"`
	Processed  int           `json:"processed_versions"`
	Created    int           `json:"created_versions"`
	Updated    int           `json:"updated_versions"`
	Skipped    int           `json:"skipped_versions"`
	Errors     []RowError    `json:"processing_errors"`
	Warnings   []RowError    `json:"processing_warnings"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// AddError records a failed row.
func (i *Import) AddError(row int, err error) {
	i.Errors = append(i.Errors, RowError{Row: row, Message: err.Error()})
}

// AddWarning records a skipped row that is not a failure.
func (i *Import) AddWarning(row int, message string) {
	i.Warnings = append(i.Warnings, RowError{Row: row, Message: message})
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response media type without parameters.
func (r FetchResponse) ContentType() string {
	ct := r.Headers.Get("Content-Type")
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// QueueItem wraps an import batch ready to run.
type QueueItem struct {
	ImportID  string
	Attempt   int
	Submitted int64
}

// TopicVersionImported is published after each successfully imported version.
const TopicVersionImported = "version.imported"

// VersionImported is the payload published for downstream analysis.
type VersionImported struct {
	PageID      string    `json:"page_id"`
	VersionID   string    `json:"version_id"`
	Different   bool      `json:"different"`
	BodyHash    string    `json:"body_hash,omitempty"`
	CaptureTime time.Time `json:"capture_time"`
}
