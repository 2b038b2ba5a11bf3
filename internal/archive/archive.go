// Package archive copies remote response bodies into a content-addressed
// archive store.
//
// An Archiver fetches a URL, hashes the raw body with SHA-256 and writes it
// under its hash, so identical bodies are stored once. URLs that already point
// into the store, or into a trusted host, are hashed but never copied.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/metrics"
	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/retry"
)

var (
	// ErrHashMismatch is returned when a fetched body does not match the
	// hash the caller expected.
	ErrHashMismatch = errors.New("archive: body hash mismatch")
	// ErrNoStore is returned by New when no archive store is configured.
	ErrNoStore = errors.New("archive: no archive store configured")
	// ErrNoTrustedHosts is returned by New when trusted hosts are enabled
	// but none are listed.
	ErrNoTrustedHosts = errors.New("archive: trusting allowed hosts requires at least one host")
)

// HashMismatchError carries both digests of a rejected body.
type HashMismatchError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("archive: hash of %s is %s, expected %s", e.URL, e.Actual, e.Expected)
}

// Unwrap lets errors.Is match ErrHashMismatch.
func (e *HashMismatchError) Unwrap() error {
	return ErrHashMismatch
}

// Config controls archiving behavior.
type Config struct {
	// AllowedHosts are URL prefixes whose content is treated as already
	// archived. Scheme and host must match exactly; the path matches on
	// segment boundaries. A bare host matches http and https.
	AllowedHosts      []string `mapstructure:"allowed_hosts"`
	TrustAllowedHosts bool     `mapstructure:"trust_allowed_hosts"`
	MaxAttempts       int      `mapstructure:"max_attempts"`
}

// Result describes an archived body.
type Result struct {
	// URL is the archive locator, or the original URL when it was trusted.
	URL    string `json:"url"`
	Hash   string `json:"hash"`
	Length int64  `json:"length"`
	// Stored is true when this call wrote the body.
	Stored bool `json:"stored"`
	// Trusted is true when the URL was already inside the archive or a
	// trusted host.
	Trusted bool `json:"trusted"`
	// StatusCode is zero when no fetch was needed.
	StatusCode  int    `json:"status_code,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Archiver fetches and stores response bodies.
type Archiver struct {
	store   monitor.ArchiveStore
	fetcher monitor.Fetcher
	hasher  monitor.Hasher
	policy  retry.Policy
	allowed []trustedPrefix
	logger  *zap.Logger
}

// trustedPrefix is a parsed AllowedHosts entry. An empty scheme matches http
// and https.
type trustedPrefix struct {
	scheme string
	host   string
	path   string
}

func parseTrustedPrefix(raw string) (trustedPrefix, error) {
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return trustedPrefix{}, err
	}
	if u.Host == "" {
		return trustedPrefix{}, errors.New("no host")
	}
	return trustedPrefix{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.ToLower(u.Host),
		path:   u.EscapedPath(),
	}, nil
}

func (p trustedPrefix) matches(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	if p.scheme == "" {
		if scheme != "http" && scheme != "https" {
			return false
		}
	} else if scheme != p.scheme {
		return false
	}
	if strings.ToLower(u.Host) != p.host {
		return false
	}
	if p.path == "" || p.path == "/" {
		return true
	}
	path := u.EscapedPath()
	if strings.HasSuffix(p.path, "/") {
		return strings.HasPrefix(path, p.path)
	}
	return path == p.path || strings.HasPrefix(path, p.path+"/")
}

// New builds an Archiver. The archive store and trusted host list are
// explicit; nothing is read from process globals.
func New(
	store monitor.ArchiveStore,
	fetcher monitor.Fetcher,
	hasher monitor.Hasher,
	cfg Config,
	logger *zap.Logger,
) (*Archiver, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if fetcher == nil {
		return nil, fmt.Errorf("archive: fetcher is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("archive: hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var allowed []trustedPrefix
	if cfg.TrustAllowedHosts {
		for _, host := range cfg.AllowedHosts {
			if host = strings.TrimSpace(host); host == "" {
				continue
			}
			prefix, err := parseTrustedPrefix(host)
			if err != nil {
				return nil, fmt.Errorf("archive: allowed host %q: %w", host, err)
			}
			allowed = append(allowed, prefix)
		}
		if len(allowed) == 0 {
			return nil, ErrNoTrustedHosts
		}
	}

	a := &Archiver{
		store:   store,
		fetcher: fetcher,
		hasher:  hasher,
		allowed: allowed,
		logger:  logger,
	}
	a.policy = retry.NewPolicy(cfg.MaxAttempts)
	return a, nil
}

// WithSleep replaces the wait between retries. Tests use it to avoid real
// backoff delays.
func (a *Archiver) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Archiver {
	a.policy.Sleep = sleep
	return a
}

// IsArchived reports whether rawURL already points into the archive store or
// a trusted host.
func (a *Archiver) IsArchived(rawURL string) bool {
	if !strings.Contains(rawURL, "://") {
		return false
	}
	if _, ok := a.store.KeyFor(rawURL); ok {
		return true
	}
	if len(a.allowed) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, prefix := range a.allowed {
		if prefix.matches(u) {
			return true
		}
	}
	return false
}

// HasBody reports whether a body with hash is already archived.
func (a *Archiver) HasBody(ctx context.Context, hash string) (bool, error) {
	hash = normalizeHash(hash)
	if hash == "" {
		return false, nil
	}
	ok, err := a.store.Exists(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("archive: check %s: %w", hash, err)
	}
	return ok, nil
}

// Archive copies the body at rawURL into the store. When expectedHash is set
// and already archived, nothing is fetched. A body whose hash differs from
// expectedHash is rejected without a write.
func (a *Archiver) Archive(ctx context.Context, rawURL, expectedHash string) (Result, error) {
	expectedHash = normalizeHash(expectedHash)
	if expectedHash != "" {
		ok, err := a.HasBody(ctx, expectedHash)
		if err != nil {
			metrics.ObserveArchive(metrics.ArchiveError, 0)
			return Result{}, err
		}
		if ok {
			metrics.ObserveArchive(metrics.ArchiveDeduplicated, 0)
			return Result{URL: a.store.LocatorFor(expectedHash), Hash: expectedHash}, nil
		}
	}

	resp, err := a.load(ctx, rawURL)
	if err != nil {
		metrics.ObserveArchive(metrics.ArchiveError, 0)
		return Result{}, err
	}

	hash, err := a.hasher.Hash(resp.Body)
	if err != nil {
		metrics.ObserveArchive(metrics.ArchiveError, 0)
		return Result{}, fmt.Errorf("archive: hash %s: %w", rawURL, err)
	}
	if expectedHash != "" && hash != expectedHash {
		metrics.ObserveArchive(metrics.ArchiveError, 0)
		return Result{}, &HashMismatchError{URL: rawURL, Expected: expectedHash, Actual: hash}
	}

	result := Result{
		Hash:        hash,
		Length:      int64(len(resp.Body)),
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType(),
	}
	if a.IsArchived(rawURL) {
		result.URL = rawURL
		result.Trusted = true
		metrics.ObserveArchive(metrics.ArchiveTrusted, 0)
		return result, nil
	}

	exists, err := a.store.Exists(ctx, hash)
	if err != nil {
		metrics.ObserveArchive(metrics.ArchiveError, 0)
		return Result{}, fmt.Errorf("archive: check %s: %w", hash, err)
	}
	if exists {
		result.URL = a.store.LocatorFor(hash)
		metrics.ObserveArchive(metrics.ArchiveDeduplicated, 0)
		return result, nil
	}

	locator, err := a.store.Save(ctx, hash, bytes.NewReader(resp.Body), resp.ContentType())
	if err != nil {
		metrics.ObserveArchive(metrics.ArchiveError, 0)
		return Result{}, fmt.Errorf("archive: save %s: %w", hash, err)
	}
	result.URL = locator
	result.Stored = true
	metrics.ObserveArchive(metrics.ArchiveStored, result.Length)
	a.logger.Debug("archived body",
		zap.String("url", rawURL),
		zap.String("hash", hash),
		zap.Int64("length", result.Length),
		zap.String("locator", locator),
	)
	return result, nil
}

// load reads bodies that already live in the store directly and fetches
// everything else.
func (a *Archiver) load(ctx context.Context, rawURL string) (monitor.FetchResponse, error) {
	if !strings.Contains(rawURL, "://") {
		return a.fetch(ctx, rawURL)
	}
	key, ok := a.store.KeyFor(rawURL)
	if !ok {
		return a.fetch(ctx, rawURL)
	}
	body, err := a.store.Read(ctx, key)
	if err != nil {
		return monitor.FetchResponse{}, fmt.Errorf("archive: read %s: %w", rawURL, err)
	}
	return monitor.FetchResponse{URL: rawURL, StatusCode: http.StatusOK, Body: body}, nil
}

// fetch retries 503/504 responses and transient network errors. Once retries
// are exhausted the last response received is returned as-is.
func (a *Archiver) fetch(ctx context.Context, rawURL string) (monitor.FetchResponse, error) {
	var (
		last    monitor.FetchResponse
		hasLast bool
	)
	policy := a.policy
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		metrics.ObserveFetchRetry(rawURL)
		a.logger.Info("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		resp, err := a.fetcher.Fetch(ctx, monitor.FetchRequest{URL: rawURL})
		if err != nil {
			return err
		}
		last, hasLast = resp, true
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
			return &retry.StatusError{URL: rawURL, Code: resp.StatusCode}
		}
		return nil
	})
	if err == nil {
		return last, nil
	}
	if hasLast && retry.IsTransient(err) && ctx.Err() == nil {
		a.logger.Warn("retries exhausted, archiving last response",
			zap.String("url", rawURL),
			zap.Int("status", last.StatusCode),
			zap.Error(err),
		)
		return last, nil
	}
	return monitor.FetchResponse{}, fmt.Errorf("archive: fetch %s: %w", rawURL, err)
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
