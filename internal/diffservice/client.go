// Package diffservice is a client for the external differencing service,
// which compares two archived bodies and returns a diff.
package diffservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Client defaults.
const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 2
)

// ErrNoBaseURL is returned by New when the service URL is missing.
var ErrNoBaseURL = errors.New("diffservice: base URL is required")

// Error reports a failed request to the differencing service.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("diff service error (%d): %s", e.Status, e.Message)
}

// Config holds the service location and request policy.
type Config struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Retries        int    `mapstructure:"retries"`
}

// Client calls the differencing service.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New creates a client. Server errors (5xx) and transport failures are
// retried with backoff; other failures are returned immediately.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json, text/plain;q=0.9, */*;q=0.5").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{http: httpClient, logger: logger}, nil
}

// Diff asks the service for a diff of kind between the bodies at a and b.
// Extra params are passed through as query parameters.
func (c *Client) Diff(ctx context.Context, kind, a, b string, params map[string]string) (Result, error) {
	kind = strings.Trim(kind, "/")
	if kind == "" {
		return Result{}, fmt.Errorf("diffservice: diff kind is required")
	}
	query := map[string]string{}
	for k, v := range params {
		query[k] = v
	}
	query["a"] = a
	query["b"] = b

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get("/" + url.PathEscape(kind))
	if err != nil {
		c.logger.Warn("diff request failed", zap.String("kind", kind), zap.Error(err))
		return Result{}, fmt.Errorf("diffservice: request %s: %w", kind, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return Result{}, &Error{Status: resp.StatusCode(), Message: errorMessage(resp.Body())}
	}

	return Result{
		ContentType: mediaType(resp.Header().Get("Content-Type")),
		Body:        resp.Body(),
	}, nil
}

// errorMessage prefers the service's {"error": "..."} field over the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return http.StatusText(http.StatusBadGateway)
	}
	return text
}

func mediaType(contentType string) string {
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
