package diffservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestDiffReturnsJSONPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/html_source_dmp", r.URL.Path)
		assert.Equal(t, "https://archive.example/a", r.URL.Query().Get("a"))
		assert.Equal(t, "https://archive.example/b", r.URL.Query().Get("b"))
		assert.Equal(t, "html", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"change_count": 2, "diff": [[0, "same "], [-1, "old"], [1, "new"]]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	result, err := client.Diff(context.Background(), "html_source_dmp",
		"https://archive.example/a", "https://archive.example/b", map[string]string{"format": "html", "a": "ignored"})
	require.NoError(t, err)
	assert.True(t, result.IsJSON())
	assert.NotNil(t, result.JSON())

	ops, err := result.Operations()
	require.NoError(t, err)
	assert.Equal(t, []Operation{
		{Op: OpEqual, Text: "same "},
		{Op: OpDelete, Text: "old"},
		{Op: OpInsert, Text: "new"},
	}, ops)
}

func TestDiffReturnsText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<del>old</del><ins>new</ins>"))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	result, err := client.Diff(context.Background(), "html_visual_diff", "a", "b", nil)
	require.NoError(t, err)
	assert.False(t, result.IsJSON())
	assert.Nil(t, result.JSON())
	assert.Equal(t, "<del>old</del><ins>new</ins>", result.Text())
}

func TestDiffSurfacesUpstreamErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": 400, "error": "Received a non-text body"}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Retries: 2}, nil)
	require.NoError(t, err)

	_, err = client.Diff(context.Background(), "html_token", "a", "b", nil)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusBadRequest, svcErr.Status)
	assert.Equal(t, "Received a non-text body", svcErr.Message)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}

func TestDiffRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream fetch failed"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[[0, "ok"]]`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Retries: 2}, nil)
	require.NoError(t, err)
	client.http.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	result, err := client.Diff(context.Background(), "identical_bytes", "a", "b", nil)
	require.NoError(t, err)
	ops, err := result.Operations()
	require.NoError(t, err)
	assert.Equal(t, []Operation{{Op: OpEqual, Text: "ok"}}, ops)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDiffPlainTextErrorAfterRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom\n"))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Retries: 0}, nil)
	require.NoError(t, err)

	_, err = client.Diff(context.Background(), "html_token", "a", "b", nil)
	var svcErr *Error
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusInternalServerError, svcErr.Status)
	assert.Equal(t, "boom", svcErr.Message)
}

func TestOperationsRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	for _, body := range []string{``, `{}`, `[[2, "x"]]`, `[[0]]`, `[[0, 5]]`, `"text"`} {
		_, err := Result{ContentType: "application/json", Body: []byte(body)}.Operations()
		assert.Error(t, err, body)
	}
}
