package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmonitor/internal/config"
	"github.com/JakeFAU/webmonitor/internal/monitor"
	memorypublisher "github.com/JakeFAU/webmonitor/internal/publisher/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Level = "error"
	cfg.Importer.Concurrency = 1
	return cfg
}

func bodyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, "<html><title>%s</title></html>", strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func row(source, captured, path string) string {
	return fmt.Sprintf(
		`{"page_url":"https://example.gov/about","capture_time":%q,"uri":"%s/%s","source_type":"versionista"}`,
		captured, source, path,
	)
}

func TestBuildDefaultsToInMemoryBackends(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })

	assert.Nil(t, app.pg)
	assert.Nil(t, app.redis)
	assert.Nil(t, app.pubsub)
	assert.Nil(t, app.differ)
	assert.IsType(t, &memorypublisher.Publisher{}, app.publisher)
	require.NoError(t, app.ready(ctx))

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := Build(context.Background(), cfg)

	require.ErrorContains(t, err, "redis init failed")
}

func TestImportRunsSynchronously(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })
	source := bodyServer(t)

	payload := strings.Join([]string{
		row(source.URL, "2024-05-01T00:00:00Z", "one"),
		row(source.URL, "2024-05-02T00:00:00Z", "one"),
		row(source.URL, "2024-05-03T00:00:00Z", "two"),
	}, "\n")
	imp, err := app.Import(ctx, monitor.ImportOptions{CreatePages: true}, strings.NewReader(payload))

	require.NoError(t, err)
	assert.Equal(t, monitor.ImportComplete, imp.Status)
	assert.Equal(t, 3, imp.Created)
	assert.Empty(t, imp.Errors)

	stored, err := app.records.GetImport(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, monitor.ImportComplete, stored.Status)

	page, err := app.records.FindPageByURLKey(ctx, "gov,example)/about")
	require.NoError(t, err)
	count, err := app.records.CountVersions(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	events := app.publisher.(*memorypublisher.Publisher).Messages(monitor.TopicVersionImported)
	require.Len(t, events, 3)
	var second monitor.VersionImported
	require.NoError(t, events[1].Decode(&second))
	assert.False(t, second.Different)
}

func TestSubmittedImportIsProcessedByWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	source := bodyServer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		app.dispatch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = app.Close(context.Background())
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(row(source.URL, "2024-05-01T00:00:00Z", "one")))
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted struct {
		Import monitor.Import `json:"import"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	require.Eventually(t, func() bool {
		imp, err := app.records.GetImport(ctx, accepted.Import.ID)
		return err == nil && imp.Status == monitor.ImportComplete
	}, 5*time.Second, 20*time.Millisecond)
}
