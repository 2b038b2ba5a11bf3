package postgres

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmonitor/internal/meta"
	"github.com/JakeFAU/webmonitor/internal/monitor"
)

var stamp = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithDB(mock)
	require.NoError(t, err)
	return store, mock
}

func columns(list string) []string {
	parts := strings.Split(list, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func pageRow(p monitor.Page) *pgxmock.Rows {
	return pgxmock.NewRows(columns(pageColumns)).AddRow(
		p.ID, p.URL, p.URLKey, p.Title, p.Active, p.Status, p.Maintainers, p.Tags, p.CreatedAt, p.UpdatedAt,
	)
}

func versionValues(v monitor.Version, metadata string) []any {
	return []any{
		v.ID, v.PageID, v.CaptureTime, v.BodyHash, v.BodyURL, v.ContentLength, v.MediaType,
		v.SourceType, []byte(metadata), v.Title, v.Different, v.Status, v.NetworkError, v.CreatedAt, v.UpdatedAt,
	}
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoDSN)

	_, err = NewWithDB(nil)
	assert.Error(t, err)
}

func TestGetPage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	want := monitor.Page{
		ID: "p1", URL: "https://example.gov/", URLKey: "gov,example)/", Title: "Example",
		Active: true, Status: 200, Maintainers: []string{"EPA"}, Tags: []string{"site:epa"},
		CreatedAt: stamp, UpdatedAt: stamp,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM pages WHERE uuid = $1")).
		WithArgs("p1").
		WillReturnRows(pageRow(want))

	got, err := store.GetPage(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPageNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM pages WHERE uuid = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetPage(context.Background(), "missing")
	assert.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPageByAliasUsesInterval(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := monitor.Page{ID: "p1", URL: "https://example.gov/new", URLKey: "gov,example)/new", Active: true,
		Maintainers: []string{}, Tags: []string{}, CreatedAt: stamp, UpdatedAt: stamp}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE u.url_key = $1 AND u.from_time <= $2 AND $2 < u.to_time")).
		WithArgs("gov,example)/old", stamp).
		WillReturnRows(pageRow(page))

	got, err := store.FindPageByAlias(context.Background(), "gov,example)/old", stamp)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePageConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	page := monitor.Page{ID: "p1", URL: "https://example.gov/", URLKey: "gov,example)/", CreatedAt: stamp, UpdatedAt: stamp}
	mock.ExpectExec("INSERT INTO pages").
		WithArgs("p1", page.URL, page.URLKey, "", false, 0, []string{}, []string{}, stamp, stamp).
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation})

	err := store.CreatePage(context.Background(), page)
	assert.ErrorIs(t, err, monitor.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePageMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE pages").
		WithArgs("p1", "", "", "", false, 0, []string{}, []string{}, stamp).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdatePage(context.Background(), monitor.Page{ID: "p1", UpdatedAt: stamp})
	assert.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPageURLForeignKey(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	alias, err := monitor.NewPageURL("ghost", "https://example.gov/x")
	require.NoError(t, err)
	alias.ID = "a1"
	mock.ExpectExec("INSERT INTO page_urls").
		WithArgs("a1", "ghost", alias.URL, alias.URLKey, alias.From, alias.To, "").
		WillReturnError(&pgconn.PgError{Code: codeForeignKeyViolation})

	err = store.AddPageURL(context.Background(), alias)
	assert.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())

	alias.To = alias.From
	assert.ErrorIs(t, store.AddPageURL(context.Background(), alias), monitor.ErrValidation)
}

func TestSaveVersionUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	v := monitor.Version{
		ID: "v1", PageID: "p1", CaptureTime: stamp, BodyHash: "abc", BodyURL: "s3://bucket/abc",
		ContentLength: 10, MediaType: "text/html", SourceType: "versionista",
		SourceMetadata: meta.FromPairs("z", "last", "a", 1), Title: "T", Different: true,
		Status: 200, CreatedAt: stamp, UpdatedAt: stamp,
	}
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (uuid) DO UPDATE SET")).
		WithArgs(versionValues(v, `{"z":"last","a":1}`)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveVersion(context.Background(), v))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, store.SaveVersion(context.Background(), monitor.Version{}), monitor.ErrValidation)
}

func TestPreviousVersionOrdersByTimeAndID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	current := monitor.Version{ID: "v2", PageID: "p1", CaptureTime: stamp, SourceType: "s"}
	prev := monitor.Version{ID: "v1", PageID: "p1", CaptureTime: stamp.Add(-time.Hour), SourceType: "s",
		BodyHash: "A", Different: true, CreatedAt: stamp, UpdatedAt: stamp}

	mock.ExpectQuery(regexp.QuoteMeta("(capture_time, uuid) < ($3, $4)")).
		WithArgs("p1", "s", stamp, "v2").
		WillReturnRows(pgxmock.NewRows(columns(versionColumns)).AddRow(versionValues(prev, `{"k":"v"}`)...))

	got, err := store.PreviousVersion(context.Background(), current)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ID)
	assert.Equal(t, "A", got.BodyHash)
	assert.Equal(t, []string{"k"}, got.SourceMetadata.Keys())

	mock.ExpectQuery(regexp.QuoteMeta("(capture_time, uuid) > ($3, $4)")).
		WithArgs("p1", "s", stamp, "v2").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.NextVersion(context.Background(), current)
	assert.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDifferentMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE versions SET different").
		WithArgs("v9", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetDifferent(context.Background(), "v9", false)
	assert.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVersionsForStatusAppendsAnchor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	since := stamp.Add(-14 * 24 * time.Hour)
	recent := monitor.Version{ID: "v3", PageID: "p1", CaptureTime: stamp, Status: 500, CreatedAt: stamp, UpdatedAt: stamp}
	anchor := monitor.Version{ID: "v1", PageID: "p1", CaptureTime: since.Add(-time.Hour), CreatedAt: stamp, UpdatedAt: stamp}

	mock.ExpectQuery(regexp.QuoteMeta("capture_time >= $2")).
		WithArgs("p1", since).
		WillReturnRows(pgxmock.NewRows(columns(versionColumns)).AddRow(versionValues(recent, `{}`)...))
	mock.ExpectQuery(regexp.QuoteMeta("capture_time < $2")).
		WithArgs("p1", since).
		WillReturnRows(pgxmock.NewRows(columns(versionColumns)).AddRow(versionValues(anchor, `{}`)...))

	got, err := store.VersionsForStatus(context.Background(), "p1", since)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v3", got[0].ID)
	assert.Equal(t, "v1", got[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveChangeConflictOnPair(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	c := monitor.Change{ID: "c2", FromVersionID: "v1", VersionID: "v2", CreatedAt: stamp, UpdatedAt: stamp}
	mock.ExpectExec("INSERT INTO changes").
		WithArgs("c2", "v1", "v2", []byte(`{}`), (*float64)(nil), (*float64)(nil), stamp, stamp).
		WillReturnError(&pgconn.PgError{Code: codeUniqueViolation})

	err := store.SaveChange(context.Background(), c)
	assert.ErrorIs(t, err, monitor.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAnnotationsKeepsOrder(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at, seq")).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"uuid", "change_uuid", "author", "annotation", "created_at"}).
			AddRow("a1", "c1", "alice", []byte(`{"b":1,"a":2}`), stamp).
			AddRow("a2", "c1", "", []byte(`{"b":null}`), stamp))

	got, err := store.ListAnnotations(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"b", "a"}, got[0].Data.Keys())
	assert.Equal(t, "alice", got[0].Author)
	assert.True(t, got[1].Data.Has("b"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImportRoundTripColumns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	imp := monitor.Import{
		ID: "i1", Status: monitor.ImportComplete, Processed: 2, Created: 1,
		Options: monitor.ImportOptions{CreatePages: true, UpdateBehavior: monitor.UpdateMerge},
		Errors:  []monitor.RowError{{Row: 2, Message: "capture_time: is required"}},
		UpdatedAt: stamp,
	}
	mock.ExpectExec("UPDATE imports").
		WithArgs("i1", "complete", pgxmock.AnyArg(), 2, 1, 0, 0, pgxmock.AnyArg(), []byte(`[]`), stamp).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateImport(context.Background(), imp))

	mock.ExpectQuery(regexp.QuoteMeta("FROM imports WHERE uuid = $1")).
		WithArgs("i1").
		WillReturnRows(pgxmock.NewRows(columns(importColumns)).AddRow(
			"i1", "complete",
			[]byte(`{"create_pages":true,"skip_unchanged_versions":false,"update":"merge"}`),
			"imports/i1.ndjson", 2, 1, 0, 0,
			[]byte(`[{"row":2,"message":"capture_time: is required"}]`), []byte(`[]`),
			stamp, stamp,
		))
	got, err := store.GetImport(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, monitor.ImportComplete, got.Status)
	assert.Equal(t, monitor.UpdateMerge, got.Options.UpdateBehavior)
	assert.True(t, got.Options.CreatePages)
	assert.Equal(t, imp.Errors, got.Errors)
	assert.Equal(t, "imports/i1.ndjson", got.PayloadKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateImportMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE imports").
		WithArgs("nope", "", pgxmock.AnyArg(), 0, 0, 0, 0, pgxmock.AnyArg(), pgxmock.AnyArg(), time.Time{}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateImport(context.Background(), monitor.Import{ID: "nope"})
	assert.ErrorIs(t, err, monitor.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
