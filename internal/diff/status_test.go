package diff

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/storage/memory"
)

const day = 24 * time.Hour

var statusNow = time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)

func seedStatuses(t *testing.T, store *memory.Store, pageID string, captures map[time.Duration]int) {
	t.Helper()
	for ago, status := range captures {
		v := monitor.Version{
			ID:          pageID + "-" + ago.String(),
			PageID:      pageID,
			CaptureTime: statusNow.Add(-ago),
			Status:      status,
			SourceType:  "s",
		}
		require.NoError(t, store.SaveVersion(context.Background(), v))
	}
}

func TestStatusIsTimeWeighted(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		captures map[time.Duration]int
		want     int
	}{
		{
			name:     "two error days out of fourteen stay up",
			captures: map[time.Duration]int{20 * day: 200, 2 * day: 500},
			want:     http.StatusOK,
		},
		{
			name:     "twelve error days out of fourteen go down",
			captures: map[time.Duration]int{20 * day: 500, 2 * day: 200},
			want:     http.StatusInternalServerError,
		},
		{
			name:     "most recent error code wins",
			captures: map[time.Duration]int{20 * day: 200, 10 * day: 404, 5 * day: 503},
			want:     http.StatusServiceUnavailable,
		},
		{
			name:     "single latest error is not enough",
			captures: map[time.Duration]int{13 * day: 200, 1 * day: 500},
			want:     http.StatusOK,
		},
		{
			name:     "only the anchor counts when nothing is in window",
			captures: map[time.Duration]int{30 * day: 404, 40 * day: 200},
			want:     http.StatusNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := memory.NewStore()
			seedStatuses(t, store, "page", tc.captures)

			calc := NewStatusCalculator(store, 0, 0)
			got, err := calc.Status(context.Background(), "page", statusNow)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStatusTreatsNetworkErrorsAsFailures(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SaveVersion(ctx, monitor.Version{
		ID: "v1", PageID: "page", CaptureTime: statusNow.Add(-10 * day), NetworkError: "connection reset",
	}))

	got, err := NewStatusCalculator(store, 0, 0).Status(ctx, "page", statusNow)
	require.NoError(t, err)
	assert.Equal(t, monitor.NetworkErrorStatus, got)
}

func TestStatusWithoutVersions(t *testing.T) {
	t.Parallel()

	got, err := NewStatusCalculator(memory.NewStore(), 0, 0).Status(context.Background(), "none", statusNow)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestStatusCaptureAtNow(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SaveVersion(ctx, monitor.Version{
		ID: "v1", PageID: "page", CaptureTime: statusNow, Status: http.StatusGone,
	}))

	got, err := NewStatusCalculator(store, 0, 0).Status(ctx, "page", statusNow)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGone, got)
}

func TestStatusHonorsCustomThreshold(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seedStatuses(t, store, "page", map[time.Duration]int{20 * day: 200, 2 * day: 500})

	strict := NewStatusCalculator(store, 14*day, 0.9)
	got, err := strict.Status(context.Background(), "page", statusNow)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, got)
}

func TestUpdatePageStatus(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	page := monitor.Page{ID: "page", Active: true}
	require.NoError(t, page.SetURL("https://example.gov/"))
	require.NoError(t, store.CreatePage(ctx, page))
	seedStatuses(t, store, "page", map[time.Duration]int{20 * day: 500, 2 * day: 200})

	calc := NewStatusCalculator(store, 0, 0)
	changed, err := UpdatePageStatus(ctx, store, calc, "page", statusNow)
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := store.GetPage(ctx, "page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, stored.Status)

	changed, err = UpdatePageStatus(ctx, store, calc, "page", statusNow)
	require.NoError(t, err)
	assert.False(t, changed)
}
