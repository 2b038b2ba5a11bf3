package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/monitor"
	queuemem "github.com/JakeFAU/webmonitor/internal/queue/memory"
	"github.com/JakeFAU/webmonitor/internal/storage/memory"
)

var now = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return now }

type fakeRunner struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (r *fakeRunner) Run(_ context.Context, imp *monitor.Import, payload io.Reader) error {
	body, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, string(body))
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	imp.Status = monitor.ImportComplete
	imp.Processed = strings.Count(string(body), "\n")
	return nil
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

// flakyStore fails the first failures reads before delegating.
type flakyStore struct {
	monitor.ArchiveStore
	mu       sync.Mutex
	failures int
	reads    int
}

func (s *flakyStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	s.reads++
	fail := s.reads <= s.failures
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return s.ArchiveStore.Read(ctx, key)
}

type fixture struct {
	queue   *queuemem.Queue
	store   *memory.Store
	blobs   *memory.BlobStore
	runner  *fakeRunner
	payload monitor.ArchiveStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs := memory.NewBlobStore()
	return &fixture{
		queue:   queuemem.NewQueue(4),
		store:   memory.NewStore(),
		blobs:   blobs,
		runner:  &fakeRunner{},
		payload: blobs,
	}
}

func (f *fixture) worker() *Worker {
	return New(f.queue, f.store, f.payload, f.runner, fixedClock{}, Config{ReadAttempts: 3}, zap.NewNop()).
		WithSleep(func(context.Context, time.Duration) error { return nil })
}

func (f *fixture) submit(t *testing.T, id, payload string) monitor.Import {
	t.Helper()
	imp := monitor.Import{ID: id, Status: monitor.ImportPending, CreatedAt: now, UpdatedAt: now}
	if payload != "" {
		key := "imports/" + id + ".ndjson"
		_, err := f.blobs.Save(context.Background(), key, strings.NewReader(payload), "application/x-ndjson")
		require.NoError(t, err)
		imp.PayloadKey = key
	}
	require.NoError(t, f.store.CreateImport(context.Background(), imp))
	return imp
}

func TestWorkerRunsQueuedImport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.submit(t, "imp-1", "{}\n{}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.worker().Run(ctx)
		close(done)
	}()

	require.NoError(t, f.queue.Enqueue(ctx, monitor.QueueItem{ImportID: "imp-1", Attempt: 1}))
	require.Eventually(t, func() bool { return f.runner.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "{}\n{}\n", f.runner.payloads[0])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestProcessSkipsFinishedImports(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	imp := f.submit(t, "imp-done", "{}\n")
	imp.Status = monitor.ImportComplete
	require.NoError(t, f.store.UpdateImport(context.Background(), imp))

	require.NoError(t, f.worker().Process(context.Background(), monitor.QueueItem{ImportID: "imp-done"}))
	assert.Zero(t, f.runner.calls())
}

func TestProcessUnknownImport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.worker().Process(context.Background(), monitor.QueueItem{ImportID: "ghost"})
	assert.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestProcessRetriesPayloadReads(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	flaky := &flakyStore{ArchiveStore: f.blobs, failures: 2}
	f.payload = flaky
	f.submit(t, "imp-flaky", "{}\n")

	require.NoError(t, f.worker().Process(context.Background(), monitor.QueueItem{ImportID: "imp-flaky"}))
	assert.Equal(t, 3, flaky.reads)
	assert.Equal(t, 1, f.runner.calls())
}

func TestProcessMarksMissingPayloadFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	imp := f.submit(t, "imp-lost", "")
	imp.PayloadKey = "imports/missing.ndjson"
	require.NoError(t, f.store.UpdateImport(context.Background(), imp))

	err := f.worker().Process(context.Background(), monitor.QueueItem{ImportID: "imp-lost"})
	require.ErrorIs(t, err, monitor.ErrNotFound)
	assert.Zero(t, f.runner.calls())

	saved, err := f.store.GetImport(context.Background(), "imp-lost")
	require.NoError(t, err)
	assert.Equal(t, monitor.ImportFailed, saved.Status)
	require.Len(t, saved.Errors, 1)
	assert.Equal(t, 0, saved.Errors[0].Row)
	assert.Equal(t, now, saved.UpdatedAt)
}

func TestProcessWithoutPayloadKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.submit(t, "imp-empty", "")

	err := f.worker().Process(context.Background(), monitor.QueueItem{ImportID: "imp-empty"})
	assert.ErrorIs(t, err, monitor.ErrValidation)
}

func TestProcessReportsRunnerFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runner.err = errors.New("boom")
	f.submit(t, "imp-bad", "{}\n")

	err := f.worker().Process(context.Background(), monitor.QueueItem{ImportID: "imp-bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
