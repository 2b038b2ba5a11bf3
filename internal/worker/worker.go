// Package worker implements the import execution loop: dequeue a batch, load
// its payload from the archive store and run it through the importer.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/metrics"
	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/retry"
	"github.com/JakeFAU/webmonitor/internal/telemetry"
)

// Runner processes one import batch.
type Runner interface {
	Run(ctx context.Context, imp *monitor.Import, payload io.Reader) error
}

// Config controls Worker behavior.
type Config struct {
	// ReadAttempts bounds payload reads from the archive store.
	ReadAttempts int
	// ReadBackoff is the base wait between payload reads.
	ReadBackoff time.Duration
}

// Worker consumes queued import batches.
type Worker struct {
	queue    monitor.Queue
	imports  monitor.ImportStore
	payloads monitor.ArchiveStore
	runner   Runner
	clock    monitor.Clock
	policy   retry.Policy
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue monitor.Queue,
	imports monitor.ImportStore,
	payloads monitor.ArchiveStore,
	runner Runner,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = 250 * time.Millisecond
	}
	policy := retry.NewPolicy(cfg.ReadAttempts)
	policy.Backoff = retry.Exponential(cfg.ReadBackoff, 8*cfg.ReadBackoff)
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, monitor.ErrNotFound)
	}
	return &Worker{
		queue:    queue,
		imports:  imports,
		payloads: payloads,
		runner:   runner,
		clock:    clock,
		policy:   policy,
		logger:   logger,
	}
}

// WithSleep replaces the wait between payload reads.
func (w *Worker) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Worker {
	w.policy.Sleep = sleep
	return w
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !retryAfter(ctx, time.Second) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued import", zap.String("import_id", item.ImportID), zap.Int("attempt", item.Attempt))
		metrics.IncActiveWorkers()
		if err := w.Process(ctx, item); err != nil {
			w.logger.Error("import failed", zap.String("import_id", item.ImportID), zap.Error(err))
		}
		metrics.DecActiveWorkers()
	}
}

// Process runs a single queued batch. Batches that already finished are
// skipped so a redelivered item does not import twice.
func (w *Worker) Process(ctx context.Context, item monitor.QueueItem) (err error) {
	ctx, span := telemetry.Tracer("worker").Start(ctx, "import.process")
	span.SetAttributes(
		attribute.String("import.id", item.ImportID),
		attribute.Int("import.attempt", item.Attempt),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	imp, err := w.imports.GetImport(ctx, item.ImportID)
	if err != nil {
		return fmt.Errorf("load import %s: %w", item.ImportID, err)
	}
	switch imp.Status {
	case monitor.ImportComplete, monitor.ImportFailed:
		w.logger.Info("import already finished",
			zap.String("import_id", imp.ID),
			zap.String("status", string(imp.Status)),
		)
		return nil
	}

	payload, err := w.readPayload(ctx, imp)
	if err != nil {
		return w.fail(ctx, &imp, err)
	}
	if err := w.runner.Run(ctx, &imp, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("run import %s: %w", imp.ID, err)
	}
	w.logger.Info("import processed",
		zap.String("import_id", imp.ID),
		zap.String("status", string(imp.Status)),
		zap.Int("processed", imp.Processed),
		zap.Int("errors", len(imp.Errors)),
	)
	return nil
}

func (w *Worker) readPayload(ctx context.Context, imp monitor.Import) ([]byte, error) {
	if imp.PayloadKey == "" {
		return nil, monitor.Invalid("payload_key", "import %s has no payload", imp.ID)
	}
	var payload []byte
	policy := w.policy
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		w.logger.Info("retrying payload read",
			zap.String("import_id", imp.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		payload, err = w.payloads.Read(ctx, imp.PayloadKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", imp.PayloadKey, err)
	}
	return payload, nil
}

// fail records a batch that never reached the importer.
func (w *Worker) fail(ctx context.Context, imp *monitor.Import, cause error) error {
	imp.Status = monitor.ImportFailed
	imp.AddError(0, cause)
	if w.clock != nil {
		imp.UpdatedAt = w.clock.Now()
	}
	metrics.ObserveImport(string(monitor.ImportFailed))
	if err := w.imports.UpdateImport(context.WithoutCancel(ctx), *imp); err != nil {
		return errors.Join(cause, fmt.Errorf("save failed import %s: %w", imp.ID, err))
	}
	return cause
}

func retryAfter(ctx context.Context, d time.Duration) bool {
	return retry.Sleep(ctx, d) == nil
}
