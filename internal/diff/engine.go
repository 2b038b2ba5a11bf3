// Package diff maintains the "different" flag of version chains, derives
// changes between versions and computes page-level status.
package diff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/metrics"
	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// Engine settles difference flags and derives changes. Callers must
// serialize calls that touch the same page.
type Engine struct {
	versions monitor.VersionStore
	changes  monitor.ChangeStore
	ids      monitor.IDGenerator
	clock    monitor.Clock
	logger   *zap.Logger
}

// NewEngine wires an Engine to its stores.
func NewEngine(
	versions monitor.VersionStore,
	changes monitor.ChangeStore,
	ids monitor.IDGenerator,
	clock monitor.Clock,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		versions: versions,
		changes:  changes,
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}
}

// Derive computes v.Different against its nearest prior version in the same
// source chain. v is updated in memory only. Once the caller has saved v,
// Propagate carries the result to later versions.
func (e *Engine) Derive(ctx context.Context, v *monitor.Version) error {
	prev, err := e.versions.PreviousVersion(ctx, *v)
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		v.Different = true
	case err != nil:
		return fmt.Errorf("previous version of %s: %w", v.ID, err)
	default:
		v.Different = prev.BodyHash != v.BodyHash
	}
	return nil
}

// Propagate walks forward from the stored version v, rewriting the flags of
// later versions in its chain until one no longer changes. It must run after v
// is saved so the rewritten flags only ever describe stored versions. It
// returns the number of versions it rewrote.
func (e *Engine) Propagate(ctx context.Context, v monitor.Version) (int, error) {
	flips := 0
	pred := v
	for {
		next, err := e.versions.NextVersion(ctx, pred)
		if errors.Is(err, monitor.ErrNotFound) {
			break
		}
		if err != nil {
			return flips, fmt.Errorf("next version after %s: %w", pred.ID, err)
		}
		want := pred.BodyHash != next.BodyHash
		if want == next.Different {
			break
		}
		if err := e.versions.SetDifferent(ctx, next.ID, want); err != nil {
			return flips, fmt.Errorf("set different on %s: %w", next.ID, err)
		}
		next.Different = want
		flips++
		pred = next
	}

	if flips > 0 {
		metrics.ObserveSettlementFlips(flips)
		e.logger.Debug("settled version chain",
			zap.String("page_id", v.PageID),
			zap.String("version_id", v.ID),
			zap.String("source_type", v.SourceType),
			zap.Int("flips", flips),
		)
	}
	return flips, nil
}

// Between returns the change from one version to another. An existing change
// for the pair is returned as stored. Otherwise a new change is built and, when
// persist is set, validated and saved. A nil from selects the version just
// before to.
func (e *Engine) Between(ctx context.Context, from *monitor.Version, to monitor.Version, persist bool) (monitor.Change, error) {
	if from == nil {
		prev, err := e.versions.PreviousVersion(ctx, to)
		if errors.Is(err, monitor.ErrNotFound) {
			return monitor.Change{}, &monitor.ValidationError{
				Field:   "uuid_from",
				Message: fmt.Sprintf("version %s has no earlier version", to.ID),
			}
		}
		if err != nil {
			return monitor.Change{}, fmt.Errorf("previous version of %s: %w", to.ID, err)
		}
		from = &prev
	}

	existing, err := e.changes.FindChange(ctx, from.ID, to.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, monitor.ErrNotFound) {
		return monitor.Change{}, fmt.Errorf("find change %s..%s: %w", from.ID, to.ID, err)
	}

	change := monitor.Change{FromVersionID: from.ID, VersionID: to.ID}
	if !persist {
		return change, nil
	}
	if err := e.save(ctx, &change, *from, to); err != nil {
		return monitor.Change{}, err
	}
	return change, nil
}

// Persist saves an unsaved change after loading and validating its versions.
// Persisted changes are left untouched.
func (e *Engine) Persist(ctx context.Context, change *monitor.Change) error {
	if change.Persisted() {
		return nil
	}
	from, err := e.versions.GetVersion(ctx, change.FromVersionID)
	if err != nil {
		return fmt.Errorf("load version %s: %w", change.FromVersionID, err)
	}
	to, err := e.versions.GetVersion(ctx, change.VersionID)
	if err != nil {
		return fmt.Errorf("load version %s: %w", change.VersionID, err)
	}
	return e.save(ctx, change, from, to)
}

func (e *Engine) save(ctx context.Context, change *monitor.Change, from, to monitor.Version) error {
	if err := change.Validate(from, to); err != nil {
		return err
	}
	id, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("change id: %w", err)
	}
	now := e.now()
	saved := *change
	saved.ID = id
	saved.CreatedAt = now
	saved.UpdatedAt = now
	if err := e.changes.SaveChange(ctx, saved); err != nil {
		return fmt.Errorf("save change %s..%s: %w", from.ID, to.ID, err)
	}
	*change = saved
	return nil
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}
