// Package annotation records authored annotations on changes and keeps each
// change's materialized annotation current.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/meta"
	"github.com/JakeFAU/webmonitor/internal/metrics"
	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/pagelock"
)

// ErrNotObject is returned for annotation payloads that are not JSON objects.
var ErrNotObject = meta.ErrNotObject

// Keys of the materialized annotation that are mirrored onto the change.
const (
	PriorityKey     = "priority"
	SignificanceKey = "significance"
)

// ChangePersister saves changes that have not been persisted yet.
type ChangePersister interface {
	Persist(ctx context.Context, change *monitor.Change) error
}

// Service appends annotations and folds them into the change. Annotations on
// the same change are serialized through its locker.
type Service struct {
	changes   monitor.ChangeStore
	persister ChangePersister
	locker    monitor.PageLocker
	ids       monitor.IDGenerator
	clock     monitor.Clock
	logger    *zap.Logger
}

// NewService builds a Service.
func NewService(
	changes monitor.ChangeStore,
	persister ChangePersister,
	ids monitor.IDGenerator,
	clock monitor.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		changes:   changes,
		persister: persister,
		locker:    pagelock.NewLocal(),
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}
}

// WithLocker replaces the process-local lock, e.g. with one shared across
// replicas.
func (s *Service) WithLocker(locker monitor.PageLocker) *Service {
	if locker != nil {
		s.locker = locker
	}
	return s
}

// Annotate parses raw as a JSON object and records it on change.
func (s *Service) Annotate(ctx context.Context, change *monitor.Change, raw []byte, author string) (monitor.Annotation, error) {
	data, err := meta.Parse(raw)
	if err != nil {
		return monitor.Annotation{}, notObject(err)
	}
	return s.AnnotateObject(ctx, change, data, author)
}

// AnnotateObject records data on change. An unsaved change is persisted
// first unless it was stored meanwhile. The change's current annotation is
// then rebuilt from every annotation in creation order and saved, all under
// the change's lock.
func (s *Service) AnnotateObject(
	ctx context.Context,
	change *monitor.Change,
	data meta.Object,
	author string,
) (monitor.Annotation, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(*change))
	if err != nil {
		return monitor.Annotation{}, fmt.Errorf("lock change %s..%s: %w", change.FromVersionID, change.VersionID, err)
	}
	defer unlock()

	if !change.Persisted() {
		if err := s.persist(ctx, change); err != nil {
			return monitor.Annotation{}, err
		}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return monitor.Annotation{}, fmt.Errorf("annotation id: %w", err)
	}
	annotation := monitor.Annotation{
		ID:        id,
		ChangeID:  change.ID,
		Author:    author,
		Data:      data.Clone(),
		CreatedAt: s.now(),
	}
	if err := s.changes.AddAnnotation(ctx, annotation); err != nil {
		return monitor.Annotation{}, fmt.Errorf("add annotation to %s: %w", change.ID, err)
	}

	all, err := s.changes.ListAnnotations(ctx, change.ID)
	if err != nil {
		return monitor.Annotation{}, fmt.Errorf("list annotations of %s: %w", change.ID, err)
	}
	updated := *change
	updated.CurrentAnnotation = Fold(all)
	updated.Priority = number(updated.CurrentAnnotation, PriorityKey)
	updated.Significance = number(updated.CurrentAnnotation, SignificanceKey)
	updated.UpdatedAt = annotation.CreatedAt
	if err := s.changes.SaveChange(ctx, updated); err != nil {
		return monitor.Annotation{}, fmt.Errorf("save change %s: %w", change.ID, err)
	}
	*change = updated

	metrics.ObserveAnnotation()
	s.logger.Debug("annotated change",
		zap.String("change_id", change.ID),
		zap.String("annotation_id", annotation.ID),
		zap.String("author", author),
		zap.Int("annotations", len(all)),
	)
	return annotation, nil
}

func (s *Service) persist(ctx context.Context, change *monitor.Change) error {
	stored, err := s.changes.FindChange(ctx, change.FromVersionID, change.VersionID)
	switch {
	case err == nil:
		*change = stored
		return nil
	case !errors.Is(err, monitor.ErrNotFound):
		return fmt.Errorf("find change %s..%s: %w", change.FromVersionID, change.VersionID, err)
	}
	if err := s.persister.Persist(ctx, change); err != nil {
		return fmt.Errorf("persist change: %w", err)
	}
	return nil
}

// lockKey names a change by its version pair, which is known before the
// change has an ID.
func lockKey(c monitor.Change) string {
	return "change:" + c.FromVersionID + ".." + c.VersionID
}

// Fold applies annotations in order: later keys overwrite earlier ones and
// explicit nulls delete them.
func Fold(annotations []monitor.Annotation) meta.Object {
	acc := meta.New()
	for _, a := range annotations {
		acc.Apply(a.Data)
	}
	return acc
}

func number(o meta.Object, key string) *float64 {
	f, ok := o.Float(key)
	if !ok {
		return nil
	}
	return &f
}

func notObject(err error) error {
	return fmt.Errorf("%w: annotation: %w", monitor.ErrValidation, err)
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
