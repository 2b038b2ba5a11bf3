// Package importer runs capture batches through page resolution, archiving,
// diff settlement and persistence, one row at a time.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/archive"
	"github.com/JakeFAU/webmonitor/internal/diff"
	"github.com/JakeFAU/webmonitor/internal/metrics"
	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/pagelock"
)

// Row outcomes reported to metrics.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("importer: missing dependency")

// Archiver copies bodies into the archive store.
type Archiver interface {
	Archive(ctx context.Context, rawURL, expectedHash string) (archive.Result, error)
	IsArchived(rawURL string) bool
}

// Deps are the collaborators of an Importer. Archiver and Publisher are
// optional; without an Archiver body URLs are recorded as given.
type Deps struct {
	Store     monitor.Store
	Engine    *diff.Engine
	IDs       monitor.IDGenerator
	Clock     monitor.Clock
	Archiver  Archiver
	Locker    monitor.PageLocker
	Publisher monitor.Publisher
	Status    diff.StatusCalculator
	Logger    *zap.Logger
}

// Importer processes import batches. It holds no per-batch state, so one
// Importer may serve concurrent batches.
type Importer struct {
	store     monitor.Store
	engine    *diff.Engine
	ids       monitor.IDGenerator
	clock     monitor.Clock
	archiver  Archiver
	locker    monitor.PageLocker
	publisher monitor.Publisher
	status    diff.StatusCalculator
	logger    *zap.Logger
}

// New validates deps and fills defaults: a process-local page locker and the
// default status window.
func New(deps Deps) (*Importer, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case deps.Engine == nil:
		return nil, fmt.Errorf("%w: diff engine", ErrMissingDependency)
	case deps.IDs == nil:
		return nil, fmt.Errorf("%w: id generator", ErrMissingDependency)
	case deps.Clock == nil:
		return nil, fmt.Errorf("%w: clock", ErrMissingDependency)
	}
	if deps.Locker == nil {
		deps.Locker = pagelock.NewLocal()
	}
	if deps.Status.Versions == nil {
		deps.Status = diff.NewStatusCalculator(deps.Store, 0, 0)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Importer{
		store:     deps.Store,
		engine:    deps.Engine,
		ids:       deps.IDs,
		clock:     deps.Clock,
		archiver:  deps.Archiver,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		status:    deps.Status,
		logger:    deps.Logger,
	}, nil
}

// rowResult is what one row contributed to the batch.
type rowResult struct {
	outcome  string
	pageID   string
	warnings []string
}

// Run imports every row of payload into imp. Row failures are collected on
// imp and never stop the batch. An error is returned only when the batch as a
// whole cannot run: unreadable payload, bad options, a cancelled context or a
// failure to record the batch itself. When imp has an ID its record is
// updated in the import store at start and finish.
func (im *Importer) Run(ctx context.Context, imp *monitor.Import, payload io.Reader) error {
	logger := im.logger.With(zap.String("import_id", imp.ID))
	started := im.clock.Now()

	behavior, err := monitor.ParseUpdateBehavior(string(imp.Options.UpdateBehavior))
	if err != nil {
		return im.fail(ctx, imp, err)
	}
	imp.Options.UpdateBehavior = behavior

	imp.Status = monitor.ImportProcessing
	imp.UpdatedAt = started
	if err := im.saveImport(ctx, imp); err != nil {
		return err
	}

	rows, err := ReadRows(payload)
	if err != nil {
		return im.fail(ctx, imp, err)
	}
	logger.Info("import started", zap.Int("rows", len(rows)), zap.String("update", string(behavior)))

	var touched []string
	seen := make(map[string]bool)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return im.fail(ctx, imp, fmt.Errorf("import interrupted at row %d: %w", row.Number, err))
		}
		imp.Processed++
		res, err := im.importRow(ctx, imp.Options, row)
		if err != nil {
			imp.AddError(row.Number, err)
			metrics.ObserveImportRow(OutcomeError)
			logger.Warn("import row failed", zap.Int("row", row.Number), zap.Error(err))
			continue
		}
		switch res.outcome {
		case OutcomeCreated:
			imp.Created++
		case OutcomeUpdated:
			imp.Updated++
		case OutcomeSkipped:
			imp.Skipped++
		}
		for _, warning := range res.warnings {
			imp.AddWarning(row.Number, warning)
			logger.Warn("import row warning", zap.Int("row", row.Number), zap.String("warning", warning))
		}
		metrics.ObserveImportRow(res.outcome)
		if res.pageID != "" && res.outcome != OutcomeSkipped && !seen[res.pageID] {
			seen[res.pageID] = true
			touched = append(touched, res.pageID)
		}
	}

	for _, pageID := range touched {
		im.refreshStatus(ctx, logger, pageID)
	}

	imp.Status = monitor.ImportComplete
	imp.UpdatedAt = im.clock.Now()
	metrics.ObserveImport(string(imp.Status))
	logger.Info("import finished",
		zap.Int("processed", imp.Processed),
		zap.Int("created", imp.Created),
		zap.Int("updated", imp.Updated),
		zap.Int("skipped", imp.Skipped),
		zap.Int("errors", len(imp.Errors)),
		zap.Duration("elapsed", imp.UpdatedAt.Sub(started)),
	)
	return im.saveImport(ctx, imp)
}

func (im *Importer) fail(ctx context.Context, imp *monitor.Import, cause error) error {
	imp.Status = monitor.ImportFailed
	imp.UpdatedAt = im.clock.Now()
	imp.AddError(0, cause)
	metrics.ObserveImport(string(imp.Status))
	// The record is written even when ctx is done so the failure is visible.
	if err := im.saveImport(context.WithoutCancel(ctx), imp); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (im *Importer) saveImport(ctx context.Context, imp *monitor.Import) error {
	if imp.ID == "" {
		return nil
	}
	if err := im.store.UpdateImport(ctx, *imp); err != nil {
		return fmt.Errorf("update import %s: %w", imp.ID, err)
	}
	return nil
}

func (im *Importer) importRow(ctx context.Context, opts monitor.ImportOptions, row Row) (rowResult, error) {
	if row.Err != nil {
		return rowResult{}, row.Err
	}
	rec, err := ParseRecord(row.Raw)
	if err != nil {
		return rowResult{}, err
	}
	page, err := im.resolvePage(ctx, rec, opts.CreatePages)
	if err != nil {
		return rowResult{}, err
	}
	if !page.Active {
		return rowResult{
			outcome:  OutcomeSkipped,
			pageID:   page.ID,
			warnings: []string{fmt.Sprintf("%v: %s (%s)", monitor.ErrInactivePage, page.ID, page.URL)},
		}, nil
	}

	unlock, err := im.locker.Lock(ctx, page.ID)
	if err != nil {
		return rowResult{}, fmt.Errorf("lock page %s: %w", page.ID, err)
	}
	defer unlock()

	res, err := im.importVersion(ctx, opts, page, rec)
	if err != nil {
		return rowResult{}, err
	}
	res.pageID = page.ID
	return res, nil
}

// resolvePage finds the page rec belongs to: first through URL aliases valid
// at the capture time, then by canonical url_key. New pages are created only
// when create is set.
func (im *Importer) resolvePage(ctx context.Context, rec Record, create bool) (monitor.Page, error) {
	var probe monitor.Page
	if err := probe.SetURL(rec.PageURL); err != nil {
		return monitor.Page{}, err
	}

	page, err := im.store.FindPageByAlias(ctx, probe.URLKey, rec.CaptureTime)
	if err == nil {
		return page, nil
	}
	if !errors.Is(err, monitor.ErrNotFound) {
		return monitor.Page{}, fmt.Errorf("find page alias: %w", err)
	}
	page, err = im.store.FindPageByURLKey(ctx, probe.URLKey)
	if err == nil {
		return page, nil
	}
	if !errors.Is(err, monitor.ErrNotFound) {
		return monitor.Page{}, fmt.Errorf("find page: %w", err)
	}
	if !create {
		return monitor.Page{}, fmt.Errorf("no page for %s: %w", rec.PageURL, monitor.ErrNotFound)
	}
	return im.createPage(ctx, probe, rec)
}

func (im *Importer) createPage(ctx context.Context, probe monitor.Page, rec Record) (monitor.Page, error) {
	if err := probe.Validate(); err != nil {
		return monitor.Page{}, err
	}
	id, err := im.ids.NewID()
	if err != nil {
		return monitor.Page{}, fmt.Errorf("page id: %w", err)
	}
	now := im.clock.Now()
	page := probe
	page.ID = id
	page.Title = rec.Title
	page.Active = true
	page.CreatedAt = now
	page.UpdatedAt = now
	if err := im.store.CreatePage(ctx, page); err != nil {
		return monitor.Page{}, fmt.Errorf("create page %s: %w", page.URL, err)
	}

	alias, err := monitor.NewPageURL(page.ID, rec.PageURL)
	if err != nil {
		return monitor.Page{}, err
	}
	if alias.ID, err = im.ids.NewID(); err != nil {
		return monitor.Page{}, fmt.Errorf("page url id: %w", err)
	}
	if err := im.store.AddPageURL(ctx, alias); err != nil {
		return monitor.Page{}, fmt.Errorf("add page url %s: %w", rec.PageURL, err)
	}
	im.logger.Info("created page", zap.String("page_id", page.ID), zap.String("url", page.URL))
	return page, nil
}

// importVersion runs with the page lock held. Once the version is saved the
// row counts as imported; later failures become warnings.
func (im *Importer) importVersion(
	ctx context.Context,
	opts monitor.ImportOptions,
	page monitor.Page,
	rec Record,
) (rowResult, error) {
	existing, err := im.store.FindVersion(ctx, page.ID, rec.CaptureTime, rec.SourceType)
	found := err == nil
	if err != nil && !errors.Is(err, monitor.ErrNotFound) {
		return rowResult{}, fmt.Errorf("find version: %w", err)
	}
	if found && opts.UpdateBehavior == monitor.UpdateSkip {
		return rowResult{outcome: OutcomeSkipped}, nil
	}

	archived, err := im.archiveBody(ctx, rec)
	if err != nil {
		return rowResult{}, err
	}

	now := im.clock.Now()
	var version monitor.Version
	switch {
	case !found:
		id, err := im.ids.NewID()
		if err != nil {
			return rowResult{}, fmt.Errorf("version id: %w", err)
		}
		version = monitor.Version{ID: id, CreatedAt: now}
		applyRecord(&version, rec, false)
	case opts.UpdateBehavior == monitor.UpdateReplace:
		version = monitor.Version{ID: existing.ID, CreatedAt: existing.CreatedAt}
		applyRecord(&version, rec, false)
	default:
		version = existing
		applyRecord(&version, rec, true)
	}
	version.PageID = page.ID
	version.CaptureTime = rec.CaptureTime
	version.SourceType = rec.SourceType
	version.UpdatedAt = now
	if archived != nil {
		applyArchive(&version, *archived)
	}
	if err := version.Validate(); err != nil {
		return rowResult{}, err
	}

	if !found && opts.SkipUnchangedVersions {
		unchanged, err := im.sameAsPrevious(ctx, version)
		if err != nil {
			return rowResult{}, err
		}
		if unchanged {
			return rowResult{outcome: OutcomeSkipped}, nil
		}
	}

	if err := im.engine.Derive(ctx, &version); err != nil {
		return rowResult{}, fmt.Errorf("settle version: %w", err)
	}
	if err := im.store.SaveVersion(ctx, version); err != nil {
		return rowResult{}, fmt.Errorf("save version: %w", err)
	}

	res := rowResult{outcome: OutcomeCreated}
	if found {
		res.outcome = OutcomeUpdated
	}
	if _, err := im.engine.Propagate(ctx, version); err != nil {
		res.warnings = append(res.warnings, fmt.Sprintf("later versions not settled: %v", err))
	}
	if err := im.refreshPage(ctx, page, version, rec); err != nil {
		res.warnings = append(res.warnings, fmt.Sprintf("page not refreshed: %v", err))
	}
	im.publish(ctx, version)
	return res, nil
}

// archiveBody archives the record's body unless it already points at an
// archived body whose hash is known.
func (im *Importer) archiveBody(ctx context.Context, rec Record) (*archive.Result, error) {
	if im.archiver == nil || rec.BodyURL == "" {
		return nil, nil
	}
	if rec.BodyHash != "" && im.archiver.IsArchived(rec.BodyURL) {
		return nil, nil
	}
	res, err := im.archiver.Archive(ctx, rec.BodyURL, rec.BodyHash)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", rec.BodyURL, err)
	}
	return &res, nil
}

// applyRecord copies rec onto v. With onlyPresent, fields the record did not
// carry are left alone and source metadata is merged key by key.
func applyRecord(v *monitor.Version, rec Record, onlyPresent bool) {
	set := func(field string) bool {
		return !onlyPresent || rec.Has(field)
	}
	if set(FieldBodyURL) {
		v.BodyURL = rec.BodyURL
	}
	if set(FieldBodyHash) {
		v.BodyHash = rec.BodyHash
	}
	if set(FieldTitle) {
		v.Title = rec.Title
	}
	if set(FieldMediaType) {
		v.MediaType = rec.MediaType
	}
	if set(FieldContentLength) {
		v.ContentLength = rec.ContentLength
	}
	if set(FieldStatus) {
		v.Status = rec.Status
	}
	if set(FieldNetworkError) {
		v.NetworkError = rec.NetworkError
	}
	switch {
	case !onlyPresent:
		v.SourceMetadata = rec.SourceMetadata.Clone()
	case rec.Has(FieldSourceMetadata):
		merged := v.SourceMetadata.Clone()
		merged.Merge(rec.SourceMetadata)
		v.SourceMetadata = merged
	}
}

func applyArchive(v *monitor.Version, res archive.Result) {
	v.BodyURL = res.URL
	v.BodyHash = res.Hash
	if v.ContentLength == 0 {
		v.ContentLength = res.Length
	}
	if v.MediaType == "" {
		v.MediaType = res.ContentType
	}
}

func (im *Importer) sameAsPrevious(ctx context.Context, v monitor.Version) (bool, error) {
	if v.BodyHash == "" {
		return false, nil
	}
	prev, err := im.store.PreviousVersion(ctx, v)
	if errors.Is(err, monitor.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("previous version: %w", err)
	}
	return prev.BodyHash == v.BodyHash && prev.EffectiveStatus() == v.EffectiveStatus(), nil
}

// refreshPage folds record-level page data into the page: the title follows
// the latest version, maintainers and tags accumulate.
func (im *Importer) refreshPage(ctx context.Context, page monitor.Page, v monitor.Version, rec Record) error {
	current, err := im.store.GetPage(ctx, page.ID)
	if err != nil {
		return fmt.Errorf("reload page %s: %w", page.ID, err)
	}
	changed := false
	for _, name := range rec.PageMaintainers {
		changed = current.AddMaintainer(name) || changed
	}
	for _, name := range rec.PageTags {
		changed = current.AddTag(name) || changed
	}
	if v.Title != "" && v.Title != current.Title {
		latest, err := im.store.LatestVersion(ctx, page.ID)
		if err != nil {
			return fmt.Errorf("latest version of %s: %w", page.ID, err)
		}
		if latest.ID == v.ID {
			current.Title = v.Title
			changed = true
		}
	}
	if !changed {
		return nil
	}
	current.UpdatedAt = im.clock.Now()
	if err := im.store.UpdatePage(ctx, current); err != nil {
		return fmt.Errorf("update page %s: %w", page.ID, err)
	}
	return nil
}

func (im *Importer) refreshStatus(ctx context.Context, logger *zap.Logger, pageID string) {
	unlock, err := im.locker.Lock(ctx, pageID)
	if err != nil {
		logger.Warn("page status not refreshed", zap.String("page_id", pageID), zap.Error(err))
		return
	}
	defer unlock()
	changed, err := diff.UpdatePageStatus(ctx, im.store, im.status, pageID, im.clock.Now())
	if err != nil {
		logger.Warn("page status not refreshed", zap.String("page_id", pageID), zap.Error(err))
		return
	}
	if changed {
		logger.Debug("page status changed", zap.String("page_id", pageID))
	}
}

// publish notifies downstream analysis. Failures are logged; the version is
// already saved.
func (im *Importer) publish(ctx context.Context, v monitor.Version) {
	if im.publisher == nil {
		return
	}
	event := monitor.VersionImported{
		PageID:      v.PageID,
		VersionID:   v.ID,
		Different:   v.Different,
		BodyHash:    v.BodyHash,
		CaptureTime: v.CaptureTime,
	}
	if _, err := im.publisher.Publish(ctx, monitor.TopicVersionImported, event); err != nil {
		im.logger.Warn("publish version failed",
			zap.String("version_id", v.ID),
			zap.Error(err),
		)
	}
}

