package diff

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// Status defaults.
const (
	DefaultStatusWindow     = 14 * 24 * time.Hour
	DefaultSuccessThreshold = 0.75
)

// StatusCalculator derives a page status from the time each recent version
// was the page's latest capture.
type StatusCalculator struct {
	Versions monitor.VersionStore
	// Window is how far back captures count.
	Window time.Duration
	// SuccessThreshold is the fraction of covered time that must be non-error
	// for the page to count as up.
	SuccessThreshold float64
}

// NewStatusCalculator returns a calculator with the default window and
// threshold where the arguments are not positive.
func NewStatusCalculator(versions monitor.VersionStore, window time.Duration, threshold float64) StatusCalculator {
	if window <= 0 {
		window = DefaultStatusWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSuccessThreshold
	}
	return StatusCalculator{Versions: versions, Window: window, SuccessThreshold: threshold}
}

// Status walks the page's versions newest to oldest. Each version covers the
// time from its capture until the next newer capture (or now), clipped to the
// window. When error statuses cover more than 1-SuccessThreshold of that time
// the most recent error status is returned, otherwise 200. A page without
// versions has status 0.
func (c StatusCalculator) Status(ctx context.Context, pageID string, now time.Time) (int, error) {
	start := now.Add(-c.Window)
	versions, err := c.Versions.VersionsForStatus(ctx, pageID, start)
	if err != nil {
		return 0, fmt.Errorf("versions for status of %s: %w", pageID, err)
	}
	if len(versions) == 0 {
		return 0, nil
	}

	var (
		total, errored time.Duration
		latestError    int
	)
	last := now
	for _, v := range versions {
		captured := v.CaptureTime
		if captured.Before(start) {
			captured = start
		}
		if captured.After(last) {
			captured = last
		}
		covered := last.Sub(captured)
		total += covered
		if status := v.EffectiveStatus(); status >= http.StatusBadRequest {
			errored += covered
			if latestError == 0 {
				latestError = status
			}
		}
		last = captured
	}

	if total <= 0 {
		return versions[0].EffectiveStatus(), nil
	}
	if float64(errored)/float64(total) > 1-c.SuccessThreshold {
		return latestError, nil
	}
	return http.StatusOK, nil
}

// UpdatePageStatus recomputes and stores a page's status. It reports whether
// the stored value changed.
func UpdatePageStatus(ctx context.Context, pages monitor.PageStore, calc StatusCalculator, pageID string, now time.Time) (bool, error) {
	page, err := pages.GetPage(ctx, pageID)
	if err != nil {
		return false, fmt.Errorf("load page %s: %w", pageID, err)
	}
	status, err := calc.Status(ctx, pageID, now)
	if err != nil {
		return false, err
	}
	if status == page.Status {
		return false, nil
	}
	page.Status = status
	page.UpdatedAt = now
	if err := pages.UpdatePage(ctx, page); err != nil {
		return false, fmt.Errorf("update page %s status: %w", pageID, err)
	}
	return true, nil
}
