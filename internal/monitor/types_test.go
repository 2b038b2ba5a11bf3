package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageSetURLRecomputesKey(t *testing.T) {
	t.Parallel()

	var p Page
	require.NoError(t, p.SetURL("https://www.Example.com/Foo/"))
	assert.Equal(t, "https://www.example.com/Foo/", p.URL)
	assert.Equal(t, "com,example)/foo", p.URLKey)

	require.NoError(t, p.SetURL("http://other.org"))
	assert.Equal(t, "org,other)/", p.URLKey)

	err := p.SetURL("http://")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "org,other)/", p.URLKey, "failed update must not touch the key")
}

func TestPageValidateRequiresDomain(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"http://example.com/":    true,
		"http://localhost:3000/": true,
		"http://10.0.0.1/":       true,
		"http://intranet/":       false,
		"mailto:x@example.com":   false,
		"":                       false,
	}
	for raw, ok := range cases {
		err := Page{URL: raw}.Validate()
		if ok {
			assert.NoError(t, err, raw)
			continue
		}
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), raw)
		assert.Equal(t, "url", verr.Field)
	}
}

func TestPageTagsAndMaintainersDeduplicate(t *testing.T) {
	t.Parallel()

	var p Page
	assert.True(t, p.AddTag("Energy"))
	assert.False(t, p.AddTag("energy"))
	assert.False(t, p.AddTag("  "))
	assert.True(t, p.AddMaintainer("EPA"))
	assert.Equal(t, []string{"Energy"}, p.Tags)
	assert.Equal(t, []string{"EPA"}, p.Maintainers)
}

func TestPageURLInterval(t *testing.T) {
	t.Parallel()

	alias, err := NewPageURL("page-1", "http://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, NegInf, alias.From)
	assert.Equal(t, PosInf, alias.To)
	assert.True(t, alias.Contains(time.Now()))
	require.NoError(t, alias.Validate())

	cut := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	alias.To = cut
	assert.False(t, alias.Contains(cut))
	assert.True(t, alias.Contains(cut.Add(-time.Second)))

	alias.From = cut
	assert.ErrorIs(t, alias.Validate(), ErrValidation)
}

func TestVersionOrderingAndStatus(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	a := Version{ID: "a", CaptureTime: t0}
	b := Version{ID: "b", CaptureTime: t0}
	c := Version{ID: "0", CaptureTime: t0.Add(time.Minute)}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, b.Less(c))

	assert.Equal(t, 200, Version{}.EffectiveStatus())
	assert.Equal(t, 404, Version{Status: 404}.EffectiveStatus())
	assert.Equal(t, NetworkErrorStatus, Version{NetworkError: "timeout"}.EffectiveStatus())
}

func TestChangeValidate(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	from := Version{ID: "v1", PageID: "p", CaptureTime: t0}
	to := Version{ID: "v2", PageID: "p", CaptureTime: t0.Add(time.Hour)}

	require.NoError(t, Change{FromVersionID: "v1", VersionID: "v2"}.Validate(from, to))
	assert.ErrorIs(t, Change{FromVersionID: "v2", VersionID: "v1"}.Validate(to, from), ErrValidation)
	assert.ErrorIs(t, Change{FromVersionID: "v1", VersionID: "v1"}.Validate(from, from), ErrValidation)

	other := to
	other.PageID = "q"
	assert.ErrorIs(t, Change{FromVersionID: "v1", VersionID: "v2"}.Validate(from, other), ErrValidation)
}

func TestParseUpdateBehavior(t *testing.T) {
	t.Parallel()

	b, err := ParseUpdateBehavior("")
	require.NoError(t, err)
	assert.Equal(t, UpdateSkip, b)

	b, err = ParseUpdateBehavior(" Merge ")
	require.NoError(t, err)
	assert.Equal(t, UpdateMerge, b)

	_, err = ParseUpdateBehavior("upsert")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestImportRowOutcomes(t *testing.T) {
	t.Parallel()

	var imp Import
	imp.AddError(3, errors.New("boom"))
	imp.AddWarning(4, "inactive page")
	assert.Equal(t, []RowError{{Row: 3, Message: "boom"}}, imp.Errors)
	assert.Equal(t, []RowError{{Row: 4, Message: "inactive page"}}, imp.Warnings)
}
