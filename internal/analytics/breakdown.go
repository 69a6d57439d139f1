package analytics

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"siteline/internal/pkg/referrers"
)

// Row is one dimension value of a breakdown. Percent is the share of the
// total over every value, not just the returned ones.
type Row struct {
	Key     string  `json:"key"`
	Name    string  `json:"name"`
	Count   int64   `json:"count"`
	Percent float64 `json:"percent"`
}

var countries = gountries.New()

// Breakdown ranks the values of one dimension by count, ties broken by key.
func (e *Engine) Breakdown(ctx context.Context, name string, q Query) ([]Row, error) {
	if _, ok := dimensions[name]; !ok {
		return nil, unknownMetric(name)
	}
	rows, err := query(ctx, e, "breakdown:"+name, q, func(ctx context.Context, r reader, q Query) ([]Row, error) {
		groups, err := r.groupsRange(ctx, name, q)
		if err != nil {
			return nil, err
		}
		return rank(name, groups, q.Limit), nil
	})
	return slices.Clone(rows), err
}

func rank(name string, groups map[string]int64, limit int) []Row {
	var total int64
	rows := make([]Row, 0, len(groups))
	for k, n := range groups {
		if n == 0 {
			continue
		}
		total += n
		rows = append(rows, Row{Key: k, Name: displayName(name, k), Count: n})
	}
	slices.SortFunc(rows, func(a, b Row) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		rows[i].Percent = percent(rows[i].Count, total)
	}
	return rows
}

func displayName(dimension, key string) string {
	switch dimension {
	case DimensionCountry:
		if c, err := countries.FindCountryByAlpha(key); err == nil {
			return c.Name.Common
		}
		return cases.Upper(language.AmericanEnglish).String(key)
	case DimensionSource:
		if key == "direct" {
			return "Direct"
		}
		return referrers.FriendlyName(key)
	case DimensionReferrerType, DimensionDevice:
		return cases.Title(language.AmericanEnglish).String(key)
	}
	return key
}

// TopPages ranks paths by page views.
func (e *Engine) TopPages(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionPage, q)
}

// EntryPages ranks the first path of sessions.
func (e *Engine) EntryPages(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionEntryPage, q)
}

// ExitPages ranks the last path of sessions.
func (e *Engine) ExitPages(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionExitPage, q)
}

// TrafficSources ranks referring hosts by sessions.
func (e *Engine) TrafficSources(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionSource, q)
}

// ReferrerTypes splits sessions by referrer classification.
func (e *Engine) ReferrerTypes(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionReferrerType, q)
}

func (e *Engine) DeviceBreakdown(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionDevice, q)
}

func (e *Engine) BrowserBreakdown(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionBrowser, q)
}

func (e *Engine) OSBreakdown(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionOS, q)
}

// CountryBreakdown ranks ISO country codes; Name carries the common name.
func (e *Engine) CountryBreakdown(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionCountry, q)
}

// TopEvents ranks custom event names.
func (e *Engine) TopEvents(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionEvent, q)
}

// UTMCampaigns ranks tagged campaigns by sessions.
func (e *Engine) UTMCampaigns(ctx context.Context, q Query) ([]Row, error) {
	return e.Breakdown(ctx, DimensionUTMCampaign, q)
}
