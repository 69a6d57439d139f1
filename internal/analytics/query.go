// Package analytics answers aggregate questions about the traffic of the
// active site. Every read is scoped through the context and combines rollups
// with raw rows.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/goals"
	"siteline/internal/metrics"
	"siteline/internal/pkg/async"
	"siteline/internal/scope"
	"siteline/internal/timeframe"
)

const defaultLimit = 10

// Filters narrow a query. Empty fields do not filter. Source matches the
// referring host, or "direct" for sessions without one.
type Filters struct {
	Path         string `json:"path,omitempty"`
	ReferrerType string `json:"referrer_type,omitempty"`
	Source       string `json:"source,omitempty"`
	Device       string `json:"device,omitempty"`
	Browser      string `json:"browser,omitempty"`
	OS           string `json:"os,omitempty"`
	Country      string `json:"country,omitempty"`
	UTMSource    string `json:"utm_source,omitempty"`
	UTMCampaign  string `json:"utm_campaign,omitempty"`
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool { return f == Filters{} }

func (f Filters) sessionFiltered() bool {
	g := f
	g.Path = ""
	return !g.Empty()
}

func (f Filters) sessionPredicates(w *where) {
	for _, c := range []struct{ value, expr string }{
		{f.ReferrerType, "s.referrer_type"},
		{f.Source, sourceExpr},
		{f.Device, "s.device"},
		{f.Browser, "s.browser"},
		{f.OS, "s.os"},
		{f.Country, "s.country"},
		{f.UTMSource, "s.utm_source"},
		{f.UTMCampaign, "s.utm_campaign"},
	} {
		if c.value != "" {
			w.add(c.expr+" = ?", c.value)
		}
	}
}

// canonical renders the set filters in a fixed order.
func (f Filters) canonical() string {
	var b strings.Builder
	for _, kv := range [][2]string{
		{"path", f.Path}, {"referrer_type", f.ReferrerType}, {"source", f.Source},
		{"device", f.Device}, {"browser", f.Browser}, {"os", f.OS}, {"country", f.Country},
		{"utm_source", f.UTMSource}, {"utm_campaign", f.UTMCampaign},
	} {
		if kv[1] != "" {
			b.WriteString(kv[0] + "=" + kv[1] + ";")
		}
	}
	return b.String()
}

// Query is the input of every range read. A nil Range timezone falls back to
// the site timezone; Limit defaults to 10 for breakdowns.
type Query struct {
	Range   timeframe.TimeFrame
	Filters Filters
	Limit   int
}

func (q Query) normalize(sc scope.Scope) Query {
	if q.Range.Tz == nil {
		q.Range.Tz = sc.Site.Location()
	}
	if q.Range.BucketSize == "" {
		q.Range.BucketSize = timeframe.AppropriateBucketSize(q.Range.From, q.Range.To)
	}
	q.Range.From = q.Range.From.UTC()
	q.Range.To = q.Range.To.UTC()
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	return q
}

// Options configure an Engine.
type Options struct {
	CacheTTL time.Duration
	Timeout  time.Duration
	Workers  int
	// Now is the clock used by real time queries.
	Now func() time.Time
}

// Engine runs aggregation queries.
type Engine struct {
	db     *gorm.DB
	logger *slog.Logger
	goals  *goals.Engine
	cache  *ristretto.Cache
	pool   *async.Pool
	opts   Options
}

// NewEngine builds an engine. goalEngine serves goal and funnel reports.
func NewEngine(db *gorm.DB, logger *slog.Logger, goalEngine *goals.Engine, opts Options) (*Engine, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &Engine{
		db:     db,
		logger: logger,
		goals:  goalEngine,
		cache:  cache,
		pool:   async.NewPool(opts.Workers),
		opts:   opts,
	}, nil
}

// Close releases the query cache.
func (e *Engine) Close() { e.cache.Close() }

// ClearCache drops every cached result.
func (e *Engine) ClearCache() { e.cache.Clear() }

func cacheKey(sc scope.Scope, metric string, q Query) uint64 {
	return xxhash.Sum64String(strings.Join([]string{
		strconv.FormatUint(uint64(sc.SiteID()), 10),
		sc.TenantID(),
		metric,
		strconv.FormatInt(q.Range.From.UnixNano(), 10),
		strconv.FormatInt(q.Range.To.UnixNano(), 10),
		string(q.Range.BucketSize),
		q.Range.Tz.String(),
		q.Filters.canonical(),
		strconv.Itoa(q.Limit),
	}, "|"))
}

// query runs fn under the caller timeout and serves repeated reads from the
// cache. Results are cached only on success.
func query[T any](ctx context.Context, e *Engine, metric string, q Query, fn func(ctx context.Context, r reader, q Query) (T, error)) (T, error) {
	var zero T
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return zero, err
	}
	q = q.normalize(sc)
	if !q.Range.From.Before(q.Range.To) {
		return zero, errs.ErrValidationFailed.New("query range is empty")
	}

	key := cacheKey(sc, metric, q)
	if e.opts.CacheTTL > 0 {
		if cached, ok := e.cache.Get(key); ok {
			if v, ok := cached.(T); ok {
				metrics.QueryCache.WithLabelValues("hit").Inc()
				return v, nil
			}
		}
		metrics.QueryCache.WithLabelValues("miss").Inc()
	}

	v, err := timed(ctx, e, metric, func(ctx context.Context) (T, error) {
		return fn(ctx, reader{db: e.db, sc: sc}, q)
	})
	if err != nil {
		return zero, err
	}
	if e.opts.CacheTTL > 0 {
		e.cache.SetWithTTL(key, v, 1, e.opts.CacheTTL)
		e.cache.Wait()
	}
	return v, nil
}

// timed applies the caller timeout to fn. An expired deadline becomes
// QueryTimeout; other failures are wrapped, never replaced by zero values.
func timed[T any](ctx context.Context, e *Engine, metric string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	metrics.QueryDuration.WithLabelValues(metric).Observe(float64(time.Since(start).Milliseconds()))
	if err == nil {
		return v, nil
	}
	var zero T
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logger.Warn("Analytics query timed out",
			slog.String("metric", metric),
			slog.Duration("timeout", e.opts.Timeout))
		return zero, errs.ErrQueryTimeout.New(metric)
	}
	if errs.Is(err, errs.ErrScopeUnresolved) || errs.Is(err, errs.ErrNotFound) || errs.Is(err, errs.ErrValidationFailed) {
		return zero, err
	}
	e.logger.Error("Analytics query failed",
		slog.String("metric", metric),
		slog.Any("error", err))
	return zero, fmt.Errorf("query %s: %w", metric, err)
}

// span is a half open UTC range read from raw rows.
type span struct {
	from, to time.Time
}

// plan splits a range into rolled up local days and the spans that still need
// a raw scan. Rollup days are site local, so filtered queries and ranges in
// another timezone always scan.
type plan struct {
	dates []string
	days  map[string]time.Time
	raw   []span
}

func (r reader) plan(ctx context.Context, q Query) (plan, error) {
	p := plan{days: map[string]time.Time{}}
	if !q.Filters.Empty() || q.Range.Tz.String() != r.sc.Site.Location().String() {
		p.raw = []span{{q.Range.From, q.Range.To}}
		return p, nil
	}
	split := q.Range.SplitFullDays()
	dates := make([]string, 0, len(split.Days))
	for _, d := range split.Days {
		dates = append(dates, d.Format(dateLayout))
	}
	covered, err := r.covered(ctx, dates)
	if err != nil {
		return p, err
	}

	var spans []span
	for _, part := range split.Partial {
		spans = append(spans, span{part.From.UTC(), part.To.UTC()})
	}
	for i, d := range split.Days {
		if covered[dates[i]] {
			p.dates = append(p.dates, dates[i])
			p.days[dates[i]] = d
			continue
		}
		spans = append(spans, span{d.UTC(), d.AddDate(0, 0, 1).UTC()})
	}
	p.raw = mergeSpans(spans)
	return p, nil
}

// mergeSpans sorts spans and joins the adjacent ones.
func mergeSpans(spans []span) []span {
	slices.SortFunc(spans, func(a, b span) int { return a.from.Compare(b.from) })
	var out []span
	for _, s := range spans {
		if n := len(out); n > 0 && !out[n-1].to.Before(s.from) {
			if s.to.After(out[n-1].to) {
				out[n-1].to = s.to
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// tallyRange sums metric over the range, preferring rollups for additive metrics.
func (r reader) tallyRange(ctx context.Context, metric string, q Query) (tally, error) {
	m := measures[metric]
	if !additive[metric] {
		return r.tally(ctx, m, q.Filters, q.Range.From, q.Range.To)
	}
	p, err := r.plan(ctx, q)
	if err != nil {
		return tally{}, err
	}
	total, err := r.rolledTally(ctx, metric, p.dates)
	if err != nil {
		return tally{}, err
	}
	for _, s := range p.raw {
		t, err := r.tally(ctx, m, q.Filters, s.from, s.to)
		if err != nil {
			return tally{}, err
		}
		total = total.add(t)
	}
	return total, nil
}

// groupsRange counts a dimension over the range, preferring rollups.
func (r reader) groupsRange(ctx context.Context, name string, q Query) (map[string]int64, error) {
	d := dimensions[name]
	p, err := r.plan(ctx, q)
	if err != nil {
		return nil, err
	}
	out, err := r.rolledGroups(ctx, name, p.dates)
	if err != nil {
		return nil, err
	}
	for _, s := range p.raw {
		groups, err := r.groups(ctx, d, q.Filters, s.from, s.to)
		if err != nil {
			return nil, err
		}
		for k, n := range groups {
			out[k] += n
		}
	}
	return out, nil
}
