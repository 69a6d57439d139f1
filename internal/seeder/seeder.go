// Package seeder generates demo traffic for a site through the regular
// tracking entry points, so sessions, counters and goal conversions come out
// exactly as live traffic would produce them.
package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"siteline/internal/events"
	"siteline/internal/goals"
	"siteline/internal/scope"
	"siteline/internal/sessions"
	"siteline/internal/tracking"
)

// Journey templates: the pages one session visits, in order.
var journeyTemplates = [][]string{
	{"/", "/about", "/contact"},
	{"/", "/features", "/pricing", "/signup"},
	{"/", "/blog", "/blog/article-1", "/signup"},
	{"/pricing", "/features", "/signup"},
	{"/", "/products", "/products/widget-a", "/products/gadget-b", "/pricing"},
	{"/", "/docs", "/docs/getting-started", "/docs/api-reference"},
	{"/", "/blog", "/blog/article-1", "/blog/article-2"},
	{"/", "/signup"},
	{"/", "/features", "/pricing", "/docs", "/signup"},
	{"/products", "/products/widget-a", "/pricing", "/signup"},
	{"/blog/article-1", "/about", "/pricing", "/signup"},
}

type customEvent struct {
	name       string
	properties map[string]any
}

var customEvents = []customEvent{
	{name: "newsletter_signup", properties: map[string]any{"source": "footer"}},
	{name: "purchase", properties: map[string]any{"order_id": "demo", "value": 29.99, "currency": "USD"}},
	{name: "demo_requested", properties: map[string]any{"plan": "enterprise"}},
	{name: "file_download", properties: map[string]any{"filename": "whitepaper.pdf"}},
	{name: "form_submit", properties: map[string]any{"form": "contact"}},
	{name: "scroll", properties: map[string]any{"depth": 75}},
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_1_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/605.1",
	"Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (iPad; CPU OS 16_1_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/605.1",
	"Googlebot/2.1 (+http://www.google.com/bot.html)",
}

var referrers = []string{
	"", // Direct visit
	"https://www.google.com/search?q=analytics",
	"https://www.bing.com/search?q=analytics",
	"https://duckduckgo.com/",
	"https://www.facebook.com/",
	"https://twitter.com/",
	"https://www.linkedin.com/feed/",
	"https://github.com/",
	"https://some-other-website.com/blog/post",
}

var campaigns = []sessions.UTM{
	{Source: "google", Medium: "cpc", Campaign: "spring_sale", Term: "web_tracking"},
	{Source: "facebook", Medium: "social", Campaign: "product_launch", Content: "sidebar_ad"},
	{Source: "newsletter", Medium: "email", Campaign: "q4_promo"},
	{Source: "linkedin", Medium: "social", Campaign: "dev_outreach", Content: "header_link"},
}

// Stats summarises one seeding run.
type Stats struct {
	Sessions  int
	PageViews int
	Events    int
	Dropped   int
}

// Roller recomputes the rollups of one day.
type Roller interface {
	RolledUp(ctx context.Context, day time.Time) (bool, error)
	RollupDay(ctx context.Context, day time.Time) (int, error)
}

// Seeder handles the data seeding process.
type Seeder struct {
	tracking *tracking.Service
	goals    *goals.Engine
	roller   Roller
	logger   *slog.Logger
	rand     *rand.Rand
	now      func() time.Time
}

// New creates a seeder. The same seed produces the same traffic. Traffic is
// backfilled, so it may land in days the rollup job already closed; see
// WithRoller.
func New(svc *tracking.Service, goalEngine *goals.Engine, logger *slog.Logger, seed uint64, now func() time.Time) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Seeder{
		tracking: svc.Backfill(),
		goals:    goalEngine,
		logger:   logger,
		rand:     rand.New(rand.NewPCG(seed, seed^0x5eed)),
		now:      now,
	}
}

// WithRoller makes SeedTraffic roll up again every seeded day that already had
// rollups.
func (s *Seeder) WithRoller(r Roller) *Seeder {
	s.roller = r
	return s
}

func condition(field, value string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"field":%q,"op":"eq","value":%q}`, field, value))
}

// SeedGoals creates the demo goals of the site in ctx, skipping names that
// already exist.
func (s *Seeder) SeedGoals(ctx context.Context) ([]goals.Goal, error) {
	// The funnel mirrors the journeys that end on /signup.
	wanted := []goals.GoalParams{
		{
			Name:         "Signup funnel",
			Type:         goals.TypeFunnel,
			Steps:        []json.RawMessage{condition("path", "/"), condition("path", "/pricing"), condition("path", "/signup")},
			RepeatPolicy: goals.OncePerSession,
			Active:       true,
		},
		{
			Name:         "Newsletter signup",
			Type:         goals.TypeSimple,
			Target:       goals.TargetEvent,
			Conditions:   condition("name", "newsletter_signup"),
			RepeatPolicy: goals.OncePerVisitor,
			Active:       true,
		},
		{
			Name:         "Purchase",
			Type:         goals.TypeSimple,
			Target:       goals.TargetEvent,
			Conditions:   condition("name", "purchase"),
			RepeatPolicy: goals.EveryTime,
			ValueMode:    goals.ValueDynamic,
			ValueField:   "properties.value",
			Active:       true,
		},
	}

	store := s.goals.Store()
	existing, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, g := range existing {
		have[g.Name] = true
	}

	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range wanted {
		if have[p.Name] {
			s.logger.Info("Goal already exists", slog.String("goal", p.Name))
			continue
		}
		g, err := goals.NewGoal(sc, p)
		if err != nil {
			return nil, fmt.Errorf("invalid demo goal %s: %w", p.Name, err)
		}
		if err := store.Create(ctx, g); err != nil {
			return nil, fmt.Errorf("failed to create goal %s: %w", p.Name, err)
		}
	}
	return store.List(ctx)
}

// SeedTraffic replays count journeys spread over the last days days.
func (s *Seeder) SeedTraffic(ctx context.Context, count, days int) (Stats, error) {
	if count <= 0 || days <= 0 {
		return Stats{}, fmt.Errorf("sessions and days must be positive, got %d and %d", count, days)
	}
	start := time.Now()
	ips := s.ipPool(100)
	var stats Stats

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.journey(ctx, ips, days, &stats); err != nil {
			return stats, err
		}
	}
	if err := s.rerollDays(ctx, days); err != nil {
		return stats, err
	}

	s.logger.Info("Seeding completed",
		slog.Int("sessions", stats.Sessions),
		slog.Int("pageviews", stats.PageViews),
		slog.Int("events", stats.Events),
		slog.Int("dropped", stats.Dropped),
		slog.Duration("elapsed", time.Since(start)))
	return stats, nil
}

func (s *Seeder) journey(ctx context.Context, ips []string, days int, stats *Stats) error {
	pages := journeyTemplates[s.rand.IntN(len(journeyTemplates))]
	client := tracking.Client{
		IP:             ips[s.rand.IntN(len(ips))],
		UserAgent:      userAgents[s.rand.IntN(len(userAgents))],
		AcceptLanguage: "en-US",
		SessionToken:   uuid.NewString(),
	}
	session := tracking.SessionData{ReferrerURL: referrers[s.rand.IntN(len(referrers))]}
	if s.rand.IntN(10) < 2 {
		session.UTM = campaigns[s.rand.IntN(len(campaigns))]
	}

	// Keep the journey away from now so the whole session fits in the past.
	at := s.now().Add(-time.Hour - time.Duration(s.rand.Int64N(int64(days)*24*int64(time.Hour))))
	tracked := false
	for i, path := range pages {
		if i > 0 {
			at = at.Add(time.Duration(s.rand.IntN(110)+10) * time.Second)
		}
		result, err := s.tracking.TrackPageView(ctx, tracking.PageViewInput{
			Client:   client,
			Session:  session,
			PageView: events.PageViewData{Path: path, Title: path, Timestamp: at},
		})
		if err != nil {
			return fmt.Errorf("failed to seed page view: %w", err)
		}
		if !result.Tracked {
			stats.Dropped++
			return nil
		}
		tracked = true
		stats.PageViews++
	}
	if tracked {
		stats.Sessions++
	}

	// About one journey in five ends with a custom event.
	if s.rand.Float64() < 0.2 {
		e := customEvents[s.rand.IntN(len(customEvents))]
		result, err := s.tracking.TrackEvent(ctx, tracking.EventInput{
			Client: client,
			Event: events.EventData{
				Name:       e.name,
				Path:       pages[len(pages)-1],
				Properties: e.properties,
				Source:     "seeder",
				Timestamp:  at.Add(30 * time.Second),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to seed event %s: %w", e.name, err)
		}
		if result.Tracked {
			stats.Events++
		}
	}
	return nil
}

// rerollDays recomputes the rollups of the seeded local days that were already
// rolled up, so backfilled traffic shows up in them.
func (s *Seeder) rerollDays(ctx context.Context, days int) error {
	if s.roller == nil {
		return nil
	}
	site, err := scope.CurrentSite(ctx)
	if err != nil {
		return err
	}
	today := s.now().In(site.Location())
	for i := 0; i <= days+1; i++ {
		day := today.AddDate(0, 0, -i)
		rolled, err := s.roller.RolledUp(ctx, day)
		if err != nil {
			return fmt.Errorf("failed to check rollups of %s: %w", day.Format(time.DateOnly), err)
		}
		if !rolled {
			continue
		}
		if _, err := s.roller.RollupDay(ctx, day); err != nil {
			return fmt.Errorf("failed to roll up %s: %w", day.Format(time.DateOnly), err)
		}
		s.logger.Info("Rolled up seeded day", slog.String("date", day.Format(time.DateOnly)))
	}
	return nil
}

// ipPool creates a pool of unique public IPv4 addresses.
func (s *Seeder) ipPool(count int) []string {
	seen := make(map[string]bool, count)
	ips := make([]string, 0, count)
	for len(ips) < count {
		// 11-99 in the first octet stays clear of the private and loopback ranges.
		ip := fmt.Sprintf("%d.%d.%d.%d", s.rand.IntN(89)+11, s.rand.IntN(256), s.rand.IntN(256), s.rand.IntN(254)+1)
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	return ips
}
