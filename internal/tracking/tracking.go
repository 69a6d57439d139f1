// Package tracking is the ingestion boundary. Every entry point expects a
// context carrying the resolved scope and runs the same chain: rate limit,
// bot filter, consent gate, visitor and session resolution, then the event
// pipeline.
package tracking

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"siteline/internal/consent"
	"siteline/internal/errs"
	"siteline/internal/events"
	ua "siteline/internal/pkg/user_agent"
	"siteline/internal/ratelimit"
	"siteline/internal/scope"
	"siteline/internal/sessions"
	"siteline/internal/sites"
	"siteline/internal/visitors"
)

// ReasonBot marks telemetry dropped because the user agent is a crawler.
const ReasonBot = "bot"

// Client is what the ingestion boundary knows about the caller. Fingerprint
// may be supplied upstream; otherwise it is derived from the client signals.
type Client struct {
	Fingerprint    string
	IP             string
	UserAgent      string
	AcceptLanguage string
	DoNotTrack     bool
	SessionToken   string
}

// SessionData opens or continues a session.
type SessionData struct {
	EntryPath   string
	ReferrerURL string
	UTM         sessions.UTM
	At          time.Time
}

// PageViewInput is one page view with the session context of its request.
type PageViewInput struct {
	Client
	Session  SessionData
	PageView events.PageViewData
}

// EventInput is one custom event with the session context of its request.
type EventInput struct {
	Client
	Session SessionData
	Event   events.EventData
}

// Result reports what was recorded. Tracked is false, with a Reason, when the
// consent gate or the bot filter dropped the call; that is not an error.
type Result struct {
	Tracked  bool              `json:"tracked"`
	Reason   string            `json:"reason,omitempty"`
	Visitor  *visitors.Visitor `json:"-"`
	Session  *sessions.Session `json:"session,omitempty"`
	PageView *events.PageView  `json:"pageview,omitempty"`
	Event    *events.Event     `json:"event,omitempty"`
}

// Locator resolves a client IP to an ISO country code.
type Locator interface {
	Country(ip string) string
}

// Limiter throttles callers by identity.
type Limiter interface {
	Allow(identity string) (time.Duration, error)
}

// DefaultMaxSkew is how far ahead of the server clock a client timestamp may
// run before it is refused.
const DefaultMaxSkew = 5 * time.Minute

// Options wire the optional collaborators of a Service.
type Options struct {
	// Salt keys derived fingerprints.
	Salt    string
	Locator Locator
	Limiter Limiter
	Now     func() time.Time
	// MaxBackdate refuses client timestamps older than now minus it. Zero
	// accepts any past timestamp.
	MaxBackdate time.Duration
	// MaxSkew refuses client timestamps later than now plus it. Timestamps
	// within the skew are clamped to now.
	MaxSkew time.Duration
}

// Service implements the ingestion entry points.
type Service struct {
	gate     *consent.Gate
	visitors *visitors.Resolver
	sessions *sessions.Manager
	pipeline *events.Pipeline
	logger   *slog.Logger
	opts     Options
}

func NewService(gate *consent.Gate, resolver *visitors.Resolver, manager *sessions.Manager, pipeline *events.Pipeline, logger *slog.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	return &Service{
		gate:     gate,
		visitors: resolver,
		sessions: manager,
		pipeline: pipeline,
		logger:   logger,
		opts:     opts,
	}
}

// Backfill returns a copy of s that accepts timestamps of any age. Days that
// were already rolled up must be rolled up again after a backfill.
func (s *Service) Backfill() *Service {
	c := *s
	c.opts.MaxBackdate = 0
	return &c
}

// admission is a client that passed every check, with its derived signals.
type admission struct {
	fingerprint string
	consentKey  string
	agent       ua.UserAgent
}

// admit runs the checks shared by every entry point that records telemetry.
// A nil admission with a nil error means the call is dropped with reason.
func (s *Service) admit(ctx context.Context, c Client, path string) (*admission, string, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, "", err
	}
	if s.opts.Limiter != nil {
		if _, err := s.opts.Limiter.Allow(ratelimit.Identity(c.IP, c.UserAgent, c.AcceptLanguage)); err != nil {
			return nil, "", err
		}
	}

	agent := ua.ParseUserAgent(c.UserAgent)
	if agent.Bot {
		s.logger.Debug("Skipping bot telemetry",
			slog.Uint64("site_id", uint64(sc.SiteID())),
			slog.String("user_agent", c.UserAgent))
		return nil, ReasonBot, nil
	}

	fingerprint := s.fingerprint(sc, c)
	consentKey := s.consentKey(sc, c)
	decision, err := s.gate.CanTrack(ctx, consent.VisitorContext{
		Fingerprint: fingerprint,
		ConsentKey:  consentKey,
		IP:          c.IP,
		UserAgent:   c.UserAgent,
		Path:        path,
		DoNotTrack:  c.DoNotTrack,
	})
	if err != nil {
		return nil, "", err
	}
	if !decision.Allowed {
		s.logger.Debug("Dropped telemetry",
			slog.Uint64("site_id", uint64(sc.SiteID())),
			slog.Any("error", errs.ErrConsentBlocked.New(decision.Reason)))
		return nil, decision.Reason, nil
	}
	return &admission{fingerprint: fingerprint, consentKey: consentKey, agent: agent}, "", nil
}

func (s *Service) fingerprint(sc scope.Scope, c Client) string {
	if fp := strings.TrimSpace(c.Fingerprint); fp != "" {
		return fp
	}
	return visitors.Fingerprint(s.opts.Salt, visitors.Signals{
		SiteDomain: sc.Site.Domain,
		IP:         c.IP,
		UserAgent:  c.UserAgent,
	}, sc.Site.PrivacyMode == sites.PrivacyModePrivacy, s.opts.Now())
}

// consentKey identifies c in consent records. Unlike the fingerprint it never
// rotates, so a choice made in privacy mode outlives the day it was made.
func (s *Service) consentKey(sc scope.Scope, c Client) string {
	if fp := strings.TrimSpace(c.Fingerprint); fp != "" {
		return fp
	}
	return visitors.StableKey(s.opts.Salt, visitors.Signals{
		SiteDomain: sc.Site.Domain,
		IP:         c.IP,
		UserAgent:  c.UserAgent,
	})
}

func (s *Service) country(ip string) string {
	if s.opts.Locator == nil {
		return ""
	}
	return s.opts.Locator.Country(ip)
}

func (s *Service) traits(c Client, a *admission) visitors.Traits {
	return visitors.Traits{
		Country: s.country(c.IP),
		Device:  a.agent.Device,
		Browser: a.agent.Browser,
		OS:      a.agent.OS,
	}
}

// at resolves a client timestamp against the server clock. A zero time is
// now. Timestamps outside [now-MaxBackdate, now+MaxSkew] are refused, since a
// hit in an already rolled up day or in the future would never be counted
// right.
func (s *Service) at(t time.Time) (time.Time, error) {
	now := s.opts.Now().UTC()
	if t.IsZero() {
		return now, nil
	}
	t = t.UTC()
	if t.After(now) {
		if t.Sub(now) > s.opts.MaxSkew {
			return time.Time{}, errs.ErrValidationFailed.New("timestamp is in the future")
		}
		return now, nil
	}
	if s.opts.MaxBackdate > 0 && now.Sub(t) > s.opts.MaxBackdate {
		return time.Time{}, errs.ErrValidationFailed.New("timestamp is too old")
	}
	return t, nil
}

func (s *Service) startData(c Client, traits visitors.Traits, d SessionData) sessions.StartData {
	return sessions.StartData{
		Token:       sessions.NormalizeToken(c.SessionToken),
		EntryPath:   d.EntryPath,
		ReferrerURL: d.ReferrerURL,
		UTM:         d.UTM,
		Device:      traits.Device,
		Browser:     traits.Browser,
		OS:          traits.OS,
		Country:     traits.Country,
		At:          d.At,
	}
}

// identify resolves the visitor and its session for an admitted client.
// Without a token a new session is started. The pipeline runs it inside the
// transaction of the record.
func (s *Service) identify(c Client, a *admission, d SessionData) events.Identity {
	traits := s.traits(c, a)
	return func(ctx context.Context) (*sessions.Session, *visitors.Visitor, error) {
		v, err := s.visitors.ResolveVisitor(ctx, a.fingerprint, traits, d.At)
		if err != nil {
			return nil, nil, err
		}
		session, _, err := s.sessions.Resolve(ctx, v, s.startData(c, traits, d))
		if err != nil {
			return nil, nil, err
		}
		return session, v, nil
	}
}

// TrackPageView records a page view, continuing the client's session when it
// is still open.
func (s *Service) TrackPageView(ctx context.Context, in PageViewInput) (*Result, error) {
	a, reason, err := s.admit(ctx, in.Client, in.PageView.Path)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &Result{Reason: reason}, nil
	}
	if err := s.pipeline.CheckPageView(in.PageView); err != nil {
		return nil, err
	}
	if in.PageView.Timestamp, err = s.at(in.PageView.Timestamp); err != nil {
		return nil, err
	}
	in.Session.At = in.PageView.Timestamp
	if in.Session.EntryPath == "" {
		in.Session.EntryPath = in.PageView.Path
	}

	hit, err := s.pipeline.TrackPageView(ctx, s.identify(in.Client, a, in.Session), in.PageView)
	if err != nil {
		return nil, err
	}
	return &Result{Tracked: true, Visitor: hit.Visitor, Session: hit.Session, PageView: hit.PageView}, nil
}

// TrackEvent records a custom event. An event without an open session starts
// one at the event path.
func (s *Service) TrackEvent(ctx context.Context, in EventInput) (*Result, error) {
	a, reason, err := s.admit(ctx, in.Client, in.Event.Path)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &Result{Reason: reason}, nil
	}
	if err := s.pipeline.CheckEvent(in.Event); err != nil {
		return nil, err
	}
	if in.Event.Timestamp, err = s.at(in.Event.Timestamp); err != nil {
		return nil, err
	}
	in.Session.At = in.Event.Timestamp
	if in.Session.EntryPath == "" {
		in.Session.EntryPath = in.Event.Path
	}

	hit, err := s.pipeline.TrackEvent(ctx, s.identify(in.Client, a, in.Session), in.Event)
	if err != nil {
		return nil, err
	}
	return &Result{Tracked: true, Visitor: hit.Visitor, Session: hit.Session, Event: hit.Event}, nil
}

// StartSession always opens a new session. The returned session carries the
// token the client should send with later calls.
func (s *Service) StartSession(ctx context.Context, c Client, d SessionData) (*Result, error) {
	a, reason, err := s.admit(ctx, c, d.EntryPath)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &Result{Reason: reason}, nil
	}
	if d.At, err = s.at(d.At); err != nil {
		return nil, err
	}
	traits := s.traits(c, a)
	session, v, err := s.sessions.StartFor(ctx, func(ctx context.Context) (*visitors.Visitor, error) {
		return s.visitors.ResolveVisitor(ctx, a.fingerprint, traits, d.At)
	}, s.startData(c, traits, d))
	if err != nil {
		return nil, err
	}
	return &Result{Tracked: true, Visitor: v, Session: session}, nil
}

// ExtendSession keeps the open session for token alive. A session that
// already timed out is ended and reported as not found.
func (s *Service) ExtendSession(ctx context.Context, token string, at time.Time) (*sessions.Session, error) {
	if _, err := scope.FromContext(ctx); err != nil {
		return nil, err
	}
	token = sessions.NormalizeToken(token)
	if token == "" {
		return nil, errs.ErrValidationFailed.New("session token is required")
	}
	at, err := s.at(at)
	if err != nil {
		return nil, err
	}
	return s.sessions.Extend(ctx, token, at)
}

// EndSession closes the open session for token.
func (s *Service) EndSession(ctx context.Context, token string, at time.Time) (*sessions.Session, error) {
	if _, err := scope.FromContext(ctx); err != nil {
		return nil, err
	}
	token = sessions.NormalizeToken(token)
	if token == "" {
		return nil, errs.ErrValidationFailed.New("session token is required")
	}
	at, err := s.at(at)
	if err != nil {
		return nil, err
	}
	return s.sessions.End(ctx, token, at)
}

// ResolveVisitor creates or refreshes the visitor of c without recording
// telemetry. It goes through the same checks as tracking, so a client that
// may not be tracked never gets a visitor row.
func (s *Service) ResolveVisitor(ctx context.Context, c Client) (*Result, error) {
	a, reason, err := s.admit(ctx, c, "")
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &Result{Reason: reason}, nil
	}
	v, err := s.visitors.ResolveVisitor(ctx, a.fingerprint, s.traits(c, a), s.opts.Now())
	if err != nil {
		return nil, err
	}
	return &Result{Tracked: true, Visitor: v}, nil
}

// CanTrack asks the consent gate about c without recording anything.
func (s *Service) CanTrack(ctx context.Context, c Client, path string) (consent.Decision, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return consent.Decision{Reason: consent.ReasonUnavailable}, err
	}
	return s.gate.CanTrack(ctx, consent.VisitorContext{
		Fingerprint: s.fingerprint(sc, c),
		ConsentKey:  s.consentKey(sc, c),
		IP:          c.IP,
		UserAgent:   c.UserAgent,
		Path:        path,
		DoNotTrack:  c.DoNotTrack,
	})
}

// ConsentInput is a visitor's answer to a consent prompt. An empty Category
// means the category the gate checks. A positive TTL makes the record lapse.
type ConsentInput struct {
	Client
	Category string
	Granted  bool
	TTL      time.Duration
}

// RecordConsent appends the visitor's grant or revocation. It skips the
// consent gate, since recording consent is how a visitor gets past it.
// Bots are refused and rate limits apply.
func (s *Service) RecordConsent(ctx context.Context, in ConsentInput) (*consent.Consent, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if s.opts.Limiter != nil {
		if _, err := s.opts.Limiter.Allow(ratelimit.Identity(in.IP, in.UserAgent, in.AcceptLanguage)); err != nil {
			return nil, err
		}
	}
	if ua.ParseUserAgent(in.UserAgent).Bot {
		return nil, errs.ErrValidationFailed.New("bots cannot record consent")
	}
	if in.TTL < 0 {
		return nil, errs.ErrValidationFailed.New("consent ttl must not be negative")
	}
	var expiresAt *time.Time
	if in.TTL > 0 {
		t := s.opts.Now().UTC().Add(in.TTL)
		expiresAt = &t
	}
	c, err := s.gate.Record(ctx, s.consentKey(sc, in.Client), in.Category, in.Granted, expiresAt, consent.SourceVisitor)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Recorded consent",
		slog.Uint64("site_id", uint64(sc.SiteID())),
		slog.String("category", c.Category),
		slog.Bool("granted", c.Granted))
	return c, nil
}
