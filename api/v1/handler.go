// Package v1 is the HTTP adapter of the tracking and query entry points.
// Every route expects the scope middleware to have resolved the site.
package v1

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"siteline/internal/analytics"
	"siteline/internal/events"
	"siteline/internal/sessions"
	"siteline/internal/timeframe"
	"siteline/internal/tracking"
)

// SessionTokenHeader carries the session token when the body does not.
const SessionTokenHeader = "X-Session-Token"

const errInvalidRequest = "Invalid request"

// SessionParams is the session context shared by every ingestion body.
type SessionParams struct {
	SessionToken string `json:"session_token"`
	Fingerprint  string `json:"fingerprint"`
	URL          string `json:"url"`
	Referrer     string `json:"referrer"`
	EntryPath    string `json:"entry_path"`
	UTMSource    string `json:"utm_source"`
	UTMMedium    string `json:"utm_medium"`
	UTMCampaign  string `json:"utm_campaign"`
	UTMTerm      string `json:"utm_term"`
	UTMContent   string `json:"utm_content"`
}

func (p SessionParams) session(path string) (string, tracking.SessionData) {
	path, utm := pageLocation(p.URL, path, sessions.UTM{
		Source:   p.UTMSource,
		Medium:   p.UTMMedium,
		Campaign: p.UTMCampaign,
		Term:     p.UTMTerm,
		Content:  p.UTMContent,
	})
	return path, tracking.SessionData{
		EntryPath:   p.EntryPath,
		ReferrerURL: p.Referrer,
		UTM:         utm,
	}
}

type CreatePageViewParams struct {
	SessionParams
	Path         string         `json:"path"`
	Title        string         `json:"title"`
	ReferrerPath string         `json:"referrer_path"`
	LoadTimeMs   *int           `json:"load_time_ms"`
	TTFBMs       *int           `json:"ttfb_ms"`
	ScrollDepth  *int           `json:"scroll_depth"`
	Payload      map[string]any `json:"payload"`
	Timestamp    time.Time      `json:"timestamp"`
}

type CreateEventParams struct {
	SessionParams
	Name       string         `json:"name"`
	Category   string         `json:"category"`
	Action     string         `json:"action"`
	Label      string         `json:"label"`
	Value      *float64       `json:"value"`
	Properties map[string]any `json:"properties"`
	Source     string         `json:"source"`
	Path       string         `json:"path"`
	PageViewID *uint          `json:"pageview_id"`
	Timestamp  time.Time      `json:"timestamp"`
}

type StartSessionParams struct {
	SessionParams
	Timestamp time.Time `json:"timestamp"`
}

type RecordConsentParams struct {
	SessionParams
	Category   string `json:"category"`
	Granted    *bool  `json:"granted"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type SessionActionParams struct {
	Timestamp time.Time `json:"timestamp"`
}

// Handler serves the v1 API.
type Handler struct {
	tracking  *tracking.Service
	analytics *analytics.Engine
	parser    *timeframe.TimeFrameParser
	logger    *slog.Logger
}

func NewHandler(svc *tracking.Service, engine *analytics.Engine, parser *timeframe.TimeFrameParser, logger *slog.Logger) *Handler {
	if parser == nil {
		parser = timeframe.NewTimeFrameParser()
	}
	return &Handler{tracking: svc, analytics: engine, parser: parser, logger: logger}
}

// Mount registers the routes on router. ingest resolves the site of tracking
// calls; stats resolves the site of analytics reads and must demand an API key.
func (h *Handler) Mount(router fiber.Router, ingest, stats fiber.Handler) {
	router.Post("/pageviews", ingest, h.CreatePageView)
	router.Post("/events", ingest, h.CreateEvent)
	router.Post("/sessions", ingest, h.StartSession)
	router.Post("/sessions/:token/extend", ingest, h.ExtendSession)
	router.Post("/sessions/:token/end", ingest, h.EndSession)
	router.Post("/consents", ingest, h.RecordConsent)
	router.Get("/stats/realtime", stats, h.Realtime)
	router.Get("/stats/:metric", stats, h.Stats)
}

func (h *Handler) CreatePageView(c *fiber.Ctx) error {
	var params CreatePageViewParams
	if err := c.BodyParser(&params); err != nil {
		h.logger.Debug("Failed to parse page view", slog.Any("error", err))
		return fiber.NewError(fiber.StatusBadRequest, errInvalidRequest)
	}

	path, session := params.session(params.Path)
	result, err := h.tracking.TrackPageView(c.UserContext(), tracking.PageViewInput{
		Client:  clientFrom(c, params.Fingerprint, params.SessionToken),
		Session: session,
		PageView: events.PageViewData{
			Path:         path,
			Title:        params.Title,
			ReferrerPath: params.ReferrerPath,
			LoadTimeMs:   params.LoadTimeMs,
			TTFBMs:       params.TTFBMs,
			ScrollDepth:  params.ScrollDepth,
			Payload:      params.Payload,
			Timestamp:    params.Timestamp,
		},
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *Handler) CreateEvent(c *fiber.Ctx) error {
	var params CreateEventParams
	if err := c.BodyParser(&params); err != nil {
		h.logger.Debug("Failed to parse event", slog.Any("error", err))
		return fiber.NewError(fiber.StatusBadRequest, errInvalidRequest)
	}

	path, session := params.session(params.Path)
	result, err := h.tracking.TrackEvent(c.UserContext(), tracking.EventInput{
		Client:  clientFrom(c, params.Fingerprint, params.SessionToken),
		Session: session,
		Event: events.EventData{
			Name:       params.Name,
			Category:   params.Category,
			Action:     params.Action,
			Label:      params.Label,
			Value:      params.Value,
			Properties: params.Properties,
			Source:     params.Source,
			Path:       path,
			PageViewID: params.PageViewID,
			Timestamp:  params.Timestamp,
		},
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}

// StartSession answers 201 with the new session, or 202 when the call was
// dropped.
func (h *Handler) StartSession(c *fiber.Ctx) error {
	var params StartSessionParams
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, errInvalidRequest)
	}

	entryPath, session := params.session(params.EntryPath)
	session.EntryPath = entryPath
	session.At = params.Timestamp
	result, err := h.tracking.StartSession(c.UserContext(), clientFrom(c, params.Fingerprint, params.SessionToken), session)
	if err != nil {
		return err
	}
	if !result.Tracked {
		return c.Status(fiber.StatusAccepted).JSON(result)
	}
	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *Handler) ExtendSession(c *fiber.Ctx) error {
	at, err := actionTime(c)
	if err != nil {
		return err
	}
	session, err := h.tracking.ExtendSession(c.UserContext(), c.Params("token"), at)
	if err != nil {
		return err
	}
	return c.JSON(session)
}

func (h *Handler) EndSession(c *fiber.Ctx) error {
	at, err := actionTime(c)
	if err != nil {
		return err
	}
	session, err := h.tracking.EndSession(c.UserContext(), c.Params("token"), at)
	if err != nil {
		return err
	}
	return c.JSON(session)
}

// RecordConsent stores a visitor's grant or revocation and answers 201 with
// the record.
func (h *Handler) RecordConsent(c *fiber.Ctx) error {
	var params RecordConsentParams
	if err := c.BodyParser(&params); err != nil {
		h.logger.Debug("Failed to parse consent", slog.Any("error", err))
		return fiber.NewError(fiber.StatusBadRequest, errInvalidRequest)
	}
	if params.Granted == nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "granted is required")
	}

	record, err := h.tracking.RecordConsent(c.UserContext(), tracking.ConsentInput{
		Client:   clientFrom(c, params.Fingerprint, params.SessionToken),
		Category: params.Category,
		Granted:  *params.Granted,
		TTL:      time.Duration(params.TTLSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

// actionTime reads the optional timestamp of a session action. An empty body
// means now.
func actionTime(c *fiber.Ctx) (time.Time, error) {
	if len(c.Body()) == 0 {
		return time.Time{}, nil
	}
	var params SessionActionParams
	if err := c.BodyParser(&params); err != nil {
		return time.Time{}, fiber.NewError(fiber.StatusBadRequest, errInvalidRequest)
	}
	return params.Timestamp, nil
}
