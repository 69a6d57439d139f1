package v1

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"siteline/internal/analytics"
	"siteline/internal/scope"
	"siteline/internal/timeframe"
)

const defaultRealtimeMinutes = 5

var scalarMetrics = map[string]bool{
	analytics.MetricPageViews:  true,
	analytics.MetricVisitors:   true,
	analytics.MetricSessions:   true,
	analytics.MetricEvents:     true,
	analytics.MetricBounceRate: true,
	analytics.MetricAvgTime:    true,
}

var breakdowns = map[string]bool{
	analytics.DimensionPage:         true,
	analytics.DimensionEntryPage:    true,
	analytics.DimensionExitPage:     true,
	analytics.DimensionSource:       true,
	analytics.DimensionReferrerType: true,
	analytics.DimensionDevice:       true,
	analytics.DimensionBrowser:      true,
	analytics.DimensionOS:           true,
	analytics.DimensionCountry:      true,
	analytics.DimensionUTMCampaign:  true,
	analytics.DimensionEvent:        true,
}

// StatsResponse wraps every stats answer with the range it covers.
type StatsResponse struct {
	Metric string `json:"metric"`
	From   string `json:"from"`
	To     string `json:"to"`
	Bucket string `json:"bucket"`
	Data   any    `json:"data"`
}

// Stats answers range queries. metric is "overview", "goals", "funnel"
// (with goal_id), a breakdown dimension, or a scalar metric; scalar metrics
// return a comparison, or a time series with series=true.
func (h *Handler) Stats(c *fiber.Ctx) error {
	metric := c.Params("metric")
	q, err := h.query(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	var data any
	switch {
	case metric == "overview":
		data, err = h.analytics.Overview(ctx, q)
	case metric == "goals":
		data, err = h.analytics.GoalConversions(ctx, q)
	case metric == "funnel":
		goalID, perr := strconv.ParseUint(c.Query("goal_id"), 10, 64)
		if perr != nil || goalID == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid goal_id")
		}
		data, err = h.analytics.FunnelReport(ctx, uint(goalID), q)
	case breakdowns[metric]:
		data, err = h.analytics.Breakdown(ctx, metric, q)
	case scalarMetrics[metric] && c.QueryBool("series"):
		data, err = h.analytics.TimeSeries(ctx, metric, q)
	case scalarMetrics[metric]:
		data, err = h.analytics.Compare(ctx, metric, q)
	default:
		return fiber.NewError(fiber.StatusNotFound, "Unknown metric")
	}
	if err != nil {
		return err
	}

	return c.JSON(StatsResponse{
		Metric: metric,
		From:   q.Range.From.In(q.Range.Tz).Format(time.RFC3339),
		To:     q.Range.To.In(q.Range.Tz).Format(time.RFC3339),
		Bucket: string(q.Range.BucketSize),
		Data:   data,
	})
}

// Realtime counts visitors active in the last minutes (default 5).
func (h *Handler) Realtime(c *fiber.Ctx) error {
	minutes := c.QueryInt("minutes", defaultRealtimeMinutes)
	n, err := h.analytics.ActiveVisitors(c.UserContext(), minutes)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"active_visitors": n, "minutes": minutes})
}

// query builds the analytics query of a stats request. The range defaults to
// the last 7 days in the site timezone.
func (h *Handler) query(c *fiber.Ctx) (analytics.Query, error) {
	tz := c.Query("tz")
	if tz == "" {
		site, err := scope.CurrentSite(c.UserContext())
		if err != nil {
			return analytics.Query{}, err
		}
		tz = site.Timezone
	}
	tf, err := h.parser.ParseTimeFrame(timeframe.TimeFrameParserParams{
		Label:      c.Query("range"),
		FromDate:   c.Query("from"),
		ToDate:     c.Query("to"),
		Tz:         tz,
		BucketSize: c.Query("bucket"),
	})
	if err != nil {
		return analytics.Query{}, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return analytics.Query{
		Range: *tf,
		Filters: analytics.Filters{
			Path:         c.Query("path"),
			ReferrerType: c.Query("referrer_type"),
			Source:       c.Query("source"),
			Device:       c.Query("device"),
			Browser:      c.Query("browser"),
			OS:           c.Query("os"),
			Country:      c.Query("country"),
			UTMSource:    c.Query("utm_source"),
			UTMCampaign:  c.Query("utm_campaign"),
		},
		Limit: c.QueryInt("limit"),
	}, nil
}
