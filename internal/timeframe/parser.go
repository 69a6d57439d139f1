package timeframe

import (
	"fmt"
	"time"
)

// TimeWindowBuffer extends ranges that end in the future so late arriving
// events near now are still included.
const TimeWindowBuffer = 5 * time.Minute

type TimeFrameParserParams struct {
	Label      string
	FromDate   string
	ToDate     string
	Tz         string
	BucketSize string
}

type TimeFrameParser struct {
	timeProvider TimeProvider
}

func NewTimeFrameParser(timeProvider ...TimeProvider) *TimeFrameParser {
	var provider TimeProvider = &DefaultTimeProvider{}
	if len(timeProvider) > 0 && timeProvider[0] != nil {
		provider = timeProvider[0]
	}
	return &TimeFrameParser{timeProvider: provider}
}

// ParseTimeFrame resolves a label or an inclusive from/to date pair, in the
// site timezone, into a half open frame. Without label or dates it returns
// the last 7 days.
func (p *TimeFrameParser) ParseTimeFrame(params TimeFrameParserParams) (*TimeFrame, error) {
	loc := time.UTC
	if params.Tz != "" {
		var err error
		if loc, err = time.LoadLocation(params.Tz); err != nil {
			return nil, fmt.Errorf("error loading timezone: %w", err)
		}
	}
	bucket, err := ParseBucketSize(params.BucketSize)
	if err != nil {
		return nil, err
	}

	now := p.timeProvider.Now(loc)
	today := TruncateToBucketInTimezone(now, BucketDay, loc)
	tomorrow := today.AddDate(0, 0, 1)

	label := RangeLabel(params.Label)
	if label == "" {
		label = LabelLast7Days
		if params.FromDate != "" || params.ToDate != "" {
			label = LabelCustom
		}
	}

	var from, to time.Time
	switch label {
	case LabelToday:
		from, to = today, tomorrow
	case LabelYesterday:
		from, to = today.AddDate(0, 0, -1), today
	case LabelLast7Days:
		from, to = today.AddDate(0, 0, -6), tomorrow
	case LabelLast30Days:
		from, to = today.AddDate(0, 0, -29), tomorrow
	case LabelMonthToDate:
		from, to = TruncateToBucketInTimezone(now, BucketMonth, loc), tomorrow
	case LabelLastMonth:
		thisMonth := TruncateToBucketInTimezone(now, BucketMonth, loc)
		from, to = thisMonth.AddDate(0, -1, 0), thisMonth
	case LabelCustom:
		if from, err = parseBound(params.FromDate, loc, false); err != nil {
			return nil, fmt.Errorf("invalid 'from' date: %w", err)
		}
		if params.ToDate == "" {
			to = tomorrow
		} else if to, err = parseBound(params.ToDate, loc, true); err != nil {
			return nil, fmt.Errorf("invalid 'to' date: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown range label: %s", params.Label)
	}

	if limit := now.Add(TimeWindowBuffer); to.After(limit) {
		to = limit
	}
	tf, err := NewTimeFrame(from, to, bucket, loc)
	if err != nil {
		return nil, err
	}
	tf.Label = label
	return tf, nil
}

// parseBound accepts a calendar date or an RFC 3339 timestamp. A date used as
// the end bound includes that whole day.
func parseBound(value string, loc *time.Location, isEnd bool) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	date, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, err
	}
	if isEnd {
		return date.AddDate(0, 0, 1), nil
	}
	return date, nil
}
