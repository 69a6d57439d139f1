package events

import (
	"strings"
	"time"

	"siteline/internal/sessions"
	"siteline/internal/visitors"
)

// Record kinds.
const (
	KindPageView = "pageview"
	KindEvent    = "event"
)

// Record is a persisted page view or event together with its session and
// visitor, as handed to goal matching and subscribers.
type Record struct {
	PageView *PageView
	Event    *Event
	Session  *sessions.Session
	Visitor  *visitors.Visitor

	props map[string]any
}

// NewPageViewRecord wraps a persisted page view.
func NewPageViewRecord(pv *PageView, s *sessions.Session, v *visitors.Visitor) Record {
	return Record{PageView: pv, Session: s, Visitor: v, props: pv.Payload.Map()}
}

// NewEventRecord wraps a persisted event.
func NewEventRecord(e *Event, s *sessions.Session, v *visitors.Visitor) Record {
	return Record{Event: e, Session: s, Visitor: v, props: e.Properties.Map()}
}

func (r Record) Kind() string {
	if r.Event != nil {
		return KindEvent
	}
	return KindPageView
}

func (r Record) ID() uint {
	if r.Event != nil {
		return r.Event.ID
	}
	return r.PageView.ID
}

func (r Record) Timestamp() time.Time {
	if r.Event != nil {
		return r.Event.Timestamp
	}
	return r.PageView.Timestamp
}

func (r Record) SessionID() uint {
	if r.Event != nil {
		return r.Event.SessionID
	}
	return r.PageView.SessionID
}

func (r Record) VisitorID() uint {
	if r.Event != nil {
		return r.Event.VisitorID
	}
	return r.PageView.VisitorID
}

// Field resolves a dotted field name for condition evaluation. Properties of
// events and payload keys of page views are reachable as "properties.<key>".
func (r Record) Field(name string) (any, bool) {
	if key, ok := strings.CutPrefix(name, "properties."); ok {
		return lookupPath(r.props, key)
	}
	switch name {
	case "kind":
		return r.Kind(), true
	case "path":
		if r.Event != nil {
			return r.Event.Path, r.Event.Path != ""
		}
		return r.PageView.Path, true
	case "title":
		if r.PageView != nil {
			return r.PageView.Title, true
		}
	case "name":
		if r.Event != nil {
			return r.Event.Name, true
		}
	case "category":
		if r.Event != nil {
			return r.Event.Category, r.Event.Category != ""
		}
	case "action":
		if r.Event != nil {
			return r.Event.Action, r.Event.Action != ""
		}
	case "label":
		if r.Event != nil {
			return r.Event.Label, r.Event.Label != ""
		}
	case "value":
		if r.Event != nil && r.Event.Value != nil {
			return *r.Event.Value, true
		}
	case "source":
		if r.Event != nil {
			return r.Event.Source, r.Event.Source != ""
		}
	case "scroll_depth":
		if r.PageView != nil && r.PageView.ScrollDepth != nil {
			return float64(*r.PageView.ScrollDepth), true
		}
	}
	if r.Session != nil {
		switch name {
		case "referrer_type":
			return r.Session.ReferrerType, true
		case "referrer_host":
			return r.Session.ReferrerHost, r.Session.ReferrerHost != ""
		case "utm_source":
			return r.Session.UTMSource, r.Session.UTMSource != ""
		case "utm_medium":
			return r.Session.UTMMedium, r.Session.UTMMedium != ""
		case "utm_campaign":
			return r.Session.UTMCampaign, r.Session.UTMCampaign != ""
		case "entry_path":
			return r.Session.EntryPath, r.Session.EntryPath != ""
		case "device":
			return r.Session.Device, r.Session.Device != ""
		case "browser":
			return r.Session.Browser, r.Session.Browser != ""
		case "os":
			return r.Session.OS, r.Session.OS != ""
		case "country":
			return r.Session.Country, r.Session.Country != ""
		}
	}
	return nil, false
}

func lookupPath(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
