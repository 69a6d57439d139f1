package events

import (
	"time"

	"siteline/internal/models"
	"siteline/internal/scope"
)

// PageView is one page render. Immutable once created.
type PageView struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`
	scope.Ownership
	SessionID    uint        `gorm:"not null;index" json:"session_id"`
	VisitorID    uint        `gorm:"not null;index" json:"visitor_id"`
	Path         string      `gorm:"not null;index" json:"path"`
	Title        string      `gorm:"not null;default:''" json:"title"`
	ReferrerPath string      `gorm:"not null;default:''" json:"referrer_path"`
	LoadTimeMs   *int        `json:"load_time_ms,omitempty"`
	TTFBMs       *int        `gorm:"column:ttfb_ms" json:"ttfb_ms,omitempty"`
	ScrollDepth  *int        `json:"scroll_depth,omitempty"`
	Payload      models.JSON `gorm:"type:text" json:"payload,omitempty"`
	Timestamp    time.Time   `gorm:"not null;index" json:"timestamp"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Event is one custom or business event. Immutable once created.
type Event struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"id"`
	scope.Ownership
	SessionID  uint        `gorm:"not null;index" json:"session_id"`
	VisitorID  uint        `gorm:"not null;index" json:"visitor_id"`
	PageViewID *uint       `gorm:"index" json:"page_view_id,omitempty"`
	Name       string      `gorm:"not null;index" json:"name"`
	Category   string      `gorm:"not null;default:'';index" json:"category"`
	Action     string      `gorm:"not null;default:''" json:"action"`
	Label      string      `gorm:"not null;default:''" json:"label"`
	Value      *float64    `json:"value,omitempty"`
	Properties models.JSON `gorm:"type:text" json:"properties,omitempty"`
	Source     string      `gorm:"not null;default:''" json:"source"`
	Path       string      `gorm:"not null;default:''" json:"path"`
	Timestamp  time.Time   `gorm:"not null;index" json:"timestamp"`
	CreatedAt  time.Time   `json:"created_at"`
}

// PageViewData is the inbound page view payload.
type PageViewData struct {
	Path         string
	Title        string
	ReferrerPath string
	LoadTimeMs   *int
	TTFBMs       *int
	ScrollDepth  *int
	Payload      map[string]any
	Timestamp    time.Time
}

// EventData is the inbound custom event payload.
type EventData struct {
	Name       string
	Category   string
	Action     string
	Label      string
	Value      *float64
	Properties map[string]any
	Source     string
	Path       string
	PageViewID *uint
	Timestamp  time.Time
}
