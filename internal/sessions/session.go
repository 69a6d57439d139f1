// Package sessions groups a visitor's activity into browsing sessions.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"siteline/internal/errs"
	"siteline/internal/models"
	"siteline/internal/scope"
	"siteline/internal/visitors"
)

// Session is one browsing session. ID is the internal key used by foreign keys;
// Token is the client supplied correlation value and is only unique among open
// sessions of a site.
type Session struct {
	ID uint `gorm:"primaryKey" json:"id"`
	scope.Ownership
	Token           string     `gorm:"not null" json:"token"`
	VisitorID       uint       `gorm:"not null;index" json:"visitor_id"`
	StartedAt       time.Time  `gorm:"not null;index" json:"started_at"`
	LastActivityAt  time.Time  `gorm:"not null;index" json:"last_activity_at"`
	EndedAt         *time.Time `gorm:"index" json:"ended_at,omitempty"`
	EntryPath       string     `gorm:"not null;default:''" json:"entry_path"`
	ExitPath        string     `gorm:"not null;default:''" json:"exit_path"`
	ReferrerURL     string     `gorm:"not null;default:''" json:"referrer_url"`
	ReferrerHost    string     `gorm:"not null;default:''" json:"referrer_host"`
	ReferrerType    string     `gorm:"not null;default:''" json:"referrer_type"`
	ReferrerName    string     `gorm:"not null;default:''" json:"referrer_name"`
	UTMSource       string     `gorm:"column:utm_source;not null;default:''" json:"utm_source"`
	UTMMedium       string     `gorm:"column:utm_medium;not null;default:''" json:"utm_medium"`
	UTMCampaign     string     `gorm:"column:utm_campaign;not null;default:''" json:"utm_campaign"`
	UTMTerm         string     `gorm:"column:utm_term;not null;default:''" json:"utm_term"`
	UTMContent      string     `gorm:"column:utm_content;not null;default:''" json:"utm_content"`
	IsBounce        bool       `gorm:"not null" json:"is_bounce"`
	PageCount       int        `gorm:"not null;default:0" json:"page_count"`
	EventCount      int        `gorm:"not null;default:0" json:"event_count"`
	DurationSeconds int64      `gorm:"not null;default:0" json:"duration_seconds"`
	Device          string     `gorm:"not null;default:''" json:"device"`
	Browser         string     `gorm:"not null;default:''" json:"browser"`
	OS              string     `gorm:"column:os;not null;default:''" json:"os"`
	Country         string     `gorm:"not null;default:''" json:"country"`
}

// Open reports whether the session has not ended.
func (s *Session) Open() bool { return s.EndedAt == nil }

// StartData describes the request that may open a session.
type StartData struct {
	Token       string
	EntryPath   string
	ReferrerURL string
	UTM         UTM
	Device      string
	Browser     string
	OS          string
	Country     string
	At          time.Time
}

// Manager creates, continues and ends sessions inside the active scope.
type Manager struct {
	db      *gorm.DB
	logger  *slog.Logger
	timeout time.Duration
}

func NewManager(db *gorm.DB, logger *slog.Logger, timeout time.Duration) *Manager {
	return &Manager{db: db, logger: logger, timeout: timeout}
}

// Timeout is the inactivity window after which a token starts a new session.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Resolve continues the open session for d.Token when it is within the
// inactivity timeout. Otherwise the stale session, if any, is ended and a new
// one is started for the same visitor. created reports which happened.
func (m *Manager) Resolve(ctx context.Context, visitor *visitors.Visitor, d StartData) (session *Session, created bool, err error) {
	if d.Token == "" {
		s, err := m.Start(ctx, visitor, d)
		return s, err == nil, err
	}
	err = models.Write(ctx, m.logger, m.db, func(tx *gorm.DB) error {
		session, created, err = m.resolveTx(ctx, tx, visitor, d)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return session, created, nil
}

// Start always opens a new session, ending any open one under the same token.
// An empty token is replaced by a generated one.
func (m *Manager) Start(ctx context.Context, visitor *visitors.Visitor, d StartData) (*Session, error) {
	if d.Token == "" {
		d.Token = uuid.NewString()
	}
	var session *Session
	err := models.Write(ctx, m.logger, m.db, func(tx *gorm.DB) error {
		open, err := m.openByToken(ctx, tx, d.Token)
		if err != nil {
			return err
		}
		if open != nil {
			if err := endTx(ctx, tx, open, d.At); err != nil {
				return err
			}
		}
		s, inserted, err := m.insertTx(ctx, tx, visitor, d)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("session token %s was claimed concurrently", d.Token)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) resolveTx(ctx context.Context, tx *gorm.DB, visitor *visitors.Visitor, d StartData) (*Session, bool, error) {
	open, err := m.openByToken(ctx, tx, d.Token)
	if err != nil {
		return nil, false, err
	}
	if open != nil && d.At.Sub(open.LastActivityAt) > m.timeout {
		if err := endTx(ctx, tx, open, open.LastActivityAt); err != nil {
			return nil, false, err
		}
		m.logger.Debug("Session expired, starting a new one",
			slog.Uint64("session_id", uint64(open.ID)),
			slog.Bool("is_bounce", open.IsBounce))
		open = nil
	}
	if open != nil {
		if err := touchTx(ctx, tx, open.ID, d.At); err != nil {
			return nil, false, err
		}
		s, err := m.byID(ctx, tx, open.ID)
		return s, false, err
	}

	s, inserted, err := m.insertTx(ctx, tx, visitor, d)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		// Another request opened the token first; continue it instead.
		if err := touchTx(ctx, tx, s.ID, d.At); err != nil {
			return nil, false, err
		}
		s, err = m.byID(ctx, tx, s.ID)
		return s, false, err
	}
	return s, true, nil
}

const insertSessionSQL = `
INSERT INTO sessions (site_id, tenant_id, token, visitor_id, started_at, last_activity_at,
	entry_path, exit_path, referrer_url, referrer_host, referrer_type, referrer_name,
	utm_source, utm_medium, utm_campaign, utm_term, utm_content,
	is_bounce, page_count, event_count, duration_seconds, device, browser, os, country)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, 0, ?, ?, ?, ?)
ON CONFLICT(site_id, token) WHERE ended_at IS NULL DO NOTHING`

// insertTx inserts a new open session guarded by the open-token unique index.
// When the token is already open, the existing session is returned with inserted false.
func (m *Manager) insertTx(ctx context.Context, tx *gorm.DB, visitor *visitors.Visitor, d StartData) (*Session, bool, error) {
	sc, err := scope.FromContext(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := scope.Guard(ctx, visitor); err != nil {
		return nil, false, err
	}
	ref := ClassifyReferrer(d.ReferrerURL, sc.Site.Domain, d.UTM)
	at := d.At.UTC()

	result := tx.Exec(insertSessionSQL,
		sc.SiteID(), sc.TenantID(), d.Token, visitor.ID, at, at,
		d.EntryPath, d.EntryPath, d.ReferrerURL, ref.Host, ref.Type, ref.Name,
		d.UTM.Source, d.UTM.Medium, d.UTM.Campaign, d.UTM.Term, d.UTM.Content,
		d.Device, d.Browser, d.OS, d.Country)
	if result.Error != nil {
		return nil, false, fmt.Errorf("insert session: %w", result.Error)
	}
	inserted := result.RowsAffected == 1
	if inserted {
		if err := visitors.IncrementCounters(ctx, tx, visitor.ID, visitors.Counters{Sessions: 1}); err != nil {
			return nil, false, err
		}
	}
	s, err := m.openByToken(ctx, tx, d.Token)
	if err != nil {
		return nil, false, err
	}
	if s == nil {
		return nil, false, errs.ErrNotFound.New("session")
	}
	return s, inserted, nil
}

func (m *Manager) openByToken(ctx context.Context, tx *gorm.DB, token string) (*Session, error) {
	db, err := scope.DB(ctx, tx)
	if err != nil {
		return nil, err
	}
	var s Session
	err = db.Where("token = ? AND ended_at IS NULL", token).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &s, nil
}

func (m *Manager) byID(ctx context.Context, tx *gorm.DB, id uint) (*Session, error) {
	db, err := scope.DB(ctx, tx)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := db.First(&s, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrNotFound.New("session")
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &s, nil
}

// Get loads a session of the active site.
func (m *Manager) Get(ctx context.Context, id uint) (*Session, error) {
	return m.byID(ctx, models.Conn(ctx, m.db), id)
}

// ByToken returns the open session for token.
func (m *Manager) ByToken(ctx context.Context, token string) (*Session, error) {
	s, err := m.openByToken(ctx, models.Conn(ctx, m.db), token)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errs.ErrNotFound.New("session")
	}
	return s, nil
}

// StartFor resolves the visitor and opens a session for it in one
// transaction, so a failed start leaves no visitor behind.
func (m *Manager) StartFor(ctx context.Context, resolve func(ctx context.Context) (*visitors.Visitor, error), d StartData) (*Session, *visitors.Visitor, error) {
	var (
		session *Session
		visitor *visitors.Visitor
	)
	err := models.Write(ctx, m.logger, m.db, func(tx *gorm.DB) error {
		txCtx := models.WithTx(ctx, tx)
		v, err := resolve(txCtx)
		if err != nil {
			return err
		}
		s, err := m.Start(txCtx, v, d)
		if err != nil {
			return err
		}
		session, visitor = s, v
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return session, visitor, nil
}

// Extend keeps an open session alive. A session past the timeout is ended and
// reported as not found so the caller starts a new one.
func (m *Manager) Extend(ctx context.Context, token string, at time.Time) (*Session, error) {
	var session *Session
	err := models.Write(ctx, m.logger, m.db, func(tx *gorm.DB) error {
		open, err := m.openByToken(ctx, tx, token)
		if err != nil {
			return err
		}
		if open == nil {
			return errs.ErrNotFound.New("session")
		}
		if at.Sub(open.LastActivityAt) > m.timeout {
			if err := endTx(ctx, tx, open, open.LastActivityAt); err != nil {
				return err
			}
			return errs.ErrNotFound.New("session")
		}
		if err := touchTx(ctx, tx, open.ID, at); err != nil {
			return err
		}
		session, err = m.byID(ctx, tx, open.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// End closes the open session for token at the given time.
func (m *Manager) End(ctx context.Context, token string, at time.Time) (*Session, error) {
	var session *Session
	err := models.Write(ctx, m.logger, m.db, func(tx *gorm.DB) error {
		open, err := m.openByToken(ctx, tx, token)
		if err != nil {
			return err
		}
		if open == nil {
			return errs.ErrNotFound.New("session")
		}
		endAt := at
		if at.Sub(open.LastActivityAt) > m.timeout || at.Before(open.LastActivityAt) {
			endAt = open.LastActivityAt
		}
		if err := endTx(ctx, tx, open, endAt); err != nil {
			return err
		}
		session, err = m.byID(ctx, tx, open.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// RecordPageView counts a page view against an open session inside tx. The
// second page view clears the bounce flag for good.
func RecordPageView(ctx context.Context, tx *gorm.DB, sessionID uint, path string, at time.Time) error {
	db, err := scope.DB(ctx, tx)
	if err != nil {
		return err
	}
	result := db.Model(&Session{}).Where("id = ? AND ended_at IS NULL", sessionID).UpdateColumns(map[string]any{
		"page_count":       gorm.Expr("page_count + 1"),
		"is_bounce":        gorm.Expr("CASE WHEN page_count >= 1 THEN 0 ELSE is_bounce END"),
		"entry_path":       gorm.Expr("CASE WHEN entry_path = '' THEN ? ELSE entry_path END", path),
		"exit_path":        path,
		"last_activity_at": gorm.Expr("MAX(last_activity_at, ?)", at.UTC()),
	})
	return checkOpenUpdate(result)
}

// RecordEvent counts a custom event. Engagement events clear the bounce flag.
func RecordEvent(ctx context.Context, tx *gorm.DB, sessionID uint, at time.Time, engagement bool) error {
	db, err := scope.DB(ctx, tx)
	if err != nil {
		return err
	}
	updates := map[string]any{
		"event_count":      gorm.Expr("event_count + 1"),
		"last_activity_at": gorm.Expr("MAX(last_activity_at, ?)", at.UTC()),
	}
	if engagement {
		updates["is_bounce"] = false
	}
	result := db.Model(&Session{}).Where("id = ? AND ended_at IS NULL", sessionID).UpdateColumns(updates)
	return checkOpenUpdate(result)
}

func checkOpenUpdate(result *gorm.DB) error {
	if result.Error != nil {
		return fmt.Errorf("update session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.ErrNotFound.New("open session")
	}
	return nil
}

// SweepInactive ends up to limit open sessions idle since before cutoff, across
// every site in scope. Callers run it inside scope.WithoutScope for a global sweep.
func (m *Manager) SweepInactive(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	db, err := scope.DB(ctx, m.db)
	if err != nil {
		return 0, err
	}
	var stale []Session
	if err := db.Where("ended_at IS NULL AND last_activity_at < ?", cutoff.UTC()).
		Order("last_activity_at").Limit(limit).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("find inactive sessions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = models.Write(ctx, m.logger, m.db, func(tx *gorm.DB) error {
		for i := range stale {
			sctx := scope.WithScope(ctx, scope.New(scope.SiteInfo{ID: stale[i].SiteID, TenantID: stale[i].TenantID}))
			if err := endTx(sctx, tx, &stale[i], stale[i].LastActivityAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func touchTx(ctx context.Context, tx *gorm.DB, id uint, at time.Time) error {
	db, err := scope.DB(ctx, tx)
	if err != nil {
		return err
	}
	return db.Model(&Session{}).Where("id = ?", id).
		UpdateColumn("last_activity_at", gorm.Expr("MAX(last_activity_at, ?)", at.UTC())).Error
}

// endTx closes s at endAt. The bounce flag is left as recorded; it already
// reflects the page views and engagement seen so far.
func endTx(ctx context.Context, tx *gorm.DB, s *Session, endAt time.Time) error {
	if err := scope.Guard(ctx, s); err != nil {
		return err
	}
	if endAt.Before(s.LastActivityAt) {
		endAt = s.LastActivityAt
	}
	endAt = endAt.UTC()
	duration := int64(endAt.Sub(s.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	result := tx.Model(&Session{}).Where("id = ? AND ended_at IS NULL", s.ID).UpdateColumns(map[string]any{
		"ended_at":         endAt,
		"last_activity_at": endAt,
		"duration_seconds": duration,
	})
	if result.Error != nil {
		return fmt.Errorf("end session: %w", result.Error)
	}
	s.EndedAt = &endAt
	s.LastActivityAt = endAt
	s.DurationSeconds = duration
	return nil
}

// NormalizeToken trims client tokens and bounds their length.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 128 {
		token = token[:128]
	}
	return token
}
