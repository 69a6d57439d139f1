// Package geoip resolves client IPs to ISO country codes from an optional GeoLite2 database.
package geoip

import (
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// Locator looks up countries. A Locator without a database answers "" for every IP.
type Locator struct {
	mu     sync.RWMutex
	db     *geoip2.Reader
	path   string
	logger *slog.Logger
}

// Open loads the database at path. A missing or unreadable file disables lookups.
func Open(path string, logger *slog.Logger) *Locator {
	l := &Locator{path: path, logger: logger}
	l.db = l.load()
	return l
}

func (l *Locator) load() *geoip2.Reader {
	if l.path == "" {
		l.logger.Debug("GeoIP database path not configured - GeoIP features disabled")
		return nil
	}
	if _, err := os.Stat(l.path); err != nil {
		l.logger.Info("GeoLite2 database not found - GeoIP features disabled",
			slog.String("path", l.path),
			slog.Any("error", err))
		return nil
	}
	db, err := geoip2.Open(l.path)
	if err != nil {
		l.logger.Error("Failed to open GeoLite2 database",
			slog.String("path", l.path),
			slog.Any("error", err))
		return nil
	}
	l.logger.Info("GeoLite2 database initialized", slog.String("path", l.path))
	return db
}

// Country returns the ISO code for ip, or "" when unknown.
func (l *Locator) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return ""
	}
	record, err := l.db.Country(parsed)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Reload reopens the database file, e.g. after an update on disk.
func (l *Locator) Reload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		l.db.Close()
	}
	l.db = l.load()
}

// Close releases the database.
func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
