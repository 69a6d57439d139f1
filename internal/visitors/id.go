package visitors

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Signals are the request attributes a fingerprint is derived from. The IP is
// only ever hashed, never stored.
type Signals struct {
	SiteDomain string
	IP         string
	UserAgent  string
}

// Fingerprint hashes the client signals with the instance salt. In privacy mode
// the daily UTC date is mixed in, so a visitor cannot be followed across days.
func Fingerprint(salt string, s Signals, rotateDaily bool, now time.Time) string {
	parts := []string{salt, strings.ToLower(s.SiteDomain), s.IP, s.UserAgent}
	if rotateDaily {
		parts = append([]string{now.UTC().Format("2006-01-02")}, parts...)
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, ".")))
	return hex.EncodeToString(hash[:])
}

// StableKey is the fingerprint of s without daily rotation. Consent records
// use it so a choice survives the rotation of privacy mode.
func StableKey(salt string, s Signals) string {
	return Fingerprint(salt, s, false, time.Time{})
}
