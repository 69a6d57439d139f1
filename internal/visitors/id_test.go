package visitors_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"siteline/internal/visitors"
)

func TestFingerprint(t *testing.T) {
	signals := visitors.Signals{SiteDomain: "example.com", IP: "192.168.1.1", UserAgent: "Mozilla/5.0"}
	day := time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

	t.Run("generates consistent fingerprint for same inputs", func(t *testing.T) {
		a := visitors.Fingerprint("salt", signals, false, day)
		b := visitors.Fingerprint("salt", signals, false, day.Add(72*time.Hour))
		assert.Equal(t, a, b, "tracking mode fingerprints are stable across days")
		assert.Len(t, a, 64, "SHA-256 hash should be 64 characters (hex encoded)")
	})

	t.Run("differs per signal and salt", func(t *testing.T) {
		base := visitors.Fingerprint("salt", signals, false, day)
		otherIP := signals
		otherIP.IP = "192.168.1.2"
		otherUA := signals
		otherUA.UserAgent = "Different Agent"
		otherSite := signals
		otherSite.SiteDomain = "different.com"

		assert.NotEqual(t, base, visitors.Fingerprint("salt", otherIP, false, day))
		assert.NotEqual(t, base, visitors.Fingerprint("salt", otherUA, false, day))
		assert.NotEqual(t, base, visitors.Fingerprint("salt", otherSite, false, day))
		assert.NotEqual(t, base, visitors.Fingerprint("pepper", signals, false, day))
	})

	t.Run("privacy mode rotates at midnight UTC", func(t *testing.T) {
		morning := visitors.Fingerprint("salt", signals, true, day)
		evening := visitors.Fingerprint("salt", signals, true, day.Add(14*time.Hour))
		tomorrow := visitors.Fingerprint("salt", signals, true, day.Add(15*time.Hour))

		assert.Equal(t, morning, evening)
		assert.NotEqual(t, morning, tomorrow)
	})
}
