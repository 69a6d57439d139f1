package visitors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"siteline/internal/visitors"
)

func TestAlias(t *testing.T) {
	t.Run("Generates consistent alias for same fingerprint", func(t *testing.T) {
		assert.Equal(t, visitors.Alias("fp-123"), visitors.Alias("fp-123"))
	})

	t.Run("Alias format is 'Adjective Animal'", func(t *testing.T) {
		assert.Regexp(t, `^[A-Z][a-z]+ [A-Z][a-z]+$`, visitors.Alias("fp"))
	})
}
