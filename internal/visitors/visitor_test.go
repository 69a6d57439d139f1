package visitors_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteline/internal/errs"
	"siteline/internal/testsupport"
	"siteline/internal/visitors"
)

func TestResolveVisitor(t *testing.T) {
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	t.Run("concurrent resolves converge on one visitor", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)
		site := testsupport.CreateTestSite(t, db, "example.com")
		ctx := testsupport.ScopeFor(site)
		resolver := visitors.NewResolver(db, logger)

		const workers = 8
		ids := make([]uint, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := resolver.ResolveVisitor(ctx, "fp-1", visitors.Traits{Browser: "Firefox"}, now)
				if assert.NoError(t, err) {
					ids[i] = v.ID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		var count int64
		require.NoError(t, db.Model(&visitors.Visitor{}).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("refreshes last seen and keeps known traits", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)
		site := testsupport.CreateTestSite(t, db, "example.com")
		ctx := testsupport.ScopeFor(site)
		resolver := visitors.NewResolver(db, logger)

		first, err := resolver.ResolveVisitor(ctx, "fp", visitors.Traits{Country: "DE", Device: "mobile"}, now)
		require.NoError(t, err)

		later, err := resolver.ResolveVisitor(ctx, "fp", visitors.Traits{Browser: "Safari"}, now.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, first.ID, later.ID)
		assert.True(t, later.FirstSeenAt.Equal(now))
		assert.True(t, later.LastSeenAt.Equal(now.Add(time.Hour)))
		assert.Equal(t, "DE", later.Country)
		assert.Equal(t, "mobile", later.Device)
		assert.Equal(t, "Safari", later.Browser)
	})

	t.Run("same fingerprint on two sites is two visitors", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		testsupport.CleanAllTables(db)
		a := testsupport.CreateTestSite(t, db, "a.example")
		b := testsupport.CreateTestSite(t, db, "b.example")
		resolver := visitors.NewResolver(db, logger)

		va, err := resolver.ResolveVisitor(testsupport.ScopeFor(a), "shared", visitors.Traits{}, now)
		require.NoError(t, err)
		vb, err := resolver.ResolveVisitor(testsupport.ScopeFor(b), "shared", visitors.Traits{}, now)
		require.NoError(t, err)
		assert.NotEqual(t, va.ID, vb.ID)

		_, err = resolver.Get(testsupport.ScopeFor(a), vb.ID)
		assert.True(t, errs.Is(err, errs.ErrNotFound), "visitor of another site must not be visible")
	})

	t.Run("rejects empty fingerprint", func(t *testing.T) {
		dbManager, logger := testsupport.SetupTestDBManager(t)
		db := dbManager.GetConnection()
		site := testsupport.CreateTestSite(t, db, "empty.example")
		_, err := visitors.NewResolver(db, logger).ResolveVisitor(testsupport.ScopeFor(site), "", visitors.Traits{}, now)
		assert.True(t, errs.Is(err, errs.ErrValidationFailed))
	})
}

func TestIncrementCounters(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	site := testsupport.CreateTestSite(t, db, "count.example")
	ctx := testsupport.ScopeFor(site)
	resolver := visitors.NewResolver(db, logger)

	v, err := resolver.ResolveVisitor(ctx, "fp", visitors.Traits{}, time.Now())
	require.NoError(t, err)

	require.NoError(t, visitors.IncrementCounters(ctx, db, v.ID, visitors.Counters{Sessions: 1, Pageviews: 1}))
	require.NoError(t, visitors.IncrementCounters(ctx, db, v.ID, visitors.Counters{Pageviews: 1, Events: 2}))

	got, err := resolver.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalSessions)
	assert.Equal(t, int64(2), got.TotalPageviews)
	assert.Equal(t, int64(2), got.TotalEvents)

	// Resolving again never resets counters.
	again, err := resolver.ResolveVisitor(ctx, "fp", visitors.Traits{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.TotalPageviews)

	other := testsupport.CreateTestSite(t, db, "other.example")
	err = visitors.IncrementCounters(testsupport.ScopeFor(other), db, v.ID, visitors.Counters{Events: 1})
	assert.True(t, errs.Is(err, errs.ErrNotFound), "counters of another site must not be touched")
}
