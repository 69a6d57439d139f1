package scope_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"siteline/internal/errs"
	"siteline/internal/scope"
)

type row struct {
	ID uint
	scope.Ownership
}

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		DryRun: true,
	})
	require.NoError(t, err)
	return db
}

func TestFromContextWithoutScope(t *testing.T) {
	_, err := scope.FromContext(context.Background())
	assert.True(t, errs.Is(err, errs.ErrScopeUnresolved))

	_, err = scope.CurrentSite(context.Background())
	assert.True(t, errs.Is(err, errs.ErrScopeUnresolved))
}

func TestCurrentSiteAndTenant(t *testing.T) {
	ctx := scope.WithScope(context.Background(), scope.New(scope.SiteInfo{ID: 4, TenantID: "org:9", Timezone: "Europe/Madrid"}))

	site, err := scope.CurrentSite(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(4), site.ID)
	assert.Equal(t, "Europe/Madrid", site.Location().String())

	tenant, err := scope.CurrentTenantID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "org:9", tenant)
}

func TestDBFiltersBySiteAndTenant(t *testing.T) {
	db := dryRunDB(t)

	t.Run("site only", func(t *testing.T) {
		ctx := scope.WithScope(context.Background(), scope.New(scope.SiteInfo{ID: 3}))
		scoped, err := scope.DB(ctx, db)
		require.NoError(t, err)
		stmt := scoped.Find(&[]row{}).Statement
		assert.Contains(t, stmt.SQL.String(), "site_id = ?")
		assert.NotContains(t, stmt.SQL.String(), "tenant_id")
		assert.Equal(t, []any{uint(3)}, stmt.Vars)
	})

	t.Run("site and tenant qualified by table", func(t *testing.T) {
		ctx := scope.WithScope(context.Background(), scope.New(scope.SiteInfo{ID: 3, TenantID: "org:1"}))
		scoped, err := scope.DB(ctx, db, "rows")
		require.NoError(t, err)
		stmt := scoped.Find(&[]row{}).Statement
		assert.Contains(t, stmt.SQL.String(), "rows.site_id = ? AND rows.tenant_id = ?")
	})

	t.Run("missing scope fails", func(t *testing.T) {
		_, err := scope.DB(context.Background(), db)
		assert.True(t, errs.Is(err, errs.ErrScopeUnresolved))
	})

	t.Run("bypass adds no filter", func(t *testing.T) {
		err := scope.WithoutScope(context.Background(), func(ctx context.Context) error {
			assert.True(t, scope.Bypassed(ctx))
			scoped, err := scope.DB(ctx, db)
			require.NoError(t, err)
			stmt := scoped.Find(&[]row{}).Statement
			assert.NotContains(t, stmt.SQL.String(), "site_id")
			return nil
		})
		require.NoError(t, err)
	})
}

func TestGuard(t *testing.T) {
	ctx := scope.WithScope(context.Background(), scope.New(scope.SiteInfo{ID: 1, TenantID: "org:1"}))

	own := &row{Ownership: scope.Ownership{SiteID: 1, TenantID: "org:1"}}
	foreignSite := &row{Ownership: scope.Ownership{SiteID: 2, TenantID: "org:1"}}
	foreignTenant := &row{Ownership: scope.Ownership{SiteID: 1, TenantID: "org:2"}}

	assert.NoError(t, scope.Guard(ctx, own))
	assert.True(t, errs.Is(scope.Guard(ctx, own, foreignSite), errs.ErrTenantBoundaryViolation))
	assert.True(t, errs.Is(scope.Guard(ctx, foreignTenant), errs.ErrTenantBoundaryViolation))

	err := scope.WithoutScope(ctx, func(ctx context.Context) error {
		return scope.Guard(ctx, foreignSite)
	})
	assert.NoError(t, err)
}
