package overrides

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/metadb"
)

type fakeTenants struct {
	rows  map[string]*metadb.Tenant
	err   error
	calls int
}

func (f *fakeTenants) TenantByID(ctx context.Context, id string) (*metadb.Tenant, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, metadb.ErrNotFound
	}
	return row, nil
}

func testConfig() Config {
	return Config{
		DefaultRateLimitPerHour: 1000,
		CacheTTL:                time.Minute,
		CacheSize:               16,
	}
}

func TestRateLimitPerHour(t *testing.T) {
	tenants := &fakeTenants{rows: map[string]*metadb.Tenant{
		"acme":    {ID: "acme", RateLimitPerHour: 5000},
		"nolimit": {ID: "nolimit"},
	}}
	o := New(testConfig(), tenants, log.NewNopLogger())

	ctx := context.Background()
	require.Equal(t, 5000, o.RateLimitPerHour(ctx, "acme"))
	require.Equal(t, 1000, o.RateLimitPerHour(ctx, "nolimit"), "zero in the row means the default applies")
	require.Equal(t, 1000, o.RateLimitPerHour(ctx, "unknown"))
}

func TestRateLimitPerHourCaches(t *testing.T) {
	tenants := &fakeTenants{rows: map[string]*metadb.Tenant{
		"acme": {ID: "acme", RateLimitPerHour: 5000},
	}}
	o := New(testConfig(), tenants, log.NewNopLogger())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Equal(t, 5000, o.RateLimitPerHour(ctx, "acme"))
	}
	require.Equal(t, 1, tenants.calls)
}

func TestRateLimitPerHourLookupFailure(t *testing.T) {
	tenants := &fakeTenants{err: errors.New("connection refused")}
	o := New(testConfig(), tenants, log.NewNopLogger())

	ctx := context.Background()
	require.Equal(t, 1000, o.RateLimitPerHour(ctx, "acme"))

	// failures are not cached; the next call retries the store
	require.Equal(t, 1000, o.RateLimitPerHour(ctx, "acme"))
	require.Equal(t, 2, tenants.calls)
}
