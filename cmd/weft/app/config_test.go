package app

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/weftlabs/weft/modules/storage"
	"github.com/weftlabs/weft/pkg/metadb"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	require.Equal(t, All, cfg.Target)
	require.Equal(t, 4318, cfg.Server.HTTPListenPort)
	require.Equal(t, 4317, cfg.Server.GRPCListenPort)
	require.Equal(t, storage.BackendElastic, cfg.SpanStore.Backend)
	require.Equal(t, metadb.BackendSQLite, cfg.MetaDB.Backend)
	require.Equal(t, 1000, cfg.Overrides.DefaultRateLimitPerHour)
}

func TestConfigOverlay(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	overlay := `
target: ingester
span_store:
  backend: memory
admission:
  redis:
    endpoint: localhost:6379
`
	require.NoError(t, yaml.UnmarshalStrict([]byte(overlay), &cfg))

	require.Equal(t, Ingester, cfg.Target)
	require.Equal(t, storage.BackendMemory, cfg.SpanStore.Backend)
	require.Equal(t, "localhost:6379", cfg.Admission.Redis.Endpoint)
	// untouched sections keep their defaults
	require.Equal(t, 4318, cfg.Server.HTTPListenPort)
}
