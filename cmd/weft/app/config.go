package app

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"

	"github.com/weftlabs/weft/modules/admission"
	"github.com/weftlabs/weft/modules/experiments"
	"github.com/weftlabs/weft/modules/ingester"
	"github.com/weftlabs/weft/modules/overrides"
	"github.com/weftlabs/weft/modules/storage"
	"github.com/weftlabs/weft/pkg/auth"
	"github.com/weftlabs/weft/pkg/metadb"
)

const metricsNamespace = "weft"

// Config is the root config for the weft process.
type Config struct {
	Target string `yaml:"target,omitempty"`

	// PricingFile overrides the embedded pricing table. A load failure is
	// not fatal: the process runs without cost attribution.
	PricingFile string `yaml:"pricing_file,omitempty"`

	Server      server.Config      `yaml:"server,omitempty"`
	Auth        auth.Config        `yaml:"auth,omitempty"`
	MetaDB      metadb.Config      `yaml:"metadata_store,omitempty"`
	SpanStore   storage.Config     `yaml:"span_store,omitempty"`
	Overrides   overrides.Config   `yaml:"overrides,omitempty"`
	Admission   admission.Config   `yaml:"admission,omitempty"`
	Experiments experiments.Config `yaml:"experiments,omitempty"`
	Ingester    ingester.Config    `yaml:"ingester,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", All, "target module")
	f.StringVar(&c.PricingFile, "pricing.file", "", "Path to a pricing CSV. Empty uses the embedded table.")

	// server settings; the listen ports follow the OTLP conventions
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	c.Server.GRPCServerMinTimeBetweenPings = 10 * time.Second
	c.Server.GRPCServerPingWithoutStreamAllowed = true

	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 4318, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 4317, "gRPC server listen port.")

	c.Auth.RegisterFlagsAndApplyDefaults("auth", f)
	c.MetaDB.RegisterFlagsAndApplyDefaults("metadata-store", f)
	c.SpanStore.RegisterFlagsAndApplyDefaults("span-store", f)
	c.Overrides.RegisterFlagsAndApplyDefaults("overrides", f)
	c.Admission.RegisterFlagsAndApplyDefaults("admission", f)
	c.Experiments.RegisterFlagsAndApplyDefaults("experiments", f)
	c.Ingester.RegisterFlagsAndApplyDefaults("ingester", f)
}
