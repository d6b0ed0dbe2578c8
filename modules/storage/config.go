package storage

import (
	"flag"

	"github.com/weftlabs/weft/pkg/spanstore/elastic"
)

const (
	BackendElastic = "elastic"
	BackendMemory  = "memory"
)

type Config struct {
	Backend string         `yaml:"backend"`
	Elastic elastic.Config `yaml:"elastic"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendElastic, "Span store backend, elastic or memory.")
	cfg.Elastic.RegisterFlagsAndApplyDefaults(prefix+".elastic", f)
}
