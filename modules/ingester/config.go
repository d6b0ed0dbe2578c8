package ingester

import (
	"flag"
)

type Config struct {
	// MaxBatchBytes caps the decompressed request body.
	MaxBatchBytes int64 `yaml:"max_batch_bytes"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.MaxBatchBytes, prefix+".max-batch-bytes", 20*1024*1024, "Maximum decompressed size of one export request.")
}
