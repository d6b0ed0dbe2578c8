// Package storage provides the span document store to the rest of the
// process as a managed service.
package storage

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/weftlabs/weft/pkg/spanstore"
	"github.com/weftlabs/weft/pkg/spanstore/elastic"
	"github.com/weftlabs/weft/pkg/spanstore/memstore"
)

// Store is the span store plus its service lifecycle.
type Store struct {
	services.Service
	spanstore.Store

	cfg Config
}

// NewStore builds the configured span store backend.
func NewStore(cfg Config, logger log.Logger) (*Store, error) {
	var backend spanstore.Store
	switch cfg.Backend {
	case BackendElastic:
		es, err := elastic.New(cfg.Elastic, logger, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create elastic span store: %w", err)
		}
		backend = es
	case BackendMemory:
		level.Warn(logger).Log("msg", "using in-memory span store, data will not survive restarts")
		backend = memstore.New()
	default:
		return nil, fmt.Errorf("unknown span store backend %q", cfg.Backend)
	}

	s := &Store{
		cfg:   cfg,
		Store: backend,
	}
	s.Service = services.NewIdleService(nil, nil)
	return s, nil
}
