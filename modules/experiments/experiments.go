// Package experiments refreshes experiment result rows when traced runs
// complete. Updates are queued from the ingest path and applied by a small
// worker pool; nothing here may fail an ingest.
package experiments

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/weftlabs/weft/pkg/metadb"
	"github.com/weftlabs/weft/pkg/model"
)

var (
	metricUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "experiment_updates_total",
		Help:      "Experiment result updates applied.",
	}, []string{"tenant"})
	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "experiment_update_failures_total",
		Help:      "Experiment updates that failed.",
	}, []string{"tenant"})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Name:      "experiment_queue_dropped_total",
		Help:      "Experiment updates dropped because the queue was full.",
	})
)

type Config struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+".workers", 2, "Concurrent experiment update workers.")
	f.IntVar(&cfg.QueueSize, prefix+".queue-size", 128, "Pending experiment updates before new ones are dropped.")
	f.DurationVar(&cfg.DrainTimeout, prefix+".drain-timeout", 5*time.Second, "How long shutdown waits for queued updates.")
}

// ExperimentStore is the slice of the metadata store the updater needs.
type ExperimentStore interface {
	ExperimentByID(ctx context.Context, tenant, id string) (*metadb.Experiment, error)
	UpdateExperimentResults(ctx context.Context, tenant, id string, results []metadb.ExperimentResult, summaries any) error
}

type job struct {
	tenant string
	root   *model.Span
}

// Updater applies span stats to experiment result rows asynchronously.
type Updater struct {
	services.Service

	cfg    Config
	db     ExperimentStore
	logger log.Logger

	jobs    chan job
	mtx     sync.RWMutex
	stopped bool
}

func New(cfg Config, db ExperimentStore, logger log.Logger) *Updater {
	u := &Updater{
		cfg:    cfg,
		db:     db,
		logger: logger,
		jobs:   make(chan job, cfg.QueueSize),
	}
	u.Service = services.NewBasicService(nil, u.running, nil)
	return u
}

func (u *Updater) running(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < u.cfg.Workers; i++ {
		g.Go(func() error {
			for j := range u.jobs {
				u.handle(j)
			}
			return nil
		})
	}

	<-ctx.Done()

	u.mtx.Lock()
	u.stopped = true
	close(u.jobs)
	u.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(u.cfg.DrainTimeout):
		level.Warn(u.logger).Log("msg", "timed out draining experiment updates")
	}
	return nil
}

// Notify queues updates for every root span tagged with an experiment id.
// Never blocks: when the queue is full the update is dropped and the next
// ingest touching the trace retries it.
func (u *Updater) Notify(tenant string, roots []*model.Span) {
	u.mtx.RLock()
	defer u.mtx.RUnlock()
	if u.stopped {
		return
	}

	for _, root := range roots {
		if root.Experiment == "" {
			continue
		}
		select {
		case u.jobs <- job{tenant: tenant, root: root}:
		default:
			metricDropped.Inc()
			level.Warn(u.logger).Log("msg", "experiment update dropped, queue full",
				"tenant", tenant, "experiment", root.Experiment, "trace", root.Trace)
		}
	}
}

func (u *Updater) handle(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := u.update(ctx, j.tenant, j.root); err != nil {
		metricFailures.WithLabelValues(j.tenant).Inc()
		level.Error(u.logger).Log("msg", "experiment update failed",
			"tenant", j.tenant, "experiment", j.root.Experiment, "trace", j.root.Trace, "err", err)
		return
	}
	metricUpdates.WithLabelValues(j.tenant).Inc()
}

// update overwrites the scores of result rows matching the root's trace with
// the root's stats, then recomputes summaries if anything changed.
func (u *Updater) update(ctx context.Context, tenant string, root *model.Span) error {
	exp, err := u.db.ExperimentByID(ctx, tenant, root.Experiment)
	if err != nil {
		return err
	}

	results, err := exp.DecodeResults()
	if err != nil {
		return err
	}

	fields := root.Stats.NumericFields()
	touched := false
	for i := range results {
		if results[i].Trace != root.Trace {
			continue
		}
		for key, value := range fields {
			if existing, ok := results[i].Scores[key]; ok && existing == value {
				continue
			}
			if results[i].Scores == nil {
				results[i].Scores = map[string]float64{}
			}
			results[i].Scores[key] = value
			touched = true
		}
	}
	if !touched {
		return nil
	}

	return u.db.UpdateExperimentResults(ctx, tenant, exp.ID, results, Summarize(results))
}
