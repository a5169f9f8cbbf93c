// Package scheduler drives the periodic aggregation cycle: feed
// updates, concurrent index passes, delta reconciliation and the
// retention sweep.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/cleaner"
	"github.com/flatpak/flatpak-indexer/config"
	"github.com/flatpak/flatpak-indexer/datasource"
	"github.com/flatpak/flatpak-indexer/deltas"
	"github.com/flatpak/flatpak-indexer/indexer"
	"github.com/flatpak/flatpak-indexer/metrics"
	"github.com/flatpak/flatpak-indexer/models"
)

func New(log logrus.FieldLogger, cfg *config.Config, rdb *redis.Client, updaters []datasource.Updater) *Scheduler {
	log = log.WithField("component", "scheduler")
	cl := cleaner.New(log, rdb, cleaner.Config{
		IconsDir:        cfg.IconsDir,
		DeltasDir:       cfg.DeltasDir,
		CleanFilesAfter: cfg.CleanFilesAfter,
	})
	s := &Scheduler{
		log:      log,
		cfg:      cfg,
		rdb:      rdb,
		updaters: updaters,
		queue:    deltas.NewQueue(log, rdb),
		cleaner:  cl,
	}
	if cfg.IconsDir != "" {
		s.icons = indexer.NewIconStore(log, cfg.IconsDir, cfg.IconsURI, cl)
	}
	return s
}

type Scheduler struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	rdb      *redis.Client
	updaters []datasource.Updater
	queue    *deltas.Queue
	cleaner  *cleaner.Cleaner
	icons    *indexer.IconStore
}

// Run loops one aggregation cycle per update interval until the context
// is cancelled. A failing cycle never stops the loop; the previously
// published documents stay in place until the next cycle succeeds.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infof("starting, update interval %s", s.cfg.Daemon.UpdateInterval)
	for {
		start := time.Now()
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Errorf("aggregation cycle failed: %v", err)
		}

		wait := s.cfg.Daemon.UpdateInterval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Tick runs one full aggregation cycle. Only an unreachable store
// aborts the cycle as a whole; per-registry and per-index failures are
// contained and logged.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}

	feeds := map[string]*models.Registry{}
	for _, u := range s.updaters {
		feed, err := u.Update(ctx)
		if err != nil {
			// Keep the previous documents for this registry; absence
			// from feeds skips its passes below.
			s.log.Errorf("updating %s: %v", u.Name(), err)
			continue
		}
		feeds[u.Name()] = feed
	}

	s.cleaner.Reset()

	if _, err := s.queue.RequeueExpired(ctx, s.cfg.Daemon.ProgressTimeout); err != nil {
		return err
	}

	gen, err := s.reconcileDeltas(ctx, feeds)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, idx := range s.cfg.MaterializedIndexes() {
		feed, ok := feeds[idx.Registry]
		if !ok {
			s.log.Debugf("no feed for %s, keeping previous document", idx.Name)
			continue
		}
		wg.Add(1)
		go func(idx *config.IndexConfig) {
			defer wg.Done()
			start := time.Now()
			err := s.runPass(ctx, idx, feed, gen)
			metrics.IncPassesTotal(idx.Name, err)
			metrics.ObservePassDuration(idx.Name, start)
			if err != nil {
				s.log.Errorf("index pass %s failed: %v", idx.Name, err)
			}
		}(idx)
	}
	wg.Wait()

	if err := s.cleaner.Clean(ctx); err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	return nil
}

// reconcileDeltas discovers all delta pairs this cycle needs across
// every index, enqueues missing ones and returns the source of ready
// manifest URLs. Runs once per cycle, before the index passes.
func (s *Scheduler) reconcileDeltas(ctx context.Context, feeds map[string]*models.Registry) (*deltas.Generator, error) {
	if !s.cfg.DeltasEnabled() {
		return nil, nil
	}
	gen := deltas.NewGenerator(s.log, s.cfg, s.queue, s.cleaner)

	for _, idx := range s.cfg.MaterializedIndexes() {
		if idx.DeltaKeepDuration() <= 0 {
			continue
		}
		feed, ok := feeds[idx.Registry]
		if !ok {
			continue
		}
		for _, repo := range feed.SortedRepositories() {
			if history, ok := repo.TagHistories[idx.Tag]; ok {
				gen.AddTagHistory(repo, history, idx)
			}
		}
		prev, err := indexer.LoadDocument(idx.Output)
		if err != nil {
			s.log.Errorf("reading previous document for %s: %v", idx.Name, err)
			continue
		}
		if err := gen.AddPreviousWinners(ctx, prev, feed, idx); err != nil {
			return nil, err
		}
	}

	if err := gen.Generate(ctx); err != nil {
		return nil, err
	}

	if pending, computing, err := s.queue.PendingCount(ctx); err == nil {
		metrics.SetDeltaQueuePending(pending)
		if pending > 0 || computing > 0 {
			s.log.Infof("delta queue: %d pending, %d computing", pending, computing)
		}
	}
	return gen, nil
}

func (s *Scheduler) runPass(ctx context.Context, idx *config.IndexConfig, feed *models.Registry, gen *deltas.Generator) error {
	registryCfg := s.cfg.Registries[idx.Registry]

	var icons *indexer.IconStore
	if idx.ExtractIcons {
		icons = s.icons
	}
	var deltaSource indexer.DeltaURLSource
	if gen != nil && idx.DeltaKeepDuration() > 0 {
		deltaSource = gen
	}

	builder := indexer.NewBuilder(s.log, idx, registryCfg, icons, deltaSource)
	doc := builder.Build(ctx, feed)

	changed, err := doc.Write(idx.Output)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", idx.Output, err)
	}
	if changed {
		s.log.Infof("published %s with %d refs", idx.Output, len(doc.Refs))
	} else {
		s.log.Debugf("%s unchanged", idx.Output)
	}
	return nil
}
