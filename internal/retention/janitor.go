// Package retention archives and purges old handoff history.
//
// Handoffs are append-only, so the table only grows. The janitor removes
// completed and rejected handoffs once they are older than the retention
// window. With an Archiver configured the batch is archived first and purged
// only if archiving succeeded; without one it is purged directly.
//
// The retention window must cover the equity window, otherwise purging would
// erase the assignment history agent selection depends on.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/eduzayn/Educhat-Versao-Final-sub001/internal/store"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultBatchSize is the max handoffs archived and purged per step.
const DefaultBatchSize = 5000

// Archiver writes expired handoffs to durable storage and returns where.
type Archiver interface {
	Kind() string
	ArchiveHandoffs(ctx context.Context, handoffs []models.Handoff) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Archived int
	Purged   int
	URIs     []string
	Errors   []error
}

// Janitor periodically archives and purges expired handoffs.
type Janitor struct {
	store     store.Store
	interval  time.Duration
	retention time.Duration
	archiver  Archiver
	batchSize int
	now       func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithArchiver archives each batch before purging it.
func WithArchiver(a Archiver) Option { return func(j *Janitor) { j.archiver = a } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

// WithBatchSize bounds each archive and purge step.
func WithBatchSize(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// NewJanitor creates a janitor that runs every interval and keeps retention
// worth of terminal handoffs.
func NewJanitor(s store.Store, interval, retention time.Duration, opts ...Option) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	j := &Janitor{
		store:     s,
		interval:  interval,
		retention: retention,
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Str("archiver", archiver).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logCycle(j.RunCycle(ctx))
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.logCycle(j.RunCycle(ctx))
		}
	}
}

// RunCycle performs one sweep. It stops at the first batch that fails to
// archive so nothing unarchived is purged.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	cutoff := j.now().Add(-j.retention)

	for ctx.Err() == nil {
		batch, err := j.store.ExpiredHandoffs(ctx, cutoff, j.batchSize)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("list expired handoffs: %w", err))
			return stats
		}
		if len(batch) == 0 {
			return stats
		}

		if j.archiver != nil {
			uri, err := j.archiver.ArchiveHandoffs(ctx, batch)
			if err != nil {
				log.Warn().Err(err).Str("archiver", j.archiver.Kind()).Int("batch_size", len(batch)).
					Msg("Archive failed, skipping purge")
				stats.Errors = append(stats.Errors, fmt.Errorf("archive %s: %w", j.archiver.Kind(), err))
				return stats
			}
			stats.Archived += len(batch)
			stats.URIs = append(stats.URIs, uri)
		}

		ids := make([]string, len(batch))
		for i, h := range batch {
			ids[i] = h.ID
		}
		n, err := j.store.DeleteHandoffs(ctx, ids)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("delete handoffs: %w", err))
			return stats
		}
		stats.Purged += n
		if len(batch) < j.batchSize || n == 0 {
			return stats
		}
	}
	return stats
}

func (j *Janitor) logCycle(stats CycleStats) {
	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.Purged > 0 || stats.Archived > 0 {
		log.Info().
			Int("archived", stats.Archived).
			Int("purged", stats.Purged).
			Strs("archives", stats.URIs).
			Msg("Retention cycle complete")
	}
}
