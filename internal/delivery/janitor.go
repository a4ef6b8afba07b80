package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/teamsrelay/internal/config"
)

// Pruner deletes attempts recorded before a cutoff.
type Pruner interface {
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically trims the delivery log to the retention window. It
// is the only background goroutine in the relay.
type Janitor struct {
	store    Pruner
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
	stop     chan struct{}
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewJanitor(cfg config.RetentionConfig, store Pruner, log zerolog.Logger) *Janitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{
		store:    store,
		ttl:      cfg.AttemptTTL,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "janitor").Logger(),
		stop:     make(chan struct{}),
	}
}

func (j *Janitor) Start(ctx context.Context) {
	if j.ttl <= 0 {
		j.log.Info().Msg("delivery log retention disabled")
		return
	}
	j.log.Info().Dur("ttl", j.ttl).Dur("interval", j.interval).Msg("starting delivery log janitor")

	j.started = true
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop(ctx)
	}()
}

// Stop ends the sweep loop and waits for it. It is safe to call more than
// once, and a no-op when Start did not launch the loop.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stop)
		j.wg.Wait()
		if j.started {
			j.log.Info().Msg("delivery log janitor stopped")
		}
	})
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-j.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pruning pass and returns the number of deleted attempts.
func (j *Janitor) Sweep(ctx context.Context) int64 {
	cutoff := j.now().Add(-j.ttl)
	n, err := j.store.PruneAttempts(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("failed to prune delivery attempts")
		return 0
	}
	if n > 0 {
		j.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("pruned delivery attempts")
	}
	return n
}
