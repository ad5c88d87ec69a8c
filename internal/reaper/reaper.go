// Package reaper enforces the change log's retention window. A periodic sweep
// purges events older than the window and advances shard trim points past
// them; relay iterators left behind a trim point fail with an expired error
// and reseed.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

type changeLog interface {
	PurgeExpired(now time.Time) int
	Retention() time.Duration
}

type Reaper struct {
	log           changeLog
	sweepInterval time.Duration

	procCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

type Config struct {
	// Log is the change log whose retention window the reaper enforces.
	Log changeLog
	// SweepInterval is how often expired events are purged.
	SweepInterval time.Duration
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Log == nil {
		errGrp = append(errGrp, errors.New("change log cannot be nil"))
	}
	if c.SweepInterval <= 0 {
		errGrp = append(errGrp, errors.New("sweep interval must be greater than 0"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Reaper, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		log:           cfg.Log,
		sweepInterval: cfg.SweepInterval,
		procCtx:       ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}, nil
}

func (r *Reaper) Start() error {
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.procCtx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
	return nil
}

func (r *Reaper) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
	return nil
}

func (r *Reaper) Name() string {
	return "Retention Reaper"
}

func (r *Reaper) sweep() {
	purged := r.log.PurgeExpired(time.Now())
	if purged > 0 {
		log.Info().
			Int("events", purged).
			Dur("retention", r.log.Retention()).
			Msg("purged expired change events")
	}
}
