package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
)

const sweepTimeout = 30 * time.Second

type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Sweeper runs the periodic jobs: stale line item reporting and the tablet status heartbeat.
// It never changes a line item's status.
type Sweeper struct {
	base
	cfg       SweeperConfig
	scheduler gocron.Scheduler
}

func NewSweeper(d Deps, cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Interval <= 0 || cfg.StaleAfter <= 0 {
		return nil, errors.New("sweeper interval and stale threshold must be positive")
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	s := &Sweeper{base: newBase(d), cfg: cfg, scheduler: scheduler}

	jobs := []struct {
		name string
		run  func(context.Context) error
	}{
		{"stale-line-items", func(ctx context.Context) error { _, err := s.CheckStaleLineItems(ctx); return err }},
		{"status-heartbeat", s.Heartbeat},
	}
	for _, j := range jobs {
		_, err := scheduler.NewJob(
			gocron.DurationJob(cfg.Interval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
				defer cancel()
				s.Logger.Debug("running job", zap.String("job", j.name))
				if err := j.run(ctx); err != nil {
					s.Logger.Error("job failed", zap.String("job", j.name), zap.Error(err))
				}
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}

// CheckStaleLineItems reports line items stuck in-progress longer than the threshold.
func (s *Sweeper) CheckStaleLineItems(ctx context.Context) ([]domain.StaleLineItem, error) {
	stale, err := s.Store.Requests().ListStaleLineItems(ctx, s.now().Add(-s.cfg.StaleAfter))
	if err != nil {
		return nil, err
	}
	s.Metrics.SetStaleLineItems(len(stale))
	if len(stale) > 0 {
		s.Logger.Warn("stale line items", zap.Int("count", len(stale)))
		s.Broadcaster.SendToAllTablets(domain.EventStaleLineItems, stale)
	}
	return stale, nil
}

// Heartbeat re-syncs tablets and releases a lock still held by a completed request,
// which happens when a release failed after the completion was committed.
func (s *Sweeper) Heartbeat(ctx context.Context) error {
	s.Broadcaster.BroadcastDeviceStatus()

	state, err := s.Lock.Status(ctx)
	if err != nil {
		return err
	}
	if state.Held {
		req, err := s.Store.Requests().FindByRequestNumber(ctx, state.HolderRequestNumber)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.Logger.Warn("order lock held by unknown request", zap.String("request_number", state.HolderRequestNumber))
		case err != nil:
			return err
		case req.Status == domain.RequestStatusCompleted:
			s.Logger.Warn("releasing order lock of completed request", zap.String("request_number", req.RequestNumber))
			s.releaseLock(ctx, req.RequestNumber)
			return nil
		}
	}
	s.Broadcaster.SendToAllTablets(domain.EventLockStatusUpdate, state)
	return nil
}
