// Package repair runs the engine's repair sweep on a schedule.
package repair

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"taskline/internal/engine"
)

// DefaultSchedule applies when no schedule is configured.
const DefaultSchedule = "@every 5m"

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	Repair(ctx context.Context) (engine.RepairReport, error)
}

type Scheduler struct {
	Sweeper  Sweeper
	Schedule string
	Log      zerolog.Logger
	// Timeout bounds a single sweep. Zero means one minute.
	Timeout time.Duration

	mu      sync.Mutex
	cron    *rcron.Cron
	running bool
	last    *engine.RepairReport
	lastErr error
}

// Start registers the sweep and starts the cron loop. It stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	schedule := s.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := rcron.New()
	if _, err := c.AddFunc(schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("repair schedule %q: %w", schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.Log.Info().Str("schedule", schedule).Msg("repair scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.Log.Info().Msg("repair scheduler stopped")
}

// RunOnce performs one sweep unless another is still running.
func (s *Scheduler) RunOnce(ctx context.Context) (engine.RepairReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Log.Debug().Msg("repair sweep already running; skipped")
		return engine.RepairReport{}, nil
	}
	s.running = true
	s.mu.Unlock()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	rep, err := s.Sweeper.Repair(runCtx)

	s.mu.Lock()
	s.running = false
	s.last = &rep
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.Log.Error().Err(err).Msg("repair sweep failed")
		return rep, err
	}
	evt := s.Log.Info()
	if len(rep.Failures) > 0 {
		evt = s.Log.Warn().Int("failures", len(rep.Failures))
	}
	evt.Int("scanned", rep.Scanned).Int("unblocked", len(rep.Unblocked)).Msg("repair sweep finished")
	return rep, nil
}

// Last returns the most recent sweep result, if any.
func (s *Scheduler) Last() (*engine.RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}
