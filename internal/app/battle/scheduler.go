package battle

import (
	"context"
	"errors"
	"sync"
	"time"

	"warfront/internal/app/ports"
	domain "warfront/internal/domain/battle"
)

type scheduler struct {
	mu      sync.Mutex
	base    context.Context
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newScheduler() *scheduler {
	return &scheduler{running: make(map[string]context.CancelFunc)}
}

func (s *scheduler) stop(battleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[battleID]; ok {
		cancel()
		delete(s.running, battleID)
	}
}

// Running reports the battles with an active realtime schedule.
func (e *Engine) Running() []string {
	s := e.scheduler()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	return out
}

// Run binds realtime schedules to ctx, resumes battles left active by a
// previous process and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	s := e.scheduler()
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	if err := e.Resume(ctx); err != nil {
		e.Log.Warn().Err(err).Msg("resume battles")
	}
	<-ctx.Done()

	s.mu.Lock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
	s.base = nil
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// Resume restarts realtime schedules for active battles and retries
// finalize for finished battles with unsettled participants.
func (e *Engine) Resume(ctx context.Context) error {
	ids, err := e.Store.ListActiveBattles(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		snap, ok, err := e.Store.LoadBattle(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch {
		case snap.Session.Status == domain.StatusInProgress && snap.Session.Mode == domain.ModeRealtime:
			e.schedule(id)
		case snap.Session.Status.Terminal() && len(snap.Session.Unsettled) > 0:
			if err := e.Settle(ctx, id); err != nil {
				e.Log.Warn().Err(err).Str("battle", id).Msg("settle on resume")
			}
		}
	}
	return nil
}

func (e *Engine) schedule(battleID string) {
	s := e.scheduler()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		e.Log.Warn().Str("battle", battleID).Msg("engine not running, realtime battle will advance only on demand")
		return
	}
	if _, ok := s.running[battleID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.base)
	s.running[battleID] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.tick(ctx, battleID)
	}()
}

func (e *Engine) tick(ctx context.Context, battleID string) {
	interval := e.Config.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log := e.Log.With().Str("battle", battleID).Logger()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		snap, err := e.Advance(ctx, battleID)
		switch {
		case err == nil:
			failures = 0
			if snap.Session.Status.Terminal() {
				return
			}
		case errors.Is(err, ports.ErrBusy), errors.Is(err, ports.ErrConflict):
			// another holder has the battle this tick
		case errors.Is(err, domain.ErrInvalidTransition):
			e.scheduler().stop(battleID)
			return
		case ctx.Err() != nil:
			return
		default:
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("advance failed")
			if failures >= e.stallLimit() {
				e.forceEnd(ctx, battleID)
				return
			}
		}
	}
}

// forceEnd terminates a battle whose advances keep failing.
func (e *Engine) forceEnd(ctx context.Context, battleID string) {
	err := e.withLease(ctx, battleID, func() error {
		snap, err := e.Get(ctx, battleID)
		if err != nil {
			return err
		}
		if snap.Session.Status.Terminal() {
			return nil
		}
		_, err = e.finish(ctx, snap, domain.Outcome{Winner: domain.WinnerDraw, Reason: domain.ReasonExhaustion}, domain.StatusCompleted)
		return err
	})
	if err != nil {
		e.Log.Error().Err(err).Str("battle", battleID).Msg("stalled battle could not be ended")
		e.scheduler().stop(battleID)
	}
}
