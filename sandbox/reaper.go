package sandbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reaper is the periodic background task reconciling the engine's observed
// container state against the registry. It force-removes every container
// carrying this system's name prefix that no session claims, whatever its
// engine state: after a process restart the registry is empty, so the
// previous incarnation's still-running containers are exactly the unclaimed
// ones. This corrects drift from process restarts, containers crashing on
// their own, and TTL timers lost to a restart. Claimed containers are left
// alone while running and retired together with their session once they
// exit.
//
// Cleanup is best-effort: removal errors are tolerated and never block the
// next tick.
type Reaper struct {
	logger   *zap.Logger
	engine   *Engine
	registry *Registry
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewReaper creates a reaper over the given engine and registry.
func NewReaper(logger *zap.Logger, engine *Engine, registry *Registry, interval time.Duration) *Reaper {
	return &Reaper{
		logger:   logger,
		engine:   engine,
		registry: registry,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Safe to call once.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		go r.loop()
	})
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.RunOnce(context.Background())
		case <-r.stop:
			return
		}
	}
}

// RunOnce performs a single reconciliation pass. It only acts when the
// engine probe reported the daemon available, and it never returns an
// error: every failure is logged and the pass moves on.
func (r *Reaper) RunOnce(ctx context.Context) {
	if !r.engine.Available() {
		return
	}

	containers, err := r.engine.List(ctx)
	if err != nil {
		r.logger.Warn("reaper could not list containers", zap.Error(err))
		return
	}

	for _, c := range containers {
		session, claimed := r.registry.GetByContainer(c.Name)
		if claimed && c.State != "exited" {
			continue
		}

		reason := "orphaned"
		if claimed {
			// The backing container died out from under a live session;
			// recover by retiring the session along with the container.
			reason = "exited"
			session.deactivate()
			session.stopTTLTimer()
			r.registry.Remove(session.SessionID)
		}

		if err := r.engine.Remove(ctx, c.Name); err != nil {
			r.logger.Debug("reaper removal failed",
				zap.String("container", c.Name), zap.Error(err))
			continue
		}
		r.logger.Info("reaped container",
			zap.String("container", c.Name),
			zap.String("state", c.State),
			zap.String("reason", reason))
	}
}
