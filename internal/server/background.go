package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/herdwork/corral/internal/agent"
	"github.com/herdwork/corral/internal/config"
	"github.com/herdwork/corral/internal/lock"
)

// startBackground launches the lock sweeper and the idle-agent
// reaper. Both are plain tickers calling the same entry points a
// normal caller would; they share nothing beyond the stores. The
// returned stop function blocks until both loops have exited.
func startBackground(cfg config.Config, locks *lock.Manager, registry *agent.Store, logger *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if n, err := locks.SweepExpired(); err != nil {
					logger.Warn("lock sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("swept expired locks", "count", n)
				}
			}
		}
	}()

	if cfg.IdleWindow > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Check a few times per window; exact cadence is not
			// load-bearing.
			interval := cfg.IdleWindow / 4
			if interval < time.Second {
				interval = time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					reaped, err := registry.ReapIdle(cfg.IdleWindow)
					if err != nil {
						logger.Warn("idle reap failed", "error", err)
					} else if len(reaped) > 0 {
						logger.Info("reaped idle agents", "agents", reaped)
					}
				}
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
