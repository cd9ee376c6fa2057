package scheduler

import (
	"context"

	"github.com/smallbiznis/attribution/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(startLoop),
)

// startLoop runs the tick loop for the lifetime of the app when SCHEDULER_ENABLED is set.
// Stop waits for the in-flight pass to observe cancellation.
func startLoop(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.SchedulerEnabled {
		log.Info("scheduler loop disabled")
		return
	}

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			log.Info("scheduler loop started",
				zap.Duration("interval", sched.cfg.RunInterval),
				zap.Strings("enabled_jobs", cfg.SchedulerEnabledJobs),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
