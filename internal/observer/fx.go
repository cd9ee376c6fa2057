package observer

import (
	"github.com/smallbiznis/attribution/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observer",
	fx.Provide(Provide),
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
	Config  metrics.Config   `optional:"true"`
}

func Provide(p Params) Observer {
	return Multi(
		NewLogObserver(p.Log),
		NewMetricsObserver(p.Metrics, metrics.SchedulerWithConfig(p.Config)),
	)
}
