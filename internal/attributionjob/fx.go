package attributionjob

import (
	"github.com/smallbiznis/attribution/internal/attributionjob/repository"
	"github.com/smallbiznis/attribution/internal/attributionjob/service"
	"go.uber.org/fx"
)

var Module = fx.Module("attributionjob.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewProcessor),
	fx.Provide(service.NewTrigger),
)
