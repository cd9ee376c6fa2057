package attribution

import (
	"github.com/smallbiznis/attribution/internal/attribution/repository"
	"github.com/smallbiznis/attribution/internal/attribution/service"
	"go.uber.org/fx"
)

var Module = fx.Module("attribution.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewMatcher),
	fx.Provide(service.NewRecorder),
	fx.Provide(service.NewDomainService),
)
