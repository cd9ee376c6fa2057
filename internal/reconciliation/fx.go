package reconciliation

import (
	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/smallbiznis/attribution/internal/reconciliation/repository"
	"github.com/smallbiznis/attribution/internal/reconciliation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciliation.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(
			service.NewService,
			fx.As(new(reconciliationdomain.Service)),
			fx.As(new(attributiondomain.DisputeListener)),
		),
	),
)
