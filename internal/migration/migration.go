package migration

import (
	"errors"
	"fmt"

	attributiondomain "github.com/smallbiznis/attribution/internal/attribution/domain"
	jobdomain "github.com/smallbiznis/attribution/internal/attributionjob/domain"
	auditdomain "github.com/smallbiznis/attribution/internal/audit/domain"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"gorm.io/gorm"
)

// Models lists every table the engine owns, in dependency order.
func Models() []any {
	return []any{
		&attributiondomain.BusinessEvent{},
		&attributiondomain.OutboundEmail{},
		&attributiondomain.AttributionSettings{},
		&attributiondomain.AttributedDomain{},
		&attributiondomain.DomainEvent{},
		&attributiondomain.MatchAudit{},
		&jobdomain.AttributionJob{},
		&jobdomain.AttributionJobFailure{},
		&reconciliationdomain.BillingConfig{},
		&reconciliationdomain.ReconciliationPeriod{},
		&reconciliationdomain.LineItem{},
		&auditdomain.AuditLog{},
	}
}

// AutoMigrate creates or extends the engine tables. Production schemas are
// managed outside the service; this is for local and self-hosted setups.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
