package migration

import (
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	reconciliationdomain "github.com/smallbiznis/attribution/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func TestAutoMigrateCreatesEngineTables(t *testing.T) {
	db := openDB(t)

	require.NoError(t, AutoMigrate(db))
	// idempotent
	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{
		"business_events",
		"outbound_emails",
		"attribution_jobs",
		"attribution_job_failures",
		"attributed_domains",
		"domain_events",
		"billing_configs",
		"reconciliation_periods",
		"reconciliation_line_items",
		"audit_logs",
	} {
		require.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestAutoMigrateKeepsMoneyColumnsAndRows(t *testing.T) {
	db := openDB(t)
	require.NoError(t, AutoMigrate(db))

	now := time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)
	period := reconciliationdomain.ReconciliationPeriod{
		ID:               1,
		TenantID:         7,
		Label:            "2025-03-01/2025-03-31",
		StartDate:        now,
		EndDate:          now,
		ReviewDeadline:   now,
		Status:           reconciliationdomain.PeriodStatusDraft,
		RevenueSubmitted: decimal.RequireFromString("10000.55"),
		AmountOwed:       decimal.RequireFromString("2000.11"),
		EstimatedAmount:  decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, db.Create(&period).Error)

	require.NoError(t, AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))

	columns, err := db.Migrator().ColumnTypes(&reconciliationdomain.ReconciliationPeriod{})
	require.NoError(t, err)
	for _, column := range columns {
		if column.Name() == "amount_owed" {
			assert.Equal(t, "numeric", strings.ToLower(column.DatabaseTypeName()))
		}
	}

	var stored reconciliationdomain.ReconciliationPeriod
	require.NoError(t, db.First(&stored, "id = ?", period.ID).Error)
	assert.True(t, stored.AmountOwed.Equal(decimal.RequireFromString("2000.11")), stored.AmountOwed.String())
	assert.True(t, stored.RevenueSubmitted.Equal(decimal.RequireFromString("10000.55")))
}

func TestAutoMigrateRejectsNilHandle(t *testing.T) {
	require.Error(t, AutoMigrate(nil))
}
