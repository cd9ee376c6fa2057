package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(&pq.Error{Code: "23505"}))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: match_audits.source_event_id")))
	assert.False(t, IsDuplicateKeyErr(errors.New("connection refused")))
}

func TestDialect(t *testing.T) {
	for _, kind := range []string{"postgres", "mysql", "sqlite", ""} {
		d, err := Dialect(Config{Type: kind, Path: "file::memory:"})
		assert.NoError(t, err, kind)
		assert.NotNil(t, d)
	}
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
}
