package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://bot:pw@db:5432/trading?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "bot", Password: "pw", Database: "trading"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestListClauses(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	opts := domain.ListOpts{Since: &since, Until: &until, Limit: 50, Offset: 10}

	where, args := timeRange("closed_at", opts, []any{"CLOSED"})
	assert.Equal(t, " AND closed_at >= $2 AND closed_at <= $3", where)

	query, args := paginate("SELECT 1"+where, opts, args)
	assert.Equal(t, "SELECT 1 AND closed_at >= $2 AND closed_at <= $3 LIMIT $4 OFFSET $5", query)
	assert.Equal(t, []any{"CLOSED", since, until, 50, 10}, args)

	where, args = timeRange("created_at", domain.ListOpts{}, nil)
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"001_positions.sql", "002_audit_log.sql"}, names)
}

func TestUpsertKeepsClosedAndNewerRows(t *testing.T) {
	where := upsertPosition[strings.Index(upsertPosition, "WHERE"):]
	assert.Contains(t, where, "positions.status <> 'CLOSED'")
	assert.Contains(t, where, "positions.updated_at <= EXCLUDED.updated_at")
}
