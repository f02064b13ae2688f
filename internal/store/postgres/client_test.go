package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN_EscapesCredentials(t *testing.T) {
	got := DSN(ClientConfig{User: "svc", Password: "p@ss:w", Host: "db", Port: 6432, Database: "arbexec", SSLMode: "require"})
	assert.Equal(t, "postgres://svc:p%40ss%3Aw@db:6432/arbexec?sslmode=require", got)
}

type fakePoolStat struct {
	acquired, maxConns int32
	waits              int64
}

func (f fakePoolStat) AcquiredConns() int32     { return f.acquired }
func (f fakePoolStat) MaxConns() int32          { return f.maxConns }
func (f fakePoolStat) EmptyAcquireCount() int64 { return f.waits }

func TestPoolSaturation(t *testing.T) {
	assert.NoError(t, poolSaturation(fakePoolStat{acquired: 3, maxConns: 10}))
	err := poolSaturation(fakePoolStat{acquired: 10, maxConns: 10, waits: 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10/10")
}

func TestPendingMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_rejected.sql": {Data: []byte("SELECT 2")},
		"migrations/001_init.sql":     {Data: []byte("SELECT 1")},
		"migrations/003_next.sql":     {Data: []byte("SELECT 3")},
		"migrations/README.md":        {Data: []byte("notes")},
	}

	pending, err := pendingMigrations(fsys, "migrations", map[string]bool{"001_init.sql": true})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "002_rejected.sql", pending[0].name)
	assert.Equal(t, "SELECT 2", pending[0].sql)
	assert.Equal(t, "003_next.sql", pending[1].name)

	_, err = pendingMigrations(fsys, "missing", nil)
	assert.Error(t, err)
}

func TestPendingMigrations_Embedded(t *testing.T) {
	pending, err := pendingMigrations(migrationsFS, "migrations", nil)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	assert.Equal(t, "001_init.sql", pending[0].name)
}
