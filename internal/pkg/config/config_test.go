package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/env"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	env.Env = values
	t.Cleanup(func() { env.Env = nil })
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, map[string]string{})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.AppEnv)
	assert.Equal(t, "localhost:4000", cfg.Addr())
	assert.Equal(t, 5, cfg.Sweeps.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Sweeps.DeliveryInterval)
	assert.False(t, cfg.Archive.Enabled)
}

func TestLoad_ArchiveRequiresBucket(t *testing.T) {
	withEnv(t, map[string]string{
		"AUDIT_ARCHIVE_ENABLED": "true",
		"S3_ACCESS_KEY_ID":      "key",
		"S3_SECRET_ACCESS_KEY":  "secret",
	})

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_LobKeyRequiresSenderAddress(t *testing.T) {
	withEnv(t, map[string]string{"LOB_API_KEY": "test_key"})

	_, err := Load()
	assert.Error(t, err)

	withEnv(t, map[string]string{"LOB_API_KEY": "test_key", "LOB_FROM_ADDRESS_ID": "adr_sender"})
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.lob.com/v1", cfg.Lob.BaseURL)
}

func TestLoad_RejectsUnknownAppEnv(t *testing.T) {
	withEnv(t, map[string]string{"APP_ENV": "staging-ish"})

	_, err := Load()
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	d := Database{User: "u", Password: "p", Host: "db", Port: "3306", Name: "capsule"}

	assert.Equal(t, "u:p@tcp(db:3306)/capsule?charset=utf8mb4&parseTime=True&loc=UTC", d.DSN())
	assert.Equal(t, "mysql://u:p@tcp(db:3306)/capsule?multiStatements=true", d.MigrateURL())
}
