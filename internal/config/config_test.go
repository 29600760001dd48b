package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-copier/internal/partition"
)

func TestParseArgs(t *testing.T) {
	cfg := Default().Copy

	err := ParseArgs(&cfg, []string{
		"copy_from=100",
		"COPY_TO=5000",
		"Partition=1000",
		"SLEEP=250",
		"TABLOCK=true",
		"UNKNOWN=1",
		"garbage",
		"A=B=C",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100), cfg.CopyFrom)
	assert.Equal(t, int64(5000), cfg.CopyTo)
	assert.Equal(t, int64(1000), cfg.PartitionSize)
	assert.Equal(t, int64(250), cfg.SleepMillis)
	assert.True(t, cfg.UseExclusiveLock)
	assert.Equal(t, partition.DefaultCeiling, cfg.Ceiling)
}

func TestParseArgsInvalidNumber(t *testing.T) {
	cfg := Default().Copy

	err := ParseArgs(&cfg, []string{"PARTITION=lots"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestEffectiveCopyTo(t *testing.T) {
	cfg := CopyConfig{Ceiling: partition.DefaultCeiling}
	assert.Equal(t, partition.DefaultCeiling, cfg.EffectiveCopyTo())

	cfg.CopyTo = 1000
	assert.Equal(t, int64(1000), cfg.EffectiveCopyTo())
}

func TestCopyConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     CopyConfig
		wantErr bool
	}{
		{"defaults", CopyConfig{Ceiling: partition.DefaultCeiling}, false},
		{"explicit range", CopyConfig{CopyFrom: 1, CopyTo: 1000, Ceiling: 5000}, false},
		{"from after to", CopyConfig{CopyFrom: 2000, CopyTo: 1000, Ceiling: 5000}, true},
		{"from after ceiling", CopyConfig{CopyFrom: 6000, Ceiling: 5000}, true},
		{"to above ceiling", CopyConfig{CopyTo: 6000, Ceiling: 5000}, true},
		{"negative partition", CopyConfig{PartitionSize: -1, Ceiling: 5000}, true},
		{"negative sleep", CopyConfig{SleepMillis: -1, Ceiling: 5000}, true},
		{"zero ceiling", CopyConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalid))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromEnvAndArgs(t *testing.T) {
	t.Setenv("DESTINATION_DSN", "postgres://localhost/live")
	t.Setenv("PARTITION_SIZE", "500")
	t.Setenv("SLEEP_MS", "10")
	t.Setenv("COPY_COLUMNS", "id, name ,created_at")

	cfg, err := Load([]string{"PARTITION=10000"})
	require.NoError(t, err)

	// Positional arguments win over the environment.
	assert.Equal(t, int64(10000), cfg.Copy.PartitionSize)
	assert.Equal(t, int64(10), cfg.Copy.SleepMillis)
	assert.Equal(t, "postgres://localhost/live", cfg.Source.DSN)
	assert.Equal(t, []string{"id", "name", "created_at"}, cfg.Engine.Columns)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copier.yaml")
	err := os.WriteFile(path, []byte(`
copy:
  partition_size: 2500
  sleep_ms: 100
  exclusive_lock: true
source:
  dsn: postgres://legacy/db
  table: orders_old
destination:
  dsn: postgres://live/db
  table: orders
engine:
  driver: postgres
  columns: [id, total]
report:
  url: mem://
  compression: zstd
`), 0644)
	require.NoError(t, err)

	t.Setenv("COPIER_CONFIG", path)
	t.Setenv("SLEEP_MS", "50")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2500), cfg.Copy.PartitionSize)
	assert.Equal(t, int64(50), cfg.Copy.SleepMillis)
	assert.True(t, cfg.Copy.UseExclusiveLock)
	assert.Equal(t, partition.DefaultCeiling, cfg.Copy.Ceiling)
	assert.Equal(t, "postgres://legacy/db", cfg.Source.DSN)
	assert.Equal(t, "orders_old", cfg.Source.Table)
	assert.Equal(t, "orders", cfg.Destination.Table)
	assert.Equal(t, "id", cfg.Engine.IDColumn)
	assert.Equal(t, []string{"id", "total"}, cfg.Engine.Columns)
	assert.Equal(t, "zstd", cfg.Report.Compression)
}

func TestLoadRejectsInvertedRange(t *testing.T) {
	t.Setenv("DESTINATION_DSN", "postgres://localhost/live")

	_, err := Load([]string{"COPY_FROM=1000", "COPY_TO=10"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadRequiresDestination(t *testing.T) {
	t.Setenv("DESTINATION_DSN", "")

	_, err := Load(nil)
	assert.True(t, errors.Is(err, ErrInvalid))
}
