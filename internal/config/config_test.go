// Licensed under the MIT License. See LICENSE file in the project root for details.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.VerifyAllStores)
	assert.True(t, cfg.CompressObjArray)
	assert.Equal(t, 2, cfg.MetadataBits)
	assert.Equal(t, uint64(16), cfg.OvercommitRatio)
	assert.Equal(t, uint64(8), cfg.MinObjectAlignment)
	assert.Equal(t, uint(3), cfg.AlignShift())
	assert.Equal(t, uint64(1<<20), cfg.VerifyInitialCapacity)
	assert.Equal(t, uint64(1024), cfg.TableSize)
	assert.Equal(t, []string{"java/", "jdk/", "sun/"}, cfg.InternalPrefixes)
	assert.Equal(t, 100*time.Millisecond, cfg.ReclaimInterval)
	assert.Equal(t, 4, cfg.ScanWorkers)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefaultIgnoresEnvironment(t *testing.T) {
	t.Setenv("CRSTATS_TABLE_SIZE", "100")
	t.Setenv("CRSTATS_ENABLED", "false")

	var cfg *Config
	require.NotPanics(t, func() { cfg = Default() })
	assert.True(t, cfg.Enabled)
	assert.Equal(t, uint64(1024), cfg.TableSize)

	_, err := Load(viper.New())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CRSTATS_VERIFY_ALL_STORES", "true")
	t.Setenv("CRSTATS_TABLE_SIZE", "64")
	t.Setenv("CRSTATS_RECLAIM_INTERVAL", "250ms")
	t.Setenv("CRSTATS_INTERNAL_PREFIXES", "java/, vendor/")
	t.Setenv("CRSTATS_LOG_LEVEL", "debug")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.True(t, cfg.VerifyAllStores)
	assert.Equal(t, uint64(64), cfg.TableSize)
	assert.Equal(t, 250*time.Millisecond, cfg.ReclaimInterval)
	assert.Equal(t, []string{"java/", "vendor/"}, cfg.InternalPrefixes)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crstats.yaml")
	data := []byte("metadata_bits: 4\nmin_object_alignment: 16\nscan_workers: 2\nlog:\n  json: true\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadFile(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MetadataBits)
	assert.Equal(t, uint(4), cfg.AlignShift())
	assert.Equal(t, 2, cfg.ScanWorkers)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "info", cfg.Log.Level)

	_, err = LoadFile(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	v := NewViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse([]string{"--scan_workers=8", "--log.level=warn", "--compress_internals"}))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.ScanWorkers)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.CompressInternals)
	assert.Equal(t, uint64(1024), cfg.TableSize)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"table size not a power of two", "table_size", 1000},
		{"alignment not a power of two", "min_object_alignment", 12},
		{"alignment too small", "min_object_alignment", 4},
		{"too many metadata bits", "metadata_bits", 17},
		{"zero overcommit", "overcommit_ratio", 0},
		{"no scan workers", "scan_workers", 0},
		{"unknown log level", "log.level", "chatty"},
		{"empty prefix", "internal_prefixes", []string{"java/", ""}},
		{"zero reclaim interval", "reclaim_interval", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)

			_, err := Load(v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}
