package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/pagesync/lib/types"
)

func TestConsolidatedConfigDefaults(t *testing.T) {
	t.Parallel()

	conf, err := GetConsolidatedConfig(Config{}, nil, Config{})
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeout, conf.Timeout.TimeDuration())
	assert.Equal(t, DefaultTimeout, conf.NavigationTimeout.TimeDuration())
	assert.Equal(t, DefaultPollInterval, conf.PollInterval.TimeDuration())
	assert.Equal(t, int64(DefaultConsoleBufferSize), conf.ConsoleBufferSize.Int64)
	assert.Equal(t, DefaultLogLevel, conf.LogLevel.String)
	assert.Equal(t, DefaultTracesOutput, conf.TracesOutput.String)
	assert.False(t, conf.Timeout.Valid)
}

func TestConsolidatedConfigPrecedence(t *testing.T) {
	t.Parallel()

	fileConf := Config{
		Timeout:           types.NullDurationFrom(5 * time.Second),
		ConsoleBufferSize: null.IntFrom(10),
		LogLevel:          null.StringFrom("debug"),
	}
	env := map[string]string{
		"PAGESYNC_TIMEOUT":       "3s",
		"PAGESYNC_POLL_INTERVAL": "20ms",
		"PAGESYNC_LOG_CONSOLE":   "true",
		"UNRELATED":              "x",
	}
	cliConf := Config{
		LogLevel: null.StringFrom("warn"),
	}

	conf, err := GetConsolidatedConfig(fileConf, env, cliConf)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, conf.Timeout.TimeDuration())
	assert.Equal(t, 20*time.Millisecond, conf.PollInterval.TimeDuration())
	assert.Equal(t, int64(10), conf.ConsoleBufferSize.Int64)
	assert.Equal(t, "warn", conf.LogLevel.String)
	assert.True(t, conf.LogConsole.Bool)
}

func TestConsolidatedConfigInvalid(t *testing.T) {
	t.Parallel()

	t.Run("bad_env", func(t *testing.T) {
		t.Parallel()
		_, err := GetConsolidatedConfig(Config{}, map[string]string{"PAGESYNC_TIMEOUT": "soon"}, Config{})
		require.ErrorContains(t, err, "reading environment")
	})
	t.Run("non_positive", func(t *testing.T) {
		t.Parallel()
		_, err := GetConsolidatedConfig(Config{
			Timeout:           types.NullDurationFrom(0),
			ConsoleBufferSize: null.IntFrom(-1),
		}, nil, Config{})
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.ErrorContains(t, err, "timeout must be positive")
		assert.ErrorContains(t, err, "console buffer size must be positive")
	})
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/pagesync.json",
		[]byte(`{"timeout":"2s","consoleBufferSize":50,"noColor":true}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/etc/pagesync.yaml",
		[]byte("timeout: 4s\npollInterval: 250\nlogCategoryFilter: \"^FrameManager\"\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/etc/broken.yml", []byte("timeout: [\n"), 0o644))

	t.Run("json", func(t *testing.T) {
		t.Parallel()
		conf, err := ReadFile(fs, "/etc/pagesync.json")
		require.NoError(t, err)
		assert.Equal(t, types.NullDurationFrom(2*time.Second), conf.Timeout)
		assert.Equal(t, null.IntFrom(50), conf.ConsoleBufferSize)
		assert.Equal(t, null.BoolFrom(true), conf.NoColor)
	})
	t.Run("yaml", func(t *testing.T) {
		t.Parallel()
		conf, err := ReadFile(fs, "/etc/pagesync.yaml")
		require.NoError(t, err)
		assert.Equal(t, types.NullDurationFrom(4*time.Second), conf.Timeout)
		assert.Equal(t, types.NullDurationFrom(250*time.Millisecond), conf.PollInterval)
		assert.Equal(t, null.StringFrom("^FrameManager"), conf.LogCategoryFilter)
	})
	t.Run("broken", func(t *testing.T) {
		t.Parallel()
		_, err := ReadFile(fs, "/etc/broken.yml")
		require.ErrorContains(t, err, "parsing YAML config")
	})
	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		_, err := ReadFile(fs, "/etc/nope.json")
		require.ErrorContains(t, err, "reading config file")
	})
}
