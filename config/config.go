// Package config holds the runtime options of the page core and the replay tool.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/liuxd6825/pagesync/lib/types"
)

// Defaults.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultConsoleBufferSize = 1000
	DefaultLogLevel          = "info"
	DefaultTracesOutput      = "none"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the options of a page and of the replay command.
//
//nolint:lll
type Config struct {
	Timeout           types.NullDuration `json:"timeout" envconfig:"PAGESYNC_TIMEOUT"`
	NavigationTimeout types.NullDuration `json:"navigationTimeout" envconfig:"PAGESYNC_NAVIGATION_TIMEOUT"`

	// How often the condition of a pending operation is re-evaluated when no
	// page event arrives in between.
	PollInterval types.NullDuration `json:"pollInterval" envconfig:"PAGESYNC_POLL_INTERVAL"`

	// Number of console messages retained per page. Older ones are dropped.
	ConsoleBufferSize null.Int `json:"consoleBufferSize" envconfig:"PAGESYNC_CONSOLE_BUFFER_SIZE"`

	LogLevel          null.String `json:"logLevel" envconfig:"PAGESYNC_LOG_LEVEL"`
	LogCategoryFilter null.String `json:"logCategoryFilter" envconfig:"PAGESYNC_LOG_CATEGORY_FILTER"`
	LogConsole        null.Bool   `json:"logConsole" envconfig:"PAGESYNC_LOG_CONSOLE"`
	NoColor           null.Bool   `json:"noColor" envconfig:"PAGESYNC_NO_COLOR"`

	// Either "none" or an otel config line, see trace.TracerProviderFromConfigLine.
	TracesOutput null.String `json:"tracesOutput" envconfig:"PAGESYNC_TRACES_OUTPUT"`
}

// NewConfig returns a Config with every default set but marked as not valid,
// so any explicitly supplied value wins in Apply.
func NewConfig() Config {
	return Config{
		Timeout:           types.NewNullDuration(DefaultTimeout, false),
		NavigationTimeout: types.NewNullDuration(DefaultTimeout, false),
		PollInterval:      types.NewNullDuration(DefaultPollInterval, false),
		ConsoleBufferSize: null.NewInt(DefaultConsoleBufferSize, false),
		LogLevel:          null.NewString(DefaultLogLevel, false),
		LogCategoryFilter: null.NewString("", false),
		LogConsole:        null.NewBool(false, false),
		NoColor:           null.NewBool(false, false),
		TracesOutput:      null.NewString(DefaultTracesOutput, false),
	}
}

// Apply overwrites the fields of c with the valid fields of cfg.
func (c Config) Apply(cfg Config) Config {
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.NavigationTimeout.Valid {
		c.NavigationTimeout = cfg.NavigationTimeout
	}
	if cfg.PollInterval.Valid {
		c.PollInterval = cfg.PollInterval
	}
	if cfg.ConsoleBufferSize.Valid {
		c.ConsoleBufferSize = cfg.ConsoleBufferSize
	}
	if cfg.LogLevel.Valid && cfg.LogLevel.String != "" {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.LogConsole.Valid {
		c.LogConsole = cfg.LogConsole
	}
	if cfg.NoColor.Valid {
		c.NoColor = cfg.NoColor
	}
	if cfg.TracesOutput.Valid && cfg.TracesOutput.String != "" {
		c.TracesOutput = cfg.TracesOutput
	}
	return c
}

// Validate checks the consolidated values.
func (c Config) Validate() error {
	var errs []error
	if c.Timeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout.Duration))
	}
	if c.NavigationTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("navigation timeout must be positive, got %s", c.NavigationTimeout.Duration))
	}
	if c.PollInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval.Duration))
	}
	if c.ConsoleBufferSize.Int64 <= 0 {
		errs = append(errs, fmt.Errorf("console buffer size must be positive, got %d", c.ConsoleBufferSize.Int64))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// FromEnv reads the PAGESYNC_* variables out of env.
func FromEnv(env map[string]string) (Config, error) {
	envConfig := Config{}
	if err := envconfig.Process("", &envConfig, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return envConfig, fmt.Errorf("reading environment: %w", err)
	}
	return envConfig, nil
}

// ReadFile loads a JSON or YAML config file. The format is picked by the file
// extension; anything that is not .yaml or .yml is read as JSON.
func ReadFile(fs afero.Fs, path string) (Config, error) {
	conf := Config{}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return conf, fmt.Errorf("reading config file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return conf, fmt.Errorf("parsing YAML config %q: %w", path, err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return conf, fmt.Errorf("converting YAML config %q: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return conf, nil
}

// GetConsolidatedConfig layers the defaults, the config file, the environment
// and finally the CLI flags, in that order, and validates the result.
func GetConsolidatedConfig(fileConf Config, env map[string]string, cliConf Config) (Config, error) {
	result := NewConfig().Apply(fileConf)

	envConf, err := FromEnv(env)
	if err != nil {
		return result, err
	}
	result = result.Apply(envConf).Apply(cliConf)

	return result, result.Validate()
}
