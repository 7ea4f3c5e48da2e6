// Package config loads and validates the resolved build configuration
// that drives the fnforge dev loop.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the resolved build configuration
type Config struct {
	WorkDir   string          `mapstructure:"work_dir"`
	Functions FunctionsConfig `mapstructure:"functions"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Dev       DevConfig       `mapstructure:"dev"`
	Debug     bool            `mapstructure:"debug"`
}

// FunctionsConfig describes where function sources live and where
// compiled modules are written
type FunctionsConfig struct {
	SourceDir    string   `mapstructure:"source_dir"`
	OutputDir    string   `mapstructure:"output_dir"`
	InitModule   string   `mapstructure:"init_module"` // optional side-effect entry point
	Ignore       []string `mapstructure:"ignore"`      // glob patterns relative to source_dir
	Only         []string `mapstructure:"only"`        // optional allow-list of function names
	ServerRender bool     `mapstructure:"server_render"`
}

// RuntimeConfig contains the target runtime settings shared by every build unit
type RuntimeConfig struct {
	NodeVersion string `mapstructure:"node_version"`
}

// DevConfig configures the auxiliary child processes kept alongside the bundle
type DevConfig struct {
	Emulator        bool     `mapstructure:"emulator"`
	EmulatorCommand []string `mapstructure:"emulator_command"`
	ServerCommand   []string `mapstructure:"server_command"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	viper.SetConfigName("fnforge")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FNFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if config.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("unable to determine working directory: %w", err)
		}
		config.WorkDir = wd
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("functions.source_dir", "functions")
	viper.SetDefault("functions.output_dir", ".fnforge/functions")
	viper.SetDefault("functions.server_render", false)

	viper.SetDefault("runtime.node_version", "18")

	viper.SetDefault("dev.emulator", false)

	viper.SetDefault("debug", false)
}

var nodeVersionPattern = regexp.MustCompile(`^\d+(\.\d+)*$`)

// Validate validates the configuration. A validation failure is fatal:
// the watch loop never starts on an invalid configuration.
func (c *Config) Validate() error {
	if c.Functions.SourceDir == "" {
		return fmt.Errorf("functions.source_dir is required")
	}

	if c.Functions.OutputDir == "" {
		return fmt.Errorf("functions.output_dir is required")
	}

	if !nodeVersionPattern.MatchString(c.Runtime.NodeVersion) {
		return fmt.Errorf("runtime.node_version %q is not a valid version number", c.Runtime.NodeVersion)
	}

	for _, pattern := range c.Functions.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("functions.ignore pattern %q is not a valid glob", pattern)
		}
	}

	if c.Functions.InitModule != "" {
		rel, err := filepath.Rel(c.AbsSourceDir(), c.AbsInitModule())
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("functions.init_module %q must live under functions.source_dir", c.Functions.InitModule)
		}
	}

	if c.Dev.Emulator && len(c.Dev.EmulatorCommand) == 0 {
		return fmt.Errorf("dev.emulator_command is required when dev.emulator is enabled")
	}

	return nil
}

// AbsSourceDir returns the absolute function-source directory
func (c *Config) AbsSourceDir() string {
	return c.abs(c.Functions.SourceDir)
}

// AbsOutputDir returns the absolute output directory for compiled modules
func (c *Config) AbsOutputDir() string {
	return c.abs(c.Functions.OutputDir)
}

// AbsInitModule returns the absolute init-module path, or "" when unset
func (c *Config) AbsInitModule() string {
	if c.Functions.InitModule == "" {
		return ""
	}
	return c.abs(c.Functions.InitModule)
}

func (c *Config) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.WorkDir, path)
}
