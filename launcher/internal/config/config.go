package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skyforge/launcher/launcher/internal/installer/deps"
	"github.com/skyforge/launcher/launcher/internal/installer/downloader"
	"github.com/skyforge/launcher/util"
)

const (
	appDirName     = "skyforge-launcher"
	configFileName = "config.json"

	// DefaultRuntimeName is looked up on PATH when no runtime path is configured.
	DefaultRuntimeName = "skyruntime"
)

// ConfigInput carries configuration changes from flags and environment.
type ConfigInput struct {
	ConfigPath          string
	InstallRoot         string
	DownloadDir         *string
	PatchToolPath       *string
	PatchToolMinVersion *string
	RuntimePath         *string
	ProgressInterval    *time.Duration
}

// Config is the launcher configuration stored as JSON.
type Config struct {
	InstallRoot string
	// DownloadDir holds partial bundles of every root. Empty keeps them in <root>/.downloads.
	DownloadDir         string
	PatchToolPath       string
	PatchToolMinVersion string
	RuntimeName         string
	RuntimePath         string
	// ExpectedBinaries are slash separated paths, relative to an install directory.
	ExpectedBinaries []string
	// ProgressInterval is a time.Duration string such as "200ms".
	ProgressInterval string
}

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		log.Debugf("no user config dir, using working directory: %v", err)
		return configFileName
	}
	return filepath.Join(dir, appDirName, configFileName)
}

// ReadConfig reads the config file, creating it with default values when it does not exist.
func ReadConfig(ctx context.Context, configPath string) (*Config, error) {
	return UpdateOrCreateConfig(ctx, ConfigInput{ConfigPath: configPath})
}

// UpdateOrCreateConfig reads the existing config or generates a new one, applies input
// and writes the file back when something changed.
func UpdateOrCreateConfig(ctx context.Context, input ConfigInput) (*Config, error) {
	config := &Config{}
	exists := util.FileExists(input.ConfigPath)
	if exists {
		if _, err := util.ReadJson(input.ConfigPath, config); err != nil {
			return nil, fmt.Errorf("read config %s: %w", input.ConfigPath, err)
		}
	} else {
		log.Infof("generating new config %s", input.ConfigPath)
	}

	updated, err := config.apply(input)
	if err != nil {
		return nil, err
	}

	if updated || !exists {
		if err := WriteOutConfig(ctx, input.ConfigPath, config); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// WriteOutConfig writes config to path.
func WriteOutConfig(ctx context.Context, path string, config *Config) error {
	if err := util.WriteJson(ctx, path, config); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (config *Config) apply(input ConfigInput) (updated bool, err error) {
	if config.InstallRoot == "" {
		config.InstallRoot = defaultInstallRoot()
		log.Infof("using default install root %s", config.InstallRoot)
		updated = true
	}
	if input.InstallRoot != "" && input.InstallRoot != config.InstallRoot {
		log.Infof("new install root provided, updated to %s (old value %s)", input.InstallRoot, config.InstallRoot)
		config.InstallRoot = input.InstallRoot
		updated = true
	}

	if config.RuntimeName == "" {
		config.RuntimeName = DefaultRuntimeName
		updated = true
	}
	if len(config.ExpectedBinaries) == 0 {
		config.ExpectedBinaries = defaultBinaries()
		updated = true
	}
	if config.ProgressInterval == "" {
		config.ProgressInterval = downloader.DefaultProgressInterval.String()
		updated = true
	}

	updated = setString(&config.DownloadDir, input.DownloadDir, "download dir") || updated
	updated = setString(&config.PatchToolPath, input.PatchToolPath, "patch tool path") || updated
	updated = setString(&config.PatchToolMinVersion, input.PatchToolMinVersion, "patch tool minimum version") || updated
	updated = setString(&config.RuntimePath, input.RuntimePath, "runtime path") || updated

	if input.ProgressInterval != nil {
		if *input.ProgressInterval <= 0 {
			return false, fmt.Errorf("progress interval must be positive, got %s", *input.ProgressInterval)
		}
		if s := input.ProgressInterval.String(); s != config.ProgressInterval {
			log.Infof("updating progress interval to %s (old value %s)", s, config.ProgressInterval)
			config.ProgressInterval = s
			updated = true
		}
	}

	if _, err := config.Interval(); err != nil {
		return false, err
	}
	return updated, nil
}

func setString(field *string, input *string, name string) bool {
	if input == nil || *input == *field {
		return false
	}
	log.Infof("updating %s to %q (old value %q)", name, *input, *field)
	*field = *input
	return true
}

// Interval parses ProgressInterval.
func (config *Config) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(config.ProgressInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid progress interval %q: %w", config.ProgressInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("progress interval must be positive, got %s", d)
	}
	return d, nil
}

// RuntimeEnsurer returns the ensurer of the configured runtime.
func (config *Config) RuntimeEnsurer() *deps.Binary {
	return deps.NewRuntime(config.RuntimeName, config.RuntimePath)
}

// PatchToolEnsurer returns the ensurer of the configured patch tool.
func (config *Config) PatchToolEnsurer() *deps.Binary {
	return deps.NewPatchTool(config.PatchToolPath, config.PatchToolMinVersion)
}

// Binaries returns a copy of the expected binaries.
func (config *Config) Binaries() []string {
	return slices.Clone(config.ExpectedBinaries)
}

func defaultInstallRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Warnf("no home directory, installing under the working directory: %v", err)
		return "Skyforge"
	}
	return filepath.Join(home, "Games", "Skyforge")
}

func defaultBinaries() []string {
	if runtime.GOOS == "windows" {
		return []string{"bin/skyforge.exe", "bin/skyforge-crash-handler.exe"}
	}
	return []string{"bin/skyforge", "bin/skyforge-crash-handler"}
}
