package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skyforge/launcher/launcher/internal/catalog"
	"github.com/skyforge/launcher/launcher/internal/config"
	"github.com/skyforge/launcher/launcher/internal/installer"
	"github.com/skyforge/launcher/launcher/internal/installer/downloader"
	"github.com/skyforge/launcher/launcher/internal/notify"
	"github.com/skyforge/launcher/util"
)

const (
	envPrefix = "LAUNCHER_"

	catalogFlag     = "catalog"
	rootFlag        = "root"
	jsonFlag        = "json"
	downloadDirFlag = "download-dir"
)

var (
	configPath  string
	logLevel    string
	logFile     string
	installRoot string
	catalogPath string
	jsonOutput  bool
	rootCmd     = &cobra.Command{
		Use:          "launcher",
		Short:        "Installs and updates Skyforge game builds",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "launcher config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "sets launcher log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "sets launcher log path. If console is specified the log will be output to stderr")
	rootCmd.PersistentFlags().StringVarP(&installRoot, rootFlag, "r", "", "install root, overrides and updates the configured one")
	rootCmd.PersistentFlags().StringVar(&catalogPath, catalogFlag, "catalog.yaml", "version catalog file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, jsonFlag, false, "print machine readable JSON lines instead of text")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// SetFlagsFromEnvVars reads and updates flag values from environment variables with prefix LAUNCHER_
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	setFlags := func(flags *pflag.FlagSet) {
		flags.VisitAll(func(f *pflag.Flag) {
			envVar := FlagNameToEnvVar(f.Name, envPrefix)
			if value, present := os.LookupEnv(envVar); present && !f.Changed {
				if err := flags.Set(f.Name, value); err != nil {
					log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envVar, err)
				}
			}
		})
	}
	setFlags(cmd.Root().PersistentFlags())
	if cmd != cmd.Root() {
		setFlags(cmd.Flags())
	}
}

// FlagNameToEnvVar converts flag name to environment var name adding a prefix,
// replacing dashes and making all uppercase (e.g. download-dir is converted to LAUNCHER_DOWNLOAD_DIR)
func FlagNameToEnvVar(cmdFlag string, prefix string) string {
	parsed := strings.ReplaceAll(cmdFlag, "-", "_")
	upper := strings.ToUpper(parsed)
	return prefix + upper
}

// setup applies environment overrides, initializes logging and loads the config with
// every overriding flag the command carries.
func setup(cmd *cobra.Command, input config.ConfigInput) (context.Context, *config.Config, error) {
	SetFlagsFromEnvVars(cmd)
	cmd.SetOut(cmd.OutOrStdout())

	if err := util.InitLog(logLevel, logFile); err != nil {
		return nil, nil, fmt.Errorf("failed initializing log %v", err)
	}

	ctx := context.WithValue(cmd.Context(), util.SourceKey, util.CLISource)

	input.ConfigPath = configPath
	if installRoot != "" {
		abs, err := filepath.Abs(installRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve install root %s: %w", installRoot, err)
		}
		input.InstallRoot = abs
	}

	cfg, err := config.UpdateOrCreateConfig(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	return ctx, cfg, nil
}

func loadCatalog() (*catalog.Catalog, error) {
	c, err := catalog.Load(catalogPath)
	if err != nil {
		return nil, err
	}
	log.Debugf("loaded %d versions from %s", len(c.Versions), catalogPath)
	return c, nil
}

func newOrchestrator(cfg *config.Config, sink notify.Sink) (*installer.Orchestrator, error) {
	interval, err := cfg.Interval()
	if err != nil {
		return nil, err
	}

	opts := []downloader.Option{downloader.WithProgressInterval(interval)}
	if cfg.DownloadDir != "" {
		opts = append(opts, downloader.WithDownloadDir(cfg.DownloadDir))
	}

	return installer.New(installer.Config{
		Runtime:    cfg.RuntimeEnsurer(),
		PatchTool:  cfg.PatchToolEnsurer(),
		Downloader: downloader.New(opts...),
		Sink:       sink,
		Binaries:   cfg.Binaries(),
	}), nil
}

// eventSink renders events for the terminal, or as JSON lines for a UI process.
func eventSink(cmd *cobra.Command) notify.Sink {
	if jsonOutput {
		return notify.NewJSONLines(cmd.OutOrStdout())
	}
	return notify.NewProgressBar(cmd.ErrOrStderr())
}
