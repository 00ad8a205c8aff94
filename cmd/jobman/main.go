package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/CZERTAINLY/Jobman/internal/log"
	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/service"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const configName = "config.yaml"

var (
	userConfigPath string // $XDG_CONFIG_HOME/jobman
	configPath     string // actual config file used
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagJSON           bool   // value of --json flag
)

func init() {
	userConfigPath = filepath.Join(xdg.ConfigHome, "jobman")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in "+userConfigPath+" or jobman.yaml in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine readable output")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initJobman

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newKillCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newResetCmd())
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("jobman failed", "err", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:          "jobman",
	Short:        "Run commands in the background with retries, conditions and notifications",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a jobman",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("jobman: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("jobman: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initJobman(cmd *cobra.Command, _ []string) error {
	configPath = findConfig()

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, configName)
		if err := writeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Verbose))

	slog.Debug("jobman", "configPath", configPath)
	slog.Debug("jobman", "config", config)
	return nil
}

// findConfig returns the config file to use, the first of: JOBMAN_CONFIG,
// --config, the user config dir and ./jobman.yaml. An empty string means
// there is none.
func findConfig() string {
	if envConfig, ok := os.LookupEnv("JOBMAN_CONFIG"); ok && envConfig != "" {
		return envConfig
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	for _, path := range []string{filepath.Join(userConfigPath, configName), "jobman.yaml"} {
		if exists(path) {
			return path
		}
	}
	return ""
}

func writeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func openService(ctx context.Context, opts ...service.Option) (*service.Service, error) {
	return service.Open(ctx, config, opts...)
}

// usageError is returned for invalid combinations of flags and arguments.
type usageError struct {
	msg string
}

func (e usageError) Error() string {
	return e.msg
}

func exitCode(err error) int {
	var uerr usageError
	if errors.As(err, &uerr) {
		return 2
	}
	return 1
}
