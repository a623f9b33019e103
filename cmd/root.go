// Package cmd wires the §6 external configuration surface into the
// cobra command tree: a root command carrying every cfg flag, a host
// subcommand that serves a shared directory, and a mount subcommand that
// attaches a served directory at a local mount point.
//
// Grounded on the teacher's cmd/root.go: the same cfgFile/bindErr package
// globals, the same cobra.OnInitialize(initConfig) + cfg.BindFlags(
// rootCmd.PersistentFlags()) wiring in init(), generalized from one
// mount-only command into a root command with host/mount children.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/byronwade/wormhole/cfg"
	"github.com/byronwade/wormhole/internal/logger"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// RunConfig is the fully resolved configuration: flags and an optional
	// config file merged by viper, in that precedence order.
	RunConfig cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "wormhole",
	Short: "Mount a peer's shared directory over an encrypted wire protocol",
	Long: `Wormhole is a peer-to-peer networked filesystem: a host process
shares a local directory, and a client mounts that share through a FUSE
(or WinFsp, on Windows) client, backed by a two-tier chunk cache and an
encrypted QUIC transport.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&RunConfig); err != nil {
			return err
		}
		return logger.Init(defaultLoggerConfig())
	},
}

// defaultLoggerConfig builds the logger.Config to initialize with. §6 has
// no dedicated logging section of its own; severity/format default to a
// sensible operator-facing baseline and are overridable only via the
// WORMHOLE_LOG_SEVERITY/WORMHOLE_LOG_FORMAT environment variables, since
// adding first-class flags for them would grow the §6 surface the spec
// fixes.
func defaultLoggerConfig() logger.Config {
	severity := os.Getenv("WORMHOLE_LOG_SEVERITY")
	if severity == "" {
		severity = "info"
	}
	format := os.Getenv("WORMHOLE_LOG_FORMAT")
	if format == "" {
		format = "text"
	}
	return logger.Config{Severity: severity, Format: format, Rotate: logger.DefaultLogRotateConfig()}
}

// Execute runs the root command, exiting the process with status 1 on
// error the way the teacher's own Execute does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(hostCmd, mountCmd)
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&RunConfig)
		return
	}

	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&RunConfig)
}
