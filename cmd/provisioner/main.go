package main

import (
	"fmt"
	"os"

	"github.com/cuemby/provisioner/pkg/config"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// settings is loaded before any subcommand runs
var settings *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Provisioner - template-driven managed record provisioning",
	Long: `Provisioner generates managed records from role templates for every
active template assignment, and keeps them reconciled as templates and
assignments change.

Setup data and assignments are loaded with apply; serve runs the job
workers, the periodic reconciler and the metrics endpoint.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Log.Level = level
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
		}
		log.Init(cfg.LoggerConfig())
		settings = cfg
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Provisioner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default $"+config.PathEnvVar+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(configCmd)
}
