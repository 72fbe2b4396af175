// Package cmd provides the rampctl command line interface.
package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/he3lab/rampctl/config"
)

var (
	configPath  string
	useSim      bool
	openBrowser bool
)

var rootCmd = &cobra.Command{
	Use:   "rampctl",
	Short: "Operate the magnet power supply and the thermometry lock-in.",
	Long: `rampctl drives the two instruments of the cryostat rig: the magnet power
supply, ramped under operator control, and the lock-in amplifier sampling
the thermometer. The console subcommand runs the interactive session; the
monitor subcommands sample one instrument standalone.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "rig description yaml file")
	rootCmd.PersistentFlags().BoolVar(&useSim, "sim", false, "use simulated instruments regardless of config")
	rootCmd.PersistentFlags().BoolVar(&openBrowser, "open", false, "open the web monitor in a browser")
}

// loadConfig assembles the effective rig description from defaults, the
// optional config file, the environment, and the override flags.
func loadConfig() config.Config {
	cfg := config.Default()
	path := configPath
	if path == "" {
		path = os.Getenv("RAMPCTL_CONFIG")
	}
	if path != "" {
		if err := cfg.Load(path); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if token := os.Getenv("RAMPCTL_MATTERMOST_TOKEN"); token != "" {
		cfg.Mattermost.AccessToken = token
	}
	if useSim {
		cfg.PowerSupply.Resource = "sim:power-supply"
		cfg.LockIn.Resource = "sim:lock-in"
	}
	return cfg
}
