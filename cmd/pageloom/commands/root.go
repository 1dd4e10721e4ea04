// Package commands implements the pageloom CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pageloom",
	Short: "Configuration-driven web crawler and structured-data extractor",
	Long: `pageloom crawls one or more seed URLs, extracts structured fields
described by a JSON configuration document, and writes the results to a
sink (CSV today, txt/database reserved for later).

Examples:
  # Run a crawl from a configuration file
  pageloom run --config crawl.json

  # Override the config path via environment
  PAGELOOM_CONFIG=crawl.json pageloom run`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "path to the crawl configuration document (default ./pageloom.json)")
	rootCmd.PersistentFlags().Bool("debug", false, "accepted but has no effect: logging output is the same with or without it")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	viper.SetEnvPrefix("PAGELOOM")
	viper.AutomaticEnv()
	viper.SetDefault("config", "pageloom.json")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pageloom: "+format+"\n", args...)
}
