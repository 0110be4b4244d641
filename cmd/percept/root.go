package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metalagman/percept/internal/logging"
)

var defaultConfigPath = filepath.Join(".percept", "config.json")

var (
	cfgFile string
	debug   bool
	rootCmd = &cobra.Command{
		Use:           "percept",
		Short:         "percept runs perception pipelines over free text",
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		return fmt.Errorf("bind config flag: %w", err)
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Init(debug)
	}
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(promptsCmd())
	rootCmd.AddCommand(pipelinesCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(configCmd())
	return rootCmd.Execute()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}
