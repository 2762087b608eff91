package cmd

import (
	"fmt"
	"nnas/common"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "nnastool",
		Short: "Inspect and mint the certificates, tokens and keys used by the NNAS and NASC servers",
	}

	configPath = rootCmd.PersistentFlags().String("config", "config.xml", "path to the server configuration")
)

// Execute the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() common.Config {
	config, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config: %v\n", err)
		os.Exit(2)
	}
	return config
}
