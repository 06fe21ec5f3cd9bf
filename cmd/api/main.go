package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"lecsa/api/internal/config"
)

const programName = "lecsa-api"

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Congregation records API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd, args)
		},
	}
	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
		sweepCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}
