package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "eigentd",
	Short: "Task orchestration service for streamed multi-agent conversations",
	Long: `eigentd drives chat tasks against a step-event backend: it opens event
streams, applies steps to per-task state, queues messages while a task is busy
and replays recorded histories.

Running 'eigentd' without a subcommand is equivalent to 'eigentd serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadEnvironment(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file (sets APP_CONFIG_FILE)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file to load before reading the environment; missing files are ignored")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadEnvironment applies the dotenv file and the --config flag. Variables
// already set in the process environment win over the dotenv file.
func loadEnvironment(cmd *cobra.Command) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return err
	}
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if _, statErr := os.Stat(envFile); statErr == nil {
			if err := godotenv.Load(envFile); err != nil {
				return err
			}
		}
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if configPath = strings.TrimSpace(configPath); configPath != "" {
		return os.Setenv("APP_CONFIG_FILE", configPath)
	}
	return nil
}
