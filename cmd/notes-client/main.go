package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "notes-client",
		Short:        "Offline notes replica",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newCreateCommand(),
		newEditCommand(),
		newDeleteCommand(),
		newListCommand(),
		newSyncCommand(),
		newWatchCommand(),
		newStatusCommand(),
		newRemoteCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Authority base URL")
	cmd.PersistentFlags().String("replica-path", defaults.GetString("replica.database_path"), "Replica SQLite database path")
	cmd.PersistentFlags().Int("interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between scheduled sync rounds")
	cmd.PersistentFlags().Int("health-timeout-ms", defaults.GetInt("sync.health_timeout_ms"), "Reachability check timeout in milliseconds")
	cmd.PersistentFlags().Uint("retry-attempts", defaults.GetUint("sync.retry_attempts"), "Attempts per round while the authority is unreachable")
	cmd.PersistentFlags().Int("request-timeout-seconds", defaults.GetInt("sync.request_timeout_seconds"), "Per request timeout in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "replica.database_path", "replica-path")
	bindFlag(cmd, "sync.interval_seconds", "interval-seconds")
	bindFlag(cmd, "sync.health_timeout_ms", "health-timeout-ms")
	bindFlag(cmd, "sync.retry_attempts", "retry-attempts")
	bindFlag(cmd, "sync.request_timeout_seconds", "request-timeout-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadEnvFiles(".env"); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
