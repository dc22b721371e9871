package main

import (
	"errors"
	"os"

	"github.com/Rarsus/verabot2.0-sub006/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "verabot",
		Short:         "VeraBot guild storage service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newForgetGuildCommand(),
		newAdminTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("data-root", defaults.GetString("data.root"), "Directory holding the guild databases")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Duration("query-timeout", defaults.GetDuration("database.query_timeout"), "Per-query timeout (0 disables)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Admin API listen address")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().String("reminder-schedule", defaults.GetString("reminders.schedule"), "Cron schedule of the reminder sweep")

	bindFlag(cmd, "data.root", "data-root")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "database.query_timeout", "query-timeout")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "reminders.schedule", "reminder-schedule")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
