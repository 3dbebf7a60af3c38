package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/homefleet/teslasync/internal/cmdq"
	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/internal/poller"
	"github.com/homefleet/teslasync/pkg/cli"
	"github.com/homefleet/teslasync/pkg/fleet"
)

var (
	cfgFile   string
	debug     bool
	tokenName string
	tokenFile string
	config    *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "teslasync",
	Short: "Synchronize and control a vehicle fleet",
	Long: `teslasync keeps a local mirror of a vehicle fleet's state and relays
commands to it, scheduling API traffic to respect rate limits and let
parked vehicles fall asleep.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			log.SetLevel(log.LevelDebug)
		}
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./teslasync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable verbose debugging messages")
	rootCmd.PersistentFlags().StringVar(&tokenName, "token-name", "", "system keyring name for OAuth credentials (default $TESLA_TOKEN_NAME)")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "file containing OAuth credentials (default $TESLA_TOKEN_FILE)")
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("teslasync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.teslasync")
	}
	viper.SetEnvPrefix("teslasync")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read configuration: %w", err)
		}
		// No config file is fine; everything has defaults.
	}

	var err error
	config, err = cli.NewConfig(cli.FlagOAuth)
	if err != nil {
		return err
	}
	config.KeyringTokenName = tokenName
	config.TokenFilename = tokenFile
	if backend := viper.GetString("keyring.type"); backend != "" {
		if err := config.BackendType.Set(backend); err != nil {
			return err
		}
	}
	if dir := viper.GetString("keyring.file_dir"); dir != "" {
		config.Backend.FileDir = dir
	}
	config.ReadFromEnvironment()
	return nil
}

// fleetConfig assembles the library configuration from the loaded file and
// environment. Unset values fall through to the library defaults.
func fleetConfig() fleet.Config {
	return fleet.Config{
		Host:      viper.GetString("host"),
		AuthHost:  viper.GetString("auth_host"),
		StreamURL: viper.GetString("stream_url"),
		UserAgent: viper.GetString("user_agent"),
		Poll: poller.Config{
			BaseInterval:    viper.GetDuration("poll.base_interval"),
			MinInterval:     viper.GetDuration("poll.min_interval"),
			SleepGrace:      viper.GetDuration("poll.sleep_grace"),
			FetchTimeout:    viper.GetDuration("poll.fetch_timeout"),
			WakeTimeout:     viper.GetDuration("poll.wake_timeout"),
			BudgetPerWindow: viper.GetInt("poll.budget_per_window"),
			BudgetWindow:    viper.GetDuration("poll.budget_window"),
			BackoffInitial:  viper.GetDuration("poll.backoff_initial"),
			BackoffCeiling:  viper.GetDuration("poll.backoff_ceiling"),
			TickInterval:    viper.GetDuration("poll.tick_interval"),
		},
		Command: cmdq.Config{
			MaxRetries:   viper.GetUint64("command.max_retries"),
			RetryInitial: viper.GetDuration("command.retry_initial"),
			RetryCeiling: viper.GetDuration("command.retry_ceiling"),
		},
	}
}
