package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	droidnet "github.com/animegasan/luci-app-droidnet"
	"github.com/animegasan/luci-app-droidnet/internal/config"
	"github.com/animegasan/luci-app-droidnet/internal/env"
)

const envLogLevel = "DROIDNET_LOG_LEVEL"

var rootCmd = &cobra.Command{
	Use:           "droidnet",
	Short:         "Manage an Android device used as a modem over adb",
	Long:          "droidnet reads the state of a tethered Android device (network, SIM, storage, packages) and runs data, airplane, power and package actions with an audit trail.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel(rootLogLevel)
	},
}

var (
	rootConfig   string
	rootDevice   string
	rootLogLevel string
	rootJSON     bool
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	_ = env.Ensure()

	rootCmd.PersistentFlags().StringVar(&rootConfig, "config", "", "Config file overriding $DROIDNET_CONFIG")
	rootCmd.PersistentFlags().StringVarP(&rootDevice, "device", "s", "", "Device serial overriding $DROIDNET_DEVICE")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", env.String(envLogLevel, "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&rootJSON, "json", false, "Print JSON instead of text")
	rootCmd.AddCommand(
		newStatusCmd(),
		newDevicesCmd(),
		newDataCmd(),
		newAirplaneCmd(),
		newRebootCmd(),
		newShutdownCmd(),
		newPackagesCmd(),
		newLogCmd(),
		newHistoryCmd(),
		newServeCmd(),
	)
}

func setLogLevel(raw string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return err
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

// openClient loads the configuration, applies the --device override and
// builds the client. Callers close it.
func openClient() (*droidnet.Client, error) {
	if path := env.LoadedPath(); path != "" {
		log.Debug().Str("path", path).Msg("loaded .env")
	}
	cfg, err := config.Load(rootConfig)
	if err != nil {
		return nil, err
	}
	if dev := strings.TrimSpace(rootDevice); dev != "" {
		cfg.Device = dev
	}
	return droidnet.New(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("droidnet command failed")
	}
}
