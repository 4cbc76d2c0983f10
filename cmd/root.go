package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oxwell/streamchat/pkg/api"
	"github.com/oxwell/streamchat/pkg/config"
	"github.com/oxwell/streamchat/pkg/engine"
	"github.com/oxwell/streamchat/pkg/ledger"
	"github.com/oxwell/streamchat/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "streamchat",
	Short: "Streaming chat client",
	Long: `Headless client for a streaming chat backend: sends messages, streams
the assistant's reply incrementally to stdout and re-attaches to
generations that were running when the process last exited.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile, cfg.Logging.Preserve); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .streamchat/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().StringP("server", "s", "", "backend base URL")
	viper.BindPFlag("server.url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().String("token", "", "bearer token for the backend")
	viper.BindPFlag("server.token", rootCmd.PersistentFlags().Lookup("token"))
}

// newEngine wires the backend client, the restart ledger and the engine from
// the loaded config. The returned cleanup closes the ledger.
func newEngine() (*engine.Engine, func(), error) {
	cfg := config.Get()

	client := api.New(cfg.Server.URL, cfg.Server.Token, nil)

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pending-generation ledger: %w", err)
	}

	eng := engine.New(client, led)
	if cfg.Stream.RetryWindow > 0 {
		eng.SetRetryWindow(cfg.Stream.RetryWindow)
	}
	return eng, func() { led.Close() }, nil
}
