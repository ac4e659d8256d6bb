package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/brokerportal/sessionguard/config"
	"github.com/brokerportal/sessionguard/securelog"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile   string
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "sessionguard",
	Short: "SessionGuard protects authenticated client sessions",
	Long: `Session security toolkit: master-key management, encrypted session
persistence, signed API requests and behavioral anomaly monitoring.
Includes a reference security platform for local development.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		l, closer, err := newLogger(c)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		cfg, logger, logCloser = c, l, closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func newLogger(c *config.Config) (*slog.Logger, io.Closer, error) {
	return securelog.New(securelog.Options{
		Environment:   string(c.App.Environment),
		Level:         securelog.ParseLevel(c.Log.Level),
		Service:       c.App.Name,
		FilePath:      c.Log.FilePath,
		RotationTime:  time.Duration(c.Log.RotationTimeHours) * time.Hour,
		MaxAge:        time.Duration(c.Log.MaxAgeDays) * 24 * time.Hour,
		RatePerSecond: float64(c.Log.RatePerSecond),
		Burst:         c.Log.Burst,
		MaxDepth:      c.Log.MaxDepth,
		IngestURL:     c.Platform.IngestURL,
	})
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("app-environment", "", "development or production")
}
