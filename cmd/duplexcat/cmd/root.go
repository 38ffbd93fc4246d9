package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TheusHen/duplex/cmd/duplexcat/config"
)

var (
	// Global flags
	cfgFile    string
	engineName string
	transport  string
	serverName string
	logLevel   string

	// Shared state set during PersistentPreRun
	cfg *config.Config
	log *logrus.Entry
)

// rootCmd is the base command for duplexcat.
var rootCmd = &cobra.Command{
	Use:   "duplexcat",
	Short: "Pipe stdin and stdout through a secure duplex channel",
	Long: `duplexcat connects two hosts with a duplex channel and copies standard
input to the peer and the peer's data to standard output. The session is
protected by TLS 1.3 or the Noise XX handshake and carried over TCP or a
QUIC stream.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		boot, err := newLogger("info")
		if err != nil {
			return err
		}
		cfg, err = config.Load(path, boot)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if engineName != "" {
			cfg.Engine = engineName
		}
		if transport != "" {
			cfg.Transport = transport
		}
		if serverName != "" {
			cfg.ServerName = serverName
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log, err = newLogger(cfg.LogLevel)
		return err
	},
}

// newLogger logs to stderr; stdout carries session data.
func newLogger(level string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(l).WithField("component", "duplexcat"), nil
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.duplex/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&engineName, "engine", "e", "", "session engine: tls, noise (default \"tls\")")
	rootCmd.PersistentFlags().StringVarP(&transport, "transport", "t", "", "transport: tcp, quic (default \"tcp\")")
	rootCmd.PersistentFlags().StringVar(&serverName, "server-name", "", "name the client expects the server to prove")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}
