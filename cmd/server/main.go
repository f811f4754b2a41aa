package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/zonechat/internal/chat"
	"github.com/Tyrowin/zonechat/internal/server"
)

type rootOptions struct {
	envFile   string
	logLevel  string
	logFormat string
}

type serveOptions struct {
	host string
	port int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "zonechat",
		Short: "Real-time zone chat hub over WebSocket",
		Long: `A WebSocket hub where clients authenticate with a user identity and
exchange chat messages broadcast to every authenticated participant.
Late joiners receive the last messages of every zone when they authenticate.

Configuration is read from the environment (and an optional .env file);
flags override it.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log output format (console or json)")

	serveCmd := newServeCmd(opts)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.RunE = serveCmd.RunE

	return rootCmd
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, opts, cmd)
			if err != nil {
				return err
			}

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, root.logFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "bind host; overrides HOST")
	cmd.Flags().IntVar(&opts.port, "port", 0, "bind port; overrides PORT")
	return cmd
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, &serveOptions{}, cmd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func run(ctx context.Context, cfg *server.Config, logger zerolog.Logger) error {
	hub := chat.NewHub(logger, chat.WithHistoryLimit(cfg.HistoryLimit))
	srv := server.New(cfg, hub, logger)

	logger.Info().
		Str("addr", cfg.Addr()).
		Bool("tls", cfg.TLSEnabled()).
		Msg("Starting WebSocket server")

	if err := srv.Run(ctx); err != nil {
		return errors.Wrap(err, "server")
	}
	logger.Info().Msg("Server stopped")
	return nil
}

func loadConfig(root *rootOptions, opts *serveOptions, cmd *cobra.Command) (*server.Config, error) {
	var envFiles []string
	if root.envFile != "" {
		envFiles = append(envFiles, root.envFile)
	}

	cfg, err := server.LoadConfig(envFiles...)
	if err != nil {
		return nil, err
	}

	if opts.host != "" {
		cfg.Host = opts.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = opts.port
	}
	if root.logLevel != "" {
		cfg.LogLevel = root.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "log level %q", level)
	}

	switch format {
	case "json":
	case "console":
		w = zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
			cw.Out = w
		})
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
