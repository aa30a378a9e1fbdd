package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/compozy/mssql-mcp/engine/infra/server"
	"github.com/compozy/mssql-mcp/pkg/config"
	"github.com/compozy/mssql-mcp/pkg/logger"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long:  "Start the MCP server on stdio (default) or streamable HTTP",
		RunE:  handleServeCmd,
	}
	addServeFlags(cmd)
	cmd.PreRunE = applyDebugFlag
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	defaults := config.Default()

	// Transport flags
	cmd.Flags().String("transport", defaults.Server.Transport, "MCP transport (stdio, http)")
	cmd.Flags().String("host", defaults.Server.Host, "Host to bind the HTTP transport to")
	cmd.Flags().Int("port", defaults.Server.Port, "Port for the HTTP transport")
	cmd.Flags().Bool("metrics", defaults.Monitoring.Enabled, "Expose Prometheus metrics (http transport only)")

	// Configuration files
	cmd.Flags().String("config", "", "Path to a YAML configuration file")
	cmd.Flags().String("env-file", ".env", "Path to the environment variables file")

	// Logging configuration flags
	cmd.Flags().String("log-level", defaults.Runtime.LogLevel, "Log level (debug, info, warn, error, disabled)")
	cmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	cmd.Flags().Bool("log-source", false, "Include source file and line in logs")
	cmd.Flags().Bool("debug", false, "Enable debug mode (sets log level to debug)")
}

// applyDebugFlag lets --debug override the log level.
func applyDebugFlag(cmd *cobra.Command, _ []string) error {
	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return fmt.Errorf("failed to get debug flag: %w", err)
	}
	if debug {
		return cmd.Flags().Set("log-level", "debug")
	}
	return nil
}

func handleServeCmd(cmd *cobra.Command, _ []string) error {
	// Load environment variables from the specified file first
	if _, err := loadEnvFile(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.SetupLogger(cfg.Runtime.LogLevel, cfg.Runtime.LogJSON, cfg.Runtime.LogSource)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithConfig(ctx, cfg)

	log.Info("Starting MSSQL MCP server", "transport", cfg.Server.Transport)
	if cfg.Server.Transport == config.TransportStdio && isatty.IsTerminal(os.Stdin.Fd()) {
		log.Warn("Stdin is a terminal; the stdio transport expects an MCP client to write JSON-RPC messages")
	}
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// loadConfig layers the YAML file, MSSQL_MCP_* variables and explicitly set
// flags over the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	flags := make(map[string]any)
	extractCLIFlags(cmd, flags)
	sources := []config.Source{config.NewCLIProvider(flags)}
	if configFile != "" {
		sources = append(sources, config.NewYAMLProvider(configFile))
	}
	cfg, err := config.NewService().Load(cmd.Context(), sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
