package main

import (
	"github.com/spf13/cobra"
	"pkt.systems/amgmcp"
	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/pslog"
)

func newStdioCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve the MCP tool catalog over stdio instead of HTTP",
		Long: `Serve the same tool catalog as the HTTP proxy over the MCP stdio
transport, for clients that exec their MCP servers directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logger := withConfiguredLevel(baseLogger)
			if configFile != "" {
				logfields.WithSubsystem(logger, "cli.stdio").Info("loaded config file", "path", configFile)
			}

			var cfg amgmcp.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			server, err := amgmcp.NewStdioServer(amgmcp.NewServerRequest{
				Config: cfg,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			return server.Run(cmd.Context())
		},
	}
	return cmd
}
