package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webbridge/webbridge/pkg/bus"
	"github.com/webbridge/webbridge/pkg/config"
	"github.com/webbridge/webbridge/pkg/dispatch"
	"github.com/webbridge/webbridge/pkg/httpsrv"
	"github.com/webbridge/webbridge/pkg/hub"
	"github.com/webbridge/webbridge/pkg/logger"
	"github.com/webbridge/webbridge/pkg/mcpsrv"
	"github.com/webbridge/webbridge/pkg/registry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long: `Start the bridge on the loopback interface.

The port is taken from --port, then CHROME_MCP_PORT, then the legacy
MCP_HTTP_PORT variable, falling back to 12306. After a successful bind both
environment variables are updated to the actual port.`,
		RunE: runServe,
	}

	cmd.Flags().Int("port", 0, "TCP port to bind (0 uses environment or default)")
	if err := viper.BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
		logger.Errorf("Error binding port flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	reg := registry.New(
		registry.WithIdleTimeout(cfg.InstanceIdleTimeout),
		registry.WithEvictInterval(cfg.InstanceEvictInterval),
	)
	pending := bus.NewPendingTable(cfg.PendingSweepInterval)
	wsHub := hub.New(reg, pending, Version)

	busClient := bus.NewClient(pending, func(instanceID string) bus.Conn {
		if c := reg.GetConnection(instanceID); c != nil {
			return c
		}
		return nil
	})

	sessions := mcpsrv.NewSessionManager(cfg.SessionTTL)
	dispatcher := dispatch.New(busClient, sessions.Instance)
	mcpServer := mcpsrv.New(
		mcpsrv.Config{
			Name:    "webbridge",
			Version: Version,
			BaseURL: fmt.Sprintf("http://%s", cfg.Addr()),
		},
		sessions,
		busClient,
		reg.Has,
		dispatcher.Handle,
	)
	// Re-sync session flow tools off the request path after publish/import
	// changes the catalogue.
	dispatcher.SetFlowInvalidation(func(sessionID, instanceID string) {
		go mcpServer.RefreshFlowTools(sessionID, instanceID)
	})

	srv := httpsrv.New(cfg, wsHub, mcpServer)

	logger.Infow("starting webbridge", "version", Version, "port", cfg.Port)
	runErr := srv.Run(cmd.Context())

	// Shutdown ordering: HTTP accept and websockets are already down when
	// Run returns; release every in-flight waiter, then stop the loops.
	pending.FailAll(bus.ErrShuttingDown)
	pending.Stop()
	reg.Stop()
	mcpServer.Stop()

	if runErr != nil {
		return fmt.Errorf("server exited: %w", runErr)
	}
	logger.Info("webbridge stopped")
	return nil
}
