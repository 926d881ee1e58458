package main

import (
	"context"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/burrowhq/burrow/stats"
	"github.com/burrowhq/burrow/tunnel"
)

var serverCommand = &cobra.Command{
	Use:   "server",
	Short: "burrow server runs the tunnel supervisor and the HTTP control plane.",
	RunE:  runServer,
}

// runServer boots the tunnel manager and the API server
func runServer(cmd *cobra.Command, args []string) error {
	return startApplication(
		// Run telemetry systems
		runTelemetry,

		// Start the tunnel manager and register its healthcheck.
		runManager,

		// Register control plane HTTP routes.
		registerAPIRoutes,
	)
}

// runManager subscribes the manager's event log and registers the store healthcheck
func runManager(
	lc fx.Lifecycle,
	manager *tunnel.Manager,
	healthchecks *healthcheckManager,
	logger *logrus.Logger,
	st stats.Stats,
) error {
	events, cancel := manager.Subscribe()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			st.SimpleEvent("server started")
			healthchecks.AddCheck("store", manager.Check)

			// Mirror lifecycle events into the server log.
			go func() {
				for event := range events {
					entry := logger.WithField("event", event.Type)
					if event.Tunnel != nil {
						entry = entry.WithField("tunnel_id", event.Tunnel.Config.ID)
					}
					if event.Error != "" {
						entry = entry.WithField("error", event.Error)
					}
					entry.Debug("tunnel event")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})

	return nil
}

// registerAPIRoutes attaches the API routes to the router
func registerAPIRoutes(config *viper.Viper, router *mux.Router, api tunnel.API) error {
	if !config.GetBool(ConfigApiEnabled) {
		return nil
	}
	api.ConfigureWebRoutes(router.PathPrefix("/api").Subrouter())
	return nil
}
