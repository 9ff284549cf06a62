package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lobsterd/lobsterd/internal/api"
	"github.com/lobsterd/lobsterd/internal/lifecycle"
	"github.com/lobsterd/lobsterd/internal/metrics"
)

var (
	buoyPort int
	buoyHost string
)

var buoyCmd = &cobra.Command{
	Use:   "buoy",
	Short: "Run the bearer-authenticated HTTP API server",
	Long: `buoy keeps the API reachable even while the host's tenants are
suspended; it generates an API token on first run if none is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadShared()
		if err != nil {
			return err
		}

		host := s.host
		if host.API.APIToken == "" {
			token, err := lifecycle.RandomToken(32)
			if err != nil {
				return fmt.Errorf("generating API token: %w", err)
			}
			host.API.APIToken = token
			if err := store.SaveConfig(host); err != nil {
				return fmt.Errorf("persisting generated API token: %w", err)
			}
			logger.Info("buoy: generated a new API token on first run")
		}
		if cmd.Flags().Changed("port") {
			host.API.Port = buoyPort
		}
		if cmd.Flags().Changed("host") {
			host.API.Host = buoyHost
		}

		m := metrics.New("local")
		unsubscribe := m.WatchLoop(s.emitter)
		defer unsubscribe()

		srv := api.NewServer(logger, store, s.manager, m)
		addr := fmt.Sprintf("%s:%d", host.API.Host, host.API.Port)
		if err := srv.Start(addr); err != nil {
			return err
		}

		waitForSignal()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	},
}

func init() {
	buoyCmd.Flags().IntVar(&buoyPort, "port", 0, "override the configured API port")
	buoyCmd.Flags().StringVar(&buoyHost, "host", "", "override the configured API bind address")
}
