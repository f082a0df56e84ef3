// Package app contains the top-level orchestration for the relay and node
// roles.
package app

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/roj1net/internal/config"
	"github.com/1ureka/roj1net/internal/server"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/util"
)

// RunRelay runs the relay server until ctx is cancelled:
//  1. Create the server over a fresh store
//  2. Start the WebSocket front (and /metrics when enabled)
//  3. Report stats until shutdown
func RunRelay(ctx context.Context, cfg *config.Config) error {
	srv, err := server.New(store.New(), server.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	defer srv.Close()

	ws := server.NewWebSocketServer(srv, cfg.Server.Metrics)
	defer ws.Close()
	addr, err := ws.Start(cfg.Server.Listen)
	if err != nil {
		return err
	}

	lines := fmt.Sprintf("URL    : %s\nSubnet : %s", ws.URL(), cfg.Server.Subnet)
	if cfg.Server.Metrics {
		lines += fmt.Sprintf("\nMetrics: http://%s/metrics", addr)
	}
	pterm.DefaultBox.WithTitle("Relay Server").Println(lines)

	util.StartStatsReporter(ctx, cfg.Stats.Interval)

	select {
	case <-ctx.Done():
	case <-ws.Done():
		return fmt.Errorf("relay server stopped")
	}
	util.LogInfo("relay server shutting down")
	return nil
}
