// roj1net: CLI entry point.
//
// A relay hands out overlay addresses and brokers WebRTC signaling; nodes
// join a relay, negotiate direct sockets with each other and tunnel TCP
// over them.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--role, --listen, --url, --connect, --forward, --target, ...).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/roj1net/internal/app"
	"github.com/1ureka/roj1net/internal/config"
	"github.com/1ureka/roj1net/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flags := pflag.NewFlagSet("roj1net", pflag.ContinueOnError)
	role := flags.String("role", "", "Role: relay or node")
	listen := flags.String("listen", "", "Relay listen address, e.g. 127.0.0.1:8080 (relay only)")
	subnet := flags.String("subnet", "", "Overlay subnet handed out by the relay (relay only)")
	metrics := flags.Bool("metrics", false, "Serve /metrics next to the relay endpoint (relay only)")
	wsURL := flags.String("url", "", "Relay WebSocket URL (node only)")
	connect := flags.String("connect", "", "Overlay address of the peer to connect to (node only)")
	channel := flags.String("channel", "", "Stream channel of the tunnel (node only)")
	forward := flags.String("forward", "", "Local address tunnelled to --connect, e.g. 127.0.0.1:3000 (node only)")
	target := flags.String("target", "", "TCP address served to incoming streams (node only)")
	localHost := flags.Bool("localhost", false, "Enable the 127.0.0.1 loopback interface (node only)")
	cfgPath := flags.String("config", "", "YAML config file")
	debugMode := flags.Bool("debug", false, "Enable debug logging")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("roj1net v%s", version))
	pterm.Println()

	opts := app.NodeOptions{
		Connect:   *connect,
		Forward:   *forward,
		Target:    *target,
		Channel:   *channel,
		LocalHost: *localHost,
	}

	if flags.NFlag() == 0 {
		// No flags → interactive mode.
		runInteractive(ctx, cfg, opts)
		return
	}

	if flags.Changed("role") {
		cfg.Role = config.Role(*role)
	}
	if flags.Changed("listen") {
		cfg.Server.Listen = *listen
	}
	if flags.Changed("subnet") {
		cfg.Server.Subnet = *subnet
	}
	if flags.Changed("metrics") {
		cfg.Server.Metrics = *metrics
	}
	if flags.Changed("url") {
		u, err := normalizeWSURL(*wsURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.Network.URL = u
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	run(ctx, cfg, opts)
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config, opts app.NodeOptions) {
	var err error
	switch cfg.Role {
	case config.RoleRelay:
		err = app.RunRelay(ctx, cfg)
	default:
		err = app.RunNode(ctx, cfg, opts)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully closed overlay connection")
}

// runInteractive asks for the role and the relay URL when no flags are
// given.
func runInteractive(ctx context.Context, cfg *config.Config, opts app.NodeOptions) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Relay - Hand out addresses and broker signaling", "Node  - Join a relay"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Relay") {
		cfg.Role = config.RoleRelay
	} else {
		cfg.Role = config.RoleNode
		cfg.Network.URL = askURL()
	}
	run(ctx, cfg, opts)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL. A bare host gets the ws scheme and
// the root path.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid WebSocket URL scheme: %s", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Relay URL (e.g. ws://127.0.0.1:8080/)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
