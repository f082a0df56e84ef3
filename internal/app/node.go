package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/roj1net/internal/config"
	"github.com/1ureka/roj1net/internal/ipalloc"
	"github.com/1ureka/roj1net/internal/overlay"
	"github.com/1ureka/roj1net/internal/tunnel"
	"github.com/1ureka/roj1net/internal/util"
)

// NodeOptions selects what a node does once it joined the overlay.
type NodeOptions struct {
	// Connect is the overlay address to negotiate a socket with.
	Connect string
	// Forward is a local TCP address whose connections are tunnelled to
	// Connect. Requires Connect.
	Forward string
	// Target is a TCP address that streams from any peer are served to.
	Target string
	// Channel is the stream channel of the tunnel.
	Channel string
	// LocalHost enables the local host interface at 127.0.0.1.
	LocalHost bool
}

// RunNode joins the overlay through the relay at cfg.Network.URL and runs
// until ctx is cancelled:
//  1. Add the relay interface and wait for an address
//  2. Serve Target to incoming streams
//  3. Connect to a peer and forward a local port to it
func RunNode(ctx context.Context, cfg *config.Config, opts NodeOptions) error {
	if cfg.Network.URL == "" {
		return errors.New("missing relay url")
	}
	if opts.Forward != "" && opts.Connect == "" {
		return errors.New("forwarding requires a peer address to connect to")
	}
	if opts.Channel == "" {
		opts.Channel = tunnel.DefaultChannel
	}

	n := overlay.New(nil, overlay.OptionsFromConfig(cfg))
	defer n.ResetStore()

	if opts.LocalHost {
		if _, err := n.EnableLocalHostInterface(); err != nil {
			return err
		}
	}

	id, err := n.AddWebSocketNetworkInterface(cfg.Network.URL)
	if err != nil {
		return err
	}
	util.LogInfo("connecting to relay %s", cfg.Network.URL)
	iface, err := n.NetworkInterfaceConnected(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to join relay: %w", err)
	}
	pterm.DefaultBox.WithTitle("Overlay Node").Println(
		fmt.Sprintf("Relay  : %s\nAddress: %s", cfg.Network.URL, iface.IP))

	util.StartStatsReporter(ctx, cfg.Stats.Interval)
	go logSockets(ctx, n)

	if opts.Target != "" {
		go tunnel.Serve(ctx, n.ListenOnSocket(ctx, ipalloc.Wildcard, opts.Channel), opts.Target)
		util.LogInfo("serving %s on channel %s", opts.Target, opts.Channel)
	}

	if opts.Connect != "" {
		ok, err := n.Connect(ctx, iface.IP, opts.Connect)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", opts.Connect, err)
		}
		if !ok {
			util.LogWarning("negotiation with %s did not complete", opts.Connect)
		}
		if opts.Forward != "" {
			go func() {
				if err := tunnel.ListenAndServe(ctx, opts.Forward, n, opts.Connect, opts.Channel); err != nil {
					util.LogError("%v", err)
				}
			}()
		}
	}

	<-ctx.Done()
	util.LogInfo("leaving overlay")
	return nil
}

func logSockets(ctx context.Context, n *overlay.Network) {
	for sock := range n.SocketOfIPConnected(ctx, "") {
		util.LogSuccess("socket to %s connected via %s", sock.IP, sock.LocalIP)
	}
}
