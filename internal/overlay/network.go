// Package overlay is the node side of the network: uplink interfaces to
// relay servers, the WebRTC sockets negotiated through them and the
// streams opened over those sockets.
//
// All state lives in a store.Store. Every live view and background loop
// started here is bound to the store epoch, so ResetStore ends them.
package overlay

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/roj1net/internal/config"
	"github.com/1ureka/roj1net/internal/store"
	"github.com/1ureka/roj1net/internal/transport"
	"github.com/1ureka/roj1net/internal/util"
)

var (
	ErrInvalidInterface = errors.New("invalid interface")
	ErrInvalidSocket    = errors.New("invalid socket")
	ErrMissingIP        = errors.New("local and remote ip must be provided")
)

// Options configures a Network.
type Options struct {
	// Channel is the plex channel the signaling rpc runs on.
	Channel          string
	RPCTimeout       time.Duration
	HandshakeTimeout time.Duration
	// Token is sent as this side's handshake payload.
	Token string

	RTC       transport.Options
	ICESize   int
	ICEWindow time.Duration

	PortStart int
	PortEnd   int
}

// OptionsFromConfig maps the relevant config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Channel:          cfg.Network.Channel,
		RPCTimeout:       cfg.Network.RPCTimeout,
		HandshakeTimeout: cfg.Network.HandshakeTimeout,
		RTC:              transport.OptionsFromConfig(cfg.RTC),
		ICESize:          cfg.RTC.ICEBufferSize,
		ICEWindow:        cfg.RTC.ICEBufferTime,
		PortStart:        cfg.Ports.Start,
		PortEnd:          cfg.Ports.End,
	}
}

func (o Options) withDefaults() Options {
	d := config.Default()
	if o.Channel == "" {
		o.Channel = d.Network.Channel
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.Network.HandshakeTimeout
	}
	if o.ICESize <= 0 {
		o.ICESize = d.RTC.ICEBufferSize
	}
	if o.ICEWindow <= 0 {
		o.ICEWindow = d.RTC.ICEBufferTime
	}
	if o.PortStart <= 0 || o.PortEnd <= 0 {
		o.PortStart, o.PortEnd = d.Ports.Start, d.Ports.End
	}
	return o
}

// Network is one overlay node.
type Network struct {
	store *store.Store
	opts  Options
	log   *util.Logger
}

// New creates a Network over st. A nil st gets a fresh store.
func New(st *store.Store, opts Options) *Network {
	if st == nil {
		st = store.New()
	}
	return &Network{
		store: st,
		opts:  opts.withDefaults(),
		log:   util.NewLogger("network"),
	}
}

// Store returns the entity store of the node.
func (n *Network) Store() *store.Store { return n.store }

// ResetStore closes every interface, socket and connection of the node and
// ends all live views.
func (n *Network) ResetStore() error {
	n.log.Debugf("resetting store")
	return n.store.Reset(nil)
}

// bind derives a context that ends with ctx or the current store epoch.
func (n *Network) bind(ctx context.Context) context.Context {
	ctx, cancel := n.store.Bind(ctx)
	context.AfterFunc(ctx, cancel)
	return ctx
}
