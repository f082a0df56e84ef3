package transport

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/config"
)

// Options configures one RTC connection.
type Options struct {
	// STUN servers for ICE candidate gathering. No TURN: sockets are meant
	// to be direct P2P links.
	STUNServers []string
	// IncludeLoopback gathers 127.0.0.1 host candidates, which lets two
	// peers on the same machine connect without any routable address.
	IncludeLoopback bool

	// PollInterval and DescribeTimeout drive WaitLocalDescription and
	// WaitRemoteDescription.
	PollInterval    time.Duration
	DescribeTimeout time.Duration

	Clock clock.Clock
}

// OptionsFromConfig maps the rtc config section onto Options.
func OptionsFromConfig(cfg config.RTCConfig) Options {
	return Options{
		STUNServers:     cfg.STUNServers,
		IncludeLoopback: cfg.IncludeLoopback,
		PollInterval:    cfg.PollInterval,
		DescribeTimeout: cfg.DescribeTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.DescribeTimeout <= 0 {
		o.DescribeTimeout = 60 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// newPeerConnection creates a PeerConnection configured with the given STUN servers.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(opts.STUNServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.STUNServers}}
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(cfg)
}

// DataChannelLabel is the label of the single pre-negotiated channel.
const DataChannelLabel = "wire"

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Using negotiated mode (ID 0) allows both sides to create
// the channel independently without relying on OnDataChannel. The channel
// must be ordered and reliable since a stream multiplexer runs on top.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
