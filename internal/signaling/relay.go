package signaling

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/singleflight"

	"github.com/1ureka/roj1net/internal/rpc"
	"github.com/1ureka/roj1net/internal/util"
)

var log = util.NewLogger("relay")

// Directory resolves relay members by id.
type Directory interface {
	Lookup(id string) (Member, bool)
	IDs() []string
}

// Relay is the signaling surface a server exposes to every verified
// member. Concurrent connect calls for the same pair of members collapse
// into one exchange.
type Relay struct {
	dir  Directory
	opts Options

	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewRelay(dir Directory, opts Options) *Relay {
	return &Relay{
		dir:      dir,
		opts:     opts.withDefaults(),
		inFlight: make(map[string]struct{}),
	}
}

// Handlers returns the RPC surface for the member self.
func (r *Relay) Handlers(self string) map[string]rpc.Handler {
	return map[string]rpc.Handler{
		MethodGetID: func(context.Context, rpc.Params) (any, error) {
			return self, nil
		},
		MethodConnect: func(ctx context.Context, p rpc.Params) (any, error) {
			remote, err := p.StringAt(0)
			if err != nil {
				return nil, err
			}
			return r.Connect(ctx, self, remote), nil
		},
		MethodRelayIce: func(ctx context.Context, p rpc.Params) (any, error) {
			to, err := p.StringAt(0)
			if err != nil {
				return nil, err
			}
			var candidate webrtc.ICECandidateInit
			if err := p.Bind(1, &candidate); err != nil {
				return nil, err
			}
			return r.RelayIce(self, to, candidate), nil
		},
		MethodPeerCount: func(context.Context, rpc.Params) (any, error) {
			return len(r.dir.IDs()), nil
		},
		MethodGetPeers: func(context.Context, rpc.Params) (any, error) {
			return r.dir.IDs(), nil
		},
	}
}

// Connect negotiates a direct connection between self and remote and
// reports whether the exchange completed. A call that finds the pair
// already negotiating waits for that exchange instead of starting one.
func (r *Relay) Connect(ctx context.Context, self, remote string) bool {
	if self == remote {
		return false
	}
	impoliteID, politeID := util.Order(self, remote)
	impolite, ok := r.dir.Lookup(impoliteID)
	if !ok {
		log.Debugf("connect %s -> %s: %s unknown", self, remote, impoliteID)
		return false
	}
	polite, ok := r.dir.Lookup(politeID)
	if !ok {
		log.Debugf("connect %s -> %s: %s unknown", self, remote, politeID)
		return false
	}
	if impolite.RPC == polite.RPC {
		return false
	}

	key := util.PairKey(impoliteID, politeID)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.negotiate(key, impolite, polite), nil
	})

	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}

func (r *Relay) negotiate(key string, impolite, polite Member) bool {
	r.mu.Lock()
	r.inFlight[key] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, key)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-impolite.Done:
		case <-polite.Done:
		case <-ctx.Done():
			return
		}
		// a member left: a later connect must start over
		r.group.Forget(key)
		cancel()
	}()

	if err := Exchange(ctx, impolite, polite, r.opts); err != nil {
		util.Stats.AddFailure()
		log.Warnf("failed webrtc exchange %s <-> %s: %v", impolite.ID, polite.ID, err)
		return false
	}
	util.Stats.AddNegotiation()
	log.Debugf("exchange %s <-> %s complete", impolite.ID, polite.ID)
	return true
}

// InFlight returns the number of pairs currently negotiating.
func (r *Relay) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}

// RelayIce forwards candidate from self to the member to.
func (r *Relay) RelayIce(self, to string, candidate webrtc.ICECandidateInit) bool {
	target, ok := r.dir.Lookup(to)
	if !ok {
		return false
	}
	if err := target.RPC.Notify(MethodReceiveIce, self, candidate); err != nil {
		log.Debugf("relayIce %s -> %s: %v", self, to, err)
		return false
	}
	util.Stats.AddIceRelayed()
	return true
}
