package plex

import (
	"net"
	"sync"
)

// InboxBufferSize is the per-channel backlog of accepted streams.
const InboxBufferSize = 64

// dispatcher maintains the channel-name → inbox route table. The accept
// loop uses it to hand inbound streams to whoever waits in Accept.
type dispatcher struct {
	mu         sync.Mutex
	routeTable map[string]chan net.Conn
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		routeTable: make(map[string]chan net.Conn),
	}
}

// getOrCreate returns the inbox for a channel, creating it on first use.
// Streams may arrive before anyone accepts on the channel, so both sides
// create lazily.
func (d *dispatcher) getOrCreate(channel string) chan net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.routeTable[channel]
	if !ok {
		ch = make(chan net.Conn, InboxBufferSize)
		d.routeTable[channel] = ch
	}
	return ch
}

// route delivers stream to its channel inbox. It reports false when the
// inbox is full.
func (d *dispatcher) route(channel string, stream net.Conn) bool {
	select {
	case d.getOrCreate(channel) <- stream:
		return true
	default:
		return false
	}
}

// drain closes every stream that was never accepted.
func (d *dispatcher) drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, ch := range d.routeTable {
	loop:
		for {
			select {
			case s := <-ch:
				s.Close()
			default:
				break loop
			}
		}
		delete(d.routeTable, name)
	}
}
