package transport

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roj1net/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	maxMessageSize = 16 * 1024  // largest DataChannel message we send
)

// dcConn presents a DataChannel as a net.Conn. Message boundaries are not
// preserved: inbound messages are concatenated into one byte stream.
type dcConn struct {
	rtc *RTC
	dc  *webrtc.DataChannel

	ctx        context.Context
	openSignal <-chan struct{}

	writeMu     sync.Mutex
	drainSignal chan struct{}

	mu           sync.Mutex
	buf          []byte
	readable     chan struct{}
	readDeadline time.Time
}

// newDCConn wires the message and backpressure callbacks on dc.
func newDCConn(ctx context.Context, rtc *RTC, dc *webrtc.DataChannel, openSignal <-chan struct{}) *dcConn {
	c := &dcConn{
		rtc:         rtc,
		dc:          dc,
		ctx:         ctx,
		openSignal:  openSignal,
		drainSignal: make(chan struct{}, 1),
		readable:    make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		c.mu.Lock()
		c.buf = append(c.buf, msg.Data...)
		c.mu.Unlock()
		select {
		case c.readable <- struct{}{}:
		default:
		}
	})

	return c
}

func (c *dcConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			n := copy(p, c.buf)
			c.buf = c.buf[n:]
			if len(c.buf) == 0 {
				c.buf = nil
			}
			c.mu.Unlock()
			return n, nil
		}
		deadline := c.readDeadline
		c.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		expired, closed := false, false
		select {
		case <-c.readable:
		case <-timeout:
			expired = true
		case <-c.ctx.Done():
			closed = true
		}
		if timer != nil {
			timer.Stop()
		}

		switch {
		case expired:
			return 0, os.ErrDeadlineExceeded
		case closed:
			// drain anything that raced with the close
			c.mu.Lock()
			empty := len(c.buf) == 0
			c.mu.Unlock()
			if empty {
				return 0, io.EOF
			}
		}
	}
}

// Write splits p into DataChannel messages. It waits for the channel to
// open and pauses while the send buffer is above the high water mark.
func (c *dcConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return 0, io.ErrClosedPipe
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxMessageSize {
			chunk = chunk[:maxMessageSize]
		}

		if c.dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-c.drainSignal:
			case <-c.ctx.Done():
				return written, io.ErrClosedPipe
			}
		}

		if err := c.dc.Send(chunk); err != nil {
			return written, err
		}
		util.Stats.AddSent(len(chunk))

		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *dcConn) Close() error {
	return c.rtc.Close()
}

func (c *dcConn) LocalAddr() net.Addr  { return dcAddr(c.dc.Label()) }
func (c *dcConn) RemoteAddr() net.Addr { return dcAddr(c.dc.Label()) }

func (c *dcConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *dcConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	select {
	case c.readable <- struct{}{}:
	default:
	}
	return nil
}

// SetWriteDeadline is accepted but not enforced: writes are bounded by the
// DataChannel's own backpressure and close signal.
func (c *dcConn) SetWriteDeadline(time.Time) error { return nil }

type dcAddr string

func (a dcAddr) Network() string { return "webrtc" }
func (a dcAddr) String() string  { return string(a) }
