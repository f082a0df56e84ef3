package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/roj1net/internal/plex"
	"github.com/1ureka/roj1net/internal/protocol"
	"github.com/1ureka/roj1net/internal/util"
)

// DefaultTimeout bounds a Request whose context has no deadline.
const DefaultTimeout = 10 * time.Second

// exposeGrace is how long an inbound call for an unknown method waits for
// a matching Expose. The peer may call as soon as the stream is up. It is
// capped at half the channel timeout so an unknown method is reported
// before the caller gives up.
const exposeGrace = 2 * time.Second

// Handler serves one exposed method. ctx is cancelled when the channel
// closes. The returned value is sent back as the result.
type Handler func(ctx context.Context, params Params) (any, error)

// Caller is the calling half of a Channel.
type Caller interface {
	// Request calls method and decodes the result into result (which may
	// be nil to discard it).
	Request(ctx context.Context, method string, result any, args ...any) error
	// Notify calls method without waiting for, or receiving, a result.
	Notify(method string, args ...any) error
}

// Channel is one bidirectional RPC endpoint.
type Channel struct {
	conn    net.Conn
	name    string
	timeout time.Duration
	grace   time.Duration
	log     *util.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]Handler
	exposed  chan struct{} // closed and replaced on every Expose
	pending  map[uint64]chan *envelope
	nextID   uint64
	// queues holds the notifications of each method still to be handled.
	queues map[string]*notifyQueue

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ Caller = (*Channel)(nil)

type notifyQueue struct {
	pending []*envelope
}

// New starts a channel over conn. timeout <= 0 selects DefaultTimeout.
//
// Requests are served concurrently. Notifications of one method are
// handled one at a time in arrival order.
func New(conn net.Conn, name string, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:     conn,
		name:     name,
		timeout:  timeout,
		grace:    min(exposeGrace, timeout/2),
		queues:   make(map[string]*notifyQueue),
		log:      util.NewLogger("rpc").With(name),
		handlers: make(map[string]Handler),
		exposed:  make(chan struct{}),
		pending:  make(map[uint64]chan *envelope),
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.readLoop()
	return c
}

// Open establishes the channel named name on sess. The server side of the
// session accepts the stream, the client side dials it, so both ends can
// call Open with the same arguments.
func Open(ctx context.Context, sess *plex.Session, name string, timeout time.Duration) (*Channel, error) {
	var conn net.Conn
	var err error
	if sess.IsServer() {
		conn, err = sess.Accept(ctx, name)
	} else {
		conn, err = sess.Connect(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open rpc channel %q: %w", name, err)
	}

	c := New(conn, name, timeout)
	go func() {
		select {
		case <-sess.Done():
			c.Close()
		case <-c.Done():
		}
	}()
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Done is closed when the channel is closed or its stream fails.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// Close ends the channel. Pending requests fail with ErrClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Expose registers handlers. Later registrations of the same method
// replace earlier ones.
func (c *Channel) Expose(methods map[string]Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, h := range methods {
		c.handlers[name] = h
	}
	close(c.exposed)
	c.exposed = make(chan struct{})
}

// lookup returns the handler for method, waiting up to the expose grace
// for it to be exposed.
func (c *Channel) lookup(method string) (Handler, bool) {
	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	for {
		c.mu.Lock()
		h, ok := c.handlers[method]
		exposed := c.exposed
		c.mu.Unlock()
		if ok {
			return h, true
		}

		select {
		case <-exposed:
		case <-timer.C:
			return nil, false
		case <-c.ctx.Done():
			return nil, false
		}
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

func (c *Channel) Request(ctx context.Context, method string, result any, args ...any) error {
	params, err := encodeArgs(args)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	replyCh := make(chan *envelope, 1)
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&envelope{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case reply := <-replyCh:
		if reply.Error != nil {
			return reply.Error
		}
		if result == nil || len(reply.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Channel) Notify(method string, args ...any) error {
	params, err := encodeArgs(args)
	if err != nil {
		return err
	}
	return c.send(&envelope{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

func (c *Channel) send(env *envelope) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode rpc message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.conn, &protocol.Frame{Type: protocol.TypeMessage, Payload: data}); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// readLoop dispatches every inbound frame. A malformed message is logged
// and skipped; only a broken stream ends the loop.
func (c *Channel) readLoop() {
	defer c.Close()

	for {
		f, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debugf("stream ended: %v", err)
			}
			return
		}
		if f.Type != protocol.TypeMessage {
			c.log.Warnf("ignoring frame type %d", f.Type)
			continue
		}

		var env envelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			c.log.Warnf("ignoring malformed message: %v", err)
			continue
		}

		if env.isResponse() {
			c.mu.Lock()
			replyCh, ok := c.pending[*env.ID]
			c.mu.Unlock()
			if ok {
				select {
				case replyCh <- &env:
				default:
				}
			}
			continue
		}
		if env.Method == "" {
			c.log.Warnf("ignoring message without method")
			continue
		}

		if env.ID == nil {
			c.enqueue(&env)
			continue
		}
		go c.handle(&env)
	}
}

// enqueue appends a notification to its method's queue and starts a
// drainer if none runs.
func (c *Channel) enqueue(env *envelope) {
	c.mu.Lock()
	q, running := c.queues[env.Method]
	if !running {
		q = &notifyQueue{}
		c.queues[env.Method] = q
	}
	q.pending = append(q.pending, env)
	c.mu.Unlock()

	if !running {
		go c.drain(env.Method, q)
	}
}

// drain handles the queued notifications of method in order. The queue is
// dropped once empty, under mu, so a later enqueue starts a new drainer.
func (c *Channel) drain(method string, q *notifyQueue) {
	for {
		c.mu.Lock()
		if len(q.pending) == 0 {
			delete(c.queues, method)
			c.mu.Unlock()
			return
		}
		env := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		c.mu.Unlock()

		c.handle(env)
	}
}

func (c *Channel) handle(env *envelope) {
	h, ok := c.lookup(env.Method)
	if !ok {
		if env.ID != nil {
			c.reply(env.ID, nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + env.Method})
		} else {
			c.log.Debugf("notification for unknown method %s", env.Method)
		}
		return
	}

	result, err := c.invoke(h, env)
	if env.ID == nil {
		if err != nil {
			c.log.Warnf("%s: %v", env.Method, err)
		}
		return
	}
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		c.reply(env.ID, nil, rpcErr)
		return
	}
	c.reply(env.ID, result, nil)
}

// invoke runs h, converting a panic into an internal error.
func (c *Channel) invoke(h Handler, env *envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("%s panicked: %v", env.Method, r)
			err = &Error{Code: CodeInternalError, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h(c.ctx, Params(env.Params))
}

func (c *Channel) reply(id *uint64, result any, rpcErr *Error) {
	env := &envelope{JSONRPC: jsonrpcVersion, ID: id, Error: rpcErr}
	if rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			env.Error = &Error{Code: CodeInternalError, Message: err.Error()}
		} else {
			env.Result = data
		}
	}
	if err := c.send(env); err != nil {
		c.log.Debugf("failed to reply: %v", err)
	}
}
