package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/roj1net/internal/transport"
	"github.com/1ureka/roj1net/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketServer feeds WebSocket connections into a Server. It shuts down,
// closing every connection it accepted, when the server closes or its store
// is reset.
type WebSocketServer struct {
	server  *Server
	metrics bool

	listener net.Listener
	http     *http.Server

	mu    sync.Mutex
	conns map[*transport.WSConn]struct{}

	stopReset func()
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketServer creates a WebSocket front for srv. With metrics set
// it also serves /metrics.
func NewWebSocketServer(srv *Server, metrics bool) *WebSocketServer {
	w := &WebSocketServer{
		server:  srv,
		metrics: metrics,
		conns:   make(map[*transport.WSConn]struct{}),
		done:    make(chan struct{}),
	}
	w.stopReset = srv.Store().OnReset(func(error) { w.Close() })
	go func() {
		select {
		case <-srv.Done():
			w.Close()
		case <-w.done:
		}
	}()
	return w
}

// Start begins listening on addr. Returns the bound address.
func (w *WebSocketServer) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start WS server: %w", err)
	}
	w.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", w.handleWS)
	if w.metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(util.Collector())
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	w.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := w.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("[server] WS server stopped: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

// URL returns the ws:// address of a started server.
func (w *WebSocketServer) URL() string {
	if w.listener == nil {
		return ""
	}
	return "ws://" + w.listener.Addr().String() + "/"
}

// Done is closed once the server shut down.
func (w *WebSocketServer) Done() <-chan struct{} { return w.done }

func (w *WebSocketServer) handleWS(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.done:
		http.Error(rw, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	conn := transport.NewWSConn(ws)

	w.mu.Lock()
	w.conns[conn] = struct{}{}
	w.mu.Unlock()

	sess, err := w.server.HandleConn(conn)
	if err != nil {
		util.LogWarning("[server] rejected connection from %s: %v", r.RemoteAddr, err)
		w.forget(conn)
		return
	}
	go func() {
		<-sess.Done()
		w.forget(conn)
	}()
}

func (w *WebSocketServer) forget(conn *transport.WSConn) {
	w.mu.Lock()
	delete(w.conns, conn)
	w.mu.Unlock()
	conn.Close()
}

// Connections returns the number of open connections.
func (w *WebSocketServer) Connections() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// Close stops accepting connections and closes the open ones.
func (w *WebSocketServer) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.stopReset()
		if w.http != nil {
			w.http.Close()
		} else if w.listener != nil {
			w.listener.Close()
		}

		w.mu.Lock()
		conns := w.conns
		w.conns = make(map[*transport.WSConn]struct{})
		w.mu.Unlock()
		for conn := range conns {
			conn.Close()
		}
	})
}
