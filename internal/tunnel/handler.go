package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/1ureka/roj1net/internal/util"
)

// CopyBufferSize is the chunk size of one bridge direction.
const CopyBufferSize = 16 * 1024

// lingerTimeout bounds how long the second direction may run once the
// first one finished.
const lingerTimeout = 5 * time.Second

type closeWriter interface {
	CloseWrite() error
}

// bridge copies between a and b until both directions end or ctx is
// done, then closes both. EOF on one side is passed on as a half-close
// where the other side supports it.
func bridge(ctx context.Context, log *util.Logger, a, b net.Conn) {
	defer a.Close()
	defer b.Close()
	stop := context.AfterFunc(ctx, func() {
		a.Close()
		b.Close()
	})
	defer stop()

	done := make(chan struct{}, 2)
	go pipe(log, b, a, done)
	go pipe(log, a, b, done)

	<-done
	select {
	case <-done:
	case <-time.After(lingerTimeout):
		log.Debugf("peer did not finish within %s, closing", lingerTimeout)
	}
}

func pipe(log *util.Logger, dst, src net.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	buf := make([]byte, CopyBufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debugf("copy stopped after %d bytes: %v", n, err)
	}
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
}
