package sigclient

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
)

type closeKind int

const (
	// closeOK is a clean shutdown: the server finished and closed, or we
	// closed after seeing a Connection: close header.
	closeOK closeKind = iota
	// closeRefused means the TCP connect was refused outright.
	closeRefused
	// closeFailed means the dial failed for some other reason (no route,
	// timeout) before a connection existed.
	closeFailed
	// closeError is a read or write failure on an established connection.
	closeError
)

// channel is one TCP leg of the signaling protocol. Each connect dials a
// fresh connection, writes one request and streams response bytes to onData
// until the connection closes. The generation counter lets close discard
// events from a dial or read loop that is already obsolete.
type channel struct {
	name        string
	log         *slog.Logger
	dialTimeout time.Duration

	onData  func(chunk []byte)
	onClose func(kind closeKind, err error)

	mu         sync.Mutex
	conn       net.Conn
	connecting bool
	gen        uint64
}

// connect starts an async dial and returns immediately. It fails only if a
// request is already in flight on this channel.
func (ch *channel) connect(addr string, request []byte) error {
	ch.mu.Lock()
	if ch.conn != nil || ch.connecting {
		ch.mu.Unlock()
		return fmt.Errorf("sigclient: %s channel busy", ch.name)
	}
	ch.connecting = true
	ch.gen++
	gen := ch.gen
	ch.mu.Unlock()

	go ch.dial(gen, addr, request)
	return nil
}

func (ch *channel) dial(gen uint64, addr string, request []byte) {
	conn, err := net.DialTimeout("tcp", addr, ch.dialTimeout)

	ch.mu.Lock()
	if ch.gen != gen {
		ch.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		ch.connecting = false
		ch.mu.Unlock()
		ch.log.Debug("dial failed", "channel", ch.name, "addr", addr, "err", err)
		if errors.Is(err, syscall.ECONNREFUSED) {
			ch.onClose(closeRefused, err)
		} else {
			ch.onClose(closeFailed, err)
		}
		return
	}
	ch.conn = conn
	ch.connecting = false
	ch.mu.Unlock()

	if _, err := conn.Write(request); err != nil {
		if ch.clearIfCurrent(gen) {
			ch.onClose(closeError, err)
		}
		return
	}
	ch.readLoop(gen, conn)
}

func (ch *channel) readLoop(gen uint64, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !ch.current(gen) {
				return
			}
			ch.onData(buf[:n])
		}
		if err != nil {
			if !ch.clearIfCurrent(gen) {
				return
			}
			if errors.Is(err, io.EOF) {
				ch.onClose(closeOK, nil)
			} else {
				ch.onClose(closeError, err)
			}
			return
		}
	}
}

func (ch *channel) current(gen uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.gen == gen
}

// clearIfCurrent tears down the connection if the generation still matches.
// It reports whether the caller owns the close notification.
func (ch *channel) clearIfCurrent(gen uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.gen != gen {
		return false
	}
	if ch.conn != nil {
		ch.conn.Close()
		ch.conn = nil
	}
	return true
}

// close tears down any connection or pending dial without firing onClose.
func (ch *channel) close() {
	ch.mu.Lock()
	ch.gen++
	if ch.conn != nil {
		ch.conn.Close()
		ch.conn = nil
	}
	ch.connecting = false
	ch.mu.Unlock()
}

func (ch *channel) idle() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn == nil && !ch.connecting
}
