// Package sigclient implements the client side of the peer rendezvous
// protocol: HTTP/1.0-framed requests over two raw TCP legs. The control
// leg carries one request at a time (sign_in, message, sign_out); the
// notification leg holds a long-polling wait request that the server
// answers whenever a roster change or relayed message is available.
package sigclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mintwire/peersig/internal/httpframe"
	"github.com/mintwire/peersig/internal/roster"
)

const (
	DefaultServerPort = 8888
	DefaultRetryDelay = 2 * time.Second

	defaultDialTimeout = 10 * time.Second

	// byeMessage is relayed like any other peer message but signals a
	// hangup rather than payload.
	byeMessage = "BYE"
)

var (
	ErrNotConnected   = errors.New("sigclient: not signed in")
	ErrRequestPending = errors.New("sigclient: control request already pending")
)

// Client talks to one rendezvous server on behalf of one named peer.
// All exported methods are safe for concurrent use.
type Client struct {
	log      *slog.Logger
	observer Observer

	retryDelay  time.Duration
	dialTimeout time.Duration

	control *channel
	notify  *channel

	mu         sync.Mutex
	state      State
	addr       string // resolved host:port
	name       string
	myID       int
	peers      *roster.Roster
	controlBuf []byte
	notifyBuf  []byte
	retryTimer *time.Timer
	// gen invalidates retry timers and the async resolve when the client
	// is torn down.
	gen uint64
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithRetryDelay overrides the delay before re-dialing after the server
// refuses the control connection.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func New(observer Observer, opts ...Option) *Client {
	c := &Client{
		log:         slog.Default(),
		observer:    observer,
		retryDelay:  DefaultRetryDelay,
		dialTimeout: defaultDialTimeout,
		state:       NotConnected,
		myID:        -1,
		peers:       roster.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.control = &channel{
		name:        "control",
		log:         c.log,
		dialTimeout: c.dialTimeout,
		onData:      c.onControlData,
	}
	c.control.onClose = func(kind closeKind, err error) { c.onChannelClose(c.control, kind, err) }
	c.notify = &channel{
		name:        "notify",
		log:         c.log,
		dialTimeout: c.dialTimeout,
		onData:      c.onNotifyData,
	}
	c.notify.onClose = func(kind closeKind, err error) { c.onChannelClose(c.notify, kind, err) }
	return c
}

func (c *Client) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.myID
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client has completed sign-in and holds a
// server-assigned id.
func (c *Client) IsConnected() bool {
	return c.ID() != -1
}

// Peers returns the known roster in the order peers were first seen,
// excluding this client.
func (c *Client) Peers() []roster.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.Peers()
}

// Connect starts signing in to server:port under clientName. Hostnames are
// resolved asynchronously; progress and failures are reported through the
// observer. port <= 0 selects DefaultServerPort.
func (c *Client) Connect(server string, port int, clientName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != NotConnected {
		return fmt.Errorf("sigclient: client must be disconnected before connecting (state %s)", c.state)
	}
	if server == "" || clientName == "" {
		return fmt.Errorf("sigclient: server and client name must not be empty")
	}
	if port <= 0 {
		port = DefaultServerPort
	}
	c.name = clientName

	if ip := net.ParseIP(server); ip != nil {
		c.addr = net.JoinHostPort(server, strconv.Itoa(port))
		return c.doConnectLocked()
	}

	c.state = Resolving
	gen := c.gen
	go c.resolve(gen, server, port)
	return nil
}

func (c *Client) resolve(gen uint64, host string, port int) {
	ips, err := net.LookupIP(host)

	var cbs []func()
	c.mu.Lock()
	if c.gen != gen || c.state != Resolving {
		c.mu.Unlock()
		return
	}
	ip := firstIPv4(ips)
	if err != nil || ip == nil {
		c.log.Error("failed to resolve server", "host", host, "err", err)
		c.state = NotConnected
		cbs = append(cbs, c.observer.OnServerConnectionFailure)
	} else {
		c.addr = net.JoinHostPort(ip.String(), strconv.Itoa(port))
		if cerr := c.doConnectLocked(); cerr != nil {
			c.state = NotConnected
			cbs = append(cbs, c.observer.OnServerConnectionFailure)
		}
	}
	c.mu.Unlock()
	run(cbs)
}

func firstIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

func (c *Client) doConnectLocked() error {
	req := fmt.Sprintf("GET /sign_in?%s HTTP/1.0\r\n\r\n", c.name)
	if err := c.control.connect(c.addr, []byte(req)); err != nil {
		return err
	}
	c.state = SigningIn
	return nil
}

// SendToPeer posts one message to peerID through the server. Only one
// control request may be outstanding at a time; completion is signaled via
// Observer.OnMessageSent.
func (c *Client) SendToPeer(peerID int, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected || c.myID == -1 || peerID == -1 {
		return ErrNotConnected
	}
	if !c.control.idle() {
		return ErrRequestPending
	}
	req := fmt.Sprintf(
		"POST /message?peer_id=%d&to=%d HTTP/1.0\r\nContent-Length: %d\r\nContent-Type: text/plain\r\n\r\n%s",
		c.myID, peerID, len(message), message,
	)
	return c.control.connect(c.addr, []byte(req))
}

// SendHangUp tells peerID this client is ending their session.
func (c *Client) SendHangUp(peerID int) error {
	return c.SendToPeer(peerID, byeMessage)
}

// SignOut leaves the server. If a control request is in flight the
// sign-out is deferred until it completes. Signing out before sign-in
// finished tears the client down without a server round trip.
func (c *Client) SignOut() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signOutLocked()
}

func (c *Client) signOutLocked() error {
	if c.state == NotConnected || c.state == SigningOut {
		return nil
	}
	c.notify.close()
	c.notifyBuf = nil

	if !c.control.idle() {
		c.state = SigningOutWaiting
		return nil
	}
	if c.myID == -1 {
		// Never finished signing in; there is nothing to tell the server.
		c.closeLocked()
		return nil
	}
	c.state = SigningOut
	req := fmt.Sprintf("GET /sign_out?peer_id=%d HTTP/1.0\r\n\r\n", c.myID)
	return c.control.connect(c.addr, []byte(req))
}

// Close tears down both channels immediately without notifying the server
// or the observer. Prefer SignOut for a graceful exit.
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) closeLocked() {
	c.gen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.control.close()
	c.notify.close()
	c.controlBuf = nil
	c.notifyBuf = nil
	c.peers.Clear()
	c.myID = -1
	c.state = NotConnected
}

func (c *Client) onControlData(chunk []byte) {
	var cbs []func()
	c.mu.Lock()
	if c.state == NotConnected {
		c.mu.Unlock()
		return
	}
	c.controlBuf = append(c.controlBuf, chunk...)
	complete, eoh, contentLength := httpframe.Complete(c.controlBuf)
	if !complete {
		c.mu.Unlock()
		return
	}
	data := c.controlBuf
	c.controlBuf = nil

	if v, ok := httpframe.HeaderValue(data, eoh, httpframe.HeaderConnection); ok && v == "close" {
		// The server will never deliver a close event for a connection we
		// close ourselves, so synthesize the completion notification. Any
		// deferred sign-out is picked up by the response processing below,
		// which must still see the pre-close state.
		c.control.close()
		if c.state != NotConnected {
			cbs = append(cbs, func() { c.observer.OnMessageSent(0) })
		}
	}
	c.processControlResponseLocked(data, eoh, contentLength, &cbs)
	c.mu.Unlock()
	run(cbs)
}

func (c *Client) processControlResponseLocked(data []byte, eoh, contentLength int, cbs *[]func()) {
	if status := httpframe.Status(data); status != 200 {
		c.log.Error("server rejected control request", "status", status)
		c.fatalLocked(cbs)
		return
	}
	pragma, havePragma := httpframe.HeaderInt(data, eoh, httpframe.HeaderPragma)

	switch {
	case c.myID == -1:
		// Sign-in response: the Pragma header carries our assigned id and
		// the body lists everyone currently signed in.
		if !havePragma {
			c.log.Error("sign-in response missing peer id")
			c.fatalLocked(cbs)
			return
		}
		c.myID = pragma
		c.log.Info("signed in", "id", c.myID, "name", c.name)
		if contentLength > 0 {
			body := httpframe.Body(data, eoh, contentLength)
			for _, line := range strings.Split(string(body), "\n") {
				entry, ok := roster.ParseEntry(line)
				if !ok || entry.ID == c.myID {
					continue
				}
				c.peers.Put(entry.ID, entry.Name)
				id, name := entry.ID, entry.Name
				*cbs = append(*cbs, func() { c.observer.OnPeerConnected(id, name) })
			}
		}
		*cbs = append(*cbs, c.observer.OnSignedIn)

	case c.state == SigningOut:
		c.closeLocked()
		*cbs = append(*cbs, c.observer.OnDisconnected)

	case c.state == SigningOutWaiting:
		if err := c.signOutLocked(); err != nil {
			c.log.Error("deferred sign-out failed", "err", err)
		}
	}

	if c.state == SigningIn {
		c.state = Connected
		c.connectWaitLocked()
	}
}

func (c *Client) onNotifyData(chunk []byte) {
	var cbs []func()
	c.mu.Lock()
	if c.state == NotConnected {
		c.mu.Unlock()
		return
	}
	c.notifyBuf = append(c.notifyBuf, chunk...)
	complete, eoh, contentLength := httpframe.Complete(c.notifyBuf)
	if !complete {
		c.mu.Unlock()
		return
	}
	data := c.notifyBuf
	c.notifyBuf = nil

	if v, ok := httpframe.HeaderValue(data, eoh, httpframe.HeaderConnection); ok && v == "close" {
		c.notify.close()
		c.handleCloseLocked(c.notify, closeOK, nil, &cbs)
	}
	c.processNotificationLocked(data, eoh, contentLength, &cbs)
	if c.state == Connected && c.notify.idle() {
		c.connectWaitLocked()
	}
	c.mu.Unlock()
	run(cbs)
}

func (c *Client) processNotificationLocked(data []byte, eoh, contentLength int, cbs *[]func()) {
	if status := httpframe.Status(data); status != 200 {
		c.log.Error("server rejected wait request", "status", status)
		c.fatalLocked(cbs)
		return
	}
	pragma, havePragma := httpframe.HeaderInt(data, eoh, httpframe.HeaderPragma)
	if !havePragma {
		c.log.Warn("notification missing peer id header")
		return
	}
	body := string(httpframe.Body(data, eoh, contentLength))

	if pragma == c.myID {
		// A roster update about some other peer connecting or leaving.
		entry, ok := roster.ParseEntry(body)
		if !ok {
			c.log.Warn("malformed roster update", "body", body)
			return
		}
		if entry.Connected {
			c.peers.Put(entry.ID, entry.Name)
			id, name := entry.ID, entry.Name
			*cbs = append(*cbs, func() { c.observer.OnPeerConnected(id, name) })
		} else {
			c.peers.Delete(entry.ID)
			id := entry.ID
			*cbs = append(*cbs, func() { c.observer.OnPeerDisconnected(id) })
		}
		return
	}

	// A message relayed from another peer. A bare hangup sentinel is
	// surfaced as a disconnect; the peer stays in the roster until the
	// server says otherwise.
	if body == byeMessage {
		*cbs = append(*cbs, func() { c.observer.OnPeerDisconnected(pragma) })
	} else {
		*cbs = append(*cbs, func() { c.observer.OnMessageFromPeer(pragma, body) })
	}
}

func (c *Client) connectWaitLocked() {
	req := fmt.Sprintf("GET /wait?peer_id=%d HTTP/1.0\r\n\r\n", c.myID)
	if err := c.notify.connect(c.addr, []byte(req)); err != nil {
		c.log.Warn("wait request not issued", "err", err)
	}
}

func (c *Client) onChannelClose(ch *channel, kind closeKind, err error) {
	var cbs []func()
	c.mu.Lock()
	c.handleCloseLocked(ch, kind, err, &cbs)
	c.mu.Unlock()
	run(cbs)
}

func (c *Client) handleCloseLocked(ch *channel, kind closeKind, err error, cbs *[]func()) {
	if c.state == NotConnected {
		return
	}
	// A half-read response is useless once its connection is gone.
	if ch == c.control {
		c.controlBuf = nil
	} else {
		c.notifyBuf = nil
	}

	switch kind {
	case closeRefused:
		if ch == c.control {
			c.log.Warn("connection refused; retrying", "delay", c.retryDelay)
			c.armRetryLocked()
		} else {
			c.closeLocked()
			*cbs = append(*cbs, c.observer.OnDisconnected)
		}

	case closeFailed:
		c.log.Error("connect failed", "channel", ch.name, "err", err)
		c.closeLocked()
		*cbs = append(*cbs, c.observer.OnServerConnectionFailure)

	default:
		if ch == c.notify {
			if c.state == Connected {
				c.connectWaitLocked()
			}
			return
		}
		code := 0
		if kind == closeError {
			c.log.Warn("control connection error", "err", err)
			code = 1
		}
		*cbs = append(*cbs, func() { c.observer.OnMessageSent(code) })
		if c.state == SigningOutWaiting {
			if serr := c.signOutLocked(); serr != nil {
				c.log.Error("deferred sign-out failed", "err", serr)
			}
		}
	}
}

// fatalLocked tears the client down and reports exactly one disconnect.
func (c *Client) fatalLocked(cbs *[]func()) {
	if c.state == NotConnected {
		return
	}
	c.closeLocked()
	*cbs = append(*cbs, c.observer.OnDisconnected)
}

func (c *Client) armRetryLocked() {
	gen := c.gen
	c.retryTimer = time.AfterFunc(c.retryDelay, func() {
		var cbs []func()
		c.mu.Lock()
		if c.gen != gen || c.state == NotConnected {
			c.mu.Unlock()
			return
		}
		c.retryTimer = nil
		if err := c.doConnectLocked(); err != nil {
			c.state = NotConnected
			cbs = append(cbs, c.observer.OnServerConnectionFailure)
		}
		c.mu.Unlock()
		run(cbs)
	})
}

// run invokes deferred observer callbacks after the client lock is
// released, preserving order.
func run(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
