// Package peerserver implements the rendezvous side of the signaling
// protocol: it assigns peer ids at sign-in, relays opaque messages between
// signed-in peers and pushes roster changes through long-polling wait
// connections.
package peerserver

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/mintwire/peersig/internal/httpframe"
	"github.com/mintwire/peersig/internal/metrics"
	"github.com/mintwire/peersig/internal/ratelimit"
)

// maxRequestBytes bounds how much a single connection may send before the
// server gives up on it.
const maxRequestBytes = 1 << 20

// Config carries the relay limits; the zero value disables rate limiting
// and message size capping.
type Config struct {
	// MaxMessagesPerSecond limits relayed messages per sender. 0 means
	// unlimited.
	MaxMessagesPerSecond int
	// MaxMessageBytes caps a relayed message body. 0 means unlimited.
	MaxMessageBytes int
	// Clock is used by the per-peer rate limiter; nil selects wall time.
	Clock ratelimit.Clock
}

// event is one pending wait-channel delivery for a specific member. pragma
// is the sender id for relayed messages and the recipient's own id for
// roster updates.
type event struct {
	pragma int
	body   string
}

type member struct {
	id        int
	name      string
	connected bool
	// wait is the parked long-poll connection, nil when the peer has no
	// poll outstanding.
	wait   net.Conn
	queue  []event
	bucket *ratelimit.TokenBucket
}

func (m *member) entry(connected bool) string {
	flag := 0
	if connected {
		flag = 1
	}
	return fmt.Sprintf("%s,%d,%d", m.name, m.id, flag)
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	metrics *metrics.Metrics

	mu      sync.Mutex
	ln      net.Listener
	closed  bool
	nextID  int
	members map[int]*member
	order   []int
}

func New(log *slog.Logger, cfg Config) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Server{
		log:     log,
		cfg:     cfg,
		metrics: metrics.New(),
		nextID:  1,
		members: make(map[int]*member),
	}
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Addr returns the listener address once Serve has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections on ln until Close is called. Each connection
// carries exactly one request.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("peerserver: server closed")
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("peerserver: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// Close stops the listener and drops every parked wait connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for _, m := range s.members {
		if m.wait != nil {
			m.wait.Close()
			m.wait = nil
		}
	}
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	data, ok := s.readRequest(conn)
	if !ok {
		conn.Close()
		return
	}

	method, path, query, ok := parseRequestLine(data)
	if !ok {
		s.metrics.Inc(metrics.DropMalformed)
		s.respond(conn, "400 Bad Request", 0, "")
		return
	}

	switch {
	case method == "GET" && path == "/sign_in":
		s.handleSignIn(conn, query)
	case method == "GET" && path == "/wait":
		s.handleWait(conn, query)
	case method == "POST" && path == "/message":
		s.handleMessage(conn, query, data)
	case method == "GET" && path == "/sign_out":
		s.handleSignOut(conn, query)
	default:
		s.metrics.Inc(metrics.DropMalformed)
		s.respond(conn, "404 Not Found", 0, "")
	}
}

func (s *Server) readRequest(conn net.Conn) ([]byte, bool) {
	var data []byte
	buf := make([]byte, 4096)
	for {
		if complete, _, _ := httpframe.Complete(data); complete {
			return data, true
		}
		if len(data) > maxRequestBytes {
			s.log.Warn("request too large", "remote", conn.RemoteAddr())
			return nil, false
		}
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			return nil, false
		}
	}
}

// handleSignIn registers a new member under the name given as the raw
// query string and replies with the full roster. Everyone else learns
// about the newcomer through their wait channel.
func (s *Server) handleSignIn(conn net.Conn, query string) {
	name := strings.TrimSpace(query)
	if name == "" {
		s.metrics.Inc(metrics.DropMalformed)
		s.respond(conn, "400 Bad Request", 0, "")
		return
	}

	s.mu.Lock()
	m := &member{
		id:        s.nextID,
		name:      name,
		connected: true,
	}
	s.nextID++
	if s.cfg.MaxMessagesPerSecond > 0 {
		rate := int64(s.cfg.MaxMessagesPerSecond)
		m.bucket = ratelimit.NewTokenBucket(s.cfg.Clock, rate, rate)
	}
	s.members[m.id] = m
	s.order = append(s.order, m.id)

	var roster strings.Builder
	roster.WriteString(m.entry(true) + "\n")
	for _, id := range s.order {
		other := s.members[id]
		if other.id == m.id || !other.connected {
			continue
		}
		roster.WriteString(other.entry(true) + "\n")
	}
	deliveries := s.broadcastLocked(m, m.entry(true))
	s.metrics.Inc(metrics.SignIns)
	s.mu.Unlock()

	s.log.Info("peer signed in", "id", m.id, "name", name)
	flush(deliveries)
	s.respond(conn, "200 OK", m.id, roster.String())
}

// handleWait answers immediately when the member has a queued event,
// otherwise it parks the connection until one arrives.
func (s *Server) handleWait(conn net.Conn, query string) {
	id, ok := queryInt(query, "peer_id")
	if !ok {
		s.metrics.Inc(metrics.DropMalformed)
		s.respond(conn, "400 Bad Request", 0, "")
		return
	}

	s.mu.Lock()
	m := s.members[id]
	if m == nil || !m.connected {
		s.mu.Unlock()
		s.metrics.Inc(metrics.DropUnknownPeer)
		s.respond(conn, "404 Not Found", 0, "")
		return
	}
	if len(m.queue) > 0 {
		ev := m.queue[0]
		m.queue = m.queue[1:]
		s.mu.Unlock()
		s.respond(conn, "200 OK", ev.pragma, ev.body)
		return
	}
	// At most one parked poll per member; a newer one replaces the old.
	if m.wait != nil {
		m.wait.Close()
	}
	m.wait = conn
	s.metrics.Inc(metrics.WaitsParked)
	s.mu.Unlock()
}

// handleMessage relays one body from peer_id to the peer named by to.
func (s *Server) handleMessage(conn net.Conn, query string, data []byte) {
	from, okFrom := queryInt(query, "peer_id")
	to, okTo := queryInt(query, "to")
	if !okFrom || !okTo {
		s.metrics.Inc(metrics.DropMalformed)
		s.respond(conn, "400 Bad Request", 0, "")
		return
	}
	_, eoh, contentLength := httpframe.Complete(data)
	body := string(httpframe.Body(data, eoh, contentLength))
	if s.cfg.MaxMessageBytes > 0 && len(body) > s.cfg.MaxMessageBytes {
		s.metrics.Inc(metrics.DropMalformed)
		s.respond(conn, "413 Payload Too Large", 0, "")
		return
	}

	s.mu.Lock()
	sender := s.members[from]
	target := s.members[to]
	if sender == nil || !sender.connected || target == nil || !target.connected {
		s.mu.Unlock()
		s.metrics.Inc(metrics.DropUnknownPeer)
		s.respond(conn, "404 Not Found", 0, "")
		return
	}
	if sender.bucket != nil && !sender.bucket.Allow(1) {
		s.mu.Unlock()
		s.metrics.Inc(metrics.DropRateLimited)
		s.log.Warn("relay rate limit exceeded", "from", from)
		s.respond(conn, "429 Too Many Requests", 0, "")
		return
	}
	deliveries := s.deliverLocked(target, event{pragma: from, body: body})
	s.metrics.Inc(metrics.MessagesRelayed)
	s.mu.Unlock()

	flush(deliveries)
	s.respond(conn, "200 OK", from, "")
}

// handleSignOut marks the member as gone and tells everyone else.
func (s *Server) handleSignOut(conn net.Conn, query string) {
	id, ok := queryInt(query, "peer_id")
	if !ok {
		s.metrics.Inc(metrics.DropMalformed)
		s.respond(conn, "400 Bad Request", 0, "")
		return
	}

	s.mu.Lock()
	m := s.members[id]
	if m == nil || !m.connected {
		s.mu.Unlock()
		// Signing out an unknown or already-gone peer succeeds; the
		// client is tearing down either way.
		s.respond(conn, "200 OK", id, "")
		return
	}
	m.connected = false
	if m.wait != nil {
		m.wait.Close()
		m.wait = nil
	}
	m.queue = nil
	deliveries := s.broadcastLocked(m, m.entry(false))
	s.metrics.Inc(metrics.SignOuts)
	s.mu.Unlock()

	s.log.Info("peer signed out", "id", id, "name", m.name)
	flush(deliveries)
	s.respond(conn, "200 OK", id, "")
}

// broadcastLocked queues a roster update about m for every other connected
// member. Roster updates carry the recipient's own id in Pragma.
func (s *Server) broadcastLocked(about *member, entry string) []delivery {
	var deliveries []delivery
	for _, id := range s.order {
		other := s.members[id]
		if other.id == about.id || !other.connected {
			continue
		}
		deliveries = append(deliveries, s.deliverLocked(other, event{pragma: other.id, body: entry + "\n"})...)
	}
	return deliveries
}

// deliverLocked hands an event to a member, answering their parked wait
// connection when one exists and queueing otherwise. The actual write is
// deferred until the server lock is released.
func (s *Server) deliverLocked(m *member, ev event) []delivery {
	if m.wait == nil {
		m.queue = append(m.queue, ev)
		s.metrics.Inc(metrics.EventsQueued)
		return nil
	}
	conn := m.wait
	m.wait = nil
	return []delivery{{conn: conn, pragma: ev.pragma, body: ev.body}}
}

type delivery struct {
	conn   net.Conn
	pragma int
	body   string
}

func flush(deliveries []delivery) {
	for _, d := range deliveries {
		writeResponse(d.conn, "200 OK", d.pragma, d.body)
		d.conn.Close()
	}
}

func (s *Server) respond(conn net.Conn, status string, pragma int, body string) {
	writeResponse(conn, status, pragma, body)
	conn.Close()
}

func writeResponse(conn net.Conn, status string, pragma int, body string) {
	resp := fmt.Sprintf(
		"HTTP/1.0 %s\r\n"+
			"Server: peersigd\r\n"+
			"Cache-Control: no-cache\r\n"+
			"Connection: close\r\n"+
			"Content-Type: text/plain\r\n"+
			"Pragma: %d\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n%s",
		status, pragma, len(body), body,
	)
	conn.Write([]byte(resp))
}

// parseRequestLine splits "METHOD /path?query HTTP/1.x" out of a framed
// request.
func parseRequestLine(data []byte) (method, path, query string, ok bool) {
	eol := strings.Index(string(data), "\r\n")
	if eol < 0 {
		return "", "", "", false
	}
	fields := strings.Split(string(data[:eol]), " ")
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/1.") {
		return "", "", "", false
	}
	target := fields[1]
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return fields[0], target[:i], target[i+1:], true
	}
	return fields[0], target, "", true
}

func queryInt(query, key string) (int, bool) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, false
	}
	raw := values.Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
