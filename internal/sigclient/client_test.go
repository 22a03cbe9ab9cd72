package sigclient

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mintwire/peersig/internal/httpframe"
)

const eventTimeout = 5 * time.Second

// recorder is an Observer that serializes callbacks into a channel so tests
// can assert on exact event order.
type recorder struct {
	events chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) OnSignedIn()          { r.events <- "signed_in" }
func (r *recorder) OnDisconnected()      { r.events <- "disconnected" }
func (r *recorder) OnPeerConnected(id int, name string) {
	r.events <- fmt.Sprintf("peer_connected:%d:%s", id, name)
}
func (r *recorder) OnPeerDisconnected(id int) { r.events <- fmt.Sprintf("peer_disconnected:%d", id) }
func (r *recorder) OnMessageFromPeer(peerID int, message string) {
	r.events <- fmt.Sprintf("message:%d:%s", peerID, message)
}
func (r *recorder) OnMessageSent(code int)     { r.events <- fmt.Sprintf("sent:%d", code) }
func (r *recorder) OnServerConnectionFailure() { r.events <- "conn_failure" }

func (r *recorder) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.events:
		if got != want {
			t.Fatalf("event = %q, want %q", got, want)
		}
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for event %q", want)
	}
}

func (r *recorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case got := <-r.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(within):
	}
}

// fakeServer accepts raw TCP connections and lets the test script each
// exchange by hand.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (s *fakeServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for connection")
		return nil
	}
}

// readRequest reads one framed request off conn.
func readRequest(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(eventTimeout))
	var data []byte
	buf := make([]byte, 4096)
	for {
		if ok, _, _ := httpframe.Complete(data); ok {
			return string(data)
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read request: %v (got %q)", err, data)
		}
		data = append(data, buf[:n]...)
	}
}

func response(status string, pragma int, body string) string {
	return fmt.Sprintf(
		"HTTP/1.0 %s\r\nServer: fake\r\nConnection: close\r\nContent-Type: text/plain\r\nPragma: %d\r\nContent-Length: %d\r\n\r\n%s",
		status, pragma, len(body), body,
	)
}

func respondAndClose(t *testing.T, conn net.Conn, resp string) {
	t.Helper()
	if _, err := conn.Write([]byte(resp)); err != nil {
		t.Fatalf("write response: %v", err)
	}
	conn.Close()
}

// signIn drives a client through the sign-in exchange against the fake
// server and consumes the resulting events. It returns the parked wait
// connection.
func signIn(t *testing.T, s *fakeServer, c *Client, rec *recorder, name string, id int, rosterBody string) net.Conn {
	t.Helper()
	host, port := s.hostPort(t)
	if err := c.Connect(host, port, name); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := s.accept(t)
	req := readRequest(t, conn)
	want := fmt.Sprintf("GET /sign_in?%s HTTP/1.0\r\n\r\n", name)
	if req != want {
		t.Fatalf("sign-in request = %q, want %q", req, want)
	}
	respondAndClose(t, conn, response("200 OK", id, rosterBody))

	rec.expect(t, "sent:0")
	for _, line := range strings.Split(rosterBody, "\n") {
		parts := strings.SplitN(line, ",", 3)
		if len(parts) < 2 {
			continue
		}
		peerID, _ := strconv.Atoi(parts[1])
		if peerID == id {
			continue
		}
		rec.expect(t, fmt.Sprintf("peer_connected:%d:%s", peerID, parts[0]))
	}
	rec.expect(t, "signed_in")

	wait := s.accept(t)
	req = readRequest(t, wait)
	want = fmt.Sprintf("GET /wait?peer_id=%d HTTP/1.0\r\n\r\n", id)
	if req != want {
		t.Fatalf("wait request = %q, want %q", req, want)
	}
	return wait
}

func TestConnectValidation(t *testing.T) {
	c := New(newRecorder())
	defer c.Close()

	if err := c.Connect("", 8888, "alice"); err == nil {
		t.Fatalf("empty server should fail")
	}
	if err := c.Connect("127.0.0.1", 8888, ""); err == nil {
		t.Fatalf("empty name should fail")
	}
}

func TestConnectWhileConnectedFails(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	signIn(t, s, c, rec, "alice", 1, "alice,1,1\n")

	host, port := s.hostPort(t)
	if err := c.Connect(host, port, "alice"); err == nil {
		t.Fatalf("Connect while connected should fail")
	}
}

func TestSignInFlow(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	signIn(t, s, c, rec, "alice", 3, "alice,3,1\nbob,2,1\n")

	if got := c.ID(); got != 3 {
		t.Fatalf("ID = %d, want 3", got)
	}
	if got := c.State(); got != Connected {
		t.Fatalf("State = %v, want Connected", got)
	}
	if !c.IsConnected() {
		t.Fatalf("IsConnected should be true after sign-in")
	}
	// The roster excludes the client itself.
	peers := c.Peers()
	if len(peers) != 1 || peers[0].ID != 2 || peers[0].Name != "bob" {
		t.Fatalf("Peers = %+v, want just bob", peers)
	}
}

func TestSendToPeerGating(t *testing.T) {
	c := New(newRecorder())
	defer c.Close()

	if err := c.SendToPeer(2, "hi"); err != ErrNotConnected {
		t.Fatalf("SendToPeer before sign-in = %v, want ErrNotConnected", err)
	}
	if err := c.SendHangUp(2); err != ErrNotConnected {
		t.Fatalf("SendHangUp before sign-in = %v, want ErrNotConnected", err)
	}
}

func TestSendToPeer(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	signIn(t, s, c, rec, "alice", 3, "alice,3,1\nbob,2,1\n")

	if err := c.SendToPeer(2, "hello bob"); err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}
	// Only one control request may be outstanding.
	if err := c.SendToPeer(2, "again"); err != ErrRequestPending {
		t.Fatalf("second SendToPeer = %v, want ErrRequestPending", err)
	}

	conn := s.accept(t)
	req := readRequest(t, conn)
	want := "POST /message?peer_id=3&to=2 HTTP/1.0\r\n" +
		"Content-Length: 9\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello bob"
	if req != want {
		t.Fatalf("message request = %q, want %q", req, want)
	}
	respondAndClose(t, conn, response("200 OK", 3, ""))
	rec.expect(t, "sent:0")

	// The control channel is free again once the response completes.
	if err := c.SendHangUp(2); err != nil {
		t.Fatalf("SendHangUp: %v", err)
	}
	conn = s.accept(t)
	req = readRequest(t, conn)
	if !strings.HasSuffix(req, "\r\n\r\nBYE") {
		t.Fatalf("hangup request should carry the BYE sentinel: %q", req)
	}
	respondAndClose(t, conn, response("200 OK", 3, ""))
	rec.expect(t, "sent:0")
}

func TestNotifications(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	wait := signIn(t, s, c, rec, "alice", 3, "alice,3,1\n")

	// Roster update: Pragma carries our own id and the body is an entry.
	respondAndClose(t, wait, response("200 OK", 3, "bob,2,1\n"))
	rec.expect(t, "peer_connected:2:bob")

	// The client re-arms the long poll after each notification.
	wait = s.accept(t)
	readRequest(t, wait)
	respondAndClose(t, wait, response("200 OK", 2, "ping"))
	rec.expect(t, "message:2:ping")

	// A relayed BYE surfaces as a peer disconnect but keeps the roster
	// entry until the server removes it.
	wait = s.accept(t)
	readRequest(t, wait)
	respondAndClose(t, wait, response("200 OK", 2, "BYE"))
	rec.expect(t, "peer_disconnected:2")
	if peers := c.Peers(); len(peers) != 1 || peers[0].ID != 2 {
		t.Fatalf("BYE must not remove the peer from the roster: %+v", peers)
	}

	// Roster removal with the connected flag cleared.
	wait = s.accept(t)
	readRequest(t, wait)
	respondAndClose(t, wait, response("200 OK", 3, "bob,2,0\n"))
	rec.expect(t, "peer_disconnected:2")
	wait = s.accept(t)
	readRequest(t, wait)
	if peers := c.Peers(); len(peers) != 0 {
		t.Fatalf("roster removal should empty the roster: %+v", peers)
	}
}

func TestServerErrorIsFatalOnce(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	host, port := s.hostPort(t)
	if err := c.Connect(host, port, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := s.accept(t)
	readRequest(t, conn)
	respondAndClose(t, conn, response("500 Internal Server Error", 0, ""))

	rec.expect(t, "sent:0")
	rec.expect(t, "disconnected")
	rec.expectNone(t, 100*time.Millisecond)

	if got := c.State(); got != NotConnected {
		t.Fatalf("State = %v, want NotConnected", got)
	}
}

func TestWaitErrorIsFatalOnce(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	wait := signIn(t, s, c, rec, "alice", 3, "alice,3,1\n")
	respondAndClose(t, wait, response("500 Internal Server Error", 3, ""))

	rec.expect(t, "disconnected")
	rec.expectNone(t, 100*time.Millisecond)

	if got := c.State(); got != NotConnected {
		t.Fatalf("State = %v, want NotConnected", got)
	}
}

func TestMissingPeerIDIsFatal(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	host, port := s.hostPort(t)
	if err := c.Connect(host, port, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := s.accept(t)
	readRequest(t, conn)
	resp := "HTTP/1.0 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	respondAndClose(t, conn, resp)

	rec.expect(t, "sent:0")
	rec.expect(t, "disconnected")
}

func TestSignOut(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	signIn(t, s, c, rec, "alice", 3, "alice,3,1\n")

	if err := c.SignOut(); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	conn := s.accept(t)
	req := readRequest(t, conn)
	want := "GET /sign_out?peer_id=3 HTTP/1.0\r\n\r\n"
	if req != want {
		t.Fatalf("sign-out request = %q, want %q", req, want)
	}
	respondAndClose(t, conn, response("200 OK", 3, ""))

	rec.expect(t, "sent:0")
	rec.expect(t, "disconnected")
	if got := c.State(); got != NotConnected {
		t.Fatalf("State = %v, want NotConnected", got)
	}

	// Signing out again is a no-op.
	if err := c.SignOut(); err != nil {
		t.Fatalf("repeated SignOut: %v", err)
	}
	rec.expectNone(t, 100*time.Millisecond)
}

func TestSignOutWaitsForPendingRequest(t *testing.T) {
	s := newFakeServer(t)
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	signIn(t, s, c, rec, "alice", 3, "alice,3,1\nbob,2,1\n")

	if err := c.SendToPeer(2, "hi"); err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}
	conn := s.accept(t)
	readRequest(t, conn)

	// Sign out while the message is still in flight: it must be deferred.
	if err := c.SignOut(); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if got := c.State(); got != SigningOutWaiting {
		t.Fatalf("State = %v, want SigningOutWaiting", got)
	}

	respondAndClose(t, conn, response("200 OK", 3, ""))
	rec.expect(t, "sent:0")

	conn = s.accept(t)
	req := readRequest(t, conn)
	want := "GET /sign_out?peer_id=3 HTTP/1.0\r\n\r\n"
	if req != want {
		t.Fatalf("deferred sign-out request = %q, want %q", req, want)
	}
	respondAndClose(t, conn, response("200 OK", 3, ""))

	rec.expect(t, "sent:0")
	rec.expect(t, "disconnected")
}

func TestRetryAfterConnectionRefused(t *testing.T) {
	// Grab a free port, then close the listener so the first dial is
	// refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	rec := newRecorder()
	c := New(rec, WithRetryDelay(50*time.Millisecond))
	defer c.Close()

	if err := c.Connect(host, port, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Re-open the port; a retry should land here.
	var relisten net.Listener
	for i := 0; i < 50; i++ {
		relisten, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	defer relisten.Close()

	relisten.(*net.TCPListener).SetDeadline(time.Now().Add(eventTimeout))
	conn, err := relisten.Accept()
	if err != nil {
		t.Fatalf("retry never arrived: %v", err)
	}
	req := readRequest(t, conn)
	if !strings.HasPrefix(req, "GET /sign_in?alice") {
		t.Fatalf("retry request = %q, want sign-in", req)
	}
	respondAndClose(t, conn, response("200 OK", 1, "alice,1,1\n"))
	rec.expect(t, "sent:0")
	rec.expect(t, "signed_in")
}

func TestSignOutBeforeSignInCancelsRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	rec := newRecorder()
	c := New(rec, WithRetryDelay(10*time.Second))
	defer c.Close()

	if err := c.Connect(host, port, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Let the refused dial land so the retry timer is armed.
	time.Sleep(100 * time.Millisecond)

	if err := c.SignOut(); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if got := c.State(); got != NotConnected {
		t.Fatalf("State = %v, want NotConnected", got)
	}
	// No retry, no disconnect: the client never signed in.
	rec.expectNone(t, 200*time.Millisecond)
}

func TestResolveFailure(t *testing.T) {
	rec := newRecorder()
	c := New(rec)
	defer c.Close()

	if err := c.Connect("peersig.invalid", 8888, "alice"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expect(t, "conn_failure")
	if got := c.State(); got != NotConnected {
		t.Fatalf("State = %v, want NotConnected", got)
	}
}

func TestDefaultPortApplied(t *testing.T) {
	rec := newRecorder()
	c := New(rec, WithDialTimeout(50*time.Millisecond))
	defer c.Close()

	// port <= 0 selects the default; the dial itself will fail fast, but
	// the request must have been accepted.
	if err := c.Connect("127.0.0.1", 0, "alice"); err != nil {
		t.Fatalf("Connect with port 0: %v", err)
	}
}
