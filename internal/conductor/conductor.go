// Package conductor drives a data-channel call on top of the signaling
// client. SDP descriptions and trickled ICE candidates travel as opaque
// JSON through the rendezvous server; once the peer connection is up, chat
// traffic flows directly over a reliable data channel.
package conductor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mintwire/peersig/internal/sigclient"
)

const chatChannelLabel = "chat"

// hangupMessage ends a call; it is relayed verbatim, never as JSON.
const hangupMessage = "BYE"

// Signaler is the slice of the signaling client the conductor needs.
type Signaler interface {
	SendToPeer(peerID int, message string) error
	SendHangUp(peerID int) error
}

// Config wires the conductor's WebRTC stack and event hooks. Nil hooks are
// skipped.
type Config struct {
	// API overrides the WebRTC API, mainly so tests can inject a vnet.
	API    *webrtc.API
	WebRTC webrtc.Configuration
	Logger *slog.Logger

	OnSignedIn       func()
	OnSignedOut      func()
	OnPeerJoined     func(id int, name string)
	OnPeerLeft       func(id int)
	OnChannelOpen    func(peerID int)
	OnChannelMessage func(peerID int, data []byte)
	OnChannelClose   func(peerID int)
}

// Conductor manages at most one call at a time. It implements
// sigclient.Observer; register it as the observer of the client attached
// as the Signaler.
type Conductor struct {
	log    *slog.Logger
	api    *webrtc.API
	rtcCfg webrtc.Configuration
	sig    Signaler
	hooks  Config

	mu      sync.Mutex
	peerID  int
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	pending []pendingSignal
	// sending is set while one of our control requests is in flight;
	// cleared by OnMessageSent.
	sending bool
}

type pendingSignal struct {
	peerID  int
	payload string
}

var _ sigclient.Observer = (*Conductor)(nil)

func New(cfg Config) *Conductor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	return &Conductor{
		log:    log,
		api:    api,
		rtcCfg: cfg.WebRTC,
		hooks:  cfg,
		peerID: -1,
	}
}

// Attach binds the signaling client. The conductor is the client's
// observer and the client its transport, so construction happens in two
// steps: build the conductor, build the client around it, then attach.
func (c *Conductor) Attach(sig Signaler) {
	c.mu.Lock()
	c.sig = sig
	c.mu.Unlock()
}

// CurrentPeer returns the id of the peer we are in a call with, -1 when
// idle.
func (c *Conductor) CurrentPeer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// CallPeer opens a peer connection to peerID and sends the offer through
// the signaling server.
func (c *Conductor) CallPeer(peerID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc != nil {
		return fmt.Errorf("conductor: already in a call with peer %d", c.peerID)
	}
	if err := c.createPeerConnectionLocked(peerID); err != nil {
		return err
	}
	dc, err := c.pc.CreateDataChannel(chatChannelLabel, nil)
	if err != nil {
		c.teardownLocked()
		return fmt.Errorf("conductor: create data channel: %w", err)
	}
	c.adoptChannelLocked(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.teardownLocked()
		return fmt.Errorf("conductor: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.teardownLocked()
		return fmt.Errorf("conductor: set local offer: %w", err)
	}
	payload, err := marshalSignal(offer)
	if err != nil {
		c.teardownLocked()
		return err
	}
	c.log.Info("calling peer", "peer", peerID)
	c.queueSignalLocked(peerID, payload)
	return nil
}

// Send delivers one text message over the call's data channel.
func (c *Conductor) Send(text string) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("conductor: no open data channel")
	}
	return dc.SendText(text)
}

// HangUp tears the call down and tells the remote peer via the server.
func (c *Conductor) HangUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	peer := c.peerID
	if peer == -1 {
		return nil
	}
	c.teardownLocked()
	c.queueSignalLocked(peer, hangupMessage)
	return nil
}

// Close drops any active call without notifying the peer.
func (c *Conductor) Close() {
	c.mu.Lock()
	c.teardownLocked()
	c.sending = false
	c.mu.Unlock()
}

func (c *Conductor) createPeerConnectionLocked(peerID int) error {
	pc, err := c.api.NewPeerConnection(c.rtcCfg)
	if err != nil {
		return fmt.Errorf("conductor: new peer connection: %w", err)
	}
	c.pc = pc
	c.peerID = peerID

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := marshalSignal(cand.ToJSON())
		if err != nil {
			c.log.Warn("dropping candidate", "err", err)
			return
		}
		c.mu.Lock()
		if c.pc == pc {
			c.queueSignalLocked(peerID, payload)
		}
		c.mu.Unlock()
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		if c.pc == pc && c.dc == nil {
			c.adoptChannelLocked(dc)
		}
		c.mu.Unlock()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info("peer connection state", "peer", peerID, "state", state.String())
	})
	return nil
}

func (c *Conductor) adoptChannelLocked(dc *webrtc.DataChannel) {
	c.dc = dc
	peerID := c.peerID
	dc.OnOpen(func() {
		c.log.Info("data channel open", "peer", peerID, "label", dc.Label())
		if c.hooks.OnChannelOpen != nil {
			c.hooks.OnChannelOpen(peerID)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.hooks.OnChannelMessage != nil {
			c.hooks.OnChannelMessage(peerID, msg.Data)
		}
	})
	dc.OnClose(func() {
		c.log.Info("data channel closed", "peer", peerID)
		if c.hooks.OnChannelClose != nil {
			c.hooks.OnChannelClose(peerID)
		}
	})
}

func (c *Conductor) teardownLocked() {
	if c.dc != nil {
		c.dc.Close()
		c.dc = nil
	}
	if c.pc != nil {
		c.pc.Close()
		c.pc = nil
	}
	c.peerID = -1
	c.pending = nil
}

// queueSignalLocked enqueues one payload for the peer and pushes the queue
// forward. Only one control request may be in flight at a time, so
// signals drain one per OnMessageSent.
func (c *Conductor) queueSignalLocked(peerID int, payload string) {
	c.pending = append(c.pending, pendingSignal{peerID: peerID, payload: payload})
	c.drainLocked()
}

func (c *Conductor) drainLocked() {
	if c.sig == nil || c.sending || len(c.pending) == 0 {
		return
	}
	next := c.pending[0]
	err := c.sig.SendToPeer(next.peerID, next.payload)
	switch {
	case err == nil:
		c.pending = c.pending[1:]
		c.sending = true
	case errors.Is(err, sigclient.ErrRequestPending):
		// Someone else's request is in flight; retry on completion.
	default:
		c.log.Warn("dropping signal", "peer", next.peerID, "err", err)
		c.pending = c.pending[1:]
	}
}

// Observer implementation: the conductor reacts to signaling events and
// forwards roster changes to its hooks.

func (c *Conductor) OnSignedIn() {
	c.log.Info("signed in")
	if c.hooks.OnSignedIn != nil {
		c.hooks.OnSignedIn()
	}
}

func (c *Conductor) OnDisconnected() {
	c.log.Info("disconnected from server")
	c.mu.Lock()
	c.teardownLocked()
	c.sending = false
	c.mu.Unlock()
	if c.hooks.OnSignedOut != nil {
		c.hooks.OnSignedOut()
	}
}

func (c *Conductor) OnPeerConnected(id int, name string) {
	c.log.Info("peer joined", "id", id, "name", name)
	if c.hooks.OnPeerJoined != nil {
		c.hooks.OnPeerJoined(id, name)
	}
}

func (c *Conductor) OnPeerDisconnected(id int) {
	c.log.Info("peer left", "id", id)
	c.mu.Lock()
	if id == c.peerID {
		c.teardownLocked()
	}
	c.mu.Unlock()
	if c.hooks.OnPeerLeft != nil {
		c.hooks.OnPeerLeft(id)
	}
}

func (c *Conductor) OnMessageFromPeer(peerID int, message string) {
	if message == hangupMessage {
		// The signaling client already surfaces BYE as OnPeerDisconnected.
		return
	}
	sig, err := parseSignal(message)
	if err != nil {
		c.log.Warn("ignoring unparseable signal", "peer", peerID, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch sig.kind {
	case signalDescription:
		if sig.desc.Type == webrtc.SDPTypeOffer {
			c.handleOfferLocked(peerID, sig.desc)
			return
		}
		if c.pc == nil || c.peerID != peerID {
			c.log.Warn("answer from unexpected peer", "peer", peerID)
			return
		}
		if err := c.pc.SetRemoteDescription(sig.desc); err != nil {
			c.log.Error("set remote answer", "err", err)
		}

	case signalCandidate:
		if c.pc == nil || c.peerID != peerID {
			c.log.Warn("candidate from unexpected peer", "peer", peerID)
			return
		}
		if err := c.pc.AddICECandidate(sig.candidate); err != nil {
			c.log.Warn("add candidate", "err", err)
		}
	}
}

func (c *Conductor) handleOfferLocked(peerID int, offer webrtc.SessionDescription) {
	if c.pc != nil && c.peerID != peerID {
		c.log.Warn("rejecting offer while in a call", "from", peerID, "current", c.peerID)
		return
	}
	if c.pc == nil {
		if err := c.createPeerConnectionLocked(peerID); err != nil {
			c.log.Error("answering offer", "err", err)
			return
		}
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		c.log.Error("set remote offer", "err", err)
		c.teardownLocked()
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.log.Error("create answer", "err", err)
		c.teardownLocked()
		return
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.log.Error("set local answer", "err", err)
		c.teardownLocked()
		return
	}
	payload, err := marshalSignal(answer)
	if err != nil {
		c.log.Error("marshal answer", "err", err)
		c.teardownLocked()
		return
	}
	c.log.Info("answering call", "peer", peerID)
	c.queueSignalLocked(peerID, payload)
}

func (c *Conductor) OnMessageSent(code int) {
	if code != 0 {
		c.log.Warn("control request closed abnormally", "code", code)
	}
	c.mu.Lock()
	c.sending = false
	c.drainLocked()
	c.mu.Unlock()
}

func (c *Conductor) OnServerConnectionFailure() {
	c.log.Error("failed to reach the signaling server")
}
