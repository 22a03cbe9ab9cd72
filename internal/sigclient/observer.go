package sigclient

// Observer receives signaling events from the client.
//
// Callbacks run on the client's internal goroutines and are never invoked
// while the client's lock is held, so implementations may call back into
// the Client (for example SendToPeer from OnMessageFromPeer).
type Observer interface {
	OnSignedIn()
	OnDisconnected()
	OnPeerConnected(id int, name string)
	// OnPeerDisconnected fires both for roster removals and for a "BYE"
	// hangup relayed by a peer.
	OnPeerDisconnected(id int)
	OnMessageFromPeer(peerID int, message string)
	// OnMessageSent reports completion of an outbound control request.
	// code 0 means the connection closed cleanly, 1 means it did not.
	OnMessageSent(code int)
	OnServerConnectionFailure()
}
