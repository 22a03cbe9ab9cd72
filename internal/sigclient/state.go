package sigclient

// State is the client's position in the sign-in lifecycle.
type State int

const (
	NotConnected State = iota
	Resolving
	SigningIn
	Connected
	SigningOut
	// SigningOutWaiting means SignOut was requested while a control request
	// was still in flight; the sign-out is issued once it completes.
	SigningOutWaiting
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Resolving:
		return "resolving"
	case SigningIn:
		return "signing_in"
	case Connected:
		return "connected"
	case SigningOut:
		return "signing_out"
	case SigningOutWaiting:
		return "signing_out_waiting"
	default:
		return "unknown"
	}
}
