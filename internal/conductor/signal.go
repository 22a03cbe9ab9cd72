package conductor

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type signalKind int

const (
	signalDescription signalKind = iota
	signalCandidate
)

// signal is one decoded signaling payload: either a session description
// (offer or answer) or a trickled ICE candidate.
type signal struct {
	kind      signalKind
	desc      webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
}

// parseSignal classifies a relayed JSON payload. Descriptions carry a
// "type" field, candidates a "candidate" field; anything else is rejected.
func parseSignal(raw string) (signal, error) {
	var probe struct {
		Type      string  `json:"type"`
		Candidate *string `json:"candidate"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return signal{}, fmt.Errorf("conductor: malformed signal: %w", err)
	}

	if probe.Type != "" {
		var desc webrtc.SessionDescription
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			return signal{}, fmt.Errorf("conductor: malformed session description: %w", err)
		}
		if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
			return signal{}, fmt.Errorf("conductor: unsupported description type %q", desc.Type)
		}
		return signal{kind: signalDescription, desc: desc}, nil
	}

	if probe.Candidate != nil {
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(raw), &cand); err != nil {
			return signal{}, fmt.Errorf("conductor: malformed candidate: %w", err)
		}
		return signal{kind: signalCandidate, candidate: cand}, nil
	}

	return signal{}, fmt.Errorf("conductor: signal is neither a description nor a candidate")
}

func marshalSignal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("conductor: marshal signal: %w", err)
	}
	return string(b), nil
}
