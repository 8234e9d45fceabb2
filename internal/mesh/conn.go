package mesh

import "github.com/pion/webrtc/v4"

// PeerConnection is the slice of a WebRTC peer connection the coordinator
// drives. PionFactory provides the real one.
type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnNegotiationNeeded(func())
	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnDataChannel(func(DataChannel))
	Close() error
}

type DataChannel interface {
	Label() string
	OnOpen(func())
	OnClose(func())
	OnMessage(func([]byte))
	Send([]byte) error
	Close() error
}

type Factory interface {
	NewPeerConnection(webrtc.Configuration) (PeerConnection, error)
}
