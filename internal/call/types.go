package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/tunepair/internal/proto"
)

var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrSessionClosed      = errors.New("session closed")
)

// Signaler is the only surface the call package needs from the transport
// layer. transport.Client[proto.SignalingMessage] satisfies it.
type Signaler interface {
	Connect(ctx context.Context) error
	Send(msg proto.SignalingMessage) error
	Close() error
}

// SignalerFactory builds the signaler for a device. Inbound messages are
// passed to onMessage in arrival order.
type SignalerFactory func(deviceID string, onMessage func(proto.SignalingMessage)) Signaler

// Event is one of TrackReceived, ConnectionStateChanged, ICEStateChanged
// or NegotiationError.
type Event interface{ event() }

// TrackReceived fires when the remote peer's audio track arrives.
type TrackReceived struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// ConnectionStateChanged mirrors the peer connection state.
type ConnectionStateChanged struct {
	State webrtc.PeerConnectionState
}

type ICEStateChanged struct {
	State webrtc.ICEConnectionState
}

// NegotiationError reports a failed negotiation step. The signaler stays up.
type NegotiationError struct {
	Step string
	Err  error
}

func (TrackReceived) event()          {}
func (ConnectionStateChanged) event() {}
func (ICEStateChanged) event()        {}
func (NegotiationError) event()       {}
