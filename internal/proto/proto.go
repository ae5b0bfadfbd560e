package proto

import "github.com/pion/webrtc/v4"

const (
	// websocket endpoint carrying offer/answer/candidate exchange
	SignalEndpoint = "/rtc/signal"

	// websocket endpoint carrying playback events between paired devices
	PlaybackEndpoint = "/playback/state"
)

// Signaling message types.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// SignalingMessage is one negotiation step addressed to a single device.
type SignalingMessage struct {
	Type      string                   `json:"type"` // offer|answer|candidate
	From      string                   `json:"from"`
	To        string                   `json:"to"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Playback event types.
const (
	Play     = "PLAY"
	Pause    = "PAUSE"
	Seek     = "SEEK"
	Volume   = "VOLUME"
	Next     = "NEXT"
	Previous = "PREVIOUS"
	Stop     = "STOP"
)

// PlaybackEvent is a discrete playback change. Optional fields are
// pointers so an absent position is distinguishable from position 0.
type PlaybackEvent struct {
	Type       string   `json:"type"`
	SongID     string   `json:"song_id,omitempty"`
	PositionMs *int64   `json:"position_ms,omitempty"`
	Level      *float64 `json:"level,omitempty"`
}

// At returns a copy of e with the position set.
func (e PlaybackEvent) At(ms int64) PlaybackEvent {
	e.PositionMs = &ms
	return e
}

// Position reports the event position and whether one was sent.
func (e PlaybackEvent) Position() (int64, bool) {
	if e.PositionMs == nil {
		return 0, false
	}
	return *e.PositionMs, true
}
