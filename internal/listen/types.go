// Package listen is the source side of a stream: it plays songs from the
// library onto the outbound WebRTC audio track in real time and follows
// playback events from the paired sink.
package listen

import "github.com/pion/webrtc/v4/pkg/media"

// Track describes the currently loaded song.
type Track struct {
	SongID     string `json:"song_id"`
	Title      string `json:"title"`
	DurationMs int64  `json:"duration_ms"`
}

// PlayState describes the current playback position.
type PlayState struct {
	Playing    bool  `json:"playing"`
	PositionMs int64 `json:"position_ms"`
	UpdatedAt  int64 `json:"updated_at"` // unix millis
}

// Status is a snapshot of the player.
type Status struct {
	Track     *Track     `json:"track,omitempty"`
	PlayState *PlayState `json:"play_state,omitempty"`
}

// SampleWriter receives paced Opus samples. *webrtc.TrackLocalStaticSample
// satisfies it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}
