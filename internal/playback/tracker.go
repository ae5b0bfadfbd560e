// Package playback keeps a device's view of play/pause/seek state in step
// with the paired device by exchanging discrete playback events.
package playback

import (
	"sync"
	"time"

	"github.com/petervdpas/tunepair/internal/proto"
)

// DefaultVolume is the level a fresh tracker starts at.
const DefaultVolume = 0.8

// State is a device's local view of playback.
type State struct {
	Playing    bool    `json:"playing"`
	PositionMs int64   `json:"position_ms"`
	SongID     string  `json:"song_id,omitempty"`
	Volume     float64 `json:"volume"`
}

// Tracker folds playback events into a State and interpolates the position
// while playing. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	state State
}

func NewTracker() *Tracker {
	return &Tracker{state: State{Volume: DefaultVolume}}
}

// Apply folds one event. It reports whether the event changed anything;
// events missing a required field and unknown types are dropped.
func (t *Tracker) Apply(ev proto.PlaybackEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.state
	pos, hasPos := ev.Position()

	switch ev.Type {
	case proto.Play:
		t.state.Playing = true
		if hasPos {
			t.state.PositionMs = pos
		}
		if ev.SongID != "" {
			t.state.SongID = ev.SongID
		}
	case proto.Pause:
		t.state.Playing = false
	case proto.Seek:
		if !hasPos {
			return false
		}
		t.state.PositionMs = pos
	case proto.Stop:
		t.state.Playing = false
		t.state.PositionMs = 0
	case proto.Volume:
		if ev.Level == nil {
			return false
		}
		t.state.Volume = clamp(*ev.Level)
	case proto.Next, proto.Previous:
		t.state.PositionMs = 0
		if ev.SongID != "" {
			t.state.SongID = ev.SongID
		}
	default:
		return false
	}

	if t.state.PositionMs < 0 {
		t.state.PositionMs = 0
	}
	return t.state != before
}

// Advance moves the position forward by d while playing.
func (t *Tracker) Advance(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Playing {
		t.state.PositionMs += d.Milliseconds()
	}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
