package listen

import (
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/tunepair/internal/library"
	"github.com/petervdpas/tunepair/internal/proto"
)

var log = logging.Logger("listen")

var (
	ErrNoTrack = errors.New("no track loaded")
	errStopped = errors.New("stream stopped")
)

// Publisher sends playback events to the paired device.
// *playback.Channel satisfies it.
type Publisher interface {
	Publish(ev proto.PlaybackEvent) error
}

// Manager plays one song at a time from the library onto a sample writer.
type Manager struct {
	lib *library.Library
	out SampleWriter
	pub Publisher

	mu        sync.RWMutex
	track     *Track
	path      string
	playState *PlayState
	stopCh    chan struct{} // closed to stop the streaming goroutine
	gen       int64         // incremented whenever a stream is replaced

	subMu sync.RWMutex
	subs  map[chan Status]struct{}
}

// New creates a manager. pub may be nil when nothing needs to be told
// about local changes.
func New(lib *library.Library, out SampleWriter, pub Publisher) *Manager {
	return &Manager{
		lib:  lib,
		out:  out,
		pub:  pub,
		subs: make(map[chan Status]struct{}),
	}
}

// ── Local controls (published to the sink) ──────────────────────────────────

// Load loads a song, paused at the start.
func (m *Manager) Load(songID string) (*Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(songID)
}

// Play starts or resumes playback.
func (m *Manager) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.track == nil {
		if _, err := m.loadFirstLocked(); err != nil {
			return err
		}
	}
	pos := m.currentPositionLocked()
	m.playLocked(pos)
	m.publish(proto.PlaybackEvent{Type: proto.Play, SongID: m.track.SongID}.At(pos))
	return nil
}

// Pause pauses playback.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.track == nil {
		return ErrNoTrack
	}
	pos := m.pauseLocked()
	m.publish(proto.PlaybackEvent{Type: proto.Pause}.At(pos))
	return nil
}

// Seek jumps to a position in milliseconds.
func (m *Manager) Seek(positionMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.track == nil {
		return ErrNoTrack
	}
	m.seekLocked(positionMs)
	m.publish(proto.PlaybackEvent{Type: proto.Seek}.At(positionMs))
	return nil
}

// Stop stops playback and rewinds.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	m.publish(proto.PlaybackEvent{Type: proto.Stop})
	return nil
}

// Next plays the next song in the library.
func (m *Manager) Next() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipLocked(proto.Next, m.lib.Next)
}

// Previous restarts the song when more than three seconds in, otherwise
// plays the previous song.
func (m *Manager) Previous() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.track != nil && m.currentPositionLocked() > 3000 {
		m.seekLocked(0)
		m.publish(proto.PlaybackEvent{Type: proto.Seek}.At(0))
		return nil
	}
	return m.skipLocked(proto.Previous, m.lib.Previous)
}

func (m *Manager) skipLocked(typ string, step func(string) (library.Song, error)) error {
	cur := ""
	if m.track != nil {
		cur = m.track.SongID
	}
	song, err := step(cur)
	if err != nil {
		return err
	}
	if _, err := m.loadLocked(song.ID); err != nil {
		return err
	}
	m.playLocked(0)
	m.publish(proto.PlaybackEvent{Type: typ, SongID: song.ID})
	return nil
}

// ── Remote events (from the sink, not republished) ──────────────────────────

// HandleEvent applies a playback event received from the paired device.
func (m *Manager) HandleEvent(ev proto.PlaybackEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, hasPos := ev.Position()

	switch ev.Type {
	case proto.Play:
		if ev.SongID != "" && (m.track == nil || m.track.SongID != ev.SongID) {
			if _, err := m.loadLocked(ev.SongID); err != nil {
				log.Warnw("remote play of unknown song", "song", ev.SongID, "err", err)
				return
			}
		}
		if m.track == nil {
			if _, err := m.loadFirstLocked(); err != nil {
				log.Warnw("remote play with empty library", "err", err)
				return
			}
		}
		if !hasPos {
			pos = m.currentPositionLocked()
		}
		m.playLocked(pos)
	case proto.Pause:
		if m.track != nil {
			m.pauseLocked()
		}
	case proto.Seek:
		if hasPos && m.track != nil {
			m.seekLocked(pos)
		}
	case proto.Stop:
		m.stopLocked()
	case proto.Next, proto.Previous:
		id := ev.SongID
		if id == "" {
			step := m.lib.Next
			if ev.Type == proto.Previous {
				step = m.lib.Previous
			}
			cur := ""
			if m.track != nil {
				cur = m.track.SongID
			}
			song, err := step(cur)
			if err != nil {
				log.Warnw("remote skip failed", "type", ev.Type, "err", err)
				return
			}
			id = song.ID
		}
		if _, err := m.loadLocked(id); err != nil {
			log.Warnw("remote skip to unknown song", "song", id, "err", err)
			return
		}
		m.playLocked(0)
	case proto.Volume:
		// Volume is applied by the sink's renderer.
	default:
		log.Debugw("ignoring playback event", "type", ev.Type)
	}
}

// Status returns the current track and an interpolated play state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

// Close stops any running stream.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopStreamLocked()
	m.mu.Unlock()

	m.subMu.Lock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.subMu.Unlock()
}

// ── Subscription ────────────────────────────────────────────────────────────

// SubscribeStatus returns a channel that receives player status updates.
func (m *Manager) SubscribeStatus() (ch chan Status, cancel func()) {
	ch = make(chan Status, 16)

	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel = func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) notify() {
	st := m.statusLocked() // caller holds mu

	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// ── Internal (caller holds mu) ──────────────────────────────────────────────

func (m *Manager) loadLocked(songID string) (*Track, error) {
	song, ok := m.lib.Song(songID)
	if !ok {
		return nil, fmt.Errorf("song %s not in library", songID)
	}

	m.stopStreamLocked()
	m.path = song.Path
	m.track = &Track{SongID: song.ID, Title: song.Title, DurationMs: song.DurationMs}
	m.playState = &PlayState{UpdatedAt: time.Now().UnixMilli()}

	log.Infof("loaded %s (%dms)", song.Title, song.DurationMs)
	m.notify()
	return m.track, nil
}

func (m *Manager) loadFirstLocked() (*Track, error) {
	song, err := m.lib.First()
	if err != nil {
		return nil, err
	}
	return m.loadLocked(song.ID)
}

func (m *Manager) playLocked(pos int64) {
	if m.track == nil {
		return
	}
	if pos < 0 {
		pos = 0
	}
	m.playState = &PlayState{Playing: true, PositionMs: pos, UpdatedAt: time.Now().UnixMilli()}
	m.startStreamLocked(pos)

	log.Infof("play %s from %dms", m.track.Title, pos)
	m.notify()
}

func (m *Manager) pauseLocked() int64 {
	pos := m.currentPositionLocked()
	m.stopStreamLocked()
	m.playState = &PlayState{PositionMs: pos, UpdatedAt: time.Now().UnixMilli()}

	log.Infof("paused at %dms", pos)
	m.notify()
	return pos
}

func (m *Manager) seekLocked(pos int64) {
	if pos < 0 {
		pos = 0
	}
	wasPlaying := m.playState != nil && m.playState.Playing
	m.stopStreamLocked()
	m.playState = &PlayState{Playing: wasPlaying, PositionMs: pos, UpdatedAt: time.Now().UnixMilli()}
	if wasPlaying {
		m.startStreamLocked(pos)
	}

	log.Infof("seek to %dms (playing=%v)", pos, wasPlaying)
	m.notify()
}

func (m *Manager) stopLocked() {
	m.stopStreamLocked()
	if m.track != nil {
		m.playState = &PlayState{UpdatedAt: time.Now().UnixMilli()}
	}
	log.Infof("stopped")
	m.notify()
}

func (m *Manager) startStreamLocked(pos int64) {
	m.stopStreamLocked()
	m.stopCh = make(chan struct{})
	m.gen++

	p := &pagePacer{path: m.path, startMs: pos, out: m.out, done: m.stopCh}
	go m.runStream(p, m.gen)
}

func (m *Manager) stopStreamLocked() {
	if m.stopCh != nil {
		select {
		case <-m.stopCh:
		default:
			close(m.stopCh)
		}
		m.stopCh = nil
	}
}

// runStream streams one song and advances to the next when it ends.
func (m *Manager) runStream(p *pagePacer, gen int64) {
	err := p.stream()
	if errors.Is(err, errStopped) {
		return
	}
	if err != nil {
		log.Warnw("stream ended with error", "path", p.path, "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.stopCh = nil
	if err == nil {
		log.Infof("finished %s", m.track.Title)
		if err := m.skipLocked(proto.Next, m.lib.Next); err != nil {
			log.Warnw("auto-advance failed", "err", err)
		}
		return
	}
	m.pauseLocked()
}

func (m *Manager) currentPositionLocked() int64 {
	if m.playState == nil {
		return 0
	}
	pos := m.playState.PositionMs
	if m.playState.Playing {
		pos += time.Now().UnixMilli() - m.playState.UpdatedAt
	}
	if m.track != nil && m.track.DurationMs > 0 && pos > m.track.DurationMs {
		pos = m.track.DurationMs
	}
	return pos
}

func (m *Manager) statusLocked() Status {
	st := Status{}
	if m.track != nil {
		t := *m.track
		st.Track = &t
	}
	if m.playState != nil {
		ps := *m.playState
		ps.PositionMs = m.currentPositionLocked()
		st.PlayState = &ps
	}
	return st
}

func (m *Manager) publish(ev proto.PlaybackEvent) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(ev); err != nil {
		log.Debugw("playback event not delivered", "type", ev.Type, "err", err)
	}
}
