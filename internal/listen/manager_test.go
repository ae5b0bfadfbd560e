package listen

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/petervdpas/tunepair/internal/library"
	"github.com/petervdpas/tunepair/internal/proto"
)

type sampleSink struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (s *sampleSink) WriteSample(m media.Sample) error {
	s.mu.Lock()
	s.samples = append(s.samples, m)
	s.mu.Unlock()
	return nil
}

func (s *sampleSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

type recorder struct {
	mu     sync.Mutex
	events []proto.PlaybackEvent
}

func (r *recorder) Publish(ev proto.PlaybackEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func writeOgg(t *testing.T, path string, frames int) {
	t.Helper()
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < frames; i++ {
		w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xf8, 0xff, 0xfe},
		})
	}
	w.Close()
}

func newTestManager(t *testing.T, frames ...int) (*Manager, *library.Library, *sampleSink, *recorder) {
	t.Helper()
	dir := t.TempDir()
	for i, n := range frames {
		writeOgg(t, filepath.Join(dir, string(rune('a'+i))+".ogg"), n)
	}
	lib, err := library.Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lib.Close() })

	out := &sampleSink{}
	pub := &recorder{}
	m := New(lib, out, pub)
	t.Cleanup(m.Close)
	return m, lib, out, pub
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPlayStreamsAndPublishes(t *testing.T) {
	m, _, out, pub := newTestManager(t, 100)

	if err := m.Play(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "samples", func() bool { return out.Len() >= 3 })

	st := m.Status()
	if st.Track == nil || st.Track.Title != "a" || !st.PlayState.Playing {
		t.Fatalf("status = %+v", st)
	}
	if types := pub.Types(); len(types) != 1 || types[0] != proto.Play {
		t.Fatalf("published %v, want [PLAY]", types)
	}

	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	n := out.Len()
	time.Sleep(100 * time.Millisecond)
	if out.Len() != n {
		t.Error("samples kept flowing after pause")
	}
	if m.Status().PlayState.Playing {
		t.Error("status should be paused")
	}
}

func TestSamplesArePaced(t *testing.T) {
	m, _, out, _ := newTestManager(t, 200)

	m.Play()
	time.Sleep(300 * time.Millisecond)
	m.Pause()

	// 20ms frames: roughly 15 in 300ms, never the whole 4s file.
	if n := out.Len(); n < 5 || n > 40 {
		t.Fatalf("wrote %d samples in 300ms", n)
	}
}

func TestRemoteEventsAreNotRepublished(t *testing.T) {
	m, lib, out, pub := newTestManager(t, 100, 100)
	songs := lib.Songs()

	m.HandleEvent(proto.PlaybackEvent{Type: proto.Play, SongID: songs[1].ID}.At(0))
	waitUntil(t, "samples", func() bool { return out.Len() > 0 })
	if st := m.Status(); st.Track.SongID != songs[1].ID {
		t.Fatalf("playing %s, want %s", st.Track.SongID, songs[1].ID)
	}

	m.HandleEvent(proto.PlaybackEvent{Type: proto.Seek}.At(1000))
	if pos := m.Status().PlayState.PositionMs; pos < 1000 || pos > 1200 {
		t.Errorf("position after seek = %d", pos)
	}

	m.HandleEvent(proto.PlaybackEvent{Type: proto.Stop})
	if st := m.Status(); st.PlayState.Playing || st.PlayState.PositionMs != 0 {
		t.Errorf("after stop: %+v", st.PlayState)
	}

	if types := pub.Types(); len(types) != 0 {
		t.Fatalf("remote events were republished: %v", types)
	}
}

func TestTrackEndAdvances(t *testing.T) {
	m, lib, _, pub := newTestManager(t, 5, 100)
	songs := lib.Songs()

	if _, err := m.Load(songs[0].ID); err != nil {
		t.Fatal(err)
	}
	m.Play()

	waitUntil(t, "auto advance", func() bool {
		st := m.Status()
		return st.Track != nil && st.Track.SongID == songs[1].ID
	})
	types := pub.Types()
	if len(types) < 2 || types[len(types)-1] != proto.Next {
		t.Fatalf("published %v, want trailing NEXT", types)
	}
}

func TestPreviousRestartsPastThreeSeconds(t *testing.T) {
	m, lib, _, pub := newTestManager(t, 500, 500)
	songs := lib.Songs()

	m.Load(songs[1].ID)
	m.Seek(4000)
	if err := m.Previous(); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if st.Track.SongID != songs[1].ID || st.PlayState.PositionMs != 0 {
		t.Fatalf("after previous: %+v / %+v", st.Track, st.PlayState)
	}

	if err := m.Previous(); err != nil {
		t.Fatal(err)
	}
	if st := m.Status(); st.Track.SongID != songs[0].ID {
		t.Fatalf("second previous should move back, got %s", st.Track.Title)
	}
	if types := pub.Types(); types[len(types)-1] != proto.Previous {
		t.Errorf("published %v", types)
	}
}

func TestSubscribeStatus(t *testing.T) {
	m, lib, _, _ := newTestManager(t, 100)
	updates, cancel := m.SubscribeStatus()

	m.Load(lib.Songs()[0].ID)
	select {
	case st := <-updates:
		if st.Track == nil || st.Track.Title != "a" {
			t.Fatalf("update = %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no status update after load")
	}

	cancel()
	for range updates {
	}
	cancel() // second cancel is a no-op
}
