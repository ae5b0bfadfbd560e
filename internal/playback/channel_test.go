package playback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/tunepair/internal/auth"
	"github.com/petervdpas/tunepair/internal/proto"
	"github.com/petervdpas/tunepair/internal/transport"
)

// hub relays every frame to all other connections.
type hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		for c := range h.conns {
			if c != conn {
				c.WriteMessage(websocket.TextMessage, data)
			}
		}
		h.mu.Unlock()
	}
}

func newHubServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(&hub{conns: make(map[*websocket.Conn]struct{})})
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannelsConverge(t *testing.T) {
	base := newHubServer(t)
	topts := transport.Options[proto.PlaybackEvent]{BaseURL: base, Tokens: auth.Static("t")}

	remoteEvents := make(chan proto.PlaybackEvent, 8)
	src := NewChannel(Options{Transport: topts, Tick: time.Hour})
	sink := NewChannel(Options{
		Transport: topts,
		Tick:      time.Hour,
		OnEvent: func(ev proto.PlaybackEvent, remote bool) {
			if remote {
				remoteEvents <- ev
			}
		},
	})

	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if err := sink.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	// Give the hub a moment to register both connections
	time.Sleep(50 * time.Millisecond)

	if err := src.Play("song-1", 12000); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-remoteEvents:
		if got.Type != proto.Play || got.SongID != "song-1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("sink did not receive PLAY")
	}

	if src.State() != sink.State() {
		t.Fatalf("states differ: src=%+v sink=%+v", src.State(), sink.State())
	}
	if st := sink.State(); !st.Playing || st.PositionMs != 12000 {
		t.Fatalf("sink state = %+v", st)
	}
}

func TestPublishWhileDisconnectedStillFoldsLocally(t *testing.T) {
	c := NewChannel(Options{Transport: transport.Options[proto.PlaybackEvent]{
		BaseURL: "ws://127.0.0.1:1", Tokens: auth.Static("t"),
	}})
	err := c.Seek(4200)
	if !errors.Is(err, transport.ErrNotOpen) {
		t.Fatalf("got %v, want ErrNotOpen", err)
	}
	if got := c.State().PositionMs; got != 4200 {
		t.Fatalf("position = %d, want 4200", got)
	}
}

func TestPreviousRestartsSongPastThreshold(t *testing.T) {
	var changes []State
	c := NewChannel(Options{
		Transport: transport.Options[proto.PlaybackEvent]{BaseURL: "ws://127.0.0.1:1", Tokens: auth.Static("t")},
		OnChange:  func(s State) { changes = append(changes, s) },
	})

	c.Play("b", 5000)
	c.Previous("a")
	if st := c.State(); st.SongID != "b" || st.PositionMs != 0 {
		t.Fatalf("past threshold: %+v, want song b at 0", st)
	}

	c.Previous("a")
	if st := c.State(); st.SongID != "a" {
		t.Fatalf("within threshold: %+v, want song a", st)
	}
	if len(changes) != 3 {
		t.Errorf("OnChange fired %d times, want 3", len(changes))
	}
}

func TestRunAdvancesWhilePlaying(t *testing.T) {
	c := NewChannel(Options{
		Transport: transport.Options[proto.PlaybackEvent]{BaseURL: "ws://127.0.0.1:1", Tokens: auth.Static("t")},
		Tick:      10 * time.Millisecond,
	})
	c.Play("s", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run returned %v", err)
	}
	if got := c.State().PositionMs; got < 100 {
		t.Fatalf("position = %d, expected it to advance", got)
	}
}
