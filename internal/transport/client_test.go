package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/tunepair/internal/auth"
)

type frame struct {
	Kind string `json:"kind"`
	N    int    `json:"n"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSendsTokenAndParams(t *testing.T) {
	var got url.Values
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.URL.Query()
		mu.Unlock()
		if r.URL.Path != "/ws/rtc/signal" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options[frame]{
		BaseURL:  wsURL(srv) + "/ws",
		Endpoint: "/rtc/signal",
		Params:   url.Values{"device_id": {"dev-1"}},
		Tokens:   auth.Static("a b&c"),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	mu.Lock()
	defer mu.Unlock()
	if got.Get("token") != "a b&c" {
		t.Errorf("token = %q, want %q", got.Get("token"), "a b&c")
	}
	if got.Get("device_id") != "dev-1" {
		t.Errorf("device_id = %q", got.Get("device_id"))
	}
	if !c.Connected() {
		t.Error("expected connected")
	}
}

func TestConnectWithoutTokenFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	var exhausted atomic.Bool
	c := New(Options[frame]{
		BaseURL:              wsURL(srv),
		Endpoint:             "/x",
		Tokens:               auth.Static(""),
		ReconnectInterval:    5 * time.Millisecond,
		OnReconnectExhausted: func() { exhausted.Store(true) },
	})
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("got %v, want ErrAuthUnavailable", err)
	}

	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 0 {
		t.Errorf("server was dialed %d times", hits.Load())
	}
	if exhausted.Load() {
		t.Error("first-connect auth failure must not start reconnecting")
	}
}

func TestSendWhileClosed(t *testing.T) {
	c := New(Options[frame]{BaseURL: "ws://127.0.0.1:1", Endpoint: "/x", Tokens: auth.Static("t")})
	if err := c.Send(frame{Kind: "a"}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("got %v, want ErrNotOpen", err)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"a","n":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"b","n":"wrong"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"c","n":3}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var got []frame
	c := New(Options[frame]{
		BaseURL:  wsURL(srv),
		Endpoint: "/x",
		Tokens:   auth.Static("t"),
		OnMessage: func(f frame) {
			mu.Lock()
			got = append(got, f)
			mu.Unlock()
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	waitFor(t, "two frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	if got[0].Kind != "a" || got[1].Kind != "c" {
		t.Errorf("got %+v, want frames a then c", got)
	}
	mu.Unlock()
	if !c.Connected() {
		t.Error("malformed frames must not close the connection")
	}
}

func TestReconnectIsBounded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	var exhausted atomic.Int32
	var closes atomic.Int32
	c := New(Options[frame]{
		BaseURL:              wsURL(srv),
		Endpoint:             "/x",
		Tokens:               auth.Static("t"),
		ReconnectInterval:    10 * time.Millisecond,
		OnClose:              func(error) { closes.Add(1) },
		OnReconnectExhausted: func() { exhausted.Add(1) },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	waitFor(t, "reconnect exhaustion", func() bool { return exhausted.Load() == 1 })
	time.Sleep(50 * time.Millisecond)

	if got := hits.Load(); got != 1+DefaultMaxReconnectAttempts {
		t.Errorf("dials = %d, want %d", got, 1+DefaultMaxReconnectAttempts)
	}
	if exhausted.Load() != 1 {
		t.Errorf("exhausted fired %d times", exhausted.Load())
	}
	if closes.Load() != 1 {
		t.Errorf("OnClose fired %d times, want 1", closes.Load())
	}
}

func TestReconnectCounterResetsOnOpen(t *testing.T) {
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		opens.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	var exhausted atomic.Bool
	c := New(Options[frame]{
		BaseURL:              wsURL(srv),
		Endpoint:             "/x",
		Tokens:               auth.Static("t"),
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		OnReconnectExhausted: func() { exhausted.Store(true) },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "repeated reopen", func() bool { return opens.Load() >= 6 })
	c.Close()

	if exhausted.Load() {
		t.Error("successful opens should reset the attempt counter")
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	dropped := make(chan struct{}, 1)
	c := New(Options[frame]{
		BaseURL:           wsURL(srv),
		Endpoint:          "/x",
		Tokens:            auth.Static("t"),
		ReconnectInterval: 100 * time.Millisecond,
		OnClose: func(err error) {
			if err != nil {
				select {
				case dropped <- struct{}{}:
				default:
				}
			}
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not dropped")
	}
	c.Close()
	c.Close()

	time.Sleep(250 * time.Millisecond)
	if hits.Load() != 1 {
		t.Errorf("dials after Close: got %d total, want 1", hits.Load())
	}
}

func TestReconnectStopsWhenTokenDisappears(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	var calls atomic.Int32
	tokens := auth.Func(func(context.Context) (string, error) {
		if calls.Add(1) > 1 {
			return "", auth.ErrNoToken
		}
		return "t", nil
	})

	var exhausted atomic.Bool
	c := New(Options[frame]{
		BaseURL:              wsURL(srv),
		Endpoint:             "/x",
		Tokens:               tokens,
		ReconnectInterval:    5 * time.Millisecond,
		OnReconnectExhausted: func() { exhausted.Store(true) },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	waitFor(t, "exhaustion after token loss", exhausted.Load)
	if calls.Load() != 2 {
		t.Errorf("token fetched %d times, want 2", calls.Load())
	}
}

func TestManualConnectSupersedesPendingReconnect(t *testing.T) {
	var opens atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if opens.Add(1) == 1 {
			return
		}
		conn.WriteJSON(frame{Kind: "hello", N: int(opens.Load())})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var delivered atomic.Int32
	dropped := make(chan struct{}, 1)
	c := New(Options[frame]{
		BaseURL:           wsURL(srv),
		Endpoint:          "/x",
		Tokens:            auth.Static("t"),
		ReconnectInterval: 200 * time.Millisecond,
		OnMessage:         func(frame) { delivered.Add(1) },
		OnClose: func(err error) {
			if err != nil {
				select {
				case dropped <- struct{}{}:
				default:
				}
			}
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection was not dropped")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// past the reconnect interval the timer must not have dialed again
	time.Sleep(400 * time.Millisecond)
	if got := opens.Load(); got != 2 {
		t.Errorf("server saw %d connections, want 2", got)
	}
	if got := delivered.Load(); got != 1 {
		t.Errorf("frames delivered = %d, want 1", got)
	}
	if !c.Connected() {
		t.Error("client should still be connected")
	}
}
