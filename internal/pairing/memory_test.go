package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*MemoryService, *fakeClock, *Device, *Device) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewMemoryService(MemoryOptions{TTL: time.Minute, MaxFailedAttempts: 3, Now: clock.Now})

	ctx := context.Background()
	src, err := svc.RegisterDevice(ctx, NewRegisterRequest("phone", KindSource))
	if err != nil {
		t.Fatal(err)
	}
	sink, err := svc.RegisterDevice(ctx, NewRegisterRequest("laptop", KindSink))
	if err != nil {
		t.Fatal(err)
	}
	return svc, clock, src, sink
}

func TestRegisterDeviceKinds(t *testing.T) {
	_, _, src, sink := newTestService(t)
	if src.Kind() != KindSource || src.DeviceType != DeviceTypeMobile {
		t.Errorf("source registered as %+v", src)
	}
	if sink.Kind() != KindSink || sink.DeviceType != DeviceTypeBrowser {
		t.Errorf("sink registered as %+v", sink)
	}
	if src.ID == sink.ID {
		t.Error("device ids must be unique")
	}
}

func TestGenerateCodeRequiresSource(t *testing.T) {
	svc, _, _, sink := newTestService(t)
	if _, err := svc.GenerateCode(context.Background(), sink.ID); err == nil {
		t.Fatal("a sink must not generate codes")
	}
	if _, err := svc.GenerateCode(context.Background(), "nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("got %v, want ErrUnknownDevice", err)
	}
}

func TestPairedExactlyOnce(t *testing.T) {
	svc, _, src, sink := newTestService(t)
	ctx := context.Background()

	p, err := svc.GenerateCode(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateCode(p.Code); err != nil {
		t.Fatalf("generated code %q: %v", p.Code, err)
	}
	if p.Status != StatusPending {
		t.Fatalf("status = %s, want pending", p.Status)
	}

	got, err := Pair(ctx, svc, sink.ID, p.Code)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if got.Status != StatusPaired || got.SinkDeviceID != sink.ID || got.SourceDeviceID != src.ID {
		t.Fatalf("unexpected pairing %+v", got)
	}

	other, _ := svc.RegisterDevice(ctx, NewRegisterRequest("tablet", KindSink))
	_, err = Pair(ctx, svc, other.ID, p.Code)
	if !errors.Is(err, ErrPairingRejected) || !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("second use: got %v, want rejected/not found", err)
	}

	active, err := svc.ActivePairing(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if active.SinkDeviceID != sink.ID {
		t.Errorf("active pairing sink = %s, want %s", active.SinkDeviceID, sink.ID)
	}
	peer, _ := svc.Peer(ctx, sink.ID)
	if peer != src.ID {
		t.Errorf("peer of sink = %s, want %s", peer, src.ID)
	}
}

func TestExpiredCodeIsRejected(t *testing.T) {
	svc, clock, src, sink := newTestService(t)
	ctx := context.Background()

	p, _ := svc.GenerateCode(ctx, src.ID)
	clock.Advance(time.Minute)

	_, err := Pair(ctx, svc, sink.ID, p.Code)
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("got %v, want *RejectedError", err)
	}
	if rej.Status != StatusExpired {
		t.Errorf("status = %q, want expired", rej.Status)
	}
	if _, err := svc.ActivePairing(ctx, src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired pairing must not be active, got %v", err)
	}
}

func TestFailedAttemptsLockOut(t *testing.T) {
	svc, clock, src, sink := newTestService(t)
	ctx := context.Background()

	p, _ := svc.GenerateCode(ctx, src.ID)
	wrong := "000000"
	if p.Code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.ConnectWithCode(ctx, sink.ID, wrong); !errors.Is(err, ErrCodeNotFound) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}
	if _, err := svc.ConnectWithCode(ctx, sink.ID, p.Code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("got %v, want ErrTooManyAttempts", err)
	}

	clock.Advance(time.Minute)
	p2, _ := svc.GenerateCode(ctx, src.ID)
	if _, err := svc.ConnectWithCode(ctx, sink.ID, p2.Code); err != nil {
		t.Fatalf("after lockout window: %v", err)
	}
}

func TestLockoutIsPerUserAndExpiresCodes(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	register := func(name string, kind Kind, user string) *Device {
		t.Helper()
		req := NewRegisterRequest(name, kind)
		req.UserID = user
		d, err := svc.RegisterDevice(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		return d
	}
	src := register("phone", KindSource, "alice")
	sinkA := register("laptop", KindSink, "alice")
	bobSrc := register("bob-phone", KindSource, "bob")
	bobSink := register("bob-tv", KindSink, "bob")

	p, _ := svc.GenerateCode(ctx, src.ID)
	bobCode, _ := svc.GenerateCode(ctx, bobSrc.ID)
	var wrong string
	for _, c := range []string{"000000", "111111", "222222"} {
		if c != p.Code && c != bobCode.Code {
			wrong = c
			break
		}
	}

	for i := 0; i < 3; i++ {
		svc.ConnectWithCode(ctx, sinkA.ID, wrong)
	}

	svc.mu.Lock()
	status, bobStatus := svc.pairings[p.ID].Status, svc.pairings[bobCode.ID].Status
	svc.mu.Unlock()
	if status != StatusExpired {
		t.Errorf("alice's pending code is %s after lockout, want expired", status)
	}
	if bobStatus != StatusPending {
		t.Errorf("bob's code is %s, want pending", bobStatus)
	}

	// a fresh sink under the same user does not reset the count
	sinkB := register("tablet", KindSink, "alice")
	if _, err := svc.ConnectWithCode(ctx, sinkB.ID, p.Code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("new sink of locked-out user: got %v, want ErrTooManyAttempts", err)
	}

	if got, err := svc.ConnectWithCode(ctx, bobSink.ID, bobCode.Code); err != nil || got.Status != StatusPaired {
		t.Fatalf("other user: %+v, %v", got, err)
	}
}

func TestConcurrentConnectPairsOnce(t *testing.T) {
	svc, _, src, _ := newTestService(t)
	ctx := context.Background()
	p, _ := svc.GenerateCode(ctx, src.ID)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		d, _ := svc.RegisterDevice(ctx, NewRegisterRequest("sink", KindSink))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := svc.ConnectWithCode(ctx, id, p.Code); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(d.ID)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d sinks paired, want 1", wins)
	}
}

func TestCustomCodeGenerator(t *testing.T) {
	ctx := context.Background()
	codes := []string{"482913", "482913", "100200"}
	svc := NewMemoryService(MemoryOptions{NewCode: func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}})
	src, _ := svc.RegisterDevice(ctx, NewRegisterRequest("phone", KindSource))

	first, err := svc.GenerateCode(ctx, src.ID)
	if err != nil || first.Code != "482913" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	// a pending code is never handed out twice
	second, err := svc.GenerateCode(ctx, src.ID)
	if err != nil || second.Code != "100200" {
		t.Fatalf("second = %+v, %v", second, err)
	}

	bad := NewMemoryService(MemoryOptions{NewCode: func() (string, error) { return "12ab", nil }})
	src2, _ := bad.RegisterDevice(ctx, NewRegisterRequest("phone", KindSource))
	if _, err := bad.GenerateCode(ctx, src2.ID); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("got %v, want ErrInvalidCode", err)
	}
}
