package call

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/petervdpas/tunepair/internal/pairing"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func TestSourceStreamsAudioToSink(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	ctx := context.Background()
	svc := pairing.NewMemoryService(pairing.MemoryOptions{
		NewCode: func() (string, error) { return "482913", nil },
	})
	srcDev, err := svc.RegisterDevice(ctx, pairing.NewRegisterRequest("speaker", pairing.KindSource))
	if err != nil {
		t.Fatal(err)
	}
	sinkDev, err := svc.RegisterDevice(ctx, pairing.NewRegisterRequest("viewer", pairing.KindSink))
	if err != nil {
		t.Fatal(err)
	}
	code, err := svc.GenerateCode(ctx, srcDev.ID)
	if err != nil || code.Code != "482913" {
		t.Fatalf("generate code: %+v, %v", code, err)
	}
	p, err := pairing.Pair(ctx, svc, sinkDev.ID, "482913")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != pairing.StatusPaired || p.SourceDeviceID != srcDev.ID {
		t.Fatalf("pairing = %+v", p)
	}
	srcID, sinkID := p.SourceDeviceID, sinkDev.ID

	b := newBus()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "tunepair")
	if err != nil {
		t.Fatal(err)
	}

	srcCfg := testConfig()
	srcCfg.LocalTracks = []webrtc.TrackLocal{track}
	src := NewSession(srcID, srcCfg, b.factory())
	sink := NewSession(sinkID, testConfig(), b.factory())
	defer src.Close()
	defer sink.Close()

	events, cancel := sink.Subscribe()
	defer cancel()

	if err := src.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sink.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()

	if err := sink.ConnectToDevice(ctx, srcID); err != nil {
		t.Fatal(err)
	}

	var got *webrtc.TrackRemote
	connected := false
	timeout := time.After(20 * time.Second)
	for got == nil || !connected {
		select {
		case ev := <-events:
			switch ev := ev.(type) {
			case TrackReceived:
				got = ev.Track
			case ConnectionStateChanged:
				if ev.State == webrtc.PeerConnectionStateConnected {
					connected = true
				}
				if ev.State == webrtc.PeerConnectionStateFailed {
					t.Fatal("sink connection failed")
				}
			case NegotiationError:
				t.Fatalf("negotiation error at %s: %v", ev.Step, ev.Err)
			}
		case <-timeout:
			t.Fatalf("timed out: track=%v connected=%v", got != nil, connected)
		}
	}

	if !strings.EqualFold(got.Codec().MimeType, webrtc.MimeTypeOpus) {
		t.Errorf("codec = %s, want opus", got.Codec().MimeType)
	}
	if sink.AudioTrack() != got {
		t.Error("AudioTrack should return the received track")
	}
	if src.RemoteDeviceID() != sinkID || sink.RemoteDeviceID() != srcID {
		t.Errorf("remotes: src=%q sink=%q", src.RemoteDeviceID(), sink.RemoteDeviceID())
	}

	deadline := time.Now().Add(5 * time.Second)
	for src.ConnectionState() != webrtc.PeerConnectionStateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("source state = %s", src.ConnectionState())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
