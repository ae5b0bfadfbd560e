package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/tunepair/internal/call"
	"github.com/petervdpas/tunepair/internal/pairing"
	"github.com/petervdpas/tunepair/internal/playback"
	"github.com/petervdpas/tunepair/internal/record"
	"github.com/petervdpas/tunepair/internal/util"
)

var errNotPaired = errors.New("no active pairing; run with --code")

// RunSink pairs with a source (using code when given), receives its audio
// and controls playback until ctx ends.
func RunSink(ctx context.Context, o Options, code string) error {
	d, err := openDevice(ctx, o, pairing.KindSink)
	if err != nil {
		return err
	}
	defer d.Close()

	p, err := d.pairSource(ctx, code)
	if err != nil {
		return err
	}
	o.printf("Paired with source %s\n", p.SourceDeviceID)

	ch := d.playbackChannel(playback.Options{
		OnChange: func(st playback.State) {
			log.Debugw("playback state", "playing", st.Playing, "position", st.PositionMs, "song", st.SongID, "volume", st.Volume)
		},
	})
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("playback channel: %w", err)
	}
	defer ch.Close()
	if v := o.Cfg.Playback.Volume; v != playback.DefaultVolume {
		ch.SetVolume(v)
	}

	calls := d.callManager()
	defer calls.Destroy()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ch.Run(gctx) })
	g.Go(func() error { return d.dialSource(gctx, calls, p.SourceDeviceID) })
	g.Go(func() error {
		return readCommands(gctx, o.in(), func(c command) error {
			return sinkCommand(o, ch, c)
		})
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-d.fatal:
			return err
		}
	})

	o.printf("Connecting to source. Type \"help\" for commands.\n")
	return ignoreShutdown(g.Wait())
}

func (d *device) pairSource(ctx context.Context, code string) (*pairing.Pairing, error) {
	if code != "" {
		p, err := pairing.Pair(ctx, d.pairing, d.self.ID, code)
		if err != nil {
			return nil, err
		}
		d.remember(p)
		return p, nil
	}
	if p, ok := d.storedPairing(ctx); ok {
		log.Infow("resuming pairing", "pairing", p.ID, "source", p.SourceDeviceID)
		return p, nil
	}
	return nil, errNotPaired
}

// dialSource offers a session to the source and redials after the peer
// connection fails. Received audio goes to a recorder.
func (d *device) dialSource(ctx context.Context, calls *call.Manager, sourceID string) error {
	cfg := callConfig(d.opts.Cfg.ICE)
	retry := d.opts.Cfg.Signaling.ReconnectInterval()

	s := calls.Acquire(d.self.ID, cfg)
	for {
		if err := s.Initialize(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		failed := make(chan struct{}, 1)
		sctx, cancel := context.WithCancel(ctx)
		go watchSession(sctx, s, func(ev call.Event) {
			switch e := ev.(type) {
			case call.TrackReceived:
				go d.render(e.Track)
			case call.ConnectionStateChanged:
				switch e.State {
				case webrtc.PeerConnectionStateConnected:
					d.opts.printf("Connected to source\n")
				case webrtc.PeerConnectionStateFailed:
					select {
					case failed <- struct{}{}:
					default:
					}
				}
			}
		})

		if err := s.ConnectToDevice(ctx, sourceID); err != nil {
			log.Warnw("offer failed", "err", err)
			select {
			case failed <- struct{}{}:
			default:
			}
		}

		outcome := awaitSession(ctx, s, failed, retry)
		cancel()
		switch outcome {
		case sessionDone:
			return nil
		case sessionStalled:
			log.Warnw("no answer from source, redialing", "source", sourceID, "after", retry)
		case sessionFailed:
			log.Warnw("peer connection failed, redialing", "in", retry)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry):
			}
		}
		s = calls.Replace(d.self.ID, cfg)
	}
}

type sessionOutcome int

const (
	sessionDone sessionOutcome = iota
	sessionFailed
	sessionStalled
)

type connectionStater interface {
	ConnectionState() webrtc.PeerConnectionState
}

// awaitSession blocks until ctx ends, failed fires, or the session is still
// in the new state once stall has passed.
func awaitSession(ctx context.Context, s connectionStater, failed <-chan struct{}, stall time.Duration) sessionOutcome {
	stalled := time.NewTimer(stall)
	defer stalled.Stop()
	for {
		select {
		case <-ctx.Done():
			return sessionDone
		case <-failed:
			return sessionFailed
		case <-stalled.C:
			if s.ConnectionState() == webrtc.PeerConnectionStateNew {
				return sessionStalled
			}
		}
	}
}

// render writes one inbound track to the configured record path. Each
// track gets its own file so a redial does not truncate the last one.
func (d *device) render(track *webrtc.TrackRemote) {
	path := d.opts.Cfg.Media.RecordPath
	if path != "" {
		path = util.ResolvePath(d.opts.Dir, path)
		path = fmt.Sprintf("%s.%s.ogg", strings.TrimSuffix(path, filepath.Ext(path)), time.Now().Format("20060102-150405"))
	}
	rec, err := record.ForTrack(track, path)
	if err != nil {
		log.Errorw("cannot render track", "err", err)
		return
	}
	defer rec.Close()

	if err := rec.Record(track); err != nil {
		log.Warnw("track ended with error", "err", err)
	}
	st := rec.Stats()
	log.Infow("track finished", "packets", st.Packets, "lost", st.Lost, "path", path)
}

func sinkCommand(o Options, ch *playback.Channel, c command) error {
	switch c.name {
	case "play":
		if c.arg == "" {
			return ch.Resume()
		}
		return ch.Play(c.arg, 0)
	case "pause":
		return ch.Pause()
	case "stop":
		return ch.Stop()
	case "next":
		return ch.Next("")
	case "previous":
		return ch.Previous("")
	case "seek":
		ms, err := parsePosition(c.arg)
		if err != nil {
			return err
		}
		return ch.Seek(ms)
	case "vol":
		v, err := strconv.ParseFloat(c.arg, 64)
		if err != nil {
			return fmt.Errorf("invalid volume %q", c.arg)
		}
		return ch.SetVolume(v)
	case "status":
		st := ch.State()
		state := "paused"
		if st.Playing {
			state = "playing"
		}
		o.printf("%s %s at %s, volume %.0f%%\n", state, st.SongID, formatPosition(st.PositionMs), st.Volume*100)
	case "help":
		o.printf("play [song-id], pause, stop, next, prev, seek <m:ss>, vol <0..1>, status, quit\n")
	case "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", c.name)
	}
	return nil
}
