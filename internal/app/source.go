package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/tunepair/internal/call"
	"github.com/petervdpas/tunepair/internal/library"
	"github.com/petervdpas/tunepair/internal/listen"
	"github.com/petervdpas/tunepair/internal/pairing"
	"github.com/petervdpas/tunepair/internal/playback"
	"github.com/petervdpas/tunepair/internal/proto"
	"github.com/petervdpas/tunepair/internal/util"
)

// pairPollInterval is how often the source asks whether its code was used.
const pairPollInterval = 2 * time.Second

// RunSource pairs with a sink and streams the library to it until ctx ends.
func RunSource(ctx context.Context, o Options) error {
	d, err := openDevice(ctx, o, pairing.KindSource)
	if err != nil {
		return err
	}
	defer d.Close()

	p, err := d.awaitSink(ctx)
	if err != nil {
		return err
	}
	o.printf("Paired with sink %s\n", p.SinkDeviceID)

	lib, err := library.Open(util.ResolvePath(o.Dir, o.Cfg.Media.LibraryDir), func() {
		log.Debugw("library changed")
	})
	if err != nil {
		return err
	}
	defer lib.Close()
	log.Infow("library ready", "dir", lib.Dir(), "songs", lib.Len())

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "tunepair",
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}

	var player *listen.Manager
	ch := d.playbackChannel(playback.Options{
		OnEvent: func(ev proto.PlaybackEvent, remote bool) {
			if remote {
				player.HandleEvent(ev)
			}
		},
	})
	player = listen.New(lib, track, ch)
	defer player.Close()

	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("playback channel: %w", err)
	}
	defer ch.Close()

	calls := d.callManager()
	defer calls.Destroy()
	cfg := callConfig(o.Cfg.ICE, track)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ch.Run(gctx) })
	g.Go(func() error { return d.serveCalls(gctx, calls, cfg) })
	g.Go(func() error { announceTracks(gctx, o, player); return nil })
	g.Go(func() error {
		return readCommands(gctx, o.in(), func(c command) error {
			return sourceCommand(o, lib, player, c)
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

	o.printf("Streaming %d songs. Type \"help\" for commands.\n", lib.Len())
	return ignoreShutdown(g.Wait())
}

// awaitSink reuses an active pairing or shows a code and waits for a sink
// to enter it. Expired codes are replaced.
func (d *device) awaitSink(ctx context.Context) (*pairing.Pairing, error) {
	if p, ok := d.storedPairing(ctx); ok {
		log.Infow("resuming pairing", "pairing", p.ID, "sink", p.SinkDeviceID)
		return p, nil
	}

	for {
		p, err := d.pairing.GenerateCode(ctx, d.self.ID)
		if err != nil {
			return nil, err
		}
		d.opts.printf("Pairing code: %s (valid until %s)\n", p.Code, p.ExpiresAt.Local().Format("15:04:05"))

		paired, err := d.pollPaired(ctx, p)
		if errors.Is(err, pairing.ErrCodeExpired) {
			d.opts.printf("Code expired, generating a new one\n")
			continue
		}
		if err != nil {
			return nil, err
		}
		d.remember(paired)
		return paired, nil
	}
}

func (d *device) pollPaired(ctx context.Context, code *pairing.Pairing) (*pairing.Pairing, error) {
	ticker := time.NewTicker(pairPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		p, err := d.pairing.ActivePairing(ctx, d.self.ID)
		switch {
		case err == nil && p.ID == code.ID:
			return p, nil
		case err != nil && !errors.Is(err, pairing.ErrNotFound):
			log.Warnw("pairing poll failed", "err", err)
		}
		if time.Now().After(code.ExpiresAt) {
			return nil, pairing.ErrCodeExpired
		}
	}
}

// serveCalls keeps a session open for the sink's offers. A failed or
// closed peer connection is replaced by a fresh session.
func (d *device) serveCalls(ctx context.Context, calls *call.Manager, cfg call.Config) error {
	s := calls.Acquire(d.self.ID, cfg)
	for {
		if err := s.Initialize(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		restart := make(chan struct{})
		sctx, cancel := context.WithCancel(ctx)
		go watchSession(sctx, s, func(ev call.Event) {
			if e, ok := ev.(call.ConnectionStateChanged); ok && e.State == webrtc.PeerConnectionStateFailed {
				select {
				case restart <- struct{}{}:
				default:
				}
			}
		})

		select {
		case <-ctx.Done():
			cancel()
			return nil
		case <-restart:
			cancel()
			log.Warnw("peer connection failed, waiting for a new offer")
			s = calls.Replace(d.self.ID, cfg)
		}
	}
}

func sourceCommand(o Options, lib *library.Library, player *listen.Manager, c command) error {
	switch c.name {
	case "play":
		if c.arg == "" {
			return player.Play()
		}
		song, err := pickSong(lib, c.arg)
		if err != nil {
			return err
		}
		if _, err := player.Load(song.ID); err != nil {
			return err
		}
		return player.Play()
	case "pause":
		return player.Pause()
	case "stop":
		return player.Stop()
	case "next":
		return player.Next()
	case "previous":
		return player.Previous()
	case "seek":
		ms, err := parsePosition(c.arg)
		if err != nil {
			return err
		}
		return player.Seek(ms)
	case "list":
		for i, s := range lib.Songs() {
			o.printf("%3d  %-40s %s\n", i+1, s.Title, formatPosition(s.DurationMs))
		}
	case "status":
		st := player.Status()
		if st.Track == nil {
			o.printf("nothing loaded\n")
			return nil
		}
		state := "paused"
		if st.PlayState != nil && st.PlayState.Playing {
			state = "playing"
		}
		var pos int64
		if st.PlayState != nil {
			pos = st.PlayState.PositionMs
		}
		o.printf("%s %s %s / %s\n", state, st.Track.Title, formatPosition(pos), formatPosition(st.Track.DurationMs))
	case "help":
		o.printf("play [n], pause, stop, next, prev, seek <m:ss>, list, status, quit\n")
	case "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", c.name)
	}
	return nil
}

// announceTracks prints the title whenever a different song starts.
func announceTracks(ctx context.Context, o Options, player *listen.Manager) {
	updates, cancel := player.SubscribeStatus()
	defer cancel()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.Track == nil || st.PlayState == nil || !st.PlayState.Playing || st.Track.SongID == last {
				continue
			}
			last = st.Track.SongID
			o.printf("Now playing: %s (%s)\n", st.Track.Title, formatPosition(st.Track.DurationMs))
		}
	}
}

// pickSong resolves a 1-based list index or a song id.
func pickSong(lib *library.Library, arg string) (library.Song, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		songs := lib.Songs()
		if n < 1 || n > len(songs) {
			return library.Song{}, fmt.Errorf("no song %d", n)
		}
		return songs[n-1], nil
	}
	if s, ok := lib.Song(arg); ok {
		return s, nil
	}
	return library.Song{}, fmt.Errorf("no song %q", arg)
}

func ignoreShutdown(err error) error {
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
