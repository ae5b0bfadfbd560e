package playback

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/tunepair/internal/proto"
	"github.com/petervdpas/tunepair/internal/transport"
)

var log = logging.Logger("playback")

const (
	DefaultTick = time.Second

	// restartThresholdMs is how far into a song Previous restarts it
	// instead of going back a track.
	restartThresholdMs = 3000
)

type Options struct {
	// Transport carries the connection settings; Endpoint and OnMessage
	// are set by the channel.
	Transport transport.Options[proto.PlaybackEvent]
	Tick      time.Duration

	// OnEvent is called after an event is folded, with remote=true for
	// events from the paired device.
	OnEvent func(ev proto.PlaybackEvent, remote bool)
	// OnChange is called with the new state whenever an event changes it.
	OnChange func(State)
}

// Channel exchanges playback events with the paired device and keeps a
// local Tracker. Last write wins; nothing is replayed after a reconnect.
type Channel struct {
	client  *transport.Client[proto.PlaybackEvent]
	tracker *Tracker
	tick    time.Duration

	onEvent  func(proto.PlaybackEvent, bool)
	onChange func(State)
}

func NewChannel(opts Options) *Channel {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	c := &Channel{
		tracker:  NewTracker(),
		tick:     opts.Tick,
		onEvent:  opts.OnEvent,
		onChange: opts.OnChange,
	}
	topts := opts.Transport
	topts.Endpoint = proto.PlaybackEndpoint
	topts.OnMessage = func(ev proto.PlaybackEvent) { c.apply(ev, true) }
	c.client = transport.New(topts)
	return c
}

func (c *Channel) Connect(ctx context.Context) error { return c.client.Connect(ctx) }

func (c *Channel) Close() error { return c.client.Close() }

func (c *Channel) Connected() bool { return c.client.Connected() }

func (c *Channel) State() State { return c.tracker.State() }

// Run advances the local position once per tick until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tracker.Advance(c.tick)
		}
	}
}

// Publish folds ev locally and sends it to the paired device. The local
// fold happens even when the send fails.
func (c *Channel) Publish(ev proto.PlaybackEvent) error {
	c.apply(ev, false)
	if err := c.client.Send(ev); err != nil {
		log.Warnw("playback event not sent", "type", ev.Type, "err", err)
		return err
	}
	return nil
}

func (c *Channel) apply(ev proto.PlaybackEvent, remote bool) {
	changed := c.tracker.Apply(ev)
	log.Debugw("playback event", "type", ev.Type, "remote", remote, "changed", changed)

	if c.onEvent != nil {
		c.onEvent(ev, remote)
	}
	if changed && c.onChange != nil {
		c.onChange(c.tracker.State())
	}
}

func (c *Channel) Play(songID string, positionMs int64) error {
	return c.Publish(proto.PlaybackEvent{Type: proto.Play, SongID: songID}.At(positionMs))
}

// Resume plays from the current position.
func (c *Channel) Resume() error {
	return c.Play(c.State().SongID, c.State().PositionMs)
}

func (c *Channel) Pause() error {
	return c.Publish(proto.PlaybackEvent{Type: proto.Pause}.At(c.State().PositionMs))
}

func (c *Channel) Seek(positionMs int64) error {
	return c.Publish(proto.PlaybackEvent{Type: proto.Seek}.At(positionMs))
}

func (c *Channel) Stop() error {
	return c.Publish(proto.PlaybackEvent{Type: proto.Stop})
}

func (c *Channel) SetVolume(level float64) error {
	level = clamp(level)
	return c.Publish(proto.PlaybackEvent{Type: proto.Volume, Level: &level})
}

func (c *Channel) Next(songID string) error {
	return c.Publish(proto.PlaybackEvent{Type: proto.Next, SongID: songID})
}

// Previous restarts the current song when more than three seconds in,
// otherwise moves to songID.
func (c *Channel) Previous(songID string) error {
	if c.State().PositionMs > restartThresholdMs {
		return c.Seek(0)
	}
	return c.Publish(proto.PlaybackEvent{Type: proto.Previous, SongID: songID})
}
