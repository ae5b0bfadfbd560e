// Package app wires the packages together into the three roles a tunepair
// process can run as: source, sink and development relay.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/tunepair/internal/auth"
	"github.com/petervdpas/tunepair/internal/call"
	"github.com/petervdpas/tunepair/internal/config"
	"github.com/petervdpas/tunepair/internal/pairing"
	"github.com/petervdpas/tunepair/internal/playback"
	"github.com/petervdpas/tunepair/internal/proto"
	"github.com/petervdpas/tunepair/internal/storage"
	"github.com/petervdpas/tunepair/internal/transport"
	"github.com/petervdpas/tunepair/internal/util"
)

var log = logging.Logger("tunepair")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// In carries interactive commands, Out receives status lines.
	// They default to stdin and stdout.
	In  io.Reader
	Out io.Writer
}

func (o Options) in() io.Reader {
	if o.In == nil {
		return os.Stdin
	}
	return o.In
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

func (o Options) printf(format string, args ...any) {
	fmt.Fprintf(o.out(), format, args...)
}

// device bundles what both client roles need before they can talk to the
// paired device.
type device struct {
	opts    Options
	db      *storage.DB
	tokens  auth.Source
	pairing pairing.Service
	self    pairing.Device
	fatal   chan error
}

func openDevice(ctx context.Context, o Options, kind pairing.Kind) (*device, error) {
	cfg := o.Cfg
	db, err := storage.Open(util.ResolvePath(o.Dir, cfg.Device.StateDir))
	if err != nil {
		return nil, err
	}

	d := &device{
		opts:    o,
		db:      db,
		tokens:  tokenSource(o),
		pairing: pairing.NewClient(cfg.Services.PairingURL, tokenSource(o)),
		fatal:   make(chan error, 4),
	}
	self, err := d.ensureIdentity(ctx, kind)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.self = self
	log.Debugw("device ready", "id", self.ID, "state", db.Path())
	return d, nil
}

func (d *device) Close() error {
	return d.db.Close()
}

// ensureIdentity registers the device once and reuses the stored id after.
func (d *device) ensureIdentity(ctx context.Context, kind pairing.Kind) (pairing.Device, error) {
	id, err := d.db.LoadIdentity()
	if err == nil && id.Device.Kind() == kind {
		log.Infow("using stored identity", "device", id.Device.ID, "kind", kind)
		return id.Device, nil
	}
	if err == nil {
		log.Warnw("stored identity has another role, registering again", "stored", id.Device.Kind(), "want", kind)
	}

	dev, err := d.pairing.RegisterDevice(ctx, pairing.NewRegisterRequest(d.opts.Cfg.Device.Name, kind))
	if err != nil {
		return pairing.Device{}, err
	}
	if err := d.db.SaveIdentity(*dev); err != nil {
		return pairing.Device{}, err
	}
	log.Infow("registered device", "device", dev.ID, "name", dev.DisplayName, "kind", kind)
	return *dev, nil
}

// storedPairing returns the last pairing if the service still reports it
// as active.
func (d *device) storedPairing(ctx context.Context) (*pairing.Pairing, bool) {
	if _, err := d.db.LastPairing(); err != nil {
		return nil, false
	}
	p, err := d.pairing.ActivePairing(ctx, d.self.ID)
	if err != nil {
		log.Debugw("stored pairing no longer active", "err", err)
		return nil, false
	}
	return p, true
}

func (d *device) remember(p *pairing.Pairing) {
	if err := d.db.SavePairing(*p); err != nil {
		log.Warnw("could not store pairing", "err", err)
	}
}

func tokenSource(o Options) auth.Source {
	if t := strings.TrimSpace(o.Cfg.Auth.Token); t != "" {
		return auth.Static(t)
	}
	if f := o.Cfg.Auth.TokenFile; f != "" {
		return auth.File(util.ResolvePath(o.Dir, f))
	}
	return auth.Static("")
}

// transportOptions fills the connection settings shared by the signaling
// and playback clients. Exhaustion is reported on d.fatal.
func transportOptions[T any](d *device, name string) transport.Options[T] {
	cfg := d.opts.Cfg.Signaling
	return transport.Options[T]{
		BaseURL:              cfg.WSBaseURL,
		Params:               map[string][]string{"device_id": {d.self.ID}},
		Tokens:               d.tokens,
		ReconnectInterval:    cfg.ReconnectInterval(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		PingInterval:         cfg.PingInterval(),
		OnOpen: func() {
			log.Infow("connected", "channel", name)
		},
		OnError: func(err error) {
			log.Warnw("connection error", "channel", name, "err", err)
		},
		OnReconnectExhausted: func() {
			select {
			case d.fatal <- fmt.Errorf("%s: %w", name, errReconnectExhausted):
			default:
			}
		},
	}
}

func (d *device) playbackChannel(opts playback.Options) *playback.Channel {
	opts.Transport = transportOptions[proto.PlaybackEvent](d, "playback")
	opts.Tick = d.opts.Cfg.Playback.Tick()
	return playback.NewChannel(opts)
}

func (d *device) callManager() *call.Manager {
	return call.NewManager(call.WebsocketSignaler(transportOptions[proto.SignalingMessage](d, "signaling")))
}

// callConfig maps the ice section onto a session config.
func callConfig(cfg config.ICE, tracks ...webrtc.TrackLocal) call.Config {
	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if cfg.TURNURL != "" {
		if servers == nil {
			servers = append(servers, call.DefaultICEServers...)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return call.Config{
		ICEServers:      servers,
		LocalTracks:     tracks,
		CandidateBuffer: cfg.CandidateBuffer,
	}
}

// watchSession logs session events and hands them to fn until the
// subscription closes or ctx ends.
func watchSession(ctx context.Context, s *call.Session, fn func(call.Event)) {
	events, cancel := s.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case call.ConnectionStateChanged:
				log.Infow("peer connection", "state", e.State.String())
			case call.NegotiationError:
				log.Warnw("negotiation failed", "step", e.Step, "err", e.Err)
			}
			if fn != nil {
				fn(ev)
			}
		}
	}
}
