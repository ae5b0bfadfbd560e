package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are the public STUN servers used when none are configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Config tunes a session's peer connection.
type Config struct {
	// ICEServers defaults to DefaultICEServers when nil. An empty non-nil
	// slice means host candidates only.
	ICEServers []webrtc.ICEServer

	// LocalTracks are sent to the remote peer (source side).
	LocalTracks []webrtc.TrackLocal

	// CandidateBuffer is how many local candidates to hold while the remote
	// device is still unknown. Zero drops them.
	CandidateBuffer int

	IncludeLoopback bool
	NetworkTypes    []webrtc.NetworkType

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func (c Config) iceServers() []webrtc.ICEServer {
	if c.ICEServers == nil {
		return DefaultICEServers
	}
	return c.ICEServers
}

// newAPI builds a pion API with the default codecs and interceptors.
func newAPI(cfg Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous timeouts so a short NAT hiccup does not end the stream.
	disconnected, failed, keepAlive := 30*time.Second, 120*time.Second, 2*time.Second
	if cfg.DisconnectedTimeout > 0 {
		disconnected = cfg.DisconnectedTimeout
	}
	if cfg.FailedTimeout > 0 {
		failed = cfg.FailedTimeout
	}
	if cfg.KeepAliveInterval > 0 {
		keepAlive = cfg.KeepAliveInterval
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if len(cfg.NetworkTypes) > 0 {
		se.SetNetworkTypes(cfg.NetworkTypes)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// readRTCP drains a sender's RTCP so interceptors keep running and logs
// what the receiver reports about loss.
func readRTCP(deviceID string, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			if rr, ok := p.(*rtcp.ReceiverReport); ok {
				for _, r := range rr.Reports {
					log.Debugw("receiver report", "device", deviceID,
						"ssrc", r.SSRC, "fraction_lost", r.FractionLost, "jitter", r.Jitter)
				}
			}
		}
	}
}
