package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/tunepair/internal/proto"
	"github.com/petervdpas/tunepair/internal/util"
)

var log = logging.Logger("call")

// Session negotiates one peer connection with one remote device over a
// signaler. All negotiation steps run one at a time; outbound candidates
// wait for the offer or answer they belong to.
type Session struct {
	deviceID string
	cfg      Config
	dial     SignalerFactory

	negMu sync.Mutex

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	sig         Signaler
	remoteID    string
	track       *webrtc.TrackRemote
	state       webrtc.PeerConnectionState
	pendingIn   []webrtc.ICECandidateInit
	pendingOut  *util.RingBuffer[webrtc.ICECandidateInit]
	closed      bool
	initialized bool

	subMu sync.RWMutex
	subs  map[chan Event]struct{}
}

// NewSession creates a session for the local device. Nothing is opened
// until Initialize.
func NewSession(deviceID string, cfg Config, dial SignalerFactory) *Session {
	s := &Session{
		deviceID: deviceID,
		cfg:      cfg,
		dial:     dial,
		state:    webrtc.PeerConnectionStateNew,
		subs:     make(map[chan Event]struct{}),
	}
	if cfg.CandidateBuffer > 0 {
		s.pendingOut = util.NewRingBuffer[webrtc.ICECandidateInit](cfg.CandidateBuffer)
	}
	return s
}

func (s *Session) DeviceID() string { return s.deviceID }

// Initialize creates the peer connection and connects the signaler.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.initialized:
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.mu.Unlock()

	pc, err := s.newPeerConnection()
	if err != nil {
		s.resetInit()
		return fmt.Errorf("create peer connection: %w", err)
	}

	sig := s.dial(s.deviceID, s.HandleMessage)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.Close()
		return ErrSessionClosed
	}
	s.pc = pc
	s.sig = sig
	s.mu.Unlock()

	if err := sig.Connect(ctx); err != nil {
		s.mu.Lock()
		s.pc, s.sig = nil, nil
		s.mu.Unlock()
		pc.Close()
		sig.Close()
		s.resetInit()
		return fmt.Errorf("connect signaling: %w", err)
	}

	log.Infof("[%s] session ready", s.deviceID)
	return nil
}

func (s *Session) resetInit() {
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
}

func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	api, err := newAPI(s.cfg)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: s.cfg.iceServers()})
	if err != nil {
		return nil, err
	}

	for _, t := range s.cfg.LocalTracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go readRTCP(s.deviceID, sender)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Infof("[%s] remote track %s (%s)", s.deviceID, track.ID(), track.Codec().MimeType)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.track = track
		s.mu.Unlock()
		s.emit(TrackReceived{Track: track, Receiver: receiver})
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.localCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(s.setState)

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debugf("[%s] ice state %s", s.deviceID, state)
		s.emit(ICEStateChanged{State: state})
	})

	return pc, nil
}

// HandleMessage processes one inbound signaling message. Messages addressed
// to another device are ignored.
func (s *Session) HandleMessage(msg proto.SignalingMessage) {
	if msg.To != s.deviceID {
		return
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	pc := s.peer()
	if pc == nil {
		log.Warnw("signal before initialize, dropped", "device", s.deviceID, "type", msg.Type, "from", msg.From)
		return
	}

	switch msg.Type {
	case proto.TypeOffer:
		s.handleOffer(pc, msg)
	case proto.TypeAnswer:
		s.handleAnswer(pc, msg)
	case proto.TypeCandidate:
		s.handleCandidate(pc, msg)
	default:
		log.Warnw("unknown signal type", "device", s.deviceID, "type", msg.Type)
	}
}

func (s *Session) handleOffer(pc *webrtc.PeerConnection, msg proto.SignalingMessage) {
	if msg.SDP == "" {
		log.Warnw("offer without sdp, dropped", "device", s.deviceID, "from", msg.From)
		return
	}
	if prev := s.setRemote(msg.From); prev != "" && prev != msg.From {
		log.Warnf("[%s] offer from %s replaces remote %s", s.deviceID, msg.From, prev)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		s.negotiationError("set remote offer", err)
		return
	}
	s.applyPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.negotiationError("create answer", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.negotiationError("set local answer", err)
		return
	}

	if err := s.send(proto.SignalingMessage{Type: proto.TypeAnswer, To: msg.From, SDP: answer.SDP}); err != nil {
		s.negotiationError("send answer", err)
		return
	}
	log.Infof("[%s] answered offer from %s", s.deviceID, msg.From)
	s.flushPendingOut()
}

func (s *Session) handleAnswer(pc *webrtc.PeerConnection, msg proto.SignalingMessage) {
	if msg.SDP == "" {
		log.Warnw("answer without sdp, dropped", "device", s.deviceID, "from", msg.From)
		return
	}
	if remote := s.RemoteDeviceID(); remote != "" && msg.From != remote {
		log.Warnw("answer from unexpected device, dropped", "device", s.deviceID, "from", msg.From, "remote", remote)
		return
	}
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.negotiationError("set remote answer", fmt.Errorf("no local offer pending (state %s)", pc.SignalingState()))
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		s.negotiationError("set remote answer", err)
		return
	}
	s.applyPendingCandidates(pc)
	log.Infof("[%s] answer applied from %s", s.deviceID, msg.From)
}

func (s *Session) handleCandidate(pc *webrtc.PeerConnection, msg proto.SignalingMessage) {
	if msg.Candidate == nil {
		return
	}
	if remote := s.RemoteDeviceID(); remote != "" && msg.From != remote {
		log.Debugw("candidate from unexpected device, dropped", "device", s.deviceID, "from", msg.From)
		return
	}

	if pc.RemoteDescription() == nil {
		s.mu.Lock()
		s.pendingIn = append(s.pendingIn, *msg.Candidate)
		s.mu.Unlock()
		return
	}
	if err := pc.AddICECandidate(*msg.Candidate); err != nil {
		s.negotiationError("add candidate", err)
	}
}

// applyPendingCandidates adds candidates that arrived before the remote
// description.
func (s *Session) applyPendingCandidates(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	pending := s.pendingIn
	s.pendingIn = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			s.negotiationError("add candidate", err)
		}
	}
}

// ConnectToDevice starts negotiation by sending an offer to remoteID.
func (s *Session) ConnectToDevice(ctx context.Context, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()

	pc := s.peer()
	if pc == nil {
		if s.isClosed() {
			return ErrSessionClosed
		}
		return ErrNotInitialized
	}

	s.setRemote(remoteID)

	if len(s.cfg.LocalTracks) == 0 {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.negotiationError("create offer", err)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.negotiationError("set local offer", err)
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := s.send(proto.SignalingMessage{Type: proto.TypeOffer, To: remoteID, SDP: offer.SDP}); err != nil {
		s.negotiationError("send offer", err)
		return fmt.Errorf("send offer: %w", err)
	}

	log.Infof("[%s] offer sent to %s", s.deviceID, remoteID)
	s.flushPendingOut()
	return nil
}

// localCandidate forwards a gathered candidate once the remote device is
// known. Earlier candidates are buffered or dropped.
func (s *Session) localCandidate(c webrtc.ICECandidateInit) {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	remote := s.RemoteDeviceID()
	if remote == "" {
		if s.pendingOut != nil {
			if s.pendingOut.Push(c) {
				log.Debugw("candidate buffer full, oldest dropped", "device", s.deviceID)
			}
			return
		}
		log.Debugw("candidate before remote is known, dropped", "device", s.deviceID)
		return
	}
	s.sendCandidate(remote, c)
}

func (s *Session) flushPendingOut() {
	if s.pendingOut == nil {
		return
	}
	remote := s.RemoteDeviceID()
	for _, c := range s.pendingOut.Drain() {
		s.sendCandidate(remote, c)
	}
}

func (s *Session) sendCandidate(remote string, c webrtc.ICECandidateInit) {
	if err := s.send(proto.SignalingMessage{Type: proto.TypeCandidate, To: remote, Candidate: &c}); err != nil {
		log.Warnw("send candidate failed", "device", s.deviceID, "to", remote, "err", err)
	}
}

func (s *Session) send(msg proto.SignalingMessage) error {
	s.mu.Lock()
	sig := s.sig
	s.mu.Unlock()
	if sig == nil {
		return ErrNotInitialized
	}
	msg.From = s.deviceID
	return sig.Send(msg)
}

func (s *Session) negotiationError(step string, err error) {
	log.Warnw("negotiation step failed", "device", s.deviceID, "step", step, "err", err)
	s.emit(NegotiationError{Step: step, Err: err})
}

func (s *Session) setRemote(id string) (prev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.remoteID
	s.remoteID = id
	return prev
}

func (s *Session) setState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.state == state || (s.state == webrtc.PeerConnectionStateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	log.Infof("[%s] connection %s", s.deviceID, state)
	s.emit(ConnectionStateChanged{State: state})
}

func (s *Session) peer() *webrtc.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.pc
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AudioTrack returns the received remote audio track, or nil.
func (s *Session) AudioTrack() *webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RemoteDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Subscribe returns a channel of session events. Slow subscribers miss
// events rather than block the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) emit(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Warnw("event subscriber full, event dropped", "device", s.deviceID)
		}
	}
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pc, sig := s.pc, s.sig
	s.pc, s.sig, s.track = nil, nil, nil
	s.pendingIn = nil
	s.mu.Unlock()

	var errs []error
	if sig != nil {
		errs = append(errs, sig.Close())
	}
	if pc != nil {
		errs = append(errs, pc.Close())
	}

	s.setState(webrtc.PeerConnectionStateClosed)
	log.Infof("[%s] session closed", s.deviceID)
	return errors.Join(errs...)
}
