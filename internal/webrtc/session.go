package webrtc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/exopticon/exopticon/internal/broadcast"
	"github.com/exopticon/exopticon/internal/router"
)

// rtpMTU bounds a single RTP packet's payload, matched to ethernet-safe UDP
// datagram sizes.
const rtpMTU = 1200

// h264PayloadType is the dynamic RTP payload type negotiated for H.264;
// fixed here since this core only ever offers one video codec.
const h264PayloadType = 96

// heartbeatInterval and clientTimeout mirror the original signaling
// channel's liveness policy (spec.md §5 Timeouts).
const (
	heartbeatInterval = 5 * time.Second
	clientTimeout     = 10 * time.Second
)

// mediaTrack pairs a negotiated local track with the H.264 RTP packetizer
// and sequence-number state needed to turn Capture Actor access units into
// RTP packets (grounded on the reference bridge's H264Payloader use).
type mediaTrack struct {
	track     *pionwebrtc.TrackLocalStaticRTP
	payloader *codecs.H264Payloader
	ssrc      uint32

	mu  sync.Mutex
	seq uint16
}

func newMediaTrack(track *pionwebrtc.TrackLocalStaticRTP) *mediaTrack {
	return &mediaTrack{
		track:     track,
		payloader: &codecs.H264Payloader{},
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.Uint32()),
	}
}

// write fragments one access unit into RTP packets and writes each one to
// the local track, grounded on the reference bridge's H264Payloader use.
func (t *mediaTrack) write(pkt broadcast.VideoPacket) error {
	fragments := t.payloader.Payload(rtpMTU, pkt.Data)

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, payload := range fragments {
		p := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(fragments)-1,
				PayloadType:    h264PayloadType,
				SequenceNumber: t.seq,
				Timestamp:      pkt.Timestamp90kHz,
				SSRC:           t.ssrc,
			},
			Payload: payload,
		}
		t.seq++

		if err := t.track.WriteRTP(p); err != nil {
			return fmt.Errorf("write rtp packet: %w", err)
		}
	}
	return nil
}

// Session is one connected client's WebRTC Peer Session (C7).
type Session struct {
	id     string
	ws     *websocket.Conn
	pc     *pionwebrtc.PeerConnection
	router *router.Router
	log    *slog.Logger

	mu     sync.Mutex
	tracks map[string]*mediaTrack // camera id -> track
	closed bool

	recvCh chan broadcast.VideoPacket // fan-in target for every subscribed camera
	stopCh chan struct{}              // closed once, unblocks stranded forwarders
}

// SessionConfig carries the per-session dependencies a Peer Session needs at
// construction.
type SessionConfig struct {
	ID      string
	WS      *websocket.Conn
	Router  *router.Router
	HostIPs []string
	Demux   *Demux
	Logger  *slog.Logger
}

// NewSession builds a Peer Session's PeerConnection, bound to the shared UDP
// demux via ICE UDPMux (C8), and registers its signaling handlers.
func NewSession(cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "webrtc", "session_id", cfg.ID)

	settingEngine := pionwebrtc.SettingEngine{}
	if cfg.Demux != nil {
		settingEngine.SetICEUDPMux(cfg.Demux.Mux())
	}
	if len(cfg.HostIPs) > 0 {
		settingEngine.SetNAT1To1IPs(cfg.HostIPs, pionwebrtc.ICECandidateTypeHost)
	}

	api := pionwebrtc.NewAPI(pionwebrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(pionwebrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		id:     cfg.ID,
		ws:     cfg.WS,
		pc:     pc,
		router: cfg.Router,
		log:    logger,
		tracks: make(map[string]*mediaTrack),
		recvCh: make(chan broadcast.VideoPacket, 32),
		stopCh: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		s.log.Info("peer connection state changed", "state", state.String())
		if state == pionwebrtc.PeerConnectionStateFailed || state == pionwebrtc.PeerConnectionStateClosed {
			s.Close()
		}
	})

	return s, nil
}

// Run drives the session's cooperative loop (spec.md §4.7 "Runtime loop"):
// websocket reads, router-fed video packets, and the heartbeat timer. It
// returns when the session terminates; on return it has already called
// Close, which unsubscribes the session from the Router.
func (s *Session) Run() {
	defer s.Close()

	messages := make(chan SignalEnvelope, 8)
	readErr := make(chan error, 1)

	go func() {
		for {
			var env SignalEnvelope
			if err := s.ws.ReadJSON(&env); err != nil {
				readErr <- err
				close(messages)
				return
			}
			messages <- env
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	lastSeen := time.Now()

	for {
		select {
		case env, ok := <-messages:
			if !ok {
				s.log.Info("signaling channel closed", "error", <-readErr)
				return
			}
			lastSeen = time.Now()
			if err := s.handleSignal(env); err != nil {
				s.log.Warn("failed to handle signal message", "kind", env.Kind, "error", err)
			}

		case pkt := <-s.recvCh:
			s.writePacket(pkt)

		case <-heartbeat.C:
			if time.Since(lastSeen) > clientTimeout {
				s.log.Info("client heartbeat timeout")
				return
			}
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleSignal(env SignalEnvelope) error {
	switch env.Kind {
	case KindSubscriptionUpdate:
		var upd SubscriptionUpdate
		if err := unmarshalPayload(env.Payload, &upd); err != nil {
			return err
		}
		s.subscribe(upd.CameraIDs)
		return nil

	case KindNegotiationRequest:
		var req NegotiationRequest
		if err := unmarshalPayload(env.Payload, &req); err != nil {
			return err
		}
		return s.negotiate(req)

	case KindStreamMapping:
		var mapping StreamMapping
		if err := unmarshalPayload(env.Payload, &mapping); err != nil {
			return err
		}
		return s.applyStreamMapping(mapping)

	default:
		return fmt.Errorf("unknown signal kind %q", env.Kind)
	}
}

// subscribe replaces this session's camera subscription set and starts one
// forwarding goroutine per newly attached camera, copying from the Router's
// per-camera channel into the session's single fan-in channel. Each
// forwarder exits on its own once the Router closes that channel, whether
// because of a later subscribe (old channel torn down) or Close.
func (s *Session) subscribe(cameras []string) {
	chans := s.router.UpdateSubscriptions(s.id, cameras)
	for _, ch := range chans {
		go func(ch <-chan broadcast.VideoPacket) {
			for pkt := range ch {
				select {
				case s.recvCh <- pkt:
				case <-s.stopCh:
					return
				}
			}
		}(ch)
	}
}

func (s *Session) negotiate(req NegotiationRequest) error {
	offer := pionwebrtc.SessionDescription{Type: pionwebrtc.SDPTypeOffer, SDP: req.OfferSDP}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	<-pionwebrtc.GatheringCompletePromise(s.pc)

	payload, err := encodeEnvelope(KindNegotiationAnswer, NegotiationAnswer{AnswerSDP: s.pc.LocalDescription().SDP})
	if err != nil {
		return fmt.Errorf("encode negotiation answer: %w", err)
	}
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

// applyStreamMapping binds each already-negotiated media section (spec.md
// §4.7: "Bind each negotiated media section (by stable media identifier) to
// a camera id") to a camera id. The m-line itself was created by
// negotiate()'s SetRemoteDescription/CreateAnswer/SetLocalDescription round
// before this ever runs, so binding a track here means finding the
// transceiver whose mid matches and replacing its sender's track —
// RTPSender.ReplaceTrack needs no further offer/answer exchange. Calling
// PeerConnection.AddTrack this late would create a new m-line the remote
// peer was never told about in any answer, since no renegotiation round
// exists in this protocol.
func (s *Session) applyStreamMapping(mapping StreamMapping) error {
	for mediaID, cameraID := range mapping.Mappings {
		s.mu.Lock()
		_, exists := s.tracks[cameraID]
		s.mu.Unlock()
		if exists {
			continue
		}

		transceiver := s.transceiverByMid(mediaID)
		if transceiver == nil {
			return fmt.Errorf("no negotiated media section for media id %q", mediaID)
		}
		sender := transceiver.Sender()
		if sender == nil {
			return fmt.Errorf("media section %q has no sender to bind camera %s to", mediaID, cameraID)
		}

		localTrack, err := pionwebrtc.NewTrackLocalStaticRTP(
			pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeH264, ClockRate: 90000},
			cameraID, s.id,
		)
		if err != nil {
			return fmt.Errorf("create local track for camera %s: %w", cameraID, err)
		}
		if err := sender.ReplaceTrack(localTrack); err != nil {
			return fmt.Errorf("bind media section %q to camera %s: %w", mediaID, cameraID, err)
		}

		s.mu.Lock()
		s.tracks[cameraID] = newMediaTrack(localTrack)
		s.mu.Unlock()
	}
	return nil
}

// transceiverByMid returns the PeerConnection's transceiver whose
// negotiated mid equals mediaID, or nil if none matches.
func (s *Session) transceiverByMid(mediaID string) *pionwebrtc.RTPTransceiver {
	for _, t := range s.pc.GetTransceivers() {
		if t.Mid() == mediaID {
			return t
		}
	}
	return nil
}

func (s *Session) writePacket(pkt broadcast.VideoPacket) {
	s.mu.Lock()
	mt, ok := s.tracks[pkt.CameraID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := mt.write(pkt); err != nil {
		s.log.Warn("failed to write media packet", "camera_id", pkt.CameraID, "error", err)
	}
}

// Close tears the session down and unsubscribes it from the Router
// (spec.md §4.7 failure model).
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.router.Unsubscribe(s.id)
	_ = s.pc.Close()
	_ = s.ws.Close()
}

func unmarshalPayload(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}
