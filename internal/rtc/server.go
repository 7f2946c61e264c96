// Package rtc answers browser offers and wires each peer connection's tracks
// and data channels into the session registry and per-track pipelines.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"landmarkrtc/internal/analyzer"
	"landmarkrtc/internal/decoder"
	"landmarkrtc/internal/encoder"
	"landmarkrtc/internal/pipeline"
	"landmarkrtc/internal/session"
	"landmarkrtc/pkg/models"
)

// Config configures peer connections and the pipelines started for them
type Config struct {
	ICEServers      []string
	GatherTimeout   time.Duration // Bound on non-trickle ICE gathering
	PLIInterval     time.Duration // Keyframe request period, zero disables
	AnalysisTimeout time.Duration
	StopGrace       time.Duration
	Decoder         decoder.Config
}

// Recorder receives pipeline and data channel telemetry. *metrics.Metrics
// implements it.
type Recorder interface {
	pipeline.Recorder
	RecordDataChannel()
}

// SourceFactory turns an inbound video track into decoded frames
type SourceFactory func(track *webrtc.TrackRemote, log zerolog.Logger) (models.FrameSource, error)

// Server represents the WebRTC answering side
type Server struct {
	cfg       Config
	api       *webrtc.API
	sessions  *session.Manager
	analyzer  analyzer.Analyzer
	encoder   *encoder.Encoder
	recorder  Recorder
	log       zerolog.Logger
	newSource SourceFactory
}

// New creates a WebRTC server with the default codecs and interceptors
func New(cfg Config, sessions *session.Manager, a analyzer.Analyzer, enc *encoder.Encoder, rec Recorder, log zerolog.Logger) (*Server, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// NACK, RTCP reports and TWCC
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)),
		sessions: sessions,
		analyzer: a,
		encoder:  enc,
		recorder: rec,
		log:      log.With().Str("component", "rtc").Logger(),
	}
	s.newSource = s.ffmpegSource
	return s, nil
}

func (s *Server) ffmpegSource(track *webrtc.TrackRemote, log zerolog.Logger) (models.FrameSource, error) {
	src, err := decoder.NewFFmpegSource(decoder.TrackReader{Track: track}, track.Codec().MimeType, s.cfg.Decoder, log)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// HandleOffer creates a session for offer and returns the complete answer,
// with candidates, and the new session ID.
func (s *Server) HandleOffer(ctx context.Context, offer webrtc.SessionDescription, remoteAddr string) (*webrtc.SessionDescription, string, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers()})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create peer connection: %w", err)
	}

	sess, err := s.sessions.Create(remoteAddr, pc)
	if err != nil {
		_ = pc.Close()
		return nil, "", err
	}
	log := sess.Logger()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.bindDataChannel(sess, dc)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleTrack(sess, pc, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("state", state.String()).Msg("connection state changed")
		s.sessions.HandleConnectionState(sess.ID, state)
	})

	answer, err := s.negotiate(ctx, pc, offer, log)
	if err != nil {
		if cerr := s.sessions.Close(sess.ID); cerr != nil {
			log.Debug().Err(cerr).Msg("failed to close session after negotiation error")
		}
		return nil, "", err
	}

	return answer, sess.ID, nil
}

func (s *Server) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription, log zerolog.Logger) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	var timeout <-chan time.Time
	if s.cfg.GatherTimeout > 0 {
		timer := time.NewTimer(s.cfg.GatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-gatherComplete:
	case <-timeout:
		// Answer with whatever was gathered so far
		log.Warn().Dur("timeout", s.cfg.GatherTimeout).Msg("ICE gathering incomplete")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return pc.LocalDescription(), nil
}

func (s *Server) iceServers() []webrtc.ICEServer {
	if len(s.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: s.cfg.ICEServers}}
}

// bindDataChannel makes dc the session's result channel. A later channel
// replaces it; pipelines pick up the replacement on their next send.
func (s *Server) bindDataChannel(sess *session.Session, dc *webrtc.DataChannel) {
	log := sess.Logger().With().Str("channel", dc.Label()).Logger()

	sess.Channel().Store(dc)
	s.recorder.RecordDataChannel()
	log.Info().Msg("data channel created")

	dc.OnOpen(func() {
		log.Debug().Msg("data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		if reply, ok := pingReply(string(msg.Data)); ok {
			if err := dc.SendText(reply); err != nil {
				log.Debug().Err(err).Msg("failed to answer ping")
			}
		}
	})
	dc.OnClose(func() {
		sess.Channel().Clear(dc)
		log.Info().Msg("data channel closed")
	})
}

// pingReply answers "ping<suffix>" with "pong<suffix>"
func pingReply(text string) (string, bool) {
	suffix, ok := strings.CutPrefix(text, "ping")
	if !ok {
		return "", false
	}
	return "pong" + suffix, true
}

func (s *Server) handleTrack(sess *session.Session, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	codec := track.Codec().MimeType
	trackID := track.ID()
	log := sess.Logger().With().
		Str("track", trackID).
		Str("kind", track.Kind().String()).
		Str("codec", codec).
		Logger()
	log.Info().Msg("track received")

	if track.Kind() != webrtc.RTPCodecTypeVideo {
		go drain(decoder.TrackReader{Track: track}, log)
		return
	}
	if !decoder.Supported(codec) {
		log.Warn().Msg("no decoder for codec, ignoring track")
		go drain(decoder.TrackReader{Track: track}, log)
		return
	}

	src, err := s.newSource(track, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to start decoder")
		go drain(decoder.TrackReader{Track: track}, log)
		return
	}

	p := pipeline.Start(pipeline.Options{
		ID:              trackID,
		Source:          src,
		Analyzer:        s.analyzer,
		Encoder:         s.encoder,
		Channel:         sess.Channel(),
		Logger:          log,
		Recorder:        s.recorder,
		AnalysisTimeout: s.cfg.AnalysisTimeout,
		StopGrace:       s.cfg.StopGrace,
	})
	if err := sess.AttachPipeline(trackID, codec, p); err != nil {
		log.Warn().Err(err).Msg("session closed before pipeline attached")
		p.Stop()
		return
	}

	go requestKeyframes(pc, uint32(track.SSRC()), s.cfg.PLIInterval, p.Done(), log)
	go func() {
		<-p.Done()
		sess.DetachPipeline(trackID, p)
	}()
}

// rtcpWriter is satisfied by *webrtc.PeerConnection
type rtcpWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// requestKeyframes sends a Picture Loss Indication right away and then every
// interval until done is closed, so the decoder can start and recover.
func requestKeyframes(w rtcpWriter, ssrc uint32, interval time.Duration, done <-chan struct{}, log zerolog.Logger) {
	send := func() bool {
		err := w.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return false
			}
			log.Debug().Err(err).Msg("failed to send keyframe request")
		}
		return true
	}

	if !send() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

// drain consumes a track nothing analyses so its buffers do not fill up
func drain(r decoder.PacketReader, log zerolog.Logger) {
	for {
		if _, err := r.ReadRTP(); err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Msg("track ended")
			} else {
				log.Debug().Err(err).Msg("track read stopped")
			}
			return
		}
	}
}
