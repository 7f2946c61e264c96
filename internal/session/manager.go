// Package session tracks active peer sessions and the pipelines running for
// their inbound tracks, so they can be torn down together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"landmarkrtc/internal/pipeline"
	"landmarkrtc/internal/sidechannel"
	"landmarkrtc/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrTooManySessions = errors.New("too many sessions")
)

// Peer is the part of a peer connection the registry closes.
// *webrtc.PeerConnection satisfies it.
type Peer interface {
	Close() error
}

// Observer is notified about session lifecycle changes. *metrics.Metrics
// implements it.
type Observer interface {
	RecordSessionStart()
	RecordSessionStop(reason string, durationSeconds float64)
}

// Manager handles session lifecycle and maintains in-memory registry
type Manager struct {
	log         zerolog.Logger
	observer    Observer
	maxSessions int

	sessions map[string]*Session // session ID -> Session
	mu       sync.RWMutex
}

// NewManager creates a session registry. maxSessions <= 0 means unlimited;
// observer may be nil.
func NewManager(log zerolog.Logger, maxSessions int, observer Observer) *Manager {
	return &Manager{
		log:         log.With().Str("component", "session-manager").Logger(),
		observer:    observer,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
	}
}

// Create registers a new session for peer
func (m *Manager) Create(remoteAddr string, peer Peer) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManySessions, m.maxSessions)
	}

	s := newSession(uuid.NewString(), remoteAddr, peer, m.log)
	m.sessions[s.ID] = s

	if m.observer != nil {
		m.observer.RecordSessionStart()
	}
	m.log.Info().Str("session", s.ID).Str("remote", remoteAddr).Msg("session created")
	return s, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// List returns all active sessions
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of active sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close closes a session and removes it from the registry
func (m *Manager) Close(id string) error {
	return m.closeWithReason(id, "requested")
}

func (m *Manager) closeWithReason(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	err := s.Close()
	if m.observer != nil {
		m.observer.RecordSessionStop(reason, time.Since(s.CreatedAt).Seconds())
	}
	m.log.Info().Str("session", id).Str("reason", reason).Msg("session closed")
	return err
}

// HandleConnectionState records the peer connection state of a session and
// closes the session when the connection has failed or closed.
func (m *Manager) HandleConnectionState(id string, state webrtc.PeerConnectionState) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	s.SetConnectionState(state)

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if err := m.closeWithReason(id, state.String()); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.log.Warn().Err(err).Str("session", id).Msg("failed to close session")
		}
	}
}

// Shutdown closes every session and waits for all of them, or until ctx is
// done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.log.Info().Int("sessions", len(sessions)).Msg("closing all sessions")

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			err := s.Close()
			if m.observer != nil {
				m.observer.RecordSessionStop("shutdown", time.Since(s.CreatedAt).Seconds())
			}
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session shutdown interrupted: %w", ctx.Err())
	}
}

// Session is one peer connection and the pipelines of its inbound tracks
type Session struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	log     zerolog.Logger
	peer    Peer
	channel sidechannel.Slot

	mu        sync.Mutex
	state     webrtc.PeerConnectionState
	pipelines map[string]*pipeline.Pipeline // track ID -> Pipeline
	codecs    map[string]string             // track ID -> codec mime type
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func newSession(id, remoteAddr string, peer Peer, log zerolog.Logger) *Session {
	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		log:        log.With().Str("session", id).Logger(),
		peer:       peer,
		state:      webrtc.PeerConnectionStateNew,
		pipelines:  make(map[string]*pipeline.Pipeline),
		codecs:     make(map[string]string),
	}
}

// Logger returns the session-scoped logger
func (s *Session) Logger() zerolog.Logger {
	return s.log
}

// Channel returns the session's data channel slot. The data channel callback
// writes it; every pipeline of the session reads it.
func (s *Session) Channel() *sidechannel.Slot {
	return &s.channel
}

// SetConnectionState records the latest peer connection state
func (s *Session) SetConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// ConnectionState returns the latest peer connection state
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachPipeline registers the pipeline of a track. A pipeline already
// registered for the same track is stopped. Attaching to a closed session
// fails and the caller must stop p.
func (s *Session) AttachPipeline(trackID, codec string, p *pipeline.Pipeline) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.pipelines[trackID]
	s.pipelines[trackID] = p
	s.codecs[trackID] = codec
	s.mu.Unlock()

	if old != nil && old != p {
		s.log.Warn().Str("track", trackID).Msg("replacing pipeline for track")
		old.Stop()
	}
	return nil
}

// DetachPipeline removes p if it is still the registered pipeline of trackID
func (s *Session) DetachPipeline(trackID string, p *pipeline.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipelines[trackID] == p {
		delete(s.pipelines, trackID)
		delete(s.codecs, trackID)
	}
}

// Pipelines returns the running pipelines
func (s *Session) Pipelines() []*pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	return out
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every pipeline and closes the peer connection. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pipelines := s.pipelines
		s.pipelines = make(map[string]*pipeline.Pipeline)
		s.codecs = make(map[string]string)
		s.mu.Unlock()

		// Each Stop may wait out its grace period
		var g errgroup.Group
		for _, p := range pipelines {
			g.Go(func() error {
				p.Stop()
				return nil
			})
		}
		_ = g.Wait()
		s.channel.Store(nil)

		if s.peer != nil {
			if err := s.peer.Close(); err != nil {
				s.closeErr = fmt.Errorf("failed to close peer connection: %w", err)
			}
		}
	})
	return s.closeErr
}

// Info returns the API view of the session
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.SessionInfo{
		ID:              s.ID,
		RemoteAddr:      s.RemoteAddr,
		ConnectionState: s.state.String(),
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
		Duration:        int(time.Since(s.CreatedAt).Seconds()),
		HasDataChannel:  s.channel.Load() != nil,
		Pipelines:       make([]models.PipelineInfo, 0, len(s.pipelines)),
	}

	for trackID, p := range s.pipelines {
		stats := p.Stats()
		info.Pipelines = append(info.Pipelines, models.PipelineInfo{
			TrackID:      trackID,
			Codec:        s.codecs[trackID],
			State:        p.State().String(),
			Frames:       stats.Frames,
			StreamErrors: stats.StreamErrors,
			Analyzed:     stats.Analyzed,
			Detections:   stats.Detections,
			Sent:         stats.Sent,
			Dropped:      stats.Dropped(),
			Rebinds:      stats.Rebinds,
			SourceDrops:  stats.SourceDrops,
		})
	}

	return info
}
