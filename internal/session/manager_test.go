package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landmarkrtc/internal/analyzer"
	"landmarkrtc/internal/pipeline"
	"landmarkrtc/pkg/models"
)

type fakePeer struct {
	closes atomic.Int32
	err    error
}

func (p *fakePeer) Close() error {
	p.closes.Add(1)
	return p.err
}

type fakeObserver struct {
	mu      sync.Mutex
	started int
	reasons []string
}

func (o *fakeObserver) RecordSessionStart() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *fakeObserver) RecordSessionStop(reason string, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

// idleSource blocks until the pipeline is stopped
type idleSource struct{}

func (idleSource) ReadFrame(ctx context.Context) (*models.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func startIdlePipeline(t *testing.T, id string) *pipeline.Pipeline {
	t.Helper()
	p := pipeline.Start(pipeline.Options{
		ID:       id,
		Source:   idleSource{},
		Analyzer: analyzer.Nop{},
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(p.Stop)
	return p
}

func newTestManager(max int) (*Manager, *fakeObserver) {
	obs := &fakeObserver{}
	return NewManager(zerolog.Nop(), max, obs), obs
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m, obs := newTestManager(0)

	s, err := m.Create("192.0.2.1:5000", &fakePeer{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.False(t, s.CreatedAt.IsZero())

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Count())
	assert.Len(t, m.List(), 1)
	assert.Equal(t, 1, obs.started)
}

func TestManagerUniqueIDs(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(0)

	ids := make(map[string]bool)
	for i := 0; i < 20; i++ {
		s, err := m.Create("", &fakePeer{})
		require.NoError(t, err)
		ids[s.ID] = true
	}
	assert.Len(t, ids, 20)
}

func TestManagerLimit(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(1)

	_, err := m.Create("", &fakePeer{})
	require.NoError(t, err)

	_, err = m.Create("", &fakePeer{})
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestManagerCloseStopsPipelinesAndPeer(t *testing.T) {
	t.Parallel()
	m, obs := newTestManager(0)
	peer := &fakePeer{}
	s, err := m.Create("", peer)
	require.NoError(t, err)

	p1 := startIdlePipeline(t, "video-1")
	p2 := startIdlePipeline(t, "video-2")
	require.NoError(t, s.AttachPipeline("video-1", "video/H264", p1))
	require.NoError(t, s.AttachPipeline("video-2", "video/VP8", p2))

	require.NoError(t, m.Close(s.ID))

	assert.Equal(t, pipeline.StateStopped, p1.State())
	assert.Equal(t, pipeline.StateStopped, p2.State())
	assert.Equal(t, int32(1), peer.closes.Load())
	assert.Zero(t, m.Count())
	assert.Equal(t, []string{"requested"}, obs.reasons)

	assert.ErrorIs(t, m.Close(s.ID), ErrSessionNotFound)
	assert.NoError(t, s.Close(), "closing twice is a no-op")
	assert.Equal(t, int32(1), peer.closes.Load())
}

func TestManagerCloseReportsPeerError(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(0)
	s, err := m.Create("", &fakePeer{err: errors.New("dtls transport busy")})
	require.NoError(t, err)

	assert.Error(t, m.Close(s.ID))
	assert.Zero(t, m.Count())
}

func TestManagerConnectionFailureClosesSession(t *testing.T) {
	t.Parallel()
	m, obs := newTestManager(0)
	peer := &fakePeer{}
	s, err := m.Create("", peer)
	require.NoError(t, err)

	m.HandleConnectionState(s.ID, webrtc.PeerConnectionStateConnected)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, webrtc.PeerConnectionStateConnected, s.ConnectionState())

	m.HandleConnectionState(s.ID, webrtc.PeerConnectionStateFailed)
	assert.Zero(t, m.Count())
	assert.True(t, s.Closed())
	assert.Equal(t, int32(1), peer.closes.Load())
	assert.Equal(t, []string{"failed"}, obs.reasons)

	// Late events for a removed session are ignored
	m.HandleConnectionState(s.ID, webrtc.PeerConnectionStateClosed)
	assert.Equal(t, int32(1), peer.closes.Load())
}

func TestManagerShutdownClosesAll(t *testing.T) {
	t.Parallel()
	m, obs := newTestManager(0)

	var peers []*fakePeer
	var pipelines []*pipeline.Pipeline
	for i := 0; i < 3; i++ {
		peer := &fakePeer{}
		peers = append(peers, peer)
		s, err := m.Create("", peer)
		require.NoError(t, err)

		p := startIdlePipeline(t, "video")
		require.NoError(t, s.AttachPipeline("video", "video/H264", p))
		pipelines = append(pipelines, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Zero(t, m.Count())
	for _, peer := range peers {
		assert.Equal(t, int32(1), peer.closes.Load())
	}
	for _, p := range pipelines {
		assert.Equal(t, pipeline.StateStopped, p.State())
	}
	assert.Len(t, obs.reasons, 3)
}

func TestSessionAttachAfterCloseFails(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(0)
	s, err := m.Create("", &fakePeer{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	p := startIdlePipeline(t, "video")
	assert.ErrorIs(t, s.AttachPipeline("video", "video/H264", p), ErrSessionClosed)
}

func TestSessionAttachReplacesPipeline(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(0)
	s, err := m.Create("", &fakePeer{})
	require.NoError(t, err)

	old := startIdlePipeline(t, "video")
	replacement := startIdlePipeline(t, "video")
	require.NoError(t, s.AttachPipeline("video", "video/H264", old))
	require.NoError(t, s.AttachPipeline("video", "video/H264", replacement))

	assert.Equal(t, pipeline.StateStopped, old.State())
	require.Len(t, s.Pipelines(), 1)
	assert.Same(t, replacement, s.Pipelines()[0])

	s.DetachPipeline("video", old)
	assert.Len(t, s.Pipelines(), 1, "detaching a replaced pipeline leaves the current one")

	s.DetachPipeline("video", replacement)
	assert.Empty(t, s.Pipelines())
}

func TestSessionInfo(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(0)
	s, err := m.Create("192.0.2.7:4000", &fakePeer{})
	require.NoError(t, err)

	p := startIdlePipeline(t, "video")
	require.NoError(t, s.AttachPipeline("video", "video/VP8", p))
	require.Eventually(t, func() bool { return p.State() == pipeline.StateRunning }, time.Second, time.Millisecond)

	info := s.Info()
	assert.Equal(t, s.ID, info.ID)
	assert.Equal(t, "192.0.2.7:4000", info.RemoteAddr)
	assert.Equal(t, "new", info.ConnectionState)
	assert.False(t, info.HasDataChannel)
	require.Len(t, info.Pipelines, 1)
	assert.Equal(t, "video/VP8", info.Pipelines[0].Codec)
	assert.Equal(t, "running", info.Pipelines[0].State)
}

// oneFrameSource yields a single frame, then blocks until cancelled
type oneFrameSource struct {
	sent atomic.Bool
}

func (s *oneFrameSource) ReadFrame(ctx context.Context) (*models.Frame, error) {
	if s.sent.CompareAndSwap(false, true) {
		return &models.Frame{Seq: 1, Width: 1, Height: 1, Format: models.PixelFormatRGB24, Data: make([]byte, 3)}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSessionCloseStopsStuckPipelinesConcurrently(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(0)
	s, err := m.Create("", &fakePeer{})
	require.NoError(t, err)

	const n = 4
	const grace = 100 * time.Millisecond
	release := make(chan struct{})
	defer close(release)

	var busy atomic.Int32
	stuck := analyzer.Func{Fn: func(_ context.Context, _ *models.Frame) (*models.Result, error) {
		busy.Add(1)
		<-release
		return nil, nil
	}}

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("video-%d", i)
		p := pipeline.Start(pipeline.Options{
			ID:        id,
			Source:    &oneFrameSource{},
			Analyzer:  stuck,
			Logger:    zerolog.Nop(),
			StopGrace: grace,
		})
		require.NoError(t, s.AttachPipeline(id, "video/H264", p))
	}
	require.Eventually(t, func() bool { return busy.Load() == n }, time.Second, time.Millisecond)

	begin := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(begin), 3*grace, "pipelines are stopped in parallel")
}
