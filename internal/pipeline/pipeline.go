// Package pipeline runs the per-track loop that reads decoded frames, analyses
// them and forwards encoded landmark payloads to the session's data channel.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"landmarkrtc/internal/analyzer"
	"landmarkrtc/internal/encoder"
	"landmarkrtc/internal/sidechannel"
	"landmarkrtc/pkg/models"
)

const defaultStopGrace = 2 * time.Second

// State is the lifecycle state of a pipeline
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Recorder receives pipeline telemetry. *metrics.Metrics implements it.
type Recorder interface {
	RecordPipelineStart()
	RecordPipelineStop()
	RecordFrame()
	RecordStreamError()
	RecordAnalysis(durationSeconds float64, detected bool)
	RecordEncodeDrop()
	RecordRebind()
	RecordSend(outcome string, bytes int)
}

// Options configures a pipeline
type Options struct {
	ID       string             // Track identifier, used for logging
	Source   models.FrameSource // Decoded frames of the inbound track
	Analyzer analyzer.Analyzer  // Per-frame analysis
	Encoder  *encoder.Encoder   // Defaults to encoder.Default()
	Channel  *sidechannel.Slot  // The owning session's data channel slot
	Logger   zerolog.Logger
	Recorder Recorder // Optional

	// AnalysisTimeout bounds each analysis call; a timeout counts as no
	// result. Zero disables the deadline.
	AnalysisTimeout time.Duration

	// StopGrace bounds how long Stop waits for an in-flight analysis call
	StopGrace time.Duration
}

// Stats is a snapshot of pipeline counters
type Stats struct {
	Frames       uint64
	StreamErrors uint64
	Analyzed     uint64
	Detections   uint64
	EncodeDrops  uint64
	Sent         uint64
	NoChannel    uint64
	NotOpen      uint64
	SendFailures uint64
	Rebinds      uint64
	SourceDrops  uint64 // Frames the source discarded before they were read
}

// Dropped is the number of encoded payloads that were not handed to a channel
func (s Stats) Dropped() uint64 {
	return s.NoChannel + s.NotOpen + s.SendFailures
}

// Pipeline processes the frames of one inbound video track, strictly in
// order and one analysis at a time.
type Pipeline struct {
	id        string
	log       zerolog.Logger
	analyzer  analyzer.Analyzer
	encoder   *encoder.Encoder
	slot      *sidechannel.Slot
	recorder  Recorder
	timeout   time.Duration
	stopGrace time.Duration

	// Owned by the run goroutine
	source models.FrameSource
	bound  sidechannel.Channel

	dropper interface{ Dropped() uint64 } // Source-side frame drops, if reported

	state      atomic.Int32
	cancel     context.CancelFunc
	stopOnce   sync.Once
	finishOnce sync.Once
	done       chan struct{}

	frames       atomic.Uint64
	streamErrors atomic.Uint64
	analyzed     atomic.Uint64
	detections   atomic.Uint64
	encodeDrops  atomic.Uint64
	sent         atomic.Uint64
	noChannel    atomic.Uint64
	notOpen      atomic.Uint64
	sendFailures atomic.Uint64
	rebinds      atomic.Uint64
}

// Start creates a pipeline and immediately begins consuming opts.Source
func Start(opts Options) *Pipeline {
	enc := opts.Encoder
	if enc == nil {
		enc = encoder.Default()
	}
	slot := opts.Channel
	if slot == nil {
		slot = &sidechannel.Slot{}
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		id:        opts.ID,
		log:       opts.Logger.With().Str("pipeline", opts.ID).Logger(),
		analyzer:  opts.Analyzer,
		encoder:   enc,
		slot:      slot,
		recorder:  rec,
		timeout:   opts.AnalysisTimeout,
		stopGrace: grace,
		source:    opts.Source,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.state.Store(int32(StateStarting))
	if d, ok := opts.Source.(interface{ Dropped() uint64 }); ok {
		p.dropper = d
	}

	p.recorder.RecordPipelineStart()
	go p.run(ctx)

	return p
}

// ID returns the track identifier the pipeline was started with
func (p *Pipeline) ID() string {
	return p.id
}

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Done is closed once the pipeline has stopped
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stop requests cancellation and waits for the loop to exit, at most
// StopGrace. The pipeline reports Stopped once Stop returns, even when an
// analysis call is still running. Calling Stop again is a no-op.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()

		select {
		case <-p.done:
		case <-time.After(p.stopGrace):
			// The analysis call ignored cancellation. Its result is dropped when
			// it eventually returns, and the loop closes the source then.
			p.log.Warn().Dur("grace", p.stopGrace).Msg("pipeline did not stop within grace period")
			p.finish()
		}
	})
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:       p.frames.Load(),
		StreamErrors: p.streamErrors.Load(),
		Analyzed:     p.analyzed.Load(),
		Detections:   p.detections.Load(),
		EncodeDrops:  p.encodeDrops.Load(),
		Sent:         p.sent.Load(),
		NoChannel:    p.noChannel.Load(),
		NotOpen:      p.notOpen.Load(),
		SendFailures: p.sendFailures.Load(),
		Rebinds:      p.rebinds.Load(),
		SourceDrops:  p.sourceDrops(),
	}
}

func (p *Pipeline) sourceDrops() uint64 {
	if p.dropper == nil {
		return 0
	}
	return p.dropper.Dropped()
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	defer p.release()

	p.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	p.log.Info().Msg("pipeline running")

	for {
		frame, err := p.source.ReadFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				p.log.Info().Msg("pipeline stop requested")
				return
			case errors.Is(err, models.ErrStreamEnded), errors.Is(err, io.EOF):
				p.log.Info().Msg("track ended")
				return
			default:
				p.streamErrors.Add(1)
				p.recorder.RecordStreamError()
				p.log.Warn().Err(err).Msg("frame read failed")
				continue
			}
		}

		p.frames.Add(1)
		p.recorder.RecordFrame()
		p.process(ctx, frame)
	}
}

func (p *Pipeline) process(ctx context.Context, frame *models.Frame) {
	if ctx.Err() != nil {
		return
	}

	img, err := frame.Convert(p.analyzer.PixelFormat())
	if err != nil {
		p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("frame conversion failed")
		return
	}

	result, ok := p.analyze(ctx, img)
	if !ok {
		return
	}

	payload, err := p.encoder.Encode(result)
	if err != nil {
		p.encodeDrops.Add(1)
		p.recorder.RecordEncodeDrop()
		p.log.Debug().Err(err).Uint64("seq", frame.Seq).Msg("result not encodable")
		return
	}
	if payload == nil {
		return
	}

	outcome, err := sidechannel.TrySend(p.channel(), payload)
	p.recorder.RecordSend(outcome.String(), len(payload))
	switch outcome {
	case sidechannel.Sent:
		p.sent.Add(1)
	case sidechannel.NoChannel:
		p.noChannel.Add(1)
		p.log.Debug().Msg("data channel not created")
	case sidechannel.NotOpen:
		p.notOpen.Add(1)
		p.log.Debug().Msg("data channel not open")
	case sidechannel.Failed:
		p.sendFailures.Add(1)
		p.log.Warn().Err(err).Msg("data channel send failed")
	}
}

// analyze runs the analyzer under the per-frame deadline. ok is false when the
// result must be discarded.
func (p *Pipeline) analyze(ctx context.Context, frame *models.Frame) (*models.Result, bool) {
	actx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.analyzer.Analyze(actx, frame)
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, false
	}

	p.analyzed.Add(1)
	detected := err == nil && result.Detected()
	if detected {
		p.detections.Add(1)
	}
	p.recorder.RecordAnalysis(elapsed.Seconds(), detected)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Debug().Dur("timeout", p.timeout).Uint64("seq", frame.Seq).Msg("analysis timed out")
		} else {
			p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("analysis failed")
		}
		return nil, false
	}

	return result, true
}

// channel returns the session's live channel, rebinding when the session
// created or replaced its channel after the last send.
func (p *Pipeline) channel() sidechannel.Channel {
	live := p.slot.Load()
	if live != p.bound {
		if live != nil {
			p.rebinds.Add(1)
			p.recorder.RecordRebind()
			if p.bound == nil {
				p.log.Info().Msg("bound to data channel")
			} else {
				p.log.Info().Msg("rebound to new data channel")
			}
		}
		p.bound = live
	}
	return p.bound
}

func (p *Pipeline) release() {
	if c, ok := p.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			p.log.Debug().Err(err).Msg("failed to close frame source")
		}
	}
	p.source = nil
	p.bound = nil
	p.finish()
}

// finish moves the pipeline to Stopped and reports it, once
func (p *Pipeline) finish() {
	p.finishOnce.Do(func() {
		p.state.Store(int32(StateStopped))
		p.recorder.RecordPipelineStop()
		stats := p.Stats()
		p.log.Info().
			Uint64("frames", stats.Frames).
			Uint64("detections", stats.Detections).
			Uint64("sent", stats.Sent).
			Uint64("dropped", stats.Dropped()).
			Uint64("source_drops", stats.SourceDrops).
			Msg("pipeline stopped")
	})
}

type nopRecorder struct{}

func (nopRecorder) RecordPipelineStart()         {}
func (nopRecorder) RecordPipelineStop()          {}
func (nopRecorder) RecordFrame()                 {}
func (nopRecorder) RecordStreamError()           {}
func (nopRecorder) RecordAnalysis(float64, bool) {}
func (nopRecorder) RecordEncodeDrop()            {}
func (nopRecorder) RecordRebind()                {}
func (nopRecorder) RecordSend(string, int)       {}
