// Package decoder turns the RTP packets of an inbound WebRTC video track into
// decoded frames, using an ffmpeg subprocess.
package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog"

	"landmarkrtc/pkg/models"
)

// ErrUnsupportedCodec is returned for tracks ffmpeg is not set up to decode
var ErrUnsupportedCodec = errors.New("unsupported codec")

// outputFormat is the pixel layout ffmpeg is asked to produce
const outputFormat = models.PixelFormatRGB24

// PacketReader yields the RTP packets of one track
type PacketReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// TrackReader adapts a pion remote track to PacketReader
type TrackReader struct {
	Track *webrtc.TrackRemote
}

func (r TrackReader) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.Track.ReadRTP()
	return pkt, err
}

// Config controls the ffmpeg decoder
type Config struct {
	FFmpegPath string // ffmpeg binary, "ffmpeg" when empty
	Width      int    // Output width, frames are scaled to it
	Height     int    // Output height
	QueueSize  int    // Decoded frames buffered ahead of the pipeline
}

type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// containerFor returns the ffmpeg input format and the writer that frames
// RTP payloads of the given codec into it.
func containerFor(mimeType string, w io.Writer) (string, rtpWriter, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return "h264", h264writer.NewWith(w), nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		iw, err := ivfwriter.NewWith(w)
		if err != nil {
			return "", nil, fmt.Errorf("failed to create IVF writer: %w", err)
		}
		return "ivf", iw, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
}

// Supported reports whether tracks of mimeType can be decoded
func Supported(mimeType string) bool {
	return strings.EqualFold(mimeType, webrtc.MimeTypeH264) || strings.EqualFold(mimeType, webrtc.MimeTypeVP8)
}

func ffmpegArgs(inputFormat string, width, height int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error", // Only show errors
		"-fflags", "nobuffer", // Emit frames as soon as they are decoded
		"-f", inputFormat, // Input container
		"-i", "pipe:0", // Read from stdin
		"-an",
		"-vf", "scale=" + strconv.Itoa(width) + ":" + strconv.Itoa(height),
		"-pix_fmt", string(outputFormat),
		"-f", "rawvideo", // Packed frames, no container
		"pipe:1", // Write to stdout
	}
}

// FFmpegSource is a models.FrameSource backed by an ffmpeg process that
// reads the track's bitstream on stdin and writes raw frames on stdout.
type FFmpegSource struct {
	log       zerolog.Logger
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writer    rtpWriter
	packets   PacketReader
	queue     *frameQueue
	width     int
	height    int
	seq       atomic.Uint64
	closing   atomic.Bool
	closeOnce sync.Once
	exited    chan struct{}
}

// NewFFmpegSource starts decoding packets of a track encoded as mimeType
func NewFFmpegSource(packets PacketReader, mimeType string, cfg Config, log zerolog.Logger) (*FFmpegSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid decoder output size %dx%d", cfg.Width, cfg.Height)
	}
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}

	cmd := exec.Command(path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	inputFormat, writer, err := containerFor(mimeType, stdin)
	if err != nil {
		stdin.Close()
		return nil, err
	}
	cmd.Args = append([]string{path}, ffmpegArgs(inputFormat, cfg.Width, cfg.Height)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	s := &FFmpegSource{
		log:     log.With().Str("component", "decoder").Str("codec", mimeType).Logger(),
		cmd:     cmd,
		stdin:   stdin,
		writer:  writer,
		packets: packets,
		queue:   newFrameQueue(cfg.QueueSize),
		width:   cfg.Width,
		height:  cfg.Height,
		exited:  make(chan struct{}),
	}
	stderrLog := s.log.With().Str("stream", "stderr").Logger()
	cmd.Stderr = &stderrLog

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go s.feed()
	go s.drain(stdout)

	s.log.Debug().Str("args", strings.Join(cmd.Args, " ")).Msg("ffmpeg started")
	return s, nil
}

// ReadFrame returns the next decoded frame. It returns models.ErrStreamEnded
// once the track has ended and every decoded frame was delivered.
func (s *FFmpegSource) ReadFrame(ctx context.Context) (*models.Frame, error) {
	return s.queue.pop(ctx)
}

// Dropped returns how many decoded frames were overwritten before delivery
func (s *FFmpegSource) Dropped() uint64 {
	return s.queue.dropped.Load()
}

// Close stops ffmpeg. Packets still arriving on the track are discarded.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		s.queue.close()
	})

	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("ffmpeg did not exit")
	}
	return nil
}

// feed copies the track's packets into ffmpeg until the track or the source
// ends.
func (s *FFmpegSource) feed() {
	// EOF on stdin lets ffmpeg flush its last frames
	defer s.stdin.Close()
	defer s.writer.Close()

	for {
		pkt, err := s.packets.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug().Msg("track ended, flushing decoder")
			} else if !s.closing.Load() {
				s.log.Warn().Err(err).Msg("failed to read RTP packet")
			}
			return
		}

		if s.stopped() {
			return
		}

		if err := s.writer.WriteRTP(pkt); err != nil {
			if s.stopped() {
				return
			}
			// A malformed packet costs at most the frame it belongs to
			s.queue.push(item{err: fmt.Errorf("failed to depacketize RTP seq %d: %w", pkt.SequenceNumber, err)})
		}
	}
}

// stopped reports whether the source was closed or ffmpeg has exited
func (s *FFmpegSource) stopped() bool {
	if s.closing.Load() {
		return true
	}
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// drain reads fixed-size raw frames from ffmpeg's stdout
func (s *FFmpegSource) drain(stdout io.Reader) {
	defer close(s.exited)
	defer s.queue.close()

	frameSize := s.width * s.height * outputFormat.BytesPerPixel()
	buf := make([]byte, frameSize)

	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if !errors.Is(err, io.EOF) && !s.closing.Load() {
				s.log.Warn().Err(err).Msg("decoder output ended mid-frame")
			}
			break
		}

		s.queue.push(item{frame: &models.Frame{
			Seq:        s.seq.Add(1),
			CapturedAt: time.Now(),
			Width:      s.width,
			Height:     s.height,
			Format:     outputFormat,
			Data:       bytes.Clone(buf),
		}})
	}

	if err := s.cmd.Wait(); err != nil && !s.closing.Load() {
		s.log.Warn().Err(err).Msg("ffmpeg exited with error")
	}
}

// CheckFFmpegAvailable checks if FFmpeg is installed and available
func CheckFFmpegAvailable(path string) error {
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.Command(path, "-version")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not found or not working: %w\nStderr: %s", err, stderr.String())
	}

	if len(output) == 0 {
		return fmt.Errorf("ffmpeg produced no output")
	}

	return nil
}
