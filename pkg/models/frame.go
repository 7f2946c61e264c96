package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStreamEnded is returned by a FrameSource once the inbound track has ended.
// It is a normal termination, not a failure.
var ErrStreamEnded = errors.New("stream ended")

// PixelFormat describes the memory layout of a decoded frame
type PixelFormat string

const (
	PixelFormatRGB24 PixelFormat = "rgb24"
	PixelFormatBGR24 PixelFormat = "bgr24"
	PixelFormatRGBA  PixelFormat = "rgba"
)

// BytesPerPixel returns the packed pixel size, or 0 for an unknown format
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGB24, PixelFormatBGR24:
		return 3
	case PixelFormatRGBA:
		return 4
	default:
		return 0
	}
}

// Frame represents a single decoded video frame from an inbound track
type Frame struct {
	Seq        uint64      // Position of the frame within its track
	CapturedAt time.Time   // When the decoder produced the frame
	Width      int         // Width in pixels
	Height     int         // Height in pixels
	Format     PixelFormat // Pixel layout of Data
	Data       []byte      // Packed pixels, no row padding
}

// FrameSource produces decoded frames for one inbound track.
//
// ReadFrame blocks until a frame is available or ctx is done. It returns
// ErrStreamEnded when the track has ended; any other error is a transient
// stream error and the caller may keep reading.
type FrameSource interface {
	ReadFrame(ctx context.Context) (*Frame, error)
}

// Validate checks that Data matches the declared geometry
func (f *Frame) Validate() error {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("unknown pixel format %q", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * bpp; len(f.Data) != want {
		return fmt.Errorf("frame data is %d bytes, want %d for %dx%d %s", len(f.Data), want, f.Width, f.Height, f.Format)
	}
	return nil
}

// Convert returns the frame in the requested pixel format. The receiver is
// returned unchanged when it already has that format.
func (f *Frame) Convert(to PixelFormat) (*Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Format == to {
		return f, nil
	}
	if to.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("unknown pixel format %q", to)
	}

	srcBpp := f.Format.BytesPerPixel()
	dstBpp := to.BytesPerPixel()
	pixels := f.Width * f.Height
	out := make([]byte, pixels*dstBpp)

	for i := 0; i < pixels; i++ {
		r, g, b := f.rgbAt(i * srcBpp)
		d := out[i*dstBpp:]
		switch to {
		case PixelFormatRGB24:
			d[0], d[1], d[2] = r, g, b
		case PixelFormatBGR24:
			d[0], d[1], d[2] = b, g, r
		case PixelFormatRGBA:
			d[0], d[1], d[2], d[3] = r, g, b, 0xff
		}
	}

	return &Frame{
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
		Width:      f.Width,
		Height:     f.Height,
		Format:     to,
		Data:       out,
	}, nil
}

func (f *Frame) rgbAt(off int) (r, g, b byte) {
	p := f.Data[off:]
	if f.Format == PixelFormatBGR24 {
		return p[2], p[1], p[0]
	}
	return p[0], p[1], p[2]
}
