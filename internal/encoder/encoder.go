// Package encoder turns analysis results into the fixed-layout binary payload
// sent to the browser over the data channel.
package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"landmarkrtc/pkg/models"
)

// ErrTruncatedInput is returned when a detection has fewer points than the
// selected range needs.
var ErrTruncatedInput = errors.New("truncated landmark set")

const (
	DefaultOffset = 10
	DefaultCount  = 11
	DefaultDims   = 2

	bytesPerCoord = 4
)

// Encoder selects a contiguous range of landmarks from the first subject and
// packs their coordinates as little-endian float32 values, point-major.
type Encoder struct {
	offset int
	count  int
	dims   int
}

// New creates an encoder selecting points [offset, offset+count) with dims
// coordinates each (1 to 3).
func New(offset, count, dims int) (*Encoder, error) {
	if offset < 0 {
		return nil, fmt.Errorf("landmark offset must not be negative, got %d", offset)
	}
	if count <= 0 {
		return nil, fmt.Errorf("landmark count must be positive, got %d", count)
	}
	if dims < 1 || dims > 3 {
		return nil, fmt.Errorf("landmark dims must be between 1 and 3, got %d", dims)
	}
	return &Encoder{offset: offset, count: count, dims: dims}, nil
}

// Default returns the encoder for the 11 points at offset 10, x and y only
func Default() *Encoder {
	return &Encoder{offset: DefaultOffset, count: DefaultCount, dims: DefaultDims}
}

// Size returns the length of every payload this encoder produces
func (e *Encoder) Size() int {
	return e.count * e.dims * bytesPerCoord
}

// Required returns the minimum number of points a detection must carry
func (e *Encoder) Required() int {
	return e.offset + e.count
}

// Encode returns the payload for r. It returns nil and no error when r holds
// no detection. Extra subjects are ignored.
func (e *Encoder) Encode(r *models.Result) ([]byte, error) {
	if !r.Detected() {
		return nil, nil
	}

	points := r.Subjects[0]
	if len(points) < e.Required() {
		return nil, fmt.Errorf("%w: have %d points, need %d", ErrTruncatedInput, len(points), e.Required())
	}

	buf := make([]byte, e.Size())
	off := 0
	for _, p := range points[e.offset:e.Required()] {
		for d := 0; d < e.dims; d++ {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(p.Coord(d))))
			off += bytesPerCoord
		}
	}

	return buf, nil
}
