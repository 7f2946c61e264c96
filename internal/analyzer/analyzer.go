// Package analyzer adapts landmark analysis backends to the pipeline.
package analyzer

import (
	"context"

	"landmarkrtc/pkg/models"
)

// Analyzer turns one decoded frame into a landmark result. Implementations
// must be safe for concurrent use by several pipelines.
type Analyzer interface {
	// PixelFormat is the layout frames must be converted to before Analyze
	PixelFormat() models.PixelFormat
	Analyze(ctx context.Context, frame *models.Frame) (*models.Result, error)
}

// Func wraps a plain function as an Analyzer
type Func struct {
	Format models.PixelFormat
	Fn     func(ctx context.Context, frame *models.Frame) (*models.Result, error)
}

func (f Func) PixelFormat() models.PixelFormat {
	if f.Format == "" {
		return models.PixelFormatRGB24
	}
	return f.Format
}

func (f Func) Analyze(ctx context.Context, frame *models.Frame) (*models.Result, error) {
	return f.Fn(ctx, frame)
}

// Nop never detects anything. It is used when no backend is configured.
type Nop struct{}

func (Nop) PixelFormat() models.PixelFormat { return models.PixelFormatRGB24 }

func (Nop) Analyze(ctx context.Context, _ *models.Frame) (*models.Result, error) {
	return nil, ctx.Err()
}
