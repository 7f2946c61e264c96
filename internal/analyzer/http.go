package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"landmarkrtc/pkg/models"
)

const maxResponseSize = 1 << 20

// HTTP posts raw frames to a remote inference service.
//
// Request: POST with the packed pixels as body and X-Frame-Width,
// X-Frame-Height and X-Pixel-Format headers. Response: JSON of the form
// {"multi_face_landmarks": [[{"x":0.1,"y":0.2,"z":0.0}, ...], ...]}.
// An empty or null list means no detection.
type HTTP struct {
	url    string
	format models.PixelFormat
	client *http.Client
}

// NewHTTP creates a remote analyzer. timeout bounds every request in
// addition to the per-frame context deadline.
func NewHTTP(url string, format models.PixelFormat, timeout time.Duration) *HTTP {
	if format == "" {
		format = models.PixelFormatRGB24
	}
	return &HTTP{
		url:    url,
		format: format,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) PixelFormat() models.PixelFormat {
	return h.format
}

func (h *HTTP) Analyze(ctx context.Context, frame *models.Frame) (*models.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to build analyzer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Frame-Width", strconv.Itoa(frame.Width))
	req.Header.Set("X-Frame-Height", strconv.Itoa(frame.Height))
	req.Header.Set("X-Pixel-Format", string(frame.Format))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read analyzer response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result models.Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode analyzer response: %w", err)
	}

	return &result, nil
}
