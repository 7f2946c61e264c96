package models

// OfferRequest is the SDP offer posted by a browser to /offer
type OfferRequest struct {
	SDP   string `json:"sdp" binding:"required"`
	Type  string `json:"type" binding:"required"`
	Token string `json:"token"` // Offer token, only checked when tokens are required
}

// OfferResponse carries the SDP answer back to the browser
type OfferResponse struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// PipelineInfo represents per-track pipeline counters returned by the API
type PipelineInfo struct {
	TrackID      string `json:"trackId"`
	Codec        string `json:"codec,omitempty"`
	State        string `json:"state"`
	Frames       uint64 `json:"frames"`
	StreamErrors uint64 `json:"streamErrors"`
	Analyzed     uint64 `json:"analyzed"`
	Detections   uint64 `json:"detections"`
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"` // Results produced but not delivered
	Rebinds      uint64 `json:"rebinds"`
	SourceDrops  uint64 `json:"sourceDrops"`
}

// SessionInfo represents session metadata returned by the API
type SessionInfo struct {
	ID              string         `json:"id"`
	RemoteAddr      string         `json:"remoteAddr,omitempty"`
	ConnectionState string         `json:"connectionState"`
	CreatedAt       string         `json:"createdAt"`
	Duration        int            `json:"duration"` // seconds
	HasDataChannel  bool           `json:"hasDataChannel"`
	Pipelines       []PipelineInfo `json:"pipelines"`
}

// SessionListResponse represents a list of sessions
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}
