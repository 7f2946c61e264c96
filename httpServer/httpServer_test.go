package httpServer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landmarkrtc/internal/auth"
	"landmarkrtc/internal/metrics"
	"landmarkrtc/internal/session"
	"landmarkrtc/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopPeer struct{}

func (nopPeer) Close() error { return nil }

// fakeNegotiator registers a session and echoes a canned answer
type fakeNegotiator struct {
	sessions *session.Manager
	err      error
	offers   []webrtc.SessionDescription
}

func (f *fakeNegotiator) HandleOffer(ctx context.Context, offer webrtc.SessionDescription, remoteAddr string) (*webrtc.SessionDescription, string, error) {
	f.offers = append(f.offers, offer)
	if f.err != nil {
		return nil, "", f.err
	}
	sess, err := f.sessions.Create(remoteAddr, nopPeer{})
	if err != nil {
		return nil, "", err
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, sess.ID, nil
}

type fixture struct {
	srv        *Server
	sessions   *session.Manager
	auth       *auth.Manager
	negotiator *fakeNegotiator
}

func newFixture(t *testing.T, requireToken bool) *fixture {
	t.Helper()
	m := metrics.New(nil)
	sessions := session.NewManager(zerolog.Nop(), 0, m)
	authManager := auth.New(time.Minute, time.Hour)
	neg := &fakeNegotiator{sessions: sessions}

	srv, err := New(neg, sessions, authManager, m, requireToken, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{srv: srv, sessions: sessions, auth: authManager, negotiator: neg}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestPing(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(http.MethodGet, "/api/ping", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", decode[map[string]any](t, w)["message"])
}

func TestStaticAssets(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "client.js")

	w = f.do(http.MethodGet, "/client.js", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "createDataChannel")
}

func TestOffer(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodPost, "/offer", models.OfferRequest{SDP: "v=0 offer", Type: "offer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[models.OfferResponse](t, w)
	assert.Equal(t, "answer", resp.Type)
	assert.Equal(t, "v=0 answer", resp.SDP)
	_, ok := f.sessions.Get(resp.SessionID)
	assert.True(t, ok)

	require.Len(t, f.negotiator.offers, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, f.negotiator.offers[0].Type)
}

func TestOfferValidation(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodPost, "/offer", map[string]string{"type": "offer"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/offer", models.OfferRequest{SDP: "v=0", Type: "answer"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.negotiator.offers)
}

func TestOfferErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{session.ErrTooManySessions, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("failed to set remote description"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		f := newFixture(t, false)
		f.negotiator.err = tt.err
		w := f.do(http.MethodPost, "/offer", models.OfferRequest{SDP: "v=0", Type: "offer"})
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}
}

func TestOfferRequiresToken(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodPost, "/offer", models.OfferRequest{SDP: "v=0", Type: "offer"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/api/v1/token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := decode[models.TokenResponse](t, w)
	assert.NotEmpty(t, token.ExpiresAt)

	offer := models.OfferRequest{SDP: "v=0", Type: "offer", Token: token.Token}
	w = f.do(http.MethodPost, "/offer", offer)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/offer", offer)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "tokens are single use")
}

func TestCreateTokenWithLifetime(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(http.MethodPost, "/api/v1/token", models.TokenRequest{ExpiresIn: 30})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[models.TokenResponse](t, w)
	expires, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), expires, 5*time.Second)
	assert.Equal(t, 1, f.auth.GetTokenCount())
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, false)
	sess, err := f.sessions.Create("192.0.2.1:1234", nopPeer{})
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[models.SessionListResponse](t, w)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sess.ID, list.Sessions[0].ID)

	w = f.do(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "192.0.2.1:1234", decode[models.SessionInfo](t, w).RemoteAddr)

	w = f.do(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.sessions.Count())

	w = f.do(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/close", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	f.do(http.MethodGet, "/api/ping", nil)

	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `landmarkrtc_http_requests_total{method="GET",path="/api/ping",status="2xx"} 1`), body)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Serve(ctx, "127.0.0.1:0", time.Second) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
