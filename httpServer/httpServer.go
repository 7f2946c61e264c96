package httpServer

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"landmarkrtc/internal/auth"
	"landmarkrtc/internal/metrics"
	"landmarkrtc/internal/session"
	"landmarkrtc/pkg/models"
)

//go:embed static/index.html static/client.js
var static embed.FS

// Negotiator answers SDP offers. *rtc.Server implements it.
type Negotiator interface {
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription, remoteAddr string) (*webrtc.SessionDescription, string, error)
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router       *gin.Engine
	negotiator   Negotiator
	sessions     *session.Manager
	authManager  *auth.Manager
	metrics      *metrics.Metrics
	requireToken bool // Offers must carry a token from /api/v1/token
	log          zerolog.Logger

	indexHTML []byte
	clientJS  []byte
}

// New creates a new HTTP server
func New(negotiator Negotiator, sessions *session.Manager, authManager *auth.Manager, m *metrics.Metrics, requireToken bool, log zerolog.Logger) (*Server, error) {
	indexHTML, err := static.ReadFile("static/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to load index.html: %w", err)
	}
	clientJS, err := static.ReadFile("static/client.js")
	if err != nil {
		return nil, fmt.Errorf("failed to load client.js: %w", err)
	}

	s := &Server{
		negotiator:   negotiator,
		sessions:     sessions,
		authManager:  authManager,
		metrics:      m,
		requireToken: requireToken,
		log:          log.With().Str("component", "http").Logger(),
		indexHTML:    indexHTML,
		clientJS:     clientJS,
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/", s.handleIndex)
	router.GET("/client.js", s.handleClientJS)
	router.POST("/offer", s.handleOffer)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/v1/token", s.handleCreateToken)
		api.GET("/v1/sessions", s.handleListSessions)
		api.GET("/v1/sessions/:id", s.handleGetSession)
		api.POST("/v1/sessions/:id/close", s.handleCloseSession)
	}

	s.router = router
}

// Handler returns the root handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down and waits up
// to shutdownTimeout for in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info().Msg("HTTP server stopped")
	return nil
}

// Middleware

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		s.metrics.RecordHTTPRequest(c.Request.Method, path, status, elapsed.Seconds())

		evt := s.log.Debug()
		if status >= http.StatusInternalServerError {
			evt = s.log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}

// Handler implementations

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", s.indexHTML)
}

func (s *Server) handleClientJS(c *gin.Context) {
	c.Data(http.StatusOK, "application/javascript", s.clientJS)
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":  "pong",
		"time":     time.Now().Unix(),
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleOffer(c *gin.Context) {
	var req models.OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if webrtc.NewSDPType(req.Type) != webrtc.SDPTypeOffer {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("expected an offer, got %q", req.Type)})
		return
	}

	if s.requireToken {
		if err := s.authManager.ValidateAndConsume(req.Token); err != nil {
			s.log.Warn().Err(err).Str("client", c.ClientIP()).Msg("offer rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}
	answer, sessionID, err := s.negotiator.HandleOffer(c.Request.Context(), offer, c.Request.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrTooManySessions):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "negotiation aborted"})
		default:
			s.log.Warn().Err(err).Msg("negotiation failed")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, models.OfferResponse{
		SDP:       answer.SDP,
		Type:      answer.Type.String(),
		SessionID: sessionID,
	})
}

func (s *Server) handleCreateToken(c *gin.Context) {
	var req models.TokenRequest
	// The body is optional
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.authManager.GenerateOfferToken(time.Duration(req.ExpiresIn)*time.Second, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.TokenResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.List()

	infos := make([]models.SessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = sess.Info()
	}

	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions: infos,
		Total:    len(infos),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, exists := s.sessions.Get(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) handleCloseSession(c *gin.Context) {
	id := c.Param("id")

	err := s.sessions.Close(id)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		// The session is gone either way
		s.log.Warn().Err(err).Str("session", id).Msg("session closed with error")
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "session closed",
		"sessionId": id,
	})
}
