package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"landmarkrtc/config"
	"landmarkrtc/httpServer"
	"landmarkrtc/internal/analyzer"
	"landmarkrtc/internal/auth"
	"landmarkrtc/internal/decoder"
	"landmarkrtc/internal/encoder"
	"landmarkrtc/internal/logger"
	"landmarkrtc/internal/metrics"
	"landmarkrtc/internal/rtc"
	"landmarkrtc/internal/session"
	"landmarkrtc/pkg/models"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "landmarkrtc",
	Short: "Landmark analysis for live WebRTC video",
	Long: `landmarkrtc answers WebRTC offers from browsers, decodes the inbound video
track, runs each frame through a landmark analyzer and streams the encoded
landmark coordinates back over the peer's data channel.`,
	Example: `  # Serve on the default address with the no-op analyzer
  landmarkrtc

  # Forward frames to a remote inference service
  LANDMARKRTC_ANALYZER_URL=http://localhost:9000/analyze landmarkrtc --addr :9090`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./landmarkrtc.yaml)")
	rootCmd.PersistentFlags().String("addr", "", "HTTP listen address (default is :8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogPretty); err != nil {
		return err
	}
	log := logger.WithComponent("main")
	log.Info().
		Str("addr", cfg.HTTPAddr).
		Int("width", cfg.FrameWidth).
		Int("height", cfg.FrameHeight).
		Msg("starting landmarkrtc")

	if err := decoder.CheckFFmpegAvailable(cfg.FFmpegPath); err != nil {
		return err
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	enc, err := encoder.New(cfg.LandmarkOffset, cfg.LandmarkCount, cfg.LandmarkDims)
	if err != nil {
		return fmt.Errorf("invalid landmark layout: %w", err)
	}

	var a analyzer.Analyzer = analyzer.Nop{}
	if cfg.AnalyzerURL != "" {
		a = analyzer.NewHTTP(cfg.AnalyzerURL, models.PixelFormat(cfg.AnalyzerFormat), cfg.AnalysisTimeout)
		log.Info().Str("url", cfg.AnalyzerURL).Msg("using remote analyzer")
	} else {
		log.Warn().Msg("no analyzer configured, frames are decoded but nothing is detected")
	}

	// Initialize managers
	sessions := session.NewManager(logger.WithComponent("session"), cfg.MaxSessions, m)
	authManager := auth.New(cfg.TokenTTL, cfg.MaxTokenTTL)

	rtcSrv, err := rtc.New(rtc.Config{
		ICEServers:      cfg.ICEServers,
		GatherTimeout:   cfg.GatherTimeout,
		PLIInterval:     cfg.PLIInterval,
		AnalysisTimeout: cfg.AnalysisTimeout,
		StopGrace:       cfg.StopGrace,
		Decoder: decoder.Config{
			FFmpegPath: cfg.FFmpegPath,
			Width:      cfg.FrameWidth,
			Height:     cfg.FrameHeight,
			QueueSize:  cfg.FrameQueue,
		},
	}, sessions, a, enc, m, logger.Logger)
	if err != nil {
		return err
	}

	httpSrv, err := httpServer.New(rtcSrv, sessions, authManager, m, cfg.RequireOfferToken, logger.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpSrv.Serve(ctx, cfg.HTTPAddr, cfg.ShutdownTimeout)
	})
	g.Go(func() error {
		cleanupTokens(ctx, authManager, time.Minute)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return sessions.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

// cleanupTokens prunes expired offer tokens until ctx is done
func cleanupTokens(ctx context.Context, m *auth.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpiredTokens()
		}
	}
}
