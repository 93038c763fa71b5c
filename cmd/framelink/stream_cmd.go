package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/framelink/framelink-sdk-go/pkg/session"
)

var (
	streamVideoPath  string
	streamAudioPath  string
	streamRecord     bool
	streamStatusAddr string
	streamProbe      bool
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Open a session and stream media to the backend",
	Long: `Opens a session with the configured backend and streams the given
media files to it. Without media files the session is control-only, which
still allows live graph edits and status serving.

The session stays up until interrupted. With --record, both the sent and
the received stream are captured and persisted as artifacts on stop.`,
	RunE: runStream,
}

func init() {
	streamCmd.Flags().StringVar(&streamVideoPath, "video", "", "IVF file (VP8/VP9) streamed as the video track")
	streamCmd.Flags().StringVar(&streamAudioPath, "audio", "", "Ogg file (Opus) streamed as the audio track")
	streamCmd.Flags().BoolVar(&streamRecord, "record", false, "record both directions while streaming")
	streamCmd.Flags().StringVar(&streamStatusAddr, "status-addr", "", "serve status, metrics and recordings on this address")
	streamCmd.Flags().BoolVar(&streamProbe, "probe", true, "probe backend liveness in the background")
}

func runStream(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := session.LoadSessionConfig(configPath)
	if err != nil {
		return err
	}

	store, err := openArtifactStore()
	if err != nil {
		return err
	}
	defer store.Close()

	type pump struct {
		name  string
		src   session.EncodedSource
		track *session.OutboundTrack
	}
	var pumps []pump
	var tracks []*session.OutboundTrack

	if streamVideoPath != "" {
		src, err := session.NewIVFFileSource(streamVideoPath)
		if err != nil {
			return fmt.Errorf("open video file: %w", err)
		}
		defer src.Close()
		track, err := session.NewOutboundTrack(src.Codec(), "video", "framelink")
		if err != nil {
			return err
		}
		pumps = append(pumps, pump{name: "video", src: src, track: track})
		tracks = append(tracks, track)
	}
	if streamAudioPath != "" {
		src, err := session.NewOggFileSource(streamAudioPath)
		if err != nil {
			return fmt.Errorf("open audio file: %w", err)
		}
		defer src.Close()
		track, err := session.NewOutboundTrack(src.Codec(), "audio", "framelink")
		if err != nil {
			return err
		}
		pumps = append(pumps, pump{name: "audio", src: src, track: track})
		tracks = append(tracks, track)
	}

	probe := session.ProberOptions{}
	if streamProbe {
		probe.CheckURL = cfg.BackendURL
		probe.StatusURL = os.Getenv("FRAMELINK_STATUS_FEED")
	}

	ctrl, err := session.NewSessionController(session.ControllerOptions{
		ExtraTracks: tracks,
		Store:       store,
		Settings:    session.NewBadgerSettingsStore(store.DB()),
		Exporter:    newExporter(logger),
		StatusAddr:  streamStatusAddr,
		Probe:       probe,
		ScratchDir:  filepath.Join(dataDir(), "scratch"),
		Logger:      logger,
		Events: session.SessionEvents{
			OnReady: func() {
				logger.Info("backend processing confirmed, stream is live")
			},
			OnError: func(err error) {
				logger.Warn("session connection lost", "error", err)
			},
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := ctrl.Open(ctx, cfg)
	if err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = ctrl.Shutdown(shutdownCtx)
		return err
	}
	logger.Info("session opened",
		"id", sess.ID(), "backend", cfg.BackendURL, "passthrough", cfg.Passthrough())

	for _, p := range pumps {
		p := p
		go func() {
			if err := session.StreamEncodedSource(ctx, p.src, p.track, logger); err != nil && ctx.Err() == nil {
				logger.Warn("media pump stopped", "track", p.name, "error", err)
				return
			}
			logger.Info("media file finished", "track", p.name)
		}()
	}

	if streamRecord {
		if err := ctrl.StartRecording(); err != nil {
			logger.Warn("recording not started", "error", err)
		} else {
			logger.Info("recording both directions")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())
	cancel()

	if ctrl.RecordingActive() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		artifacts, err := ctrl.StopRecording(stopCtx)
		stopCancel()
		if err != nil {
			logger.Warn("recording finalize failed", "error", err)
		}
		for _, a := range artifacts {
			fmt.Printf("recorded %-6s %s  (%s, %s)\n",
				a.Kind, a.ID, a.Filename, a.Duration.Round(time.Millisecond))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return ctrl.Shutdown(shutdownCtx)
}
