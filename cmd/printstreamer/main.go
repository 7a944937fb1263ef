package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"printstreamer/internal/api"
	"printstreamer/internal/audio"
	"printstreamer/internal/broadcast"
	"printstreamer/internal/encoder"
	"printstreamer/internal/moonraker"
	"printstreamer/internal/orchestrator"
	"printstreamer/internal/overlay"
	"printstreamer/internal/pipeline"
	"printstreamer/internal/platform/config"
	"printstreamer/internal/platform/logger"
	"printstreamer/internal/platform/metrics"
	"printstreamer/internal/printer"
	"printstreamer/internal/ratelimit"
	"printstreamer/internal/timelapse"
	"printstreamer/internal/webcam"
	"printstreamer/internal/youtube"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrMissingKeys) {
			fmt.Fprintln(os.Stderr)
			config.Usage(os.Stderr)
		}
		os.Exit(2)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("printstreamer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	rt := config.NewRuntime(cfg)

	sup := encoder.NewSupervisor(cfg.Encoder.Path, log, met)
	probe := encoder.NewSupervisor(cfg.Encoder.ProbePath, log, met)

	fallback, err := webcam.EnsureFallback(cfg.Stream.FallbackPath)
	if err != nil {
		return fmt.Errorf("fallback frame: %w", err)
	}
	cam := webcam.NewProxy(cfg.Stream.Source, fallback, log, webcam.WithFallbackFPS(cfg.Stream.TargetFps))

	printerClient := moonraker.NewClient(cfg.Moonraker.BaseURL, cfg.Moonraker.APIKey, cfg.Moonraker.AuthHeader, log)
	poller := printer.NewPoller(printerClient, log, met)

	timelapses := timelapse.NewManager(cfg.Timelapse.MainFolder, cfg.Timelapse.Period, cam, sup, log, met)
	timelapses.UseMetadata(printerClient)

	gen := overlay.NewGenerator(cfg.Overlay.TextPath, cfg.Overlay.Template, cfg.Overlay.Refresh, printerClient, timelapses, log)

	lib := audio.NewLibrary(cfg.Audio.Folder)
	if n, err := lib.Scan(); err != nil {
		log.Warn("music folder scan failed", slog.String("folder", cfg.Audio.Folder), slog.String("error", err.Error()))
	} else {
		log.Info("music library loaded", slog.Int("tracks", n))
	}
	player := audio.NewBroadcaster(sup, lib, rt.AudioEnabled.Load(), log, met)

	reg := pipeline.NewRegistry(met)
	pipe := pipeline.New(pipeline.Config{
		BaseURL: cfg.PublicBaseURL,
		Video:   pipeline.VideoSettings{FPS: cfg.Stream.TargetFps, BitrateKbps: cfg.Stream.BitrateKbps},
		Text: pipeline.TextSettings{
			TextPath:   cfg.Overlay.TextPath,
			FontFile:   cfg.Overlay.FontFile,
			FontSize:   cfg.Overlay.FontSize,
			FontColor:  cfg.Overlay.FontColor,
			Box:        cfg.Overlay.Box,
			BoxColor:   cfg.Overlay.BoxColor,
			BoxBorderW: cfg.Overlay.BoxBorderW,
			X:          cfg.Overlay.X,
			Y:          cfg.Overlay.Y,
		},
		OverlayEnabled: rt.OverlayEnabled.Load,
	}, sup, cam, player, reg, log)

	var (
		auth       *youtube.Authenticator
		controller *broadcast.Controller
		broadcasts orchestrator.Broadcasts
		publisher  orchestrator.Publisher
	)
	if cfg.YouTubeEnabled() {
		auth = youtube.NewAuthenticator(youtube.Credentials{
			ClientID:     cfg.YouTube.ClientID,
			ClientSecret: cfg.YouTube.ClientSecret,
			RefreshToken: cfg.YouTube.RefreshToken,
			RedirectURL:  cfg.YouTube.RedirectURL,
		}, youtube.NewFileStore(cfg.YouTube.TokenFile), log)
		controller = broadcast.NewController(youtube.NewProvider(auth, log), ratelimit.New(cfg.YouTube.MinInterval, met), broadcast.Settings{
			Broadcast: broadcast.BroadcastSpec{
				Title:       cfg.YouTube.Broadcast.Title,
				Description: cfg.YouTube.Broadcast.Description,
				Privacy:     cfg.YouTube.Broadcast.Privacy,
				CategoryID:  cfg.YouTube.Broadcast.CategoryID,
			},
			MaxWait:     cfg.YouTube.TransitionMaxWait,
			MaxAttempts: cfg.YouTube.TransitionTries,
		}, log, met)
		// Consent may need a human, so it runs here and never on the
		// orchestrator loop.
		if err := controller.Authenticate(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("YouTube authentication failed, broadcasting and uploads are disabled",
				slog.String("error", err.Error()))
			auth, controller = nil, nil
		} else {
			broadcasts = controller
			publisher = controller
		}
	} else {
		log.Info("no YouTube credentials configured, broadcasting and uploads are disabled")
	}

	uploader := orchestrator.NewUploader(publisher, timelapses, orchestrator.UploadSettings{
		Privacy:         cfg.YouTube.Upload.Privacy,
		CategoryID:      cfg.YouTube.Upload.CategoryID,
		Playlist:        cfg.YouTube.Playlist.Name,
		PlaylistPrivacy: cfg.YouTube.Playlist.Privacy,
	}, log)

	svc := orchestrator.NewService(orchestrator.NewInMemoryRepository(), orchestrator.Deps{
		Timelapses: timelapses,
		Broadcasts: broadcasts,
		Relay:      pipe.Bridge,
		Jobs:       printerClient,
		Player:     player,
		Uploader:   uploader,
		Runtime:    rt,
	}, orchestrator.Options{
		LastLayer: orchestrator.LastLayer{
			Offset:           cfg.Timelapse.LastLayerOffset,
			RemainingSeconds: cfg.Timelapse.LastLayerRemainingSeconds,
			ProgressPercent:  cfg.Timelapse.LastLayerProgressPercent,
		},
		MaxWait:     cfg.YouTube.TransitionMaxWait,
		MaxAttempts: cfg.YouTube.TransitionTries,
	}, log, met)
	pipe.Bridge.OnEscalate(svc.Escalate)
	player.OnTrackComplete(svc.TrackCompleted)
	events, detach := poller.Subscribe()
	defer detach()

	probeDuration := func(ctx context.Context, path string) (time.Duration, error) {
		return encoder.ProbeDuration(ctx, probe, path)
	}

	router := api.NewRouter(api.Deps{
		Config:     cfg,
		Runtime:    rt,
		Pipeline:   pipe,
		Webcam:     cam,
		Printer:    printerClient,
		Broadcasts: controller,
		Jobs:       svc,
		Uploader:   uploader,
		Timelapses: timelapses,
		Audio:      player,
		Overlay:    gen,
		Spawner:    sup,
		Probe:      probeDuration,
	}, log, met)
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming responses end with the process context.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	loop := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(gctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	loop("printer poller", poller.Run)
	loop("orchestrator", func(ctx context.Context) error { return svc.Run(ctx, events) })
	loop("timelapse capture", timelapses.Run)
	loop("overlay", gen.Run)
	loop("audio", player.Run)
	loop("music watcher", func(ctx context.Context) error {
		return audio.Watch(ctx, lib, log, func(n int) {
			log.Info("music library rescanned", slog.Int("tracks", n))
			go audio.ProbeDurations(ctx, lib, probeDuration)
		})
	})
	g.Go(func() error {
		audio.ProbeDurations(gctx, lib, probeDuration)
		return nil
	})
	if cfg.Moonraker.Notifications {
		loop("printer notifications", func(ctx context.Context) error {
			return printerClient.Subscribe(ctx, func(moonraker.Notification) { poller.Nudge() })
		})
	}
	if auth != nil {
		g.Go(func() error {
			if err := auth.RunRefresh(gctx); err != nil {
				log.Error("credential refresh stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if cfg.Stream.LocalEnabled {
		g.Go(func() error {
			warmSource(gctx, cfg.PublicBaseURL+pipeline.SourcePath, log)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("server starting",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("public_base_url", cfg.PublicBaseURL),
			slog.String("camera", cfg.Stream.Source),
			slog.String("printer", cfg.Moonraker.BaseURL),
			slog.Bool("youtube", cfg.YouTubeEnabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		pipe.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	svc.Wait()
	log.Info("server stopped")
	return err
}

// warmSource keeps one local reader on the source stage so the camera
// connection is open before the first real subscriber arrives.
func warmSource(ctx context.Context, url string, log *slog.Logger) {
	for ctx.Err() == nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else if ctx.Err() == nil {
			log.Debug("local source reader failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}
