package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sjawhar/click2call/internal/audio"
	"github.com/sjawhar/click2call/internal/call"
	"github.com/sjawhar/click2call/internal/config"
	"github.com/sjawhar/click2call/internal/device"
	"github.com/sjawhar/click2call/internal/gdrive"
	"github.com/sjawhar/click2call/internal/journal"
	"github.com/sjawhar/click2call/internal/llm"
	"github.com/sjawhar/click2call/internal/metrics"
	"github.com/sjawhar/click2call/internal/relay"
	"github.com/sjawhar/click2call/internal/server"
	"github.com/sjawhar/click2call/internal/storage"
	"github.com/sjawhar/click2call/internal/summary"
	"github.com/sjawhar/click2call/internal/transcribe"
	"github.com/sjawhar/click2call/internal/widget"
)

func main() {
	log.Println("click2call: starting")

	cfg, warnings, err := config.Load(envOrDefault(config.EnvPrefix+"CONFIG", "config.yaml"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	logger := slog.Default()

	if err := audio.Init(); err != nil {
		log.Fatalf("audio init failed: %v", err)
	}
	defer func() { _ = audio.Terminate() }()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	hub := server.NewHub(logger)
	controls := server.NewControls()
	prompter := server.NewPrompter(hub)
	writer := storage.NewWriter(cfg.TranscriptDir)

	journalOpts := []journal.Option{journal.WithLogger(logger), journal.WithExporter(writer)}
	if cfg.SummaryEnabled() {
		client, err := llm.New(cfg.SummaryModel, cfg.LLMKeys())
		if err != nil {
			log.Printf("warning: summaries disabled: %v", err)
		} else {
			journalOpts = append(journalOpts, journal.WithSummarizer(summary.New(client, store)))
		}
	}
	calls := journal.New(store, hub, journalOpts...)

	media := audio.New(audio.WithLogger(logger), audio.WithSampleRate(cfg.MicSampleRate))
	registry := device.NewRegistry(media, store.Local(),
		device.WithLogger(logger),
		device.WithPreferenceTTL(cfg.ParsedPreferenceTTL()),
		device.WithMetrics(m),
	)
	registry.OnChange(hub.BroadcastDevices)

	var capt *captions
	if cfg.LocalCaptions && cfg.DeepgramAPIKey != "" {
		transcribe.Init()
		capt = &captions{
			opts:   transcribe.Options{APIKey: cfg.DeepgramAPIKey, SampleRate: media.SampleRate()},
			logger: logger,
		}
	}

	var ctrl *widget.Controller
	hooks := widget.Hooks{
		OnClientReady:  hub.BroadcastClientReady,
		OnIncomingCall: prompter.Prompt,
		OnCallStarted: func(callID string) {
			direction, destination := storage.DirectionOutbound, ctrl.Config().Destination
			if ctrl.Session().Inbound() {
				direction, destination = storage.DirectionInbound, ""
			}
			if err := calls.CallStarted(callID, direction, destination); err != nil {
				log.Printf("warning: record call start failed: %v", err)
			}
			if capt != nil {
				capt.start(ctx, ctrl.Session())
			}
		},
		OnCallEnded: func(info call.EndInfo) {
			if capt != nil {
				capt.stop()
			}
			if err := calls.CallEnded(info); err != nil {
				log.Printf("warning: record call end failed: %v", err)
			}
		},
		OnChatChange: hub.BroadcastChat,
		OnLocalVideo: hub.BroadcastLocalVideo,
		OnError:      hub.BroadcastError,
	}

	purgeKeys := cfg.PurgeSessionKeys
	if len(purgeKeys) == 0 {
		purgeKeys = call.DefaultPurgeKeys
	}
	platform := relay.New(cfg.RelayURL, media,
		relay.WithLogger(logger),
		relay.WithTokenCache(store.Session(), purgeKeys[0]),
	)
	ctrl = widget.New(cfg.CallConfig(), platform, registry, hooks,
		widget.WithLogger(logger),
		widget.WithTriggers(controls.Bind),
		widget.WithAutoAnswer(cfg.AutoAnswer),
		widget.WithInterceptTimeout(cfg.ParsedBeforeDialTimeout()),
		widget.WithCallOptions(
			call.WithSessionStore(store.Session(), purgeKeys...),
			call.WithMetrics(m),
		),
	)

	handler, err := server.Handler(server.Deps{
		Hub:      hub,
		Store:    store,
		Widget:   ctrl,
		Devices:  registry,
		Controls: controls,
		Prompter: prompter,
		Metrics:  m.Handler(),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("build http handler failed: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, cfg.ListenAddr, handler, logger)
	}()

	if cfg.ReceiveCalls {
		go func() {
			if err := ctrl.EnableIncoming(ctx); err != nil {
				log.Printf("warning: incoming calls disabled: %v", err)
			}
		}()
	}

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
		} else {
			go syncer.Run(ctx, gdrive.DefaultInterval, func() (string, string) {
				return writer.CurrentPath(), time.Now().Format("2006-01-02")
			}, logger)
		}
	}

	log.Printf("click2call: API on http://%s", cfg.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serveErr:
		if err != nil {
			log.Printf("http server error: %v", err)
		}
	}

	log.Println("click2call: shutting down")
	if err := ctrl.Close(); err != nil {
		log.Printf("warning: widget close failed: %v", err)
	}
	if capt != nil {
		capt.stop()
	}
	cancel()
	calls.Wait()
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
