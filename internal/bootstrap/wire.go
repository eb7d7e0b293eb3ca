package bootstrap

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ClassWaves-AI/classwaves-student/internal/api"
	"github.com/ClassWaves-AI/classwaves-student/internal/audio"
	"github.com/ClassWaves-AI/classwaves-student/internal/config"
	"github.com/ClassWaves-AI/classwaves-student/internal/continuity"
	"github.com/ClassWaves-AI/classwaves-student/internal/filter"
	"github.com/ClassWaves-AI/classwaves-student/internal/ports"
	"github.com/ClassWaves-AI/classwaves-student/internal/realtime"
	"github.com/ClassWaves-AI/classwaves-student/internal/state"
	"github.com/ClassWaves-AI/classwaves-student/internal/storage"
	"github.com/ClassWaves-AI/classwaves-student/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Config     config.Config
	Log        *slog.Logger
	API        *api.Client
	Gateway    *realtime.Client
	Store      *state.Store
	Controller *usecase.ListenController
	Reconciler *usecase.Reconciler
	Guard      *continuity.Guard
}

// Build wires all backend dependencies for the current runtime. The
// reconciler is returned unstarted; the caller owns its goroutine.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	log := newLogger(cfg.Log.Level)

	if err := os.MkdirAll(cfg.Storage.StateDir, 0o700); err != nil {
		return Services{}, fmt.Errorf("state dir: %w", err)
	}

	gatewayURL, err := realtime.BuildGatewayURL(cfg.Server.GatewayURL)
	if err != nil {
		return Services{}, err
	}

	displayFilter, err := filter.New(cfg.Filter.RulesPath, cfg.Filter.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	store := state.NewStore(storage.NewJSONFile(cfg.AuthPath()), log)

	guard := continuity.NewGuard(storage.NewJSONFile(cfg.ContinuityPath()), continuity.Config{
		TTL:      cfg.Storage.ContinuityTTL,
		Debounce: cfg.Storage.PersistDebounce,
	}, log)

	recorder := audio.NewRecorder(audio.NewFFmpegCapture(cfg.Audio.Command, log), audio.RecorderConfig{
		Audio: ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
			FilterChain: cfg.Audio.FilterChain,
		},
		ChunkInterval: cfg.Listener.ChunkInterval,
		LevelInterval: cfg.Listener.LevelInterval,
		LevelPerSec:   float64(cfg.Listener.LevelPerSec),
		ClipDir:       cfg.Storage.ClipDir,
	}, log)

	gateway := realtime.NewClient(realtime.Config{
		URL:            gatewayURL,
		MaxReconnects:  cfg.Realtime.MaxReconnects,
		InitialBackoff: cfg.Realtime.InitialBackoff,
		MaxBackoff:     cfg.Realtime.MaxBackoff,
		PingInterval:   cfg.Realtime.PingInterval,
	}, log)

	apiClient := api.NewClient(api.Config{
		BaseURL:       cfg.Server.APIBaseURL,
		HealthTimeout: cfg.Server.HealthTimeout,
	}, log)

	controller := usecase.NewListenController(recorder, gateway, eventSink, usecase.ListenerConfig{
		CountdownSteps:   cfg.Listener.CountdownSteps,
		StepInterval:     cfg.Listener.StepInterval,
		ChunkInterval:    cfg.Listener.ChunkInterval,
		MicCheckInterval: cfg.Listener.MicCheckInterval,
	}, log)

	reconciler := usecase.NewReconciler(gateway.Events(), store, controller, gateway, displayFilter, eventSink, log)

	return Services{
		Config:     cfg,
		Log:        log,
		API:        apiClient,
		Gateway:    gateway,
		Store:      store,
		Controller: controller,
		Reconciler: reconciler,
		Guard:      guard,
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
