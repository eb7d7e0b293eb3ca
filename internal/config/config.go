package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration for the student client.
type Config struct {
	Server   ServerConfig
	Realtime RealtimeConfig
	Audio    AudioConfig
	Listener ListenerConfig
	Filter   FilterConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	APIBaseURL    string
	GatewayURL    string
	HealthTimeout time.Duration
}

type RealtimeConfig struct {
	MaxReconnects  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
}

type AudioConfig struct {
	Command     string
	InputFormat string
	InputDevice string
	SampleRate  int
	Channels    int
	FilterChain string
}

type ListenerConfig struct {
	CountdownSteps   int
	StepInterval     time.Duration
	ChunkInterval    time.Duration
	MicCheckInterval time.Duration
	LevelInterval    time.Duration
	LevelPerSec      int
}

type FilterConfig struct {
	RulesPath      string
	IterationLimit int
}

type StorageConfig struct {
	StateDir        string
	AuthFile        string
	ContinuityFile  string
	ClipDir         string
	ContinuityTTL   time.Duration
	PersistDebounce time.Duration
}

type LogConfig struct {
	Level string
}

// Load resolves configuration from an optional .env file layered under
// the environment, with defaults aimed at a local backend.
func Load() (Config, error) {
	loadEnvFile()

	stateDir, err := resolveStateDir()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			APIBaseURL:    envOrDefault("CLASSWAVES_API_URL", "http://localhost:3000"),
			GatewayURL:    strings.TrimSpace(os.Getenv("CLASSWAVES_GATEWAY_URL")),
			HealthTimeout: envOrDefaultMillis("CLASSWAVES_HEALTH_TIMEOUT_MS", 2500),
		},
		Realtime: RealtimeConfig{
			MaxReconnects:  envOrDefaultInt("CLASSWAVES_MAX_RECONNECTS", 5),
			InitialBackoff: envOrDefaultMillis("CLASSWAVES_BACKOFF_INITIAL_MS", 1000),
			MaxBackoff:     envOrDefaultMillis("CLASSWAVES_BACKOFF_MAX_MS", 10000),
			PingInterval:   envOrDefaultMillis("CLASSWAVES_PING_INTERVAL_MS", 25000),
		},
		Audio: AudioConfig{
			Command:     envOrDefault("CLASSWAVES_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat: envOrDefault("CLASSWAVES_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice: envOrDefault("CLASSWAVES_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:  envOrDefaultInt("CLASSWAVES_SAMPLE_RATE", 16000),
			Channels:    envOrDefaultInt("CLASSWAVES_CHANNELS", 1),
			FilterChain: strings.TrimSpace(os.Getenv("CLASSWAVES_AUDIO_FILTER_CHAIN")),
		},
		Listener: ListenerConfig{
			CountdownSteps:   envOrDefaultInt("CLASSWAVES_COUNTDOWN_STEPS", 3),
			StepInterval:     envOrDefaultMillis("CLASSWAVES_COUNTDOWN_STEP_MS", 1000),
			ChunkInterval:    envOrDefaultMillis("CLASSWAVES_CHUNK_INTERVAL_MS", 2000),
			MicCheckInterval: envOrDefaultMillis("CLASSWAVES_MIC_CHECK_CHUNK_MS", 250),
			LevelInterval:    envOrDefaultMillis("CLASSWAVES_LEVEL_INTERVAL_MS", 50),
			LevelPerSec:      envOrDefaultInt("CLASSWAVES_LEVEL_EVENTS_PER_SEC", 30),
		},
		Filter: FilterConfig{
			RulesPath:      envOrDefault("CLASSWAVES_FILTER_RULES", filepath.Join(stateDir, "display.rules")),
			IterationLimit: envOrDefaultInt("CLASSWAVES_FILTER_ITERATION_LIMIT", 20),
		},
		Storage: StorageConfig{
			StateDir:        stateDir,
			AuthFile:        envOrDefault("CLASSWAVES_AUTH_FILE", "session.json"),
			ContinuityFile:  envOrDefault("CLASSWAVES_CONTINUITY_FILE", "continuity.json"),
			ClipDir:         strings.TrimSpace(os.Getenv("CLASSWAVES_CLIP_DIR")),
			ContinuityTTL:   envOrDefaultMillis("CLASSWAVES_CONTINUITY_TTL_MS", 30*60*1000),
			PersistDebounce: envOrDefaultMillis("CLASSWAVES_PERSIST_DEBOUNCE_MS", 250),
		},
		Log: LogConfig{
			Level: strings.ToLower(envOrDefault("CLASSWAVES_LOG_LEVEL", "info")),
		},
	}

	// the gateway shares the API host unless pointed elsewhere
	if cfg.Server.GatewayURL == "" {
		cfg.Server.GatewayURL = cfg.Server.APIBaseURL
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Realtime.MaxReconnects <= 0 {
		cfg.Realtime.MaxReconnects = 5
	}
	if cfg.Listener.CountdownSteps <= 0 {
		cfg.Listener.CountdownSteps = 3
	}
	if cfg.Listener.LevelPerSec <= 0 {
		cfg.Listener.LevelPerSec = 30
	}
	if cfg.Filter.IterationLimit <= 0 {
		cfg.Filter.IterationLimit = 20
	}

	return cfg, nil
}

// AuthPath is the full path of the persisted auth/session snapshot.
func (c Config) AuthPath() string {
	return filepath.Join(c.Storage.StateDir, c.Storage.AuthFile)
}

// ContinuityPath is the full path of the session continuity snapshot.
func (c Config) ContinuityPath() string {
	return filepath.Join(c.Storage.StateDir, c.Storage.ContinuityFile)
}

// loadEnvFile layers an optional .env file under the real environment.
// Variables that are already set win; godotenv never overwrites.
func loadEnvFile() {
	path := strings.TrimSpace(os.Getenv("CLASSWAVES_ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func resolveStateDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("CLASSWAVES_STATE_DIR")); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(base, "classwaves-student"), nil
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback int) time.Duration {
	ms := envOrDefaultInt(key, fallback)
	if ms < 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}
