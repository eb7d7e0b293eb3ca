package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/ports"
)

// RecorderConfig tunes capture spans.
type RecorderConfig struct {
	Audio ports.AudioConfig

	// ChunkInterval is the default duration of one emitted chunk when the
	// span options do not override it.
	ChunkInterval time.Duration
	// LevelInterval is the PCM quantum the level meter is computed over.
	LevelInterval time.Duration
	// LevelPerSec caps how many level callbacks fire per second.
	LevelPerSec float64
	// ClipDir is where finished clips are written. Empty means os.TempDir.
	ClipDir string
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	c.Audio = normalizeAudioConfig(c.Audio)
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 2 * time.Second
	}
	if c.LevelInterval <= 0 {
		c.LevelInterval = 50 * time.Millisecond
	}
	if c.LevelPerSec <= 0 {
		c.LevelPerSec = 30
	}
	return c
}

// Recorder owns at most one microphone capture span at a time and pushes
// chunks, level readings, and failures to the span's callbacks. Permission
// is tracked from the last probe; a live span counts as standing proof.
type Recorder struct {
	capture ports.AudioCapture
	cfg     RecorderConfig
	log     *slog.Logger

	mu       sync.Mutex
	hasPerm  bool
	permNote string
	span     *captureSpan
}

type captureSpan struct {
	session ports.AudioSession
	cancel  context.CancelFunc
	opts    ports.RecordOptions

	levelLimiter *rate.Limiter
	done         chan struct{}

	mu      sync.Mutex
	paused  bool
	closing bool
	pcm     []byte
	seq     int
}

func NewRecorder(capture ports.AudioCapture, cfg RecorderConfig, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{capture: capture, cfg: cfg.withDefaults(), log: log}
}

// RequestPermission probes the configured input and records the outcome.
// Safe to call repeatedly. While a span is live the probe is skipped so a
// second stream is never opened against the same device.
func (r *Recorder) RequestPermission(ctx context.Context) error {
	r.mu.Lock()
	if r.span != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	err := r.capture.Probe(ctx, r.cfg.Audio)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.hasPerm = false
		r.permNote = err.Error()
		return err
	}
	r.hasPerm = true
	r.permNote = ""
	return nil
}

func (r *Recorder) HasPermission() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasPerm
}

// PermissionNote returns the failure detail from the last probe, if any.
func (r *Recorder) PermissionNote() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permNote
}

// Start opens a capture span. Without granted permission it fails before
// any device call. A second Start while a span is live is a no-op.
func (r *Recorder) Start(ctx context.Context, opts ports.RecordOptions) error {
	r.mu.Lock()
	if r.span != nil {
		r.mu.Unlock()
		r.log.Debug("capture already running, keeping existing span")
		return nil
	}
	if !r.hasPerm {
		r.mu.Unlock()
		return ErrPermissionRequired
	}
	r.mu.Unlock()

	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = r.cfg.ChunkInterval
	}

	spanCtx, cancel := context.WithCancel(ctx)
	session, err := r.capture.Start(spanCtx, r.cfg.Audio)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to acquire capture stream: %w", err)
	}

	span := &captureSpan{
		session:      session,
		cancel:       cancel,
		opts:         opts,
		levelLimiter: rate.NewLimiter(rate.Limit(r.cfg.LevelPerSec), 1),
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	if r.span != nil {
		// lost a start race; release the extra stream
		r.mu.Unlock()
		cancel()
		_ = session.Stop()
		return nil
	}
	r.span = span
	r.mu.Unlock()

	go r.pump(span)
	return nil
}

// Recording reports whether a capture span is live.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.span != nil
}

// Pause keeps the device stream open but discards everything read until
// Resume. Nothing is emitted while paused.
func (r *Recorder) Pause() error {
	span := r.currentSpan()
	if span == nil {
		return ErrNotRecording
	}
	span.mu.Lock()
	span.paused = true
	span.mu.Unlock()
	return nil
}

func (r *Recorder) Resume() error {
	span := r.currentSpan()
	if span == nil {
		return ErrNotRecording
	}
	span.mu.Lock()
	span.paused = false
	span.mu.Unlock()
	return nil
}

func (r *Recorder) currentSpan() *captureSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.span
}

// Stop ends the live span and assembles the accumulated PCM into a WAV
// clip. Without a live span it returns an empty clip and no error.
func (r *Recorder) Stop() (domain.CaptureClip, error) {
	r.mu.Lock()
	span := r.span
	r.span = nil
	r.mu.Unlock()
	if span == nil {
		return domain.CaptureClip{}, nil
	}

	span.mu.Lock()
	span.closing = true
	span.mu.Unlock()

	stopErr := span.session.Stop()
	span.cancel()

	select {
	case <-span.done:
	case <-time.After(2 * time.Second):
		r.log.Warn("capture pump did not drain in time")
	}

	clip, clipErr := r.assembleClip(span)
	if stopErr != nil {
		r.log.Warn("capture stop reported an error", "error", stopErr)
	}
	return clip, clipErr
}

// Discard removes a clip file produced by Stop.
func (r *Recorder) Discard(clip domain.CaptureClip) error {
	if clip.Path == "" {
		return nil
	}
	if err := os.Remove(clip.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard clip: %w", err)
	}
	return nil
}

func (r *Recorder) pump(span *captureSpan) {
	defer close(span.done)

	bytesPerSecond := r.cfg.Audio.SampleRate * r.cfg.Audio.Channels * 2
	quantum := bytesPerSecond * int(r.cfg.LevelInterval/time.Millisecond) / 1000
	if quantum < 256 {
		quantum = 256
	}
	quantum -= quantum % 2

	chunkBytes := bytesPerSecond * int(span.opts.ChunkInterval/time.Millisecond) / 1000
	if chunkBytes < quantum {
		chunkBytes = quantum
	}

	buf := make([]byte, quantum)
	var pending []byte
	for {
		n, err := span.session.Read(buf)
		if n > 0 {
			pending = r.consume(span, buf[:n], pending, chunkBytes)
		}
		if err != nil {
			r.finishPump(span, err, pending)
			return
		}
	}
}

// consume folds one quantum into the span. Paused spans drain the device
// without keeping or emitting anything.
func (r *Recorder) consume(span *captureSpan, data []byte, pending []byte, chunkBytes int) []byte {
	span.mu.Lock()
	paused := span.paused
	span.mu.Unlock()
	if paused {
		return pending
	}

	if span.opts.OnLevel != nil && span.levelLimiter.Allow() {
		span.opts.OnLevel(levelFromPCM(data))
	}

	span.mu.Lock()
	span.pcm = append(span.pcm, data...)
	span.mu.Unlock()

	pending = append(pending, data...)
	for len(pending) >= chunkBytes {
		chunk := make([]byte, chunkBytes)
		copy(chunk, pending[:chunkBytes])
		pending = pending[chunkBytes:]
		r.emitChunk(span, chunk)
	}
	return pending
}

func (r *Recorder) emitChunk(span *captureSpan, data []byte) {
	if span.opts.OnChunk == nil {
		return
	}
	span.mu.Lock()
	span.seq++
	seq := span.seq
	span.mu.Unlock()

	span.opts.OnChunk(domain.AudioChunk{
		ID:        uuid.NewString(),
		Data:      data,
		MimeType:  r.MimeType(),
		Timestamp: time.Now().UnixMilli(),
		Seq:       seq,
	})
}

// MimeType describes the PCM chunks this recorder emits.
func (r *Recorder) MimeType() string {
	return fmt.Sprintf("audio/pcm;rate=%d;channels=%d", r.cfg.Audio.SampleRate, r.cfg.Audio.Channels)
}

// finishPump runs when Read stops yielding. On a deliberate stop the
// trailing partial chunk is flushed. On a mid-span failure the device
// stream is fully released first, then the failure callback fires with a
// classified issue code.
func (r *Recorder) finishPump(span *captureSpan, readErr error, pending []byte) {
	span.mu.Lock()
	closing := span.closing
	paused := span.paused
	span.mu.Unlock()

	if closing {
		if !paused && len(pending) > 0 {
			r.emitChunk(span, pending)
		}
		return
	}

	detail := readErr.Error()
	if stopErr := span.session.Stop(); stopErr != nil {
		detail = fmt.Sprintf("%s (stop: %v)", detail, stopErr)
	}
	span.cancel()

	r.mu.Lock()
	if r.span == span {
		r.span = nil
	}
	r.mu.Unlock()

	code := classifyCaptureError(detail)
	if code == domain.IssuePermissionRevoked {
		r.mu.Lock()
		r.hasPerm = false
		r.permNote = detail
		r.mu.Unlock()
	}

	r.log.Warn("capture stream failed", "code", code, "error", readErr)
	if span.opts.OnFailure != nil {
		span.opts.OnFailure(code, detail)
	}
}

func (r *Recorder) assembleClip(span *captureSpan) (domain.CaptureClip, error) {
	span.mu.Lock()
	pcm := span.pcm
	span.pcm = nil
	span.mu.Unlock()

	if len(pcm) == 0 {
		return domain.CaptureClip{}, nil
	}

	dir := r.cfg.ClipDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.CaptureClip{}, fmt.Errorf("failed to create clip directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "wavelistener-*.wav")
	if err != nil {
		return domain.CaptureClip{}, fmt.Errorf("failed to create clip file: %w", err)
	}
	if err := encodeWAV(f, pcm, r.cfg.Audio.SampleRate, r.cfg.Audio.Channels); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return domain.CaptureClip{}, fmt.Errorf("failed to write clip: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return domain.CaptureClip{}, fmt.Errorf("failed to finish clip: %w", err)
	}

	bytesPerSecond := r.cfg.Audio.SampleRate * r.cfg.Audio.Channels * 2
	return domain.CaptureClip{
		Path:       f.Name(),
		MimeType:   "audio/wav",
		DurationMS: int64(len(pcm)) * 1000 / int64(bytesPerSecond),
		Size:       int64(len(pcm) + wavHeaderSize),
	}, nil
}
