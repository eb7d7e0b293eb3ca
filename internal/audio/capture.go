package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/ports"
)

var (
	// ErrPermissionRequired is returned by Recorder.Start before any device
	// call when microphone permission has not been granted.
	ErrPermissionRequired = errors.New("microphone permission has not been granted")
	// ErrPermissionDenied wraps probe failures classified as access denial.
	ErrPermissionDenied = errors.New("microphone access denied")
	// ErrNoInputDevice wraps probe failures classified as missing devices.
	ErrNoInputDevice = errors.New("no audio input device available")
	// ErrNotRecording is returned by Pause/Resume without a live span.
	ErrNotRecording = errors.New("no active capture span")
)

// FFmpegCapture acquires microphone PCM streams through an ffmpeg child
// process, one process per capture span. It also answers the cheap probe
// used for permission checks and lists the visible input devices.
type FFmpegCapture struct {
	command string
	log     *slog.Logger
}

func NewFFmpegCapture(command string, log *slog.Logger) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegCapture{command: command, log: log}
}

func (c *FFmpegCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = normalizeAudioConfig(cfg)

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
	}
	if cfg.FilterChain != "" {
		args = append(args, "-af", cfg.FilterChain)
	}
	args = append(args, "-f", "s16le", "-")

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("capture process exited before streaming: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("capture process exited before streaming")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// Probe opens the input briefly and discards the output. It is the cheap
// permission/device check behind Recorder.RequestPermission; failures are
// classified into the permission/device sentinels.
func (c *FFmpegCapture) Probe(ctx context.Context, cfg ports.AudioConfig) error {
	cfg = normalizeAudioConfig(cfg)

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-t", "0.25",
		"-f", "null", "-",
	}

	out, err := exec.CommandContext(probeCtx, c.command, args...).CombinedOutput()
	if err == nil {
		return nil
	}

	detail := strings.TrimSpace(string(out))
	if detail == "" {
		detail = err.Error()
	}
	switch classifyCaptureError(detail) {
	case domain.IssuePermissionRevoked:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
	case domain.IssueDeviceError:
		return fmt.Errorf("%w: %s", ErrNoInputDevice, detail)
	default:
		return fmt.Errorf("capture probe failed: %s", detail)
	}
}

// ListInputs parses `ffmpeg -sources <format>` output into device entries.
func (c *FFmpegCapture) ListInputs(ctx context.Context) ([]domain.AudioInput, error) {
	format := normalizeAudioConfig(ports.AudioConfig{}).InputFormat

	out, err := exec.CommandContext(ctx, c.command, "-hide_banner", "-sources", format).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sources: %w: %s", format, err, strings.TrimSpace(string(out)))
	}
	return parseSources(string(out)), nil
}

func normalizeAudioConfig(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

// Read streams PCM from the capture process. A clean EOF means the process
// exited; when it exited with an error the stderr tail rides along so the
// failure can be classified.
func (s *ffmpegSession) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == nil || !errors.Is(err, io.EOF) {
		return n, err
	}

	select {
	case waitErr, ok := <-s.waitErr:
		if ok && waitErr != nil {
			detail := strings.TrimSpace(s.stderr.String())
			if detail != "" {
				return n, fmt.Errorf("capture process exited: %w: %s", waitErr, detail)
			}
			return n, fmt.Errorf("capture process exited: %w", waitErr)
		}
	case <-time.After(250 * time.Millisecond):
	}
	return n, err
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})

	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// classifyCaptureError maps capture failure text onto the structured issue
// codes reported to the backend.
func classifyCaptureError(detail string) domain.IssueCode {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not authorized"),
		strings.Contains(lower, "operation not permitted"):
		return domain.IssuePermissionRevoked
	case strings.Contains(lower, "no such device"),
		strings.Contains(lower, "no such entity"),
		strings.Contains(lower, "no such process"),
		strings.Contains(lower, "device or resource busy"),
		strings.Contains(lower, "cannot open"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such file or directory"):
		return domain.IssueDeviceError
	default:
		return domain.IssueStreamFailed
	}
}

// IssueFromError classifies any capture-layer error into an issue code.
func IssueFromError(err error) domain.IssueCode {
	switch {
	case err == nil:
		return domain.IssueStreamFailed
	case errors.Is(err, ErrPermissionRequired), errors.Is(err, ErrPermissionDenied):
		return domain.IssuePermissionRevoked
	case errors.Is(err, ErrNoInputDevice):
		return domain.IssueDeviceError
	default:
		return classifyCaptureError(err.Error())
	}
}

// parseSources reads `ffmpeg -sources` output. Lines look like
//
//	Auto-detected sources for pulse:
//	  * alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio]
//
// with the default device starred.
func parseSources(output string) []domain.AudioInput {
	var inputs []domain.AudioInput
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}

		isDefault := false
		if strings.HasPrefix(line, "*") {
			isDefault = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		}

		name := ""
		id := line
		if open := strings.Index(line, "["); open >= 0 {
			if closing := strings.LastIndex(line, "]"); closing > open {
				name = strings.TrimSpace(line[open+1 : closing])
				id = strings.TrimSpace(line[:open])
			}
		}
		if id == "" {
			continue
		}
		if name == "" {
			name = id
		}
		inputs = append(inputs, domain.AudioInput{ID: id, Name: name, Default: isDefault})
	}
	return inputs
}
