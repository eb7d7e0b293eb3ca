package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClassWaves-AI/classwaves-student/internal/audio"
	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/ports"
)

var (
	ErrCaptureBusy = errors.New("a capture span is already in progress")
	ErrNoGroup     = errors.New("no group to stream for")
)

// ListenerConfig controls the auto-capture lead-in and chunk cadence.
type ListenerConfig struct {
	CountdownSteps   int
	StepInterval     time.Duration
	ChunkInterval    time.Duration
	MicCheckInterval time.Duration
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.CountdownSteps <= 0 {
		c.CountdownSteps = 3
	}
	if c.StepInterval <= 0 {
		c.StepInterval = time.Second
	}
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 2 * time.Second
	}
	if c.MicCheckInterval <= 0 {
		c.MicCheckInterval = 250 * time.Millisecond
	}
	return c
}

// captureRun is one streaming span as the controller sees it. streamOpen
// tracks whether a stream-start went out without a matching stream-end
// yet; whoever flips it to false owns sending that stream-end.
type captureRun struct {
	groupID    string
	manual     bool
	micCheck   bool
	streamOpen bool

	failed     bool
	failCode   domain.IssueCode
	failDetail string
}

// ListenController drives the WaveListener state machine: idle,
// counting_down, recording, paused, and error. Auto-capture begins
// exactly when the session is active, the group is ready, the microphone
// grant is in place, and nothing else is running.
type ListenController struct {
	recorder ports.Recorder
	commands ports.Commands
	events   ports.EventSink
	cfg      ListenerConfig
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     domain.ListenerState
	session   domain.SessionStatus
	groupID   string
	ready     bool
	starting  bool
	countdown *countdown
	current   *captureRun
}

func NewListenController(recorder ports.Recorder, commands ports.Commands, events ports.EventSink, cfg ListenerConfig, log *slog.Logger) *ListenController {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ListenController{
		recorder: recorder,
		commands: commands,
		events:   events,
		cfg:      cfg.withDefaults(),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		state:    domain.ListenerIdle,
	}
}

// State returns the current listener state for UI rendering.
func (c *ListenController) State() domain.ListenerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BindGroup records which group capture streams belong to. The readiness
// push that follows a join decides whether anything starts.
func (c *ListenController) BindGroup(groupID string) {
	c.mu.Lock()
	c.groupID = groupID
	c.mu.Unlock()
}

// HandleSessionStatus reacts to an authoritative session status push.
func (c *ListenController) HandleSessionStatus(status domain.SessionStatus) {
	c.mu.Lock()
	c.session = status
	c.mu.Unlock()

	switch {
	case status == domain.SessionActive:
		c.maybeBegin()
	case status == domain.SessionPaused:
		c.interrupt(domain.ReasonSessionPaused)
	case status.Terminal():
		c.interrupt(domain.ReasonSessionEnded)
	}
}

// HandleGroupReadiness reacts to the group readiness flag. Readiness
// withdrawn mid-count cancels the countdown; a live span keeps going.
func (c *ListenController) HandleGroupReadiness(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()

	if ready {
		c.maybeBegin()
		return
	}
	c.cancelCountdown(domain.ReasonCountdownCancelled)
}

// HandleGroupRecording applies the group-wide pause/resume toggle pushed
// by the teacher. Mic checks are local and ignore it.
func (c *ListenController) HandleGroupRecording(recording bool) {
	c.mu.Lock()
	cur := c.current
	state := c.state
	c.mu.Unlock()
	if cur == nil || cur.micCheck {
		return
	}

	if recording && state == domain.ListenerPaused {
		if err := c.Resume(); err != nil {
			c.log.Debug("group recording resume had no span", "error", err)
		}
	}
	if !recording && state == domain.ListenerRecording {
		if err := c.Pause(); err != nil {
			c.log.Debug("group recording pause had no span", "error", err)
		}
	}
}

// HandleLeave tears down any lead-in or live span and clears the gates
// when the student leaves the session or group.
func (c *ListenController) HandleLeave() {
	c.mu.Lock()
	c.session = ""
	c.groupID = ""
	c.ready = false
	c.mu.Unlock()
	c.interrupt(domain.ReasonLeftSession)
}

// RequestPermission probes the microphone. A fresh grant can be the last
// missing gate, so a successful probe re-evaluates auto-capture.
func (c *ListenController) RequestPermission(ctx context.Context) error {
	if err := c.recorder.RequestPermission(ctx); err != nil {
		c.events.SessionError(domain.ErrorCodePermission, err.Error())
		return err
	}
	c.maybeBegin()
	return nil
}

// Retry is the only way out of the error state. It re-probes the
// microphone and, when the auto-capture gates still hold, re-enters the
// countdown. Called outside the error state it does nothing.
func (c *ListenController) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.ListenerError {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.ListenerIdle
	c.mu.Unlock()

	if err := c.recorder.RequestPermission(ctx); err != nil {
		c.mu.Lock()
		c.state = domain.ListenerError
		c.mu.Unlock()
		c.events.SessionError(domain.ErrorCodePermission, err.Error())
		return err
	}

	c.events.ListenerStateChanged(domain.ListenerIdle, domain.ReasonPermissionGranted)
	c.maybeBegin()
	return nil
}

// Pause suspends a live span. The stream stays open; nothing is emitted
// until Resume.
func (c *ListenController) Pause() error {
	c.mu.Lock()
	if c.current == nil || c.state != domain.ListenerRecording {
		c.mu.Unlock()
		return audio.ErrNotRecording
	}
	c.state = domain.ListenerPaused
	c.mu.Unlock()

	if err := c.recorder.Pause(); err != nil {
		return err
	}
	c.events.ListenerStateChanged(domain.ListenerPaused, domain.ReasonCapturePaused)
	return nil
}

// Resume continues a paused span.
func (c *ListenController) Resume() error {
	c.mu.Lock()
	if c.current == nil || c.state != domain.ListenerPaused {
		c.mu.Unlock()
		return audio.ErrNotRecording
	}
	c.state = domain.ListenerRecording
	c.mu.Unlock()

	if err := c.recorder.Resume(); err != nil {
		return err
	}
	c.events.ListenerStateChanged(domain.ListenerRecording, domain.ReasonCaptureResumed)
	return nil
}

// StartManual begins capture immediately, skipping the countdown and the
// session/readiness gates. The microphone grant is still required, and
// overlapping starts are rejected.
func (c *ListenController) StartManual(ctx context.Context) error {
	if !c.reserveStart() {
		return ErrCaptureBusy
	}
	defer c.releaseStart()

	c.mu.Lock()
	groupID := c.groupID
	c.mu.Unlock()
	if groupID == "" {
		return ErrNoGroup
	}
	if !c.recorder.HasPermission() {
		if err := c.recorder.RequestPermission(ctx); err != nil {
			c.events.SessionError(domain.ErrorCodePermission, err.Error())
			return err
		}
	}
	return c.beginCapture(groupID, domain.ListenerIdle, domain.ReasonManualStarted)
}

// StopManual ends a manual span and hands back the assembled clip.
func (c *ListenController) StopManual() (domain.CaptureClip, error) {
	c.mu.Lock()
	cur := c.current
	if cur == nil || !cur.manual {
		c.mu.Unlock()
		return domain.CaptureClip{}, audio.ErrNotRecording
	}
	c.mu.Unlock()

	clip, _ := c.stopCurrent(domain.ReasonCaptureStopped)
	return clip, nil
}

// StartMicCheck runs a local-only preview span with a short chunk
// interval. Nothing goes over the network; levels still reach the UI.
func (c *ListenController) StartMicCheck(ctx context.Context) error {
	if !c.reserveStart() {
		return ErrCaptureBusy
	}
	defer c.releaseStart()

	if err := c.recorder.RequestPermission(ctx); err != nil {
		c.events.SessionError(domain.ErrorCodePermission, err.Error())
		return err
	}

	cur := &captureRun{micCheck: true}
	opts := ports.RecordOptions{
		ChunkInterval: c.cfg.MicCheckInterval,
		OnLevel:       c.events.LevelChanged,
		OnFailure: func(code domain.IssueCode, detail string) {
			c.captureFailed(cur, code, detail)
		},
	}
	if err := c.recorder.Start(c.ctx, opts); err != nil {
		c.events.SessionError(domain.ErrorCodeCapture, err.Error())
		return err
	}

	c.mu.Lock()
	installed := c.state == domain.ListenerIdle && c.current == nil && !cur.failed
	if installed {
		c.current = cur
		c.state = domain.ListenerRecording
	}
	failed := cur.failed
	code, detail := cur.failCode, cur.failDetail
	c.mu.Unlock()

	if installed {
		c.events.ListenerStateChanged(domain.ListenerRecording, domain.ReasonMicCheckStarted)
		return nil
	}
	if failed {
		c.mu.Lock()
		c.state = domain.ListenerError
		c.mu.Unlock()
		c.events.ListenerStateChanged(domain.ListenerError, failureReason(code))
		c.events.SessionError(failureErrorCode(code), detail)
		return errors.New(detail)
	}
	return ErrCaptureBusy
}

// StopMicCheck ends the preview span and returns the clip for playback.
func (c *ListenController) StopMicCheck() (domain.CaptureClip, error) {
	c.mu.Lock()
	cur := c.current
	if cur == nil || !cur.micCheck {
		c.mu.Unlock()
		return domain.CaptureClip{}, audio.ErrNotRecording
	}
	c.mu.Unlock()

	clip, _ := c.stopCurrent(domain.ReasonCaptureStopped)
	return clip, nil
}

// Shutdown closes out any live capture before the window goes away. The
// stream-end announcement is best effort; the backend timeout is the
// backstop when it does not make it out.
func (c *ListenController) Shutdown() {
	if !c.cancelCountdown(domain.ReasonShutdown) {
		if clip, stopped := c.stopCurrent(domain.ReasonShutdown); stopped && clip.Path != "" {
			_ = c.recorder.Discard(clip)
		}
	}
	c.cancel()
}

// maybeBegin starts the countdown when every auto-capture gate holds.
// Repeated status pushes land here while counting or recording and fall
// through, so a cycle cannot double-start.
func (c *ListenController) maybeBegin() {
	c.mu.Lock()
	if c.state != domain.ListenerIdle || c.current != nil || c.starting ||
		c.session != domain.SessionActive || !c.ready || c.groupID == "" ||
		!c.recorder.HasPermission() {
		c.mu.Unlock()
		return
	}
	cd := newCountdown(c.cfg.CountdownSteps, c.cfg.StepInterval)
	c.countdown = cd
	c.state = domain.ListenerCountingDown
	groupID := c.groupID
	c.mu.Unlock()

	c.events.ListenerStateChanged(domain.ListenerCountingDown, domain.ReasonCountdownStarted)
	go c.countIn(cd, groupID)
}

// countIn runs one countdown through to capture. The grant can be
// revoked while the count runs, so it is re-checked with a real probe
// before the device is touched or a stream announced.
func (c *ListenController) countIn(cd *countdown, groupID string) {
	if !cd.run(c.events.CountdownTick) {
		return // whoever cancelled already restored state and told the UI
	}

	c.mu.Lock()
	if c.countdown != cd || c.state != domain.ListenerCountingDown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	probeErr := c.recorder.RequestPermission(c.ctx)

	c.mu.Lock()
	if c.countdown != cd || c.state != domain.ListenerCountingDown {
		c.mu.Unlock()
		return // cancelled while probing
	}
	c.countdown = nil
	if probeErr != nil {
		c.state = domain.ListenerError
		c.mu.Unlock()
		code := audio.IssueFromError(probeErr)
		c.commands.ReportAudioIssue(groupID, code, probeErr.Error())
		c.events.ListenerStateChanged(domain.ListenerError, failureReason(code))
		c.events.SessionError(failureErrorCode(code), probeErr.Error())
		return
	}
	c.mu.Unlock()

	_ = c.beginCapture(groupID, domain.ListenerCountingDown, domain.ReasonCaptureStarted)
}

// beginCapture announces the stream, opens the device span, and installs
// it. The stream-start always precedes the recorder start; chunks flow
// straight into the send path.
func (c *ListenController) beginCapture(groupID string, from domain.ListenerState, reason domain.ListenerReason) error {
	cur := &captureRun{groupID: groupID, manual: reason == domain.ReasonManualStarted}

	c.commands.StartAudioStream(groupID)
	cur.streamOpen = true

	opts := ports.RecordOptions{
		ChunkInterval: c.cfg.ChunkInterval,
		OnChunk: func(chunk domain.AudioChunk) {
			c.commands.SendAudioChunk(groupID, chunk)
		},
		OnLevel: c.events.LevelChanged,
		OnFailure: func(code domain.IssueCode, detail string) {
			c.captureFailed(cur, code, detail)
		},
	}
	startErr := c.recorder.Start(c.ctx, opts)

	c.mu.Lock()
	var failCode domain.IssueCode
	if startErr == nil && cur.failed {
		startErr = fmt.Errorf("capture failed during startup: %s", cur.failDetail)
		failCode = cur.failCode
	}
	if startErr == nil && c.state == from && c.current == nil {
		c.current = cur
		c.state = domain.ListenerRecording
		c.countdown = nil
		c.mu.Unlock()
		c.events.ListenerStateChanged(domain.ListenerRecording, reason)
		return nil
	}
	streamOpen := cur.streamOpen
	cur.streamOpen = false
	cancelled := startErr == nil
	if !cancelled {
		c.state = domain.ListenerError
		c.countdown = nil
	}
	c.mu.Unlock()

	if cancelled {
		// a deliberate stop won the install race; unwind quietly
		clip, _ := c.recorder.Stop()
		if clip.Path != "" {
			_ = c.recorder.Discard(clip)
		}
		if streamOpen {
			c.commands.EndAudioStream(groupID)
		}
		return nil
	}

	code := audio.IssueFromError(startErr)
	if failCode != "" {
		code = failCode
	}
	if streamOpen {
		c.commands.EndAudioStream(groupID)
	}
	c.commands.ReportAudioIssue(groupID, code, startErr.Error())
	c.events.ListenerStateChanged(domain.ListenerError, failureReason(code))
	c.events.SessionError(failureErrorCode(code), startErr.Error())
	return startErr
}

// captureFailed finishes the error entry after the recorder has already
// released the device: exactly one stream-end, then the issue report,
// then the UI. A span that was never installed is left for its starter
// to unwind.
func (c *ListenController) captureFailed(cur *captureRun, code domain.IssueCode, detail string) {
	c.mu.Lock()
	cur.failed = true
	cur.failCode = code
	cur.failDetail = detail
	if c.current != cur {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.state = domain.ListenerError
	streamOpen := cur.streamOpen
	cur.streamOpen = false
	c.mu.Unlock()

	if streamOpen {
		c.commands.EndAudioStream(cur.groupID)
	}
	if !cur.micCheck {
		c.commands.ReportAudioIssue(cur.groupID, code, detail)
	}
	c.events.ListenerStateChanged(domain.ListenerError, failureReason(code))
	c.events.SessionError(failureErrorCode(code), detail)
}

// interrupt cancels a countdown or stops a live span, discarding any
// clip. Used for session pause/end, leave, and shutdown.
func (c *ListenController) interrupt(reason domain.ListenerReason) {
	if c.cancelCountdown(reason) {
		return
	}
	if clip, stopped := c.stopCurrent(reason); stopped && clip.Path != "" {
		_ = c.recorder.Discard(clip)
	}
}

// cancelCountdown aborts a running countdown, covering both the ticking
// phase and the pre-capture probe.
func (c *ListenController) cancelCountdown(reason domain.ListenerReason) bool {
	c.mu.Lock()
	if c.state != domain.ListenerCountingDown {
		c.mu.Unlock()
		return false
	}
	cd := c.countdown
	c.countdown = nil
	c.state = domain.ListenerIdle
	c.mu.Unlock()

	if cd != nil {
		cd.stop()
	}
	c.events.ListenerStateChanged(domain.ListenerIdle, reason)
	return true
}

// stopCurrent deliberately ends the live span. The recorder stops first
// so the device is released and the pump drained, then the stream-end
// goes out; no chunk can trail it.
func (c *ListenController) stopCurrent(reason domain.ListenerReason) (domain.CaptureClip, bool) {
	c.mu.Lock()
	cur := c.current
	if cur == nil {
		c.mu.Unlock()
		return domain.CaptureClip{}, false
	}
	c.current = nil
	c.state = domain.ListenerIdle
	streamOpen := cur.streamOpen
	cur.streamOpen = false
	c.mu.Unlock()

	clip, err := c.recorder.Stop()
	if err != nil {
		c.log.Warn("capture stop was not clean", "error", err)
	}
	if streamOpen {
		c.commands.EndAudioStream(cur.groupID)
	}
	c.events.ListenerStateChanged(domain.ListenerIdle, reason)
	return clip, true
}

// reserveStart claims the single start slot so two spans cannot spin up
// at once.
func (c *ListenController) reserveStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ListenerIdle || c.current != nil || c.starting {
		return false
	}
	c.starting = true
	return true
}

func (c *ListenController) releaseStart() {
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
}

func failureReason(code domain.IssueCode) domain.ListenerReason {
	switch code {
	case domain.IssuePermissionRevoked:
		return domain.ReasonPermissionRevoked
	case domain.IssueDeviceError:
		return domain.ReasonDeviceLost
	default:
		return domain.ReasonStreamFailed
	}
}

func failureErrorCode(code domain.IssueCode) domain.ErrorCode {
	switch code {
	case domain.IssuePermissionRevoked:
		return domain.ErrorCodePermission
	case domain.IssueDeviceError:
		return domain.ErrorCodeDevice
	default:
		return domain.ErrorCodeCapture
	}
}
