package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ClassWaves-AI/classwaves-student/internal/audio"
	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// opLog records recorder and command calls in one ordered ledger so tests
// can assert cross-component ordering.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) count(op string) int {
	n := 0
	for _, o := range l.snapshot() {
		if o == op {
			n++
		}
	}
	return n
}

func (l *opLog) indexOf(op string) int {
	for i, o := range l.snapshot() {
		if o == op {
			return i
		}
	}
	return -1
}

type fakeRecorder struct {
	log *opLog

	mu        sync.Mutex
	hasPerm   bool
	probeErr  error
	startErr  error
	clip      domain.CaptureClip
	opts      ports.RecordOptions
	recording bool
	paused    bool
	starts    int
	discards  []string
}

func (r *fakeRecorder) grant() {
	r.mu.Lock()
	r.hasPerm = true
	r.mu.Unlock()
}

func (r *fakeRecorder) setProbeErr(err error) {
	r.mu.Lock()
	r.probeErr = err
	r.mu.Unlock()
}

func (r *fakeRecorder) RequestPermission(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}
	if r.probeErr != nil {
		r.hasPerm = false
		return r.probeErr
	}
	r.hasPerm = true
	return nil
}

func (r *fakeRecorder) HasPermission() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasPerm
}

func (r *fakeRecorder) Start(_ context.Context, opts ports.RecordOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}
	if !r.hasPerm {
		return audio.ErrPermissionRequired
	}
	if r.startErr != nil {
		return r.startErr
	}
	r.recording = true
	r.paused = false
	r.opts = opts
	r.starts++
	r.log.add("recorder.start")
	return nil
}

func (r *fakeRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return audio.ErrNotRecording
	}
	r.paused = true
	r.log.add("recorder.pause")
	return nil
}

func (r *fakeRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return audio.ErrNotRecording
	}
	r.paused = false
	r.log.add("recorder.resume")
	return nil
}

func (r *fakeRecorder) Stop() (domain.CaptureClip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return domain.CaptureClip{}, nil
	}
	r.recording = false
	r.log.add("recorder.stop")
	return r.clip, nil
}

func (r *fakeRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) Discard(clip domain.CaptureClip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discards = append(r.discards, clip.Path)
	r.log.add("recorder.discard")
	return nil
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRecorder) options() ports.RecordOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// fail drops the span and fires OnFailure the way the real engine does:
// device released first, callback last, no recorder lock held.
func (r *fakeRecorder) fail(code domain.IssueCode, detail string) {
	r.mu.Lock()
	opts := r.opts
	r.recording = false
	if code == domain.IssuePermissionRevoked {
		r.hasPerm = false
	}
	r.log.add("recorder.release")
	r.mu.Unlock()
	if opts.OnFailure != nil {
		opts.OnFailure(code, detail)
	}
}

type fakeCommands struct {
	log *opLog

	mu     sync.Mutex
	chunks []domain.AudioChunk
}

func (c *fakeCommands) JoinSession(sessionID string) { c.log.add("join.session:" + sessionID) }
func (c *fakeCommands) LeaveSession(sessionID string) {
	c.log.add("leave.session:" + sessionID)
}
func (c *fakeCommands) JoinGroup(groupID, sessionID string) { c.log.add("join.group:" + groupID) }
func (c *fakeCommands) LeaveGroup(groupID string)           { c.log.add("leave.group:" + groupID) }
func (c *fakeCommands) UpdateGroupStatus(groupID string, isReady bool) {
	c.log.add("group.status:" + groupID)
}
func (c *fakeCommands) MarkLeaderReady(sessionID, groupID string, ready bool) {
	c.log.add("leader.ready:" + groupID)
}
func (c *fakeCommands) StartAudioStream(groupID string) { c.log.add("stream.start:" + groupID) }
func (c *fakeCommands) SendAudioChunk(groupID string, chunk domain.AudioChunk) {
	c.mu.Lock()
	c.chunks = append(c.chunks, chunk)
	c.mu.Unlock()
}
func (c *fakeCommands) EndAudioStream(groupID string) { c.log.add("stream.end:" + groupID) }
func (c *fakeCommands) ReportAudioIssue(groupID string, code domain.IssueCode, detail string) {
	c.log.add("issue:" + string(code))
}

func (c *fakeCommands) sentChunks() []domain.AudioChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.AudioChunk(nil), c.chunks...)
}

type sinkTransition struct {
	state  domain.ListenerState
	reason domain.ListenerReason
}

type sinkError struct {
	code   domain.ErrorCode
	detail string
}

type fakeSink struct {
	mu          sync.Mutex
	transitions []sinkTransition
	ticks       []int
	levels      []int
	lines       []domain.Transcription
	insights    []domain.Insight
	offers      []domain.RejoinOffer
	errs        []sinkError
}

func (s *fakeSink) ListenerStateChanged(state domain.ListenerState, reason domain.ListenerReason) {
	s.mu.Lock()
	s.transitions = append(s.transitions, sinkTransition{state: state, reason: reason})
	s.mu.Unlock()
}

func (s *fakeSink) CountdownTick(remaining int) {
	s.mu.Lock()
	s.ticks = append(s.ticks, remaining)
	s.mu.Unlock()
}

func (s *fakeSink) LevelChanged(level int) {
	s.mu.Lock()
	s.levels = append(s.levels, level)
	s.mu.Unlock()
}

func (s *fakeSink) TranscriptionReceived(t domain.Transcription) {
	s.mu.Lock()
	s.lines = append(s.lines, t)
	s.mu.Unlock()
}

func (s *fakeSink) InsightReceived(in domain.Insight) {
	s.mu.Lock()
	s.insights = append(s.insights, in)
	s.mu.Unlock()
}

func (s *fakeSink) RejoinOffered(offer domain.RejoinOffer) {
	s.mu.Lock()
	s.offers = append(s.offers, offer)
	s.mu.Unlock()
}

func (s *fakeSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	s.errs = append(s.errs, sinkError{code: code, detail: detail})
	s.mu.Unlock()
}

func (s *fakeSink) transitionLog() []sinkTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkTransition(nil), s.transitions...)
}

func (s *fakeSink) tickLog() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.ticks...)
}

func (s *fakeSink) errorLog() []sinkError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkError(nil), s.errs...)
}

func (s *fakeSink) levelLog() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.levels...)
}

func (s *fakeSink) insightLog() []domain.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Insight(nil), s.insights...)
}

func (s *fakeSink) lineLog() []domain.Transcription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Transcription(nil), s.lines...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestController(t *testing.T) (*ListenController, *fakeRecorder, *fakeCommands, *fakeSink, *opLog) {
	t.Helper()
	log := &opLog{}
	rec := &fakeRecorder{log: log, clip: domain.CaptureClip{Path: "/tmp/span.wav", MimeType: "audio/wav", DurationMS: 400}}
	cmds := &fakeCommands{log: log}
	sink := &fakeSink{}
	ctrl := NewListenController(rec, cmds, sink, ListenerConfig{
		CountdownSteps:   3,
		StepInterval:     2 * time.Millisecond,
		ChunkInterval:    20 * time.Millisecond,
		MicCheckInterval: 5 * time.Millisecond,
	}, testLogger())
	t.Cleanup(ctrl.Shutdown)
	return ctrl, rec, cmds, sink, log
}

// armGates opens every auto-capture gate: grant, group bound and ready,
// session active. The countdown should be running when this returns.
func armGates(ctrl *ListenController, rec *fakeRecorder) {
	rec.grant()
	ctrl.BindGroup("group-1")
	ctrl.HandleGroupReadiness(true)
	ctrl.HandleSessionStatus(domain.SessionActive)
}

func TestAutoCaptureStartsOncePerCycle(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, sink, log := newTestController(t)
	armGates(ctrl, rec)

	// pile on duplicate pushes while the countdown runs
	ctrl.HandleSessionStatus(domain.SessionActive)
	ctrl.HandleGroupReadiness(true)
	ctrl.HandleSessionStatus(domain.SessionActive)

	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	// and more once it is already recording
	ctrl.HandleSessionStatus(domain.SessionActive)
	ctrl.HandleGroupReadiness(true)
	time.Sleep(20 * time.Millisecond)

	if got := log.count("stream.start:group-1"); got != 1 {
		t.Fatalf("expected exactly one stream start, got %d (ops: %v)", got, log.snapshot())
	}
	if got := rec.startCount(); got != 1 {
		t.Fatalf("expected exactly one recorder start, got %d", got)
	}
	ticks := sink.tickLog()
	if len(ticks) != 3 || ticks[0] != 3 || ticks[1] != 2 || ticks[2] != 1 {
		t.Fatalf("expected countdown 3-2-1, got %v", ticks)
	}
}

func TestStreamStartPrecedesRecorderStart(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, _, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	streamAt := log.indexOf("stream.start:group-1")
	recorderAt := log.indexOf("recorder.start")
	if streamAt == -1 || recorderAt == -1 || streamAt > recorderAt {
		t.Fatalf("expected stream start before recorder start, ops: %v", log.snapshot())
	}
}

func TestCountdownCancelledBySessionPause(t *testing.T) {
	t.Parallel()

	log := &opLog{}
	rec := &fakeRecorder{log: log}
	cmds := &fakeCommands{log: log}
	sink := &fakeSink{}
	ctrl := NewListenController(rec, cmds, sink, ListenerConfig{
		CountdownSteps: 3,
		StepInterval:   100 * time.Millisecond,
	}, testLogger())
	t.Cleanup(ctrl.Shutdown)

	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return len(sink.tickLog()) >= 1 })

	ctrl.HandleSessionStatus(domain.SessionPaused)

	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle after pause mid-count, got %s", got)
	}
	// give a stray countdown goroutine time to misbehave
	time.Sleep(250 * time.Millisecond)
	if got := log.count("stream.start:group-1"); got != 0 {
		t.Fatalf("expected no stream start after cancelled countdown, got %d", got)
	}
	if got := rec.startCount(); got != 0 {
		t.Fatalf("expected no recorder start after cancelled countdown, got %d", got)
	}

	transitions := sink.transitionLog()
	last := transitions[len(transitions)-1]
	if last.state != domain.ListenerIdle || last.reason != domain.ReasonSessionPaused {
		t.Fatalf("unexpected final transition %+v", last)
	}
}

func TestCountdownCancelledWhenReadinessWithdrawn(t *testing.T) {
	t.Parallel()

	log := &opLog{}
	rec := &fakeRecorder{log: log}
	cmds := &fakeCommands{log: log}
	sink := &fakeSink{}
	ctrl := NewListenController(rec, cmds, sink, ListenerConfig{
		CountdownSteps: 3,
		StepInterval:   100 * time.Millisecond,
	}, testLogger())
	t.Cleanup(ctrl.Shutdown)

	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return len(sink.tickLog()) >= 1 })

	ctrl.HandleGroupReadiness(false)

	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle after readiness withdrawn, got %s", got)
	}
	time.Sleep(250 * time.Millisecond)
	if got := rec.startCount(); got != 0 {
		t.Fatalf("expected no recorder start, got %d", got)
	}
}

func TestCountdownWaitsForAllGates(t *testing.T) {
	t.Parallel()

	cases := map[string]func(ctrl *ListenController, rec *fakeRecorder){
		"no permission": func(ctrl *ListenController, rec *fakeRecorder) {
			ctrl.BindGroup("group-1")
			ctrl.HandleGroupReadiness(true)
			ctrl.HandleSessionStatus(domain.SessionActive)
		},
		"group not ready": func(ctrl *ListenController, rec *fakeRecorder) {
			rec.grant()
			ctrl.BindGroup("group-1")
			ctrl.HandleSessionStatus(domain.SessionActive)
		},
		"session not active": func(ctrl *ListenController, rec *fakeRecorder) {
			rec.grant()
			ctrl.BindGroup("group-1")
			ctrl.HandleGroupReadiness(true)
			ctrl.HandleSessionStatus(domain.SessionPending)
		},
		"no group": func(ctrl *ListenController, rec *fakeRecorder) {
			rec.grant()
			ctrl.HandleGroupReadiness(true)
			ctrl.HandleSessionStatus(domain.SessionActive)
		},
	}
	for name, arm := range cases {
		arm := arm
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctrl, rec, _, _, _ := newTestController(t)
			arm(ctrl, rec)
			time.Sleep(30 * time.Millisecond)
			if got := ctrl.State(); got != domain.ListenerIdle {
				t.Fatalf("expected idle with a closed gate, got %s", got)
			}
			if got := rec.startCount(); got != 0 {
				t.Fatalf("expected no recorder start, got %d", got)
			}
		})
	}
}

func TestPermissionRevokedMidSpan(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, sink, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	rec.fail(domain.IssuePermissionRevoked, "pulse: permission denied")

	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerError })

	if got := log.count("stream.end:group-1"); got != 1 {
		t.Fatalf("expected exactly one stream end, got %d (ops: %v)", got, log.snapshot())
	}
	release := log.indexOf("recorder.release")
	end := log.indexOf("stream.end:group-1")
	issue := log.indexOf("issue:permission_revoked")
	if release == -1 || end == -1 || issue == -1 || release > end || end > issue {
		t.Fatalf("expected release, then stream end, then issue report; ops: %v", log.snapshot())
	}

	errs := sink.errorLog()
	if len(errs) == 0 || errs[len(errs)-1].code != domain.ErrorCodePermission {
		t.Fatalf("expected a permission error event, got %v", errs)
	}

	// no automatic recovery from error
	ctrl.HandleSessionStatus(domain.SessionActive)
	time.Sleep(30 * time.Millisecond)
	if got := ctrl.State(); got != domain.ListenerError {
		t.Fatalf("expected error state to hold without Retry, got %s", got)
	}
}

func TestDeviceLossEntersErrorOnce(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, _, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	rec.fail(domain.IssueDeviceError, "alsa: no such device")
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerError })

	if got := log.count("stream.end:group-1"); got != 1 {
		t.Fatalf("expected exactly one stream end, got %d", got)
	}
	if got := log.count("issue:device_error"); got != 1 {
		t.Fatalf("expected exactly one issue report, got %d", got)
	}
}

func TestRetryReentersCountdown(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, _, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	rec.fail(domain.IssuePermissionRevoked, "permission denied")
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerError })

	if err := ctrl.Retry(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	if got := log.count("stream.start:group-1"); got != 2 {
		t.Fatalf("expected a second stream start after retry, got %d", got)
	}
}

func TestRetryStaysInErrorWhenProbeFails(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, _, _ := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	rec.fail(domain.IssuePermissionRevoked, "permission denied")
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerError })

	rec.setProbeErr(audio.ErrPermissionDenied)
	if err := ctrl.Retry(context.Background()); err == nil {
		t.Fatal("expected Retry to fail while the probe fails")
	}
	if got := ctrl.State(); got != domain.ListenerError {
		t.Fatalf("expected error state to hold, got %s", got)
	}
}

func TestProbeFailureAfterCountdownSkipsDevice(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, sink, log := newTestController(t)
	rec.grant()
	rec.setProbeErr(audio.ErrPermissionDenied) // revoked between grant and count end
	ctrl.BindGroup("group-1")
	ctrl.HandleGroupReadiness(true)
	ctrl.HandleSessionStatus(domain.SessionActive)

	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerError })

	if got := rec.startCount(); got != 0 {
		t.Fatalf("expected no device acquisition, got %d starts", got)
	}
	if got := log.count("stream.start:group-1"); got != 0 {
		t.Fatalf("expected no stream start, got %d", got)
	}
	if got := log.count("stream.end:group-1"); got != 0 {
		t.Fatalf("expected no stream end for a stream never opened, got %d", got)
	}
	if got := log.count("issue:permission_revoked"); got != 1 {
		t.Fatalf("expected one issue report, got %d (ops: %v)", got, log.snapshot())
	}
	errs := sink.errorLog()
	if len(errs) == 0 || errs[len(errs)-1].code != domain.ErrorCodePermission {
		t.Fatalf("expected a permission error event, got %v", errs)
	}
}

func TestSessionEndStopsRecorderBeforeStreamEnd(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, sink, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	ctrl.HandleSessionStatus(domain.SessionEnded)

	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle after session end, got %s", got)
	}
	stop := log.indexOf("recorder.stop")
	end := log.indexOf("stream.end:group-1")
	if stop == -1 || end == -1 || stop > end {
		t.Fatalf("expected recorder stop before stream end, ops: %v", log.snapshot())
	}
	if got := log.count("stream.end:group-1"); got != 1 {
		t.Fatalf("expected exactly one stream end, got %d", got)
	}
	if len(rec.discards) != 1 {
		t.Fatalf("expected the auto clip discarded, got %v", rec.discards)
	}

	transitions := sink.transitionLog()
	last := transitions[len(transitions)-1]
	if last.reason != domain.ReasonSessionEnded {
		t.Fatalf("unexpected final reason %s", last.reason)
	}
}

func TestChunksFlowToSendPath(t *testing.T) {
	t.Parallel()

	ctrl, rec, cmds, _, _ := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	opts := rec.options()
	if opts.OnChunk == nil {
		t.Fatal("expected a chunk sink wired into the recorder")
	}
	opts.OnChunk(domain.AudioChunk{ID: "c1", Data: []byte{1, 2}, Seq: 1})
	opts.OnChunk(domain.AudioChunk{ID: "c2", Data: []byte{3, 4}, Seq: 2})

	chunks := cmds.sentChunks()
	if len(chunks) != 2 || chunks[0].ID != "c1" || chunks[1].Seq != 2 {
		t.Fatalf("unexpected chunk flow: %+v", chunks)
	}
}

func TestGroupRecordingTogglePausesAndResumes(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, _, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	ctrl.HandleGroupRecording(false)
	if got := ctrl.State(); got != domain.ListenerPaused {
		t.Fatalf("expected paused after toggle off, got %s", got)
	}
	ctrl.HandleGroupRecording(true)
	if got := ctrl.State(); got != domain.ListenerRecording {
		t.Fatalf("expected recording after toggle on, got %s", got)
	}

	// the stream never closed across the pause
	if got := log.count("stream.end:group-1"); got != 0 {
		t.Fatalf("expected the stream to stay open across a pause, got %d ends", got)
	}
	if log.count("recorder.pause") != 1 || log.count("recorder.resume") != 1 {
		t.Fatalf("expected one pause and one resume, ops: %v", log.snapshot())
	}
}

func TestManualBypassesSessionGates(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, sink, log := newTestController(t)
	rec.grant()
	ctrl.BindGroup("group-1")
	// session never active, group never ready

	if err := ctrl.StartManual(context.Background()); err != nil {
		t.Fatalf("StartManual failed: %v", err)
	}
	if got := ctrl.State(); got != domain.ListenerRecording {
		t.Fatalf("expected recording, got %s", got)
	}
	if got := len(sink.tickLog()); got != 0 {
		t.Fatalf("expected no countdown for a manual start, got %d ticks", got)
	}
	if got := log.count("stream.start:group-1"); got != 1 {
		t.Fatalf("expected one stream start, got %d", got)
	}

	if err := ctrl.StartManual(context.Background()); !errors.Is(err, ErrCaptureBusy) {
		t.Fatalf("expected ErrCaptureBusy on overlap, got %v", err)
	}

	clip, err := ctrl.StopManual()
	if err != nil {
		t.Fatalf("StopManual failed: %v", err)
	}
	if clip.Path == "" {
		t.Fatal("expected the manual clip back")
	}
	stop := log.indexOf("recorder.stop")
	end := log.indexOf("stream.end:group-1")
	if stop == -1 || end == -1 || stop > end {
		t.Fatalf("expected recorder stop before stream end, ops: %v", log.snapshot())
	}
	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle after manual stop, got %s", got)
	}
}

func TestManualNeedsGroupAndPermission(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, _, log := newTestController(t)

	if err := ctrl.StartManual(context.Background()); !errors.Is(err, ErrNoGroup) {
		t.Fatalf("expected ErrNoGroup, got %v", err)
	}

	ctrl.BindGroup("group-1")
	rec.setProbeErr(audio.ErrPermissionDenied)
	if err := ctrl.StartManual(context.Background()); err == nil {
		t.Fatal("expected a permission failure")
	}
	if got := log.count("stream.start:group-1"); got != 0 {
		t.Fatalf("expected no stream start without permission, got %d", got)
	}
	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestMicCheckStaysOffNetwork(t *testing.T) {
	t.Parallel()

	ctrl, rec, cmds, sink, log := newTestController(t)
	rec.grant()

	if err := ctrl.StartMicCheck(context.Background()); err != nil {
		t.Fatalf("StartMicCheck failed: %v", err)
	}
	if got := ctrl.State(); got != domain.ListenerRecording {
		t.Fatalf("expected recording, got %s", got)
	}

	opts := rec.options()
	if opts.ChunkInterval != 5*time.Millisecond {
		t.Fatalf("expected the short mic-check interval, got %v", opts.ChunkInterval)
	}
	if opts.OnChunk != nil {
		t.Fatal("expected no chunk sink for a mic check")
	}
	if opts.OnLevel == nil {
		t.Fatal("expected levels wired for the mic check meter")
	}
	opts.OnLevel(42)

	clip, err := ctrl.StopMicCheck()
	if err != nil {
		t.Fatalf("StopMicCheck failed: %v", err)
	}
	if clip.Path == "" {
		t.Fatal("expected a preview clip")
	}
	if len(cmds.sentChunks()) != 0 {
		t.Fatal("expected zero chunks sent during a mic check")
	}
	for _, op := range log.snapshot() {
		if op == "stream.start:group-1" || op == "stream.end:group-1" {
			t.Fatalf("expected no stream traffic during a mic check, ops: %v", log.snapshot())
		}
	}
	if levels := sink.levelLog(); len(levels) != 1 || levels[0] != 42 {
		t.Fatalf("expected the level forwarded, got %v", levels)
	}
}

func TestRecorderStartFailureClosesStream(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, sink, log := newTestController(t)
	rec.mu.Lock()
	rec.startErr = errors.New("ffmpeg: device or resource busy")
	rec.mu.Unlock()

	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerError })

	start := log.indexOf("stream.start:group-1")
	end := log.indexOf("stream.end:group-1")
	issue := log.indexOf("issue:device_error")
	if start == -1 || end == -1 || issue == -1 || start > end || end > issue {
		t.Fatalf("expected stream start, then end, then issue; ops: %v", log.snapshot())
	}
	if got := log.count("stream.end:group-1"); got != 1 {
		t.Fatalf("expected exactly one stream end, got %d", got)
	}
	errs := sink.errorLog()
	if len(errs) == 0 || errs[len(errs)-1].code != domain.ErrorCodeDevice {
		t.Fatalf("expected a device error event, got %v", errs)
	}
}

func TestShutdownClosesOutSpan(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, sink, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	ctrl.Shutdown()

	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle after shutdown, got %s", got)
	}
	stop := log.indexOf("recorder.stop")
	end := log.indexOf("stream.end:group-1")
	if stop == -1 || end == -1 || stop > end {
		t.Fatalf("expected recorder stop before stream end, ops: %v", log.snapshot())
	}
	transitions := sink.transitionLog()
	last := transitions[len(transitions)-1]
	if last.reason != domain.ReasonShutdown {
		t.Fatalf("unexpected final reason %s", last.reason)
	}
}

func TestLeaveResetsGates(t *testing.T) {
	t.Parallel()

	ctrl, rec, _, _, log := newTestController(t)
	armGates(ctrl, rec)
	waitFor(t, 2*time.Second, func() bool { return ctrl.State() == domain.ListenerRecording })

	ctrl.HandleLeave()
	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle after leave, got %s", got)
	}
	if got := log.count("stream.end:group-1"); got != 1 {
		t.Fatalf("expected one stream end on leave, got %d", got)
	}

	// the old gates must not re-trigger capture
	ctrl.HandleSessionStatus(domain.SessionActive)
	time.Sleep(30 * time.Millisecond)
	if got := ctrl.State(); got != domain.ListenerIdle {
		t.Fatalf("expected idle without a group, got %s", got)
	}
}
