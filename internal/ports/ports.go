package ports

import (
	"context"
	"io"
	"time"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
	FilterChain string
}

// AudioSession is a live device capture stream.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture acquires device capture streams and answers cheap probes.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
	Probe(ctx context.Context, cfg AudioConfig) error
	ListInputs(ctx context.Context) ([]domain.AudioInput, error)
}

// RecordOptions configures one capture span. OnChunk and OnLevel are push
// sinks invoked from the pump goroutine; OnFailure fires after the span has
// been fully released following a mid-span capture failure.
type RecordOptions struct {
	ChunkInterval time.Duration
	OnChunk       func(chunk domain.AudioChunk)
	OnLevel       func(level int)
	OnFailure     func(code domain.IssueCode, detail string)
}

// Recorder owns at most one capture span at a time.
type Recorder interface {
	RequestPermission(ctx context.Context) error
	HasPermission() bool
	Start(ctx context.Context, opts RecordOptions) error
	Pause() error
	Resume() error
	Stop() (domain.CaptureClip, error)
	Recording() bool
	Discard(clip domain.CaptureClip) error
}

// Commands is the outbound surface of the realtime gateway connection.
// Every command is a silent no-op while the transport is not connected;
// callers must not assume delivery.
type Commands interface {
	JoinSession(sessionID string)
	LeaveSession(sessionID string)
	JoinGroup(groupID string, sessionID string)
	LeaveGroup(groupID string)
	UpdateGroupStatus(groupID string, isReady bool)
	MarkLeaderReady(sessionID string, groupID string, ready bool)
	StartAudioStream(groupID string)
	SendAudioChunk(groupID string, chunk domain.AudioChunk)
	EndAudioStream(groupID string)
	ReportAudioIssue(groupID string, code domain.IssueCode, detail string)
}

// TranscriptFilter rewrites transcript text before display.
type TranscriptFilter interface {
	Apply(text string) string
}

// EventSink emits listener and session events to the UI.
type EventSink interface {
	ListenerStateChanged(state domain.ListenerState, reason domain.ListenerReason)
	CountdownTick(remaining int)
	LevelChanged(level int)
	TranscriptionReceived(t domain.Transcription)
	InsightReceived(in domain.Insight)
	RejoinOffered(offer domain.RejoinOffer)
	SessionError(code domain.ErrorCode, detail string)
}
