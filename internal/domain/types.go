package domain

// SessionStatus is the classroom session lifecycle value. It is
// authoritative from the server; the client never invents terminal states.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionEnded     SessionStatus = "ended"
	SessionCompleted SessionStatus = "completed"
)

// Terminal reports whether the session can no longer resume.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCompleted
}

// Student identifies the current user for one classroom session.
type Student struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId"`
	Email       string `json:"email,omitempty"`
	IsLeader    bool   `json:"isLeader,omitempty"`
	FromRoster  bool   `json:"fromRoster,omitempty"`
}

// Session is the classroom session being attended.
type Session struct {
	ID     string        `json:"id"`
	Title  string        `json:"title"`
	Status SessionStatus `json:"status"`
}

// GroupMember is one student inside a group.
type GroupMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsLeader bool   `json:"isLeader"`
}

// Group is the collaborative group the student belongs to. LeaderID and
// IsReady are asserted by the server, never derived locally.
type Group struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Members  []GroupMember `json:"members"`
	LeaderID string        `json:"leaderId"`
	IsReady  bool          `json:"isReady"`
}

// ListenerState models the WaveListener auto-capture lifecycle.
type ListenerState string

const (
	ListenerIdle         ListenerState = "idle"
	ListenerCountingDown ListenerState = "counting_down"
	ListenerRecording    ListenerState = "recording"
	ListenerPaused       ListenerState = "paused"
	ListenerError        ListenerState = "error"
)

// ListenerReason provides a structured reason for listener transitions.
type ListenerReason string

const (
	ReasonStartup            ListenerReason = "startup"
	ReasonCountdownStarted   ListenerReason = "countdown_started"
	ReasonCountdownCancelled ListenerReason = "countdown_cancelled"
	ReasonCaptureStarted     ListenerReason = "capture_started"
	ReasonManualStarted      ListenerReason = "manual_started"
	ReasonMicCheckStarted    ListenerReason = "mic_check_started"
	ReasonCapturePaused      ListenerReason = "capture_paused"
	ReasonCaptureResumed     ListenerReason = "capture_resumed"
	ReasonCaptureStopped     ListenerReason = "capture_stopped"
	ReasonSessionPaused      ListenerReason = "session_paused"
	ReasonSessionEnded       ListenerReason = "session_ended"
	ReasonLeftSession        ListenerReason = "left_session"
	ReasonShutdown           ListenerReason = "shutdown"
	ReasonPermissionDenied   ListenerReason = "permission_denied"
	ReasonPermissionGranted  ListenerReason = "permission_granted"
	ReasonPermissionRevoked  ListenerReason = "permission_revoked"
	ReasonDeviceLost         ListenerReason = "device_lost"
	ReasonStreamFailed       ListenerReason = "stream_failed"
)

// IssueCode is the structured capture-failure code reported to the backend.
type IssueCode string

const (
	IssuePermissionRevoked IssueCode = "permission_revoked"
	IssueDeviceError       IssueCode = "device_error"
	IssueStreamFailed      IssueCode = "stream_failed"
)

// ErrorCode identifies error events surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup    ErrorCode = "startup"
	ErrorCodePermission ErrorCode = "permission"
	ErrorCodeDevice     ErrorCode = "device"
	ErrorCodeCapture    ErrorCode = "capture"
	ErrorCodeConnection ErrorCode = "connection"
	ErrorCodeValidation ErrorCode = "validation"
	ErrorCodeSession    ErrorCode = "session"
	ErrorCodeAudio      ErrorCode = "audio"
)

// AudioChunk is one emitted slice of an active capture span.
type AudioChunk struct {
	ID        string `json:"id"`
	Data      []byte `json:"data"`
	MimeType  string `json:"mimeType"`
	Timestamp int64  `json:"timestamp"`
	Seq       int    `json:"seq"`
}

// CaptureClip is the assembled, locally previewable output of one span.
// Path points at a temp file the caller may revoke once done with it.
type CaptureClip struct {
	Path       string `json:"path"`
	MimeType   string `json:"mimeType"`
	DurationMS int64  `json:"durationMs"`
	Size       int64  `json:"size"`
}

// AudioInput is one capture device visible to the recorder.
type AudioInput struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Transcription is one live transcript line pushed for display.
type Transcription struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId"`
	Text      string `json:"text"`
	Speaker   string `json:"speaker,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Insight is an AI-generated observation pushed for display.
type Insight struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	GroupID   string `json:"groupId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HealthStatus reports backend reachability for the UI.
type HealthStatus struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Detail    string `json:"detail,omitempty"`
}

// RejoinOffer describes a resumable prior session found at startup.
type RejoinOffer struct {
	SessionID    string `json:"sessionId"`
	GroupID      string `json:"groupId"`
	Interrupted  bool   `json:"interrupted"`
	LastActivity int64  `json:"lastActivity"`
}
