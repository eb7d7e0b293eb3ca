package domain

// GatewayEvent is implemented by every event the realtime connection pushes
// onto its event channel. Consumers dispatch with a type switch.
type GatewayEvent interface {
	gatewayEvent()
}

// ConnectedEvent fires once the transport is established. Resumed is true
// when the connection came back through the retry schedule.
type ConnectedEvent struct {
	Resumed bool
}

// DisconnectedEvent fires when an established transport drops or is torn
// down locally.
type DisconnectedEvent struct {
	Reason string
}

// ConnectionFailedEvent fires when a reconnect attempt fails. Terminal is
// true once the retry schedule is exhausted; no further attempts follow.
type ConnectionFailedEvent struct {
	Err      error
	Attempts int
	Terminal bool
}

// SessionStatusEvent carries an authoritative session status push.
type SessionStatusEvent struct {
	SessionID string
	Status    SessionStatus
}

// GroupJoinedEvent delivers the full group after a join handshake.
type GroupJoinedEvent struct {
	Group Group
}

// GroupReadyEvent signals the group's leader marked it ready.
type GroupReadyEvent struct {
	GroupID string
}

// GroupStatusEvent carries a live readiness update for the current group.
type GroupStatusEvent struct {
	GroupID string
	IsReady bool
}

// GroupRecordingEvent toggles group-wide capture pause/resume.
type GroupRecordingEvent struct {
	GroupID   string
	Recording bool
}

// TranscriptionEvent delivers one transcript line for display.
type TranscriptionEvent struct {
	Transcription Transcription
}

// InsightEvent delivers one AI insight for display.
type InsightEvent struct {
	Insight Insight
}

// AudioStreamStartedEvent acknowledges a stream-start for the group.
type AudioStreamStartedEvent struct {
	GroupID string
}

// AudioStreamEndedEvent acknowledges a stream-end for the group.
type AudioStreamEndedEvent struct {
	GroupID string
}

// AudioErrorEvent reports a backend-side audio pipeline problem.
type AudioErrorEvent struct {
	Code    string
	Message string
}

func (ConnectedEvent) gatewayEvent()          {}
func (DisconnectedEvent) gatewayEvent()       {}
func (ConnectionFailedEvent) gatewayEvent()   {}
func (SessionStatusEvent) gatewayEvent()      {}
func (GroupJoinedEvent) gatewayEvent()        {}
func (GroupReadyEvent) gatewayEvent()         {}
func (GroupStatusEvent) gatewayEvent()        {}
func (GroupRecordingEvent) gatewayEvent()     {}
func (TranscriptionEvent) gatewayEvent()      {}
func (InsightEvent) gatewayEvent()            {}
func (AudioStreamStartedEvent) gatewayEvent() {}
func (AudioStreamEndedEvent) gatewayEvent()   {}
func (AudioErrorEvent) gatewayEvent()         {}
