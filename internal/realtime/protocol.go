package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
)

// Wire names for commands the client sends to the gateway.
const (
	cmdSessionJoin      = "session.join"
	cmdSessionLeave     = "session.leave"
	cmdGroupJoin        = "group.join"
	cmdGroupLeave       = "group.leave"
	cmdGroupStatus      = "group.statusUpdate"
	cmdLeaderReady      = "group.leaderReady"
	cmdAudioStreamStart = "audio.streamStart"
	cmdAudioChunk       = "audio.chunk"
	cmdAudioStreamEnd   = "audio.streamEnd"
	cmdAudioIssue       = "audio.issue"
)

// Wire names for events the gateway pushes to the client.
const (
	eventSessionStatusChanged = "session.statusChanged"
	eventGroupJoined          = "group.joined"
	eventGroupReady           = "group.ready"
	eventGroupStatusChanged   = "group.statusChanged"
	eventGroupRecording       = "group.recording"
	eventTranscriptionNew     = "transcription.new"
	eventInsightNew           = "insight.new"
	eventAudioStreamStarted   = "audio.streamStart"
	eventAudioStreamEnded     = "audio.streamEnd"
	eventAudioError           = "audio.error"
)

// envelope is the frame shape both directions share.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type sessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type groupRefPayload struct {
	GroupID string `json:"groupId"`
}

type groupJoinPayload struct {
	GroupID   string `json:"groupId"`
	SessionID string `json:"sessionId"`
}

type groupStatusPayload struct {
	GroupID string `json:"groupId"`
	IsReady bool   `json:"isReady"`
}

type leaderReadyPayload struct {
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
	Ready     bool   `json:"ready"`
}

type audioChunkPayload struct {
	GroupID   string `json:"groupId"`
	ChunkID   string `json:"chunkId"`
	MimeType  string `json:"mimeType"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Seq       int    `json:"seq"`
}

type audioIssuePayload struct {
	GroupID string `json:"groupId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type wireMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsLeader bool   `json:"isLeader"`
}

type wireGroup struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	LeaderID string       `json:"leaderId"`
	IsReady  bool         `json:"isReady"`
	Members  []wireMember `json:"members"`
}

type groupJoinedPayload struct {
	Group wireGroup `json:"group"`
}

type groupRecordingPayload struct {
	GroupID   string `json:"groupId"`
	Recording bool   `json:"recording"`
}

type transcriptionPayload struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId"`
	Text      string `json:"text"`
	Speaker   string `json:"speaker"`
	Timestamp int64  `json:"timestamp"`
}

type insightPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	GroupID   string `json:"groupId"`
	Timestamp int64  `json:"timestamp"`
}

type audioErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeCommand(event string, payload any) ([]byte, error) {
	frame := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: payload}
	return json.Marshal(frame)
}

// decodeEvent turns one gateway frame into a typed event. Unknown event
// names decode to nil with no error so the transport can skip them; the
// wire name is always returned for logging.
func decodeEvent(raw []byte) (string, domain.GatewayEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("malformed gateway frame: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("gateway frame missing event name")
	}

	switch env.Event {
	case eventSessionStatusChanged:
		var p sessionStatusPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.SessionStatusEvent{SessionID: p.SessionID, Status: domain.SessionStatus(p.Status)}, nil

	case eventGroupJoined:
		var p groupJoinedPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.GroupJoinedEvent{Group: groupFromWire(p.Group)}, nil

	case eventGroupReady:
		var p groupRefPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.GroupReadyEvent{GroupID: p.GroupID}, nil

	case eventGroupStatusChanged:
		var p groupStatusPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.GroupStatusEvent{GroupID: p.GroupID, IsReady: p.IsReady}, nil

	case eventGroupRecording:
		var p groupRecordingPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.GroupRecordingEvent{GroupID: p.GroupID, Recording: p.Recording}, nil

	case eventTranscriptionNew:
		var p transcriptionPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.TranscriptionEvent{Transcription: domain.Transcription{
			ID:        p.ID,
			GroupID:   p.GroupID,
			Text:      p.Text,
			Speaker:   p.Speaker,
			Timestamp: p.Timestamp,
		}}, nil

	case eventInsightNew:
		var p insightPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.InsightEvent{Insight: domain.Insight{
			Kind:      p.Kind,
			Message:   p.Message,
			GroupID:   p.GroupID,
			Timestamp: p.Timestamp,
		}}, nil

	case eventAudioStreamStarted:
		var p groupRefPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.AudioStreamStartedEvent{GroupID: p.GroupID}, nil

	case eventAudioStreamEnded:
		var p groupRefPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.AudioStreamEndedEvent{GroupID: p.GroupID}, nil

	case eventAudioError:
		var p audioErrorPayload
		if err := decodePayload(env, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, domain.AudioErrorEvent{Code: p.Code, Message: p.Message}, nil

	default:
		return env.Event, nil, nil
	}
}

func decodePayload(env envelope, out any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", env.Event, err)
	}
	return nil
}

func groupFromWire(g wireGroup) domain.Group {
	group := domain.Group{
		ID:       g.ID,
		Name:     g.Name,
		LeaderID: g.LeaderID,
		IsReady:  g.IsReady,
	}
	for _, m := range g.Members {
		group.Members = append(group.Members, domain.GroupMember{ID: m.ID, Name: m.Name, IsLeader: m.IsLeader})
	}
	return group
}

// mimeAllowed reports whether a chunk mime type is one the gateway
// accepts. PCM may carry rate/channel parameters; the container types are
// matched whole.
func mimeAllowed(mime string) bool {
	norm := strings.ToLower(strings.ReplaceAll(mime, " ", ""))
	if strings.HasPrefix(norm, "audio/pcm") {
		return norm == "audio/pcm" || strings.HasPrefix(norm, "audio/pcm;")
	}
	switch norm {
	case "audio/wav", "audio/webm", "audio/webm;codecs=opus", "audio/ogg;codecs=opus":
		return true
	}
	return false
}

// BuildGatewayURL converts the configured gateway base URL into the
// websocket endpoint, mapping http(s) schemes onto ws(s) and defaulting
// the path to /ws.
func BuildGatewayURL(base string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("gateway URL is not configured")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL %q: %w", base, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("gateway URL %q has no host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
