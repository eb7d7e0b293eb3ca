package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/ports"
	"github.com/ClassWaves-AI/classwaves-student/internal/state"
)

// Reconciler is the single consumer of the gateway event channel. Every
// event resolves fully before the next one is read: the store is updated
// first, then the listener reacts, so a status change can never observe a
// half-applied world.
type Reconciler struct {
	events     <-chan domain.GatewayEvent
	store      *state.Store
	controller *ListenController
	commands   ports.Commands
	filter     ports.TranscriptFilter
	sink       ports.EventSink
	log        *slog.Logger

	done chan struct{}
}

func NewReconciler(
	events <-chan domain.GatewayEvent,
	store *state.Store,
	controller *ListenController,
	commands ports.Commands,
	filter ports.TranscriptFilter,
	sink ports.EventSink,
	log *slog.Logger,
) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		events:     events,
		store:      store,
		controller: controller,
		commands:   commands,
		filter:     filter,
		sink:       sink,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Run consumes gateway events until ctx is cancelled or the channel
// closes. Call it from exactly one goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.dispatch(ev)
		}
	}
}

// Done closes once Run has returned.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

func (r *Reconciler) dispatch(ev domain.GatewayEvent) {
	switch ev := ev.(type) {
	case domain.ConnectedEvent:
		r.store.SetConnected(true)
		r.rejoin(ev.Resumed)

	case domain.DisconnectedEvent:
		r.store.SetConnected(false)

	case domain.ConnectionFailedEvent:
		if !ev.Terminal {
			return
		}
		r.store.SetConnected(false)
		detail := fmt.Sprintf("connection lost after %d attempts", ev.Attempts)
		if ev.Err != nil {
			detail = fmt.Sprintf("%s: %v", detail, ev.Err)
		}
		r.sink.SessionError(domain.ErrorCodeConnection, detail)

	case domain.SessionStatusEvent:
		r.store.SetSessionStatus(ev.Status)
		r.controller.HandleSessionStatus(ev.Status)

	case domain.GroupJoinedEvent:
		group := ev.Group
		r.store.SetGroup(&group)
		r.controller.BindGroup(group.ID)
		r.controller.HandleGroupReadiness(group.IsReady)

	case domain.GroupReadyEvent:
		r.store.SetGroupReadiness(true)
		r.controller.HandleGroupReadiness(true)

	case domain.GroupStatusEvent:
		r.store.SetGroupReadiness(ev.IsReady)
		r.controller.HandleGroupReadiness(ev.IsReady)

	case domain.GroupRecordingEvent:
		r.controller.HandleGroupRecording(ev.Recording)

	case domain.TranscriptionEvent:
		t := ev.Transcription
		if r.filter != nil {
			t.Text = r.filter.Apply(t.Text)
		}
		r.sink.TranscriptionReceived(t)

	case domain.InsightEvent:
		r.sink.InsightReceived(ev.Insight)

	case domain.AudioStreamStartedEvent:
		r.log.Debug("audio stream acknowledged", "groupId", ev.GroupID)

	case domain.AudioStreamEndedEvent:
		r.log.Debug("audio stream closed", "groupId", ev.GroupID)

	case domain.AudioErrorEvent:
		r.sink.SessionError(domain.ErrorCodeAudio, ev.Message)

	default:
		r.log.Debug("unhandled gateway event", "type", fmt.Sprintf("%T", ev))
	}
}

// rejoin re-issues the session and group handshakes from the store after
// a (re)connect, so the server rebuilds routing for this client.
func (r *Reconciler) rejoin(resumed bool) {
	snap := r.store.Snapshot()
	if snap.Session == nil {
		return
	}
	r.log.Info("rejoining after connect", "sessionId", snap.Session.ID, "resumed", resumed)
	r.commands.JoinSession(snap.Session.ID)
	if snap.Group != nil {
		r.commands.JoinGroup(snap.Group.ID, snap.Session.ID)
	}
}
