package state

import (
	"log/slog"
	"sync"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/storage"
)

// Snapshot is an immutable copy of the store handed to subscribers and the
// UI. Mutation happens only through the store's actions.
type Snapshot struct {
	IsAuthenticated bool            `json:"isAuthenticated"`
	Token           string          `json:"token"`
	Student         *domain.Student `json:"student"`
	Session         *domain.Session `json:"session"`
	Group           *domain.Group   `json:"group"`
	IsConnected     bool            `json:"isConnected"`
	IsRecording     bool            `json:"isRecording"`
}

// persistedState is the subset of the store that survives a restart.
// Group, connection, and recording flags are intentionally absent; they are
// rebuilt from a fresh server handshake because they go stale.
type persistedState struct {
	IsAuthenticated bool            `json:"isAuthenticated"`
	Token           string          `json:"token"`
	Student         *domain.Student `json:"student"`
	Session         *domain.Session `json:"session"`
}

// Store holds the authentication, session, group, and connection state the
// UI renders from. It is the only shared mutable state in the client.
type Store struct {
	log  *slog.Logger
	file *storage.JSONFile

	mu        sync.Mutex
	snap      Snapshot
	listeners []func(Snapshot)
}

// NewStore builds a store, restoring any persisted auth/session subset.
// file may be nil for a memory-only store.
func NewStore(file *storage.JSONFile, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{log: log, file: file}
	s.restore()
	return s
}

// Subscribe registers fn to receive a snapshot after every action.
func (s *Store) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a defensive copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.snap)
}

// SetAuth records a successful authentication.
func (s *Store) SetAuth(token string, student *domain.Student) {
	s.mu.Lock()
	s.snap.IsAuthenticated = token != ""
	s.snap.Token = token
	s.snap.Student = cloneStudent(student)
	s.persistLocked()
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

// SetSession replaces the session wholesale.
func (s *Store) SetSession(session *domain.Session) {
	s.mu.Lock()
	s.snap.Session = cloneSession(session)
	s.persistLocked()
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

// SetSessionStatus updates only the session status.
func (s *Store) SetSessionStatus(status domain.SessionStatus) {
	s.mu.Lock()
	if s.snap.Session == nil {
		s.mu.Unlock()
		s.log.Debug("dropping session status update with no session", "status", status)
		return
	}
	s.snap.Session.Status = status
	s.persistLocked()
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

// SetGroup replaces the group wholesale. Used on join handshakes.
func (s *Store) SetGroup(group *domain.Group) {
	s.mu.Lock()
	s.snap.Group = cloneGroup(group)
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

// SetGroupReadiness merges only the readiness flag. A stale full-group push
// arriving later must not revert this, and this must not touch any other
// group field.
func (s *Store) SetGroupReadiness(ready bool) {
	s.mu.Lock()
	if s.snap.Group == nil {
		s.mu.Unlock()
		s.log.Debug("dropping readiness update with no group", "ready", ready)
		return
	}
	s.snap.Group.IsReady = ready
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

// SetConnected mirrors the transport state of the realtime connection.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.snap.IsConnected = connected
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

// SetRecording mirrors whether a local capture span is live.
func (s *Store) SetRecording(recording bool) {
	s.mu.Lock()
	s.snap.IsRecording = recording
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

// Logout resets every field to its initial value in one atomic action and
// removes the persisted auth snapshot.
func (s *Store) Logout() {
	s.mu.Lock()
	s.snap = Snapshot{}
	if s.file != nil {
		if err := s.file.Remove(); err != nil {
			s.log.Warn("failed to remove persisted session state", "error", err)
		}
	}
	snap := cloneSnapshot(s.snap)
	listeners := s.listenersLocked()
	s.mu.Unlock()
	s.publish(listeners, snap)
}

func (s *Store) restore() {
	if s.file == nil {
		return
	}
	var saved persistedState
	found, err := s.file.Load(&saved)
	if err != nil {
		s.log.Warn("failed to restore persisted session state", "error", err)
		return
	}
	if !found {
		return
	}
	s.snap.IsAuthenticated = saved.IsAuthenticated
	s.snap.Token = saved.Token
	s.snap.Student = saved.Student
	s.snap.Session = saved.Session
}

func (s *Store) persistLocked() {
	if s.file == nil {
		return
	}
	saved := persistedState{
		IsAuthenticated: s.snap.IsAuthenticated,
		Token:           s.snap.Token,
		Student:         s.snap.Student,
		Session:         s.snap.Session,
	}
	if err := s.file.Save(saved); err != nil {
		s.log.Warn("failed to persist session state", "error", err)
	}
}

func (s *Store) listenersLocked() []func(Snapshot) {
	out := make([]func(Snapshot), len(s.listeners))
	copy(out, s.listeners)
	return out
}

func (s *Store) publish(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	out.Student = cloneStudent(in.Student)
	out.Session = cloneSession(in.Session)
	out.Group = cloneGroup(in.Group)
	return out
}

func cloneStudent(in *domain.Student) *domain.Student {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

func cloneSession(in *domain.Session) *domain.Session {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

func cloneGroup(in *domain.Group) *domain.Group {
	if in == nil {
		return nil
	}
	out := *in
	out.Members = append([]domain.GroupMember(nil), in.Members...)
	return &out
}
