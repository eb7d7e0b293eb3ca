// Package continuity persists a small snapshot of where the student was so
// an interrupted session can be offered back after a crash or restart.
package continuity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/storage"
)

// Snapshot statuses. Terminal session states are never written; an unclean
// break upgrades the status to rejoining.
const (
	statusPending   = "pending"
	statusActive    = "active"
	statusRejoining = "rejoining"
)

// Snapshot is the durable record of the student's last known position.
// Persisted writes always overwrite whole snapshots, never merge.
type Snapshot struct {
	SessionID    string    `json:"sessionId"`
	GroupID      string    `json:"groupId"`
	StudentID    string    `json:"studentId"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
}

// Config tunes the guard.
type Config struct {
	// TTL bounds how old a snapshot may be and still produce an offer.
	TTL time.Duration
	// Debounce coalesces bursts of Observe calls into one disk write.
	Debounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.Debounce <= 0 {
		c.Debounce = 250 * time.Millisecond
	}
	return c
}

// Guard tracks session membership and writes it through a debounce so
// rapid event bursts cost one write, not dozens.
type Guard struct {
	file *storage.JSONFile
	cfg  Config
	log  *slog.Logger

	debounced func(func())
	clock     func() time.Time

	mu   sync.Mutex
	snap Snapshot
	has  bool
}

func NewGuard(file *storage.JSONFile, cfg Config, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Guard{
		file:      file,
		cfg:       cfg,
		log:       log,
		debounced: debounce.New(cfg.Debounce),
		clock:     time.Now,
	}
}

// Observe records the current position. Terminal session states clear the
// snapshot unconditionally; everything else lands after the debounce
// window unless something flushes sooner.
func (g *Guard) Observe(sessionID, groupID, studentID string, status domain.SessionStatus) {
	if sessionID == "" {
		return
	}
	if status.Terminal() {
		g.Clear()
		return
	}

	mapped := statusActive
	if status == domain.SessionPending {
		mapped = statusPending
	}

	g.mu.Lock()
	g.snap = Snapshot{
		SessionID:    sessionID,
		GroupID:      groupID,
		StudentID:    studentID,
		Status:       mapped,
		LastActivity: g.clock(),
	}
	g.has = true
	g.mu.Unlock()

	g.debounced(g.flush)
}

// MarkInterrupted flags the snapshot as an unclean break and writes it out
// immediately, skipping the debounce.
func (g *Guard) MarkInterrupted() {
	g.mu.Lock()
	if !g.has {
		g.mu.Unlock()
		return
	}
	g.snap.Status = statusRejoining
	g.snap.LastActivity = g.clock()
	g.mu.Unlock()

	g.flush()
}

// Flush writes the pending snapshot now.
func (g *Guard) Flush() {
	g.flush()
}

func (g *Guard) flush() {
	g.mu.Lock()
	if !g.has {
		g.mu.Unlock()
		return
	}
	snap := g.snap
	g.mu.Unlock()

	if err := g.file.Save(snap); err != nil {
		g.log.Warn("failed to persist continuity snapshot", "error", err)
	}
}

// Resume loads the stored snapshot and turns it into a rejoin offer. No
// offer comes back for the session the student is already in, for expired
// snapshots, or for anything unreadable; those are cleaned up on the spot.
func (g *Guard) Resume(currentSessionID string) (domain.RejoinOffer, bool) {
	var snap Snapshot
	found, err := g.file.Load(&snap)
	if err != nil {
		g.log.Warn("discarding unreadable continuity snapshot", "error", err)
		_ = g.file.Remove()
		return domain.RejoinOffer{}, false
	}
	if !found || snap.SessionID == "" {
		return domain.RejoinOffer{}, false
	}
	if currentSessionID != "" && snap.SessionID == currentSessionID {
		return domain.RejoinOffer{}, false
	}

	if g.clock().Sub(snap.LastActivity) > g.cfg.TTL {
		g.log.Info("continuity snapshot expired", "sessionId", snap.SessionID)
		_ = g.file.Remove()
		return domain.RejoinOffer{}, false
	}

	return domain.RejoinOffer{
		SessionID:    snap.SessionID,
		GroupID:      snap.GroupID,
		Interrupted:  snap.Status == statusRejoining,
		LastActivity: snap.LastActivity.UnixMilli(),
	}, true
}

// Clear drops the snapshot, both in memory and on disk. Called when the
// student leaves deliberately or the session finishes.
func (g *Guard) Clear() {
	g.mu.Lock()
	g.snap = Snapshot{}
	g.has = false
	g.mu.Unlock()

	if err := g.file.Remove(); err != nil {
		g.log.Warn("failed to remove continuity snapshot", "error", err)
	}
}
