package auction

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/cloudx-io/liveauction/core"
)

type archiveEntry struct {
	deadline  time.Time
	sessionID string
}

func archiveLess(a, b archiveEntry) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.sessionID < b.sessionID
}

// Registry owns the live sessions. A session is registered on creation and
// stays registered for Retention after it reaches a terminal state.
type Registry struct {
	env       *engineEnv
	archivers []SessionArchiver

	mu       sync.RWMutex
	sessions map[string]*Session
	// archive orders terminal sessions by the time they may be evicted.
	archive *btree.BTreeG[archiveEntry]
}

func newRegistry(env *engineEnv, archivers ...SessionArchiver) *Registry {
	return &Registry{
		env:       env,
		archivers: archivers,
		sessions:  make(map[string]*Session),
		archive:   btree.NewG[archiveEntry](16, archiveLess),
	}
}

// Create registers a new Scheduled session.
func (r *Registry) Create(spec SessionSpec) (*Session, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: id is required", core.ErrInvalidSession)
	}
	if spec.ScheduledStart.IsZero() {
		return nil, fmt.Errorf("%w: scheduled start is required", core.ErrInvalidSession)
	}
	if !spec.ScheduledEnd.IsZero() && !spec.ScheduledEnd.After(spec.ScheduledStart) {
		return nil, fmt.Errorf("%w: scheduled end must be after scheduled start", core.ErrInvalidSession)
	}
	if spec.AntiSnipe.Trigger < 0 || spec.AntiSnipe.Extension < 0 {
		return nil, fmt.Errorf("%w: anti-sniping durations must not be negative", core.ErrInvalidSession)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[spec.ID]; exists {
		return nil, fmt.Errorf("session %s: %w", spec.ID, core.ErrSessionExists)
	}
	sess := newSession(r.env, spec)
	r.sessions[spec.ID] = sess

	r.env.logger.Info().Str("session", spec.ID).Time("scheduled_start", spec.ScheduledStart).Msg("session registered")
	return sess, nil
}

// Get returns the registered session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// List returns every registered session ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// scheduleArchive starts the retention window of a session that reached a
// terminal state at.
func (r *Registry) scheduleArchive(sessionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return
	}
	r.archive.ReplaceOrInsert(archiveEntry{deadline: at.Add(r.env.cfg.Retention), sessionID: sessionID})
}

// NextEviction returns the earliest pending eviction deadline.
func (r *Registry) NextEviction() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next, ok := r.archive.Min()
	return next.deadline, ok
}

// Evict unregisters every terminal session whose retention window elapsed
// at now, releasing its ledger and enrollment state.
func (r *Registry) Evict(now time.Time) []string {
	var evicted []string

	r.mu.Lock()
	for r.archive.Len() > 0 {
		next, _ := r.archive.Min()
		if next.deadline.After(now) {
			break
		}
		r.archive.DeleteMin()
		delete(r.sessions, next.sessionID)
		evicted = append(evicted, next.sessionID)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		dropped := r.env.ledger.Drop(id)
		for _, archiver := range r.archivers {
			archiver.ArchiveSession(id)
		}
		r.env.logger.Info().Str("session", id).Int("items", dropped).Msg("session evicted")
	}
	return evicted
}
