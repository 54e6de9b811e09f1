// Package inmemdb keeps sessions, evidence and submissions in process memory. It backs the
// "memory" storage driver and tests.
package inmemdb

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/trezcool/masomo-proctor/core/evidence"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

type (
	DB struct {
		sessions    *sessionTable
		frames      *frameTable
		submissions *submissionTable
	}

	sessionTable struct {
		t     map[string]proctor.Session
		mutex sync.RWMutex
	}

	frameTable struct {
		t     map[string]map[uint64]evidence.Frame // {session_id: {sequence: frame}}
		mutex sync.RWMutex
	}

	submissionTable struct {
		t     map[string]json.RawMessage
		mutex sync.Mutex
	}
)

func Open() *DB {
	return &DB{
		sessions:    &sessionTable{t: make(map[string]proctor.Session)},
		frames:      &frameTable{t: make(map[string]map[uint64]evidence.Frame)},
		submissions: &submissionTable{t: make(map[string]json.RawMessage)},
	}
}

type sessionRepository struct {
	db *sessionTable
}

var _ proctor.Archive = (*sessionRepository)(nil)

func NewSessionRepository(db *DB) *sessionRepository {
	return &sessionRepository{db: db.sessions}
}

func (repo *sessionRepository) Save(_ context.Context, s proctor.Session) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()
	repo.db.t[s.ID] = s.Clone()
	return nil
}

func (repo *sessionRepository) Get(_ context.Context, id string) (proctor.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if s, ok := repo.db.t[id]; ok {
		return s.Clone(), nil
	}
	return proctor.Session{}, proctor.ErrNotFound
}

func (repo *sessionRepository) Query(_ context.Context, f proctor.Filter) ([]proctor.Session, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	sessions := make([]proctor.Session, 0, len(repo.db.t))
	for _, s := range repo.db.t {
		if f.Match(s) {
			sessions = append(sessions, s.Clone())
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

type evidenceRepository struct {
	db *frameTable
}

var _ proctor.EvidenceStore = (*evidenceRepository)(nil)

func NewEvidenceRepository(db *DB) *evidenceRepository {
	return &evidenceRepository{db: db.frames}
}

func (repo *evidenceRepository) Store(_ context.Context, sessionID string, f evidence.Frame) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	frames, ok := repo.db.t[sessionID]
	if !ok {
		frames = make(map[uint64]evidence.Frame)
		repo.db.t[sessionID] = frames
	}
	if _, dup := frames[f.Sequence]; !dup {
		f.Payload = append([]byte(nil), f.Payload...)
		f.Status = evidence.StatusSent
		frames[f.Sequence] = f
	}
	return nil
}

// Frames returns the stored frames of a session in sequence order.
func (repo *evidenceRepository) Frames(sessionID string) []evidence.Frame {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	frames := make([]evidence.Frame, 0, len(repo.db.t[sessionID]))
	for _, f := range repo.db.t[sessionID] {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Sequence < frames[j].Sequence })
	return frames
}

type submissionRepository struct {
	db *submissionTable
}

var _ proctor.SubmissionAcceptor = (*submissionRepository)(nil)

func NewSubmissionRepository(db *DB) *submissionRepository {
	return &submissionRepository{db: db.submissions}
}

// AcceptSubmission accepts the first well-formed submission of each session.
func (repo *submissionRepository) AcceptSubmission(_ context.Context, sessionID string, payload json.RawMessage) (bool, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return false, nil
	}

	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.t[sessionID]; ok {
		return false, nil
	}
	repo.db.t[sessionID] = append(json.RawMessage(nil), payload...)
	return true, nil
}

func (repo *submissionRepository) Submission(sessionID string) (json.RawMessage, bool) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()
	p, ok := repo.db.t[sessionID]
	return p, ok
}
