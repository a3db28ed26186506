package sendfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/function61/zsendfs/pkg/sendstream"
	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrTooManySessions = errors.New("too many open streams")
)

type HandleID uint64

// open handle => stream session. handles are never reused during a mount.
type sessionRegistry struct {
	sessions map[HandleID]*sendstream.Session
	lastID   HandleID
	limit    *semaphore.Weighted // nil = unlimited
	mu       sync.Mutex
}

// maxSessions 0 = unlimited
func newSessionRegistry(maxSessions int) *sessionRegistry {
	var limit *semaphore.Weighted
	if maxSessions > 0 {
		limit = semaphore.NewWeighted(int64(maxSessions))
	}

	return &sessionRegistry{
		sessions: map[HandleID]*sendstream.Session{},
		limit:    limit,
	}
}

// claims room for one session. call the returned func if the session could not be created
// after all. a successful insert() keeps the claim until the func returned by remove().
func (s *sessionRegistry) reserve() (func(), error) {
	if s.limit == nil {
		return func() {}, nil
	}

	if !s.limit.TryAcquire(1) {
		return nil, ErrTooManySessions
	}

	return func() { s.limit.Release(1) }, nil
}

func (s *sessionRegistry) insert(sess *sendstream.Session) HandleID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	s.sessions[s.lastID] = sess

	return s.lastID
}

func (s *sessionRegistry) lookup(id HandleID) (*sendstream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.sessions[id]
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, id)
	}

	return sess, nil
}

// the slot stays claimed until the returned release func is called, which callers do only
// after the session is closed, so terminating processes still count against the limit
func (s *sessionRegistry) remove(id HandleID) (*sendstream.Session, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.sessions[id]
	if !found {
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidHandle, id)
	}

	delete(s.sessions, id)

	return sess, s.releaseSlot, nil
}

// same as remove() but for every session. call releaseSlot() once per closed session.
func (s *sessionRegistry) removeAll() []*sendstream.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := []*sendstream.Session{}
	for id, sess := range s.sessions {
		removed = append(removed, sess)
		delete(s.sessions, id)
	}

	return removed
}

func (s *sessionRegistry) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

func (s *sessionRegistry) releaseSlot() {
	if s.limit != nil {
		s.limit.Release(1)
	}
}
