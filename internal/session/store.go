package session

import "time"

// Store is the coordinator's state: the session counter, the active session,
// sessions still awaiting their terminal result, and the live stream.
// lastSlot remembers each pending session's newest answer slot so a final
// result can replace it after the stream is gone.
// It is owned by a single goroutine and is not safe for concurrent use.
type Store struct {
	lastID    int64
	current   int64
	sessions  map[int64]*Session
	finalized map[int64]bool
	lastSlot  map[int64]int
	stream    streamState
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions:  make(map[int64]*Session),
		finalized: make(map[int64]bool),
		lastSlot:  make(map[int64]int),
		now:       time.Now,
	}
}

// Get returns a copy of a session that has not been finalized yet.
func (s *Store) Get(id int64) (*Session, bool) {
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

// Current returns a copy of the active session, if any is pending.
func (s *Store) Current() (*Session, bool) {
	return s.Get(s.current)
}

// CurrentID is the id of the most recently submitted session; 0 before the
// first question.
func (s *Store) CurrentID() int64 {
	return s.current
}

// IsFinalized reports whether id has already rendered its terminal output.
func (s *Store) IsFinalized(id int64) bool {
	return s.finalized[id]
}

// Pending counts sessions still waiting for their terminal result.
func (s *Store) Pending() int {
	return len(s.sessions)
}

// StreamOwner returns the session the live stream belongs to and whether the
// transport has confirmed the connection.
func (s *Store) StreamOwner() (id int64, open bool) {
	return s.stream.owner, s.stream.open
}

// AnswerText returns the text accumulated in the current answer slot.
func (s *Store) AnswerText() string {
	return string(s.stream.buffer)
}

func (s *Store) next(mode, question string) *Session {
	if prev, ok := s.sessions[s.current]; ok && prev.State == Active {
		prev.State = Superseded
	}
	s.lastID++
	sess := &Session{
		ID:          s.lastID,
		Mode:        mode,
		Question:    question,
		State:       Active,
		SubmittedAt: s.now(),
	}
	s.sessions[sess.ID] = sess
	s.current = sess.ID
	return sess
}

// active reports whether id is the current session and has not finalized.
func (s *Store) active(id int64) bool {
	sess, ok := s.sessions[id]
	return ok && id == s.current && sess.State == Active
}

// finalize records id as finalized and drops its record. It returns the
// session as it was and false if id was unknown or already finalized.
func (s *Store) finalize(id int64, failed bool) (*Session, bool) {
	if s.finalized[id] {
		return nil, false
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	s.finalized[id] = true
	delete(s.sessions, id)
	delete(s.lastSlot, id)

	now := s.now()
	sess.State = Finalized
	sess.Failed = failed
	sess.FinalizedAt = &now
	return sess, true
}
