package session

// AddPhotos appends refs to the pending buffer in arrival order,
// evicting the oldest entries once the cap is exceeded.
func (s *Session) AddPhotos(refs ...PhotoRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendPending(refs)
}

// appendPending expects mu to be held.
func (s *Session) appendPending(refs []PhotoRef) {
	s.pending = append(s.pending, refs...)
	if s.pendingCap > 0 && len(s.pending) > s.pendingCap {
		s.pending = s.pending[len(s.pending)-s.pendingCap:]
	}
}

// TryBeginGeneration merges the attached photos into the buffer and,
// when no generation is in flight, claims the flight slot and drains
// the buffer, all under one lock hold. Photos from a concurrently
// handled message therefore land either in the returned batch or stay
// buffered for the next dispatch, never half in each. When a
// generation is already in flight the merge still happens and ok is
// false.
func (s *Session) TryBeginGeneration(attached []PhotoRef) (batch []PhotoRef, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendPending(attached)

	if s.inFlight {
		return nil, false
	}
	s.inFlight = true

	batch = s.pending
	s.pending = nil

	return batch, true
}

// DrainPhotos returns the buffered photos in order and clears the
// buffer as a single atomic step.
func (s *Session) DrainPhotos() []PhotoRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.pending
	s.pending = nil

	return drained
}

func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending) > 0
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// TryAcquire claims the single generation slot for this session.
// Returns false if a generation is already in flight.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return false
	}
	s.inFlight = true

	return true
}

// Release frees the generation slot.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight = false
}

func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inFlight
}

// State reports where the session sits in the dispatch cycle:
// generating wins, otherwise buffered photos mean a prompt is awaited.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.inFlight:
		return StateGenerating
	case len(s.pending) > 0:
		return StateAwaitingPrompt
	default:
		return StateIdle
	}
}

// PutStatus records the live message for a status kind, returning the
// previously tracked one (which the caller should delete) if any.
func (s *Session) PutStatus(kind StatusKind, ref MessageRef) (MessageRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statuses == nil {
		s.statuses = make(map[StatusKind]MessageRef)
	}

	prev, had := s.statuses[kind]
	s.statuses[kind] = ref

	return prev, had
}

// TakeStatus removes and returns the tracked message for a kind.
func (s *Session) TakeStatus(kind StatusKind) (MessageRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.statuses[kind]
	if ok {
		delete(s.statuses, kind)
	}

	return ref, ok
}

// TakeAllStatuses drains every tracked status message except the given
// kinds to keep.
func (s *Session) TakeAllStatuses(keep ...StatusKind) []MessageRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make(map[StatusKind]bool, len(keep))
	for _, kind := range keep {
		kept[kind] = true
	}

	var refs []MessageRef
	for kind, ref := range s.statuses {
		if kept[kind] {
			continue
		}
		refs = append(refs, ref)
		delete(s.statuses, kind)
	}

	return refs
}

// OutstandingStatuses counts tracked status messages. Used by tests to
// verify no transient message leaks a generation cycle.
func (s *Session) OutstandingStatuses() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.statuses)
}

func NewStore(pendingCap int) *Store {
	return &Store{
		pendingCap: pendingCap,
		sessions:   make(map[string]*Session),
	}
}

func (s *Store) Get(userKey string) *Session {
	s.mu.RLock()

	sess, ok := s.sessions[userKey]
	s.mu.RUnlock()

	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok = s.sessions[userKey]; ok {
		return sess
	}

	sess = &Session{pendingCap: s.pendingCap}
	s.sessions[userKey] = sess

	return sess
}
