package storage

// Open implements spec.md §4.2 "open". flags combines OCreate/OLock.
//
// Returns the must-notify list of clients whose parked lockFile was
// abandoned because creating this file required evicting another one.
func (s *Storage) Open(pathname string, flags OpenFlag, user ClientHandle) (mustNotify []ClientHandle, err error) {
	s.mu.Lock()

	f := s.lookupLocked(pathname)
	switch {
	case f == nil && !flags.has(OCreate):
		s.mu.Unlock()
		return nil, newErr(KindNotFound, "open", pathname)

	case f != nil && flags.has(OCreate):
		s.mu.Unlock()
		return nil, newErr(KindAlreadyExists, "open", pathname)

	case f == nil:
		if s.fileNumber >= s.config.MaxFileNumber {
			victim, _, notify, ok := s.evictOneLocked(pathname)
			if !ok {
				s.mu.Unlock()
				return nil, newErr(KindCapacityExceeded, "open", pathname)
			}
			mustNotify = notify
			s.log.Debug().Str("evicted", victim.pathname).Str("for", pathname).Msg("evicted file to satisfy open")
		}
		f = newFile(pathname)
		s.insertLocked(f)
	}

	f.lock()
	if flags.has(OLock) {
		if f.lockedBy != 0 && f.lockedBy != user.ID() {
			f.unlock()
			s.mu.Unlock()
			return mustNotify, newErr(KindForbidden, "open", pathname)
		}
		f.lockedBy = user.ID()
		if flags.has(OCreate) {
			f.owner = user.ID()
		}
	}
	f.openedBy[user.ID()] = struct{}{}
	f.unlock()

	s.mu.Unlock()
	return mustNotify, nil
}

// Read implements spec.md §4.2 "read". A successful read clears owner,
// revoking any pending write predicate.
func (s *Storage) Read(pathname string, user ClientHandle) ([]byte, error) {
	s.mu.Lock()
	f := s.lookupLocked(pathname)
	s.mu.Unlock()
	if f == nil {
		return nil, newErr(KindNotFound, "read", pathname)
	}

	f.lock()
	if !f.hasOpened(user.ID()) || (f.lockedBy != 0 && f.lockedBy != user.ID()) {
		f.unlock()
		return nil, newErr(KindForbidden, "read", pathname)
	}
	f.unlock()

	f.gate.enterReader()
	f.lock()
	out := make([]byte, len(f.content))
	copy(out, f.content)
	f.unlock()
	f.gate.exitReader()

	f.lock()
	f.owner = 0
	f.unlock()

	return out, nil
}

// ReadEntry is one (pathname, content) pair yielded by ReadMany.
type ReadEntry struct {
	Pathname string
	Content  []byte
}

// ReadMany implements spec.md §4.2 "read_many". upTo<=0 means "all".
func (s *Storage) ReadMany(upTo int, user ClientHandle) ([]ReadEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ReadEntry
	for el := s.order.Front(); el != nil; el = el.Next() {
		if upTo > 0 && len(out) >= upTo {
			break
		}
		f := el.Value.(*File)
		f.lock()
		if f.size > 0 {
			content := make([]byte, len(f.content))
			copy(content, f.content)
			out = append(out, ReadEntry{Pathname: f.pathname, Content: content})
		}
		f.unlock()
	}
	if len(out) == 0 {
		return nil, newErr(KindNoContent, "readNFiles", "")
	}
	return out, nil
}

// canWrite implements the write predicate: owner == user, transiently true
// only between a creating open(O_CREATE|O_LOCK) and the next
// file-invalidating operation (spec.md §4.2 "write semantics").
func (f *File) canWrite(user ClientHandle) bool {
	return f.owner == user.ID()
}

// Write is the exposed writeFile: a full content replacement gated by
// canWrite, matching spec.md §1's "writes are always full replacements
// after a lock-creating open, or appends". The payload is still consumed
// by the caller regardless of outcome (framing discipline); this method
// rejects it with Forbidden when canWrite fails and otherwise stores it.
func (s *Storage) Write(pathname string, buf []byte, user ClientHandle) (evicted []Evicted, mustNotify []ClientHandle, err error) {
	s.mu.Lock()
	f := s.lookupLocked(pathname)
	s.mu.Unlock()
	if f == nil {
		return nil, nil, newErr(KindNotFound, "writeFile", pathname)
	}

	f.lock()
	allowed := f.canWrite(user)
	f.unlock()
	if !allowed {
		return nil, nil, newErr(KindForbidden, "writeFile", pathname)
	}

	return s.append(f, pathname, buf, user, true)
}

// Append implements spec.md §4.2 "append" directly (no write-predicate
// gate), used by appendToFile: buf is concatenated onto the file's
// existing content rather than replacing it.
func (s *Storage) Append(pathname string, buf []byte, user ClientHandle) (evicted []Evicted, mustNotify []ClientHandle, err error) {
	s.mu.Lock()
	f := s.lookupLocked(pathname)
	s.mu.Unlock()
	if f == nil {
		return nil, nil, newErr(KindNotFound, "appendToFile", pathname)
	}

	f.lock()
	ok := f.hasOpened(user.ID()) && (f.lockedBy == 0 || f.lockedBy == user.ID())
	f.unlock()
	if !ok {
		return nil, nil, newErr(KindForbidden, "appendToFile", pathname)
	}

	return s.append(f, pathname, buf, user, false)
}

// append is the shared implementation behind Write and Append. buf is
// copied into a fresh buffer before any storage-level mutation, so a
// request that fails partway (OUT_OF_MEMORY after some evictions) never
// leaves the target file half-updated (spec.md §7 propagation policy).
// When replace is false the file's existing content is kept and buf is
// concatenated onto it; when true (writeFile), buf becomes the entire
// content.
func (s *Storage) append(f *File, pathname string, buf []byte, user ClientHandle, replace bool) (evicted []Evicted, mustNotify []ClientHandle, err error) {
	if int64(len(buf)) > s.config.MaxSize {
		return nil, nil, newErr(KindCapacityExceeded, "append", pathname)
	}
	fresh := make([]byte, len(buf))
	copy(fresh, buf)

	f.gate.enterWriter()
	defer f.gate.exitWriter()

	// f.size is read without f.lock() below: holding the writer side of
	// f.gate already excludes every other append on f, and nothing else
	// mutates size, so it cannot change underneath us here.
	var newContent []byte
	if replace {
		newContent = fresh
	} else {
		f.lock()
		newContent = make([]byte, f.size+int64(len(fresh)))
		copy(newContent, f.content)
		f.unlock()
		copy(newContent[len(newContent)-len(fresh):], fresh)
	}
	newSize := int64(len(newContent))

	s.mu.Lock()
	for s.size-f.size+newSize > s.config.MaxSize {
		victim, content, notify, ok := s.evictOneLocked(pathname)
		if !ok {
			s.mu.Unlock()
			return evicted, mustNotify, newErr(KindCapacityExceeded, "append", pathname)
		}
		evicted = append(evicted, Evicted{Pathname: victim.pathname, Content: content})
		mustNotify = append(mustNotify, notify...)
	}

	f.lock()
	s.size += newSize - f.size
	f.content = newContent
	f.size = newSize
	f.modified = true
	f.owner = 0
	f.unlock()

	if s.size > s.peakSize {
		s.peakSize = s.size
	}
	s.mu.Unlock()

	return evicted, mustNotify, nil
}

// LockOutcome is the result of a successful Lock: either the caller now holds
// the lock, or the request was parked pending a future grant.
type LockOutcome int

const (
	LockGranted LockOutcome = iota
	LockParked
)

// Lock implements spec.md §4.2 "lock". When the file is held by another
// client, user is enqueued on pendingLocks and LockParked is returned: the
// caller must not respond yet and must not return the client's descriptor
// to the dispatcher (see internal/dispatch).
func (s *Storage) Lock(pathname string, user ClientHandle) (LockOutcome, error) {
	s.mu.Lock()
	f := s.lookupLocked(pathname)
	s.mu.Unlock()
	if f == nil {
		return LockGranted, newErr(KindNotFound, "lockFile", pathname)
	}

	f.lock()
	defer f.unlock()

	if f.lockedBy == 0 || f.lockedBy == user.ID() {
		f.lockedBy = user.ID()
		f.owner = 0
		return LockGranted, nil
	}
	f.enqueuePendingLock(user)
	return LockParked, nil
}

// Unlock implements spec.md §4.2 "unlock". If another client was waiting,
// it becomes the new holder and is returned so the caller can notify it
// with OK and return its descriptor to the dispatcher.
func (s *Storage) Unlock(pathname string, user ClientHandle) (newHolder ClientHandle, err error) {
	s.mu.Lock()
	f := s.lookupLocked(pathname)
	s.mu.Unlock()
	if f == nil {
		return nil, newErr(KindNotFound, "unlockFile", pathname)
	}

	f.lock()
	defer f.unlock()

	if f.lockedBy != user.ID() {
		return nil, newErr(KindForbidden, "unlockFile", pathname)
	}
	f.owner = 0
	next := f.dequeuePendingLock()
	if next != nil {
		f.lockedBy = next.ID()
		return next, nil
	}
	f.lockedBy = 0
	return nil, nil
}

// Close implements spec.md §4.2 "close".
func (s *Storage) Close(pathname string, user ClientHandle) error {
	s.mu.Lock()
	f := s.lookupLocked(pathname)
	s.mu.Unlock()
	if f == nil {
		return newErr(KindNotFound, "closeFile", pathname)
	}

	f.lock()
	defer f.unlock()

	if !f.hasOpened(user.ID()) {
		return newErr(KindForbidden, "closeFile", pathname)
	}
	delete(f.openedBy, user.ID())
	f.owner = 0
	return nil
}

// Remove implements spec.md §4.2 "remove". Only the current lock holder
// may remove a file. On success its pending lockers are returned as a
// must-notify FILE_NOT_FOUND list.
func (s *Storage) Remove(pathname string, user ClientHandle) (mustNotify []ClientHandle, err error) {
	s.mu.Lock()
	el, ok := s.dict[pathname]
	if !ok {
		s.mu.Unlock()
		return nil, newErr(KindNotFound, "removeFile", pathname)
	}
	f := el.Value.(*File)

	f.lock()
	if f.lockedBy != user.ID() {
		f.unlock()
		s.mu.Unlock()
		return nil, newErr(KindForbidden, "removeFile", pathname)
	}
	f.unlock()

	mustNotify = s.destroyQuiescentLocked(el, f)
	s.mu.Unlock()
	return mustNotify, nil
}

// Grant describes a lock handed to a previously parked client as a side
// effect of UserExit.
type Grant struct {
	Pathname  string
	NewHolder ClientHandle
}

// UserExit implements spec.md §4.2 "user_exit", called when a client
// socket closes. For every file: release a lock held by user (handing it
// to the head of pendingLocks, which the caller must notify with OK), and
// remove user from pendingLocks and openedBy.
func (s *Storage) UserExit(user ClientHandle) []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	var grants []Grant
	for el := s.order.Front(); el != nil; el = el.Next() {
		f := el.Value.(*File)
		f.lock()
		if f.lockedBy == user.ID() {
			f.owner = 0
			next := f.dequeuePendingLock()
			if next != nil {
				f.lockedBy = next.ID()
				grants = append(grants, Grant{Pathname: f.pathname, NewHolder: next})
			} else {
				f.lockedBy = 0
			}
		}
		f.removePendingLock(user.ID())
		delete(f.openedBy, user.ID())
		f.unlock()
	}
	return grants
}

// Shutdown destroys every file, waiting for quiescence on each, matching
// spec.md §4.2's destruction discipline applied at storage shutdown. It
// returns the aggregate must-notify list so the caller can fail every
// still-parked locker with FILE_NOT_FOUND.
func (s *Storage) Shutdown() []ClientHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mustNotify []ClientHandle
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		f := el.Value.(*File)
		mustNotify = append(mustNotify, s.destroyQuiescentLocked(el, f)...)
		el = next
	}
	return mustNotify
}
