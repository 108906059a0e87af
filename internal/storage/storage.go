// Package storage implements the concurrent, in-memory file store
// described in spec.md §3–§8: a dictionary of named byte-streams with a
// strict locking hierarchy, FIFO-fair per-file locking, and capacity-driven
// eviction.
package storage

import (
	"container/list"
	"sync"

	"github.com/rs/zerolog"
)

// Config bounds a Storage instance. Both maxima come from the server's
// config file (internal/config) and are immutable after construction.
type Config struct {
	MaxFileNumber int
	MaxSize       int64
}

// Stats is a point-in-time snapshot of the observability counters spec.md
// §3's Data Model calls for. Storage.Stats is safe to call concurrently
// with every other operation and is the only way internal/metrics learns
// about engine state (Storage has no Prometheus dependency of its own).
type Stats struct {
	FileNumber     int
	Size           int64
	PeakFileNumber int
	PeakSize       int64
	Evictions      int64
}

// Storage is the top-level engine. The storage-level mutex guards the
// dictionary, the insertion-ordered sequence, and the counters; it is never
// held across a blocking wait (lock hierarchy: storage mutex → file
// ordering mutex → file state mutex, per spec.md §4.2).
type Storage struct {
	mu     sync.Mutex
	dict   map[string]*list.Element // pathname -> element (element.Value is *File)
	order  *list.List               // insertion order, head = oldest
	config Config

	fileNumber int
	size       int64

	peakFileNumber int
	peakSize       int64
	evictions      int64

	log zerolog.Logger
}

// New constructs an empty Storage bounded by cfg.
func New(cfg Config, log zerolog.Logger) *Storage {
	return &Storage{
		dict:   make(map[string]*list.Element),
		order:  list.New(),
		config: cfg,
		log:    log.With().Str("component", "storage").Logger(),
	}
}

// Stats returns a snapshot of the current and peak counters.
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		FileNumber:     s.fileNumber,
		Size:           s.size,
		PeakFileNumber: s.peakFileNumber,
		PeakSize:       s.peakSize,
		Evictions:      s.evictions,
	}
}

// lookupLocked returns the file at pathname, or nil. Caller holds s.mu.
func (s *Storage) lookupLocked(pathname string) *File {
	el, ok := s.dict[pathname]
	if !ok {
		return nil
	}
	return el.Value.(*File)
}

// insertLocked adds a brand new, empty file to the dictionary and the tail
// of the insertion sequence, updating counters. Caller holds s.mu.
func (s *Storage) insertLocked(f *File) {
	el := s.order.PushBack(f)
	s.dict[f.pathname] = el
	s.fileNumber++
	if s.fileNumber > s.peakFileNumber {
		s.peakFileNumber = s.fileNumber
	}
}

// Evicted describes a file destroyed to reclaim capacity by an append,
// which hands the lost bytes back to the appending client (spec.md §4.2
// "Eviction policy"). Open-triggered evictions produce no Evicted value:
// Open returns only the must-notify list.
type Evicted struct {
	Pathname string
	Content  []byte
}

// evictOneLocked scans the insertion-ordered sequence head-to-tail for the
// first modified file other than spare, destroys it, and returns it plus
// its drained pending-lock queue (the must-notify list). Caller holds s.mu.
// Reports ok=false if no eligible victim exists.
func (s *Storage) evictOneLocked(spare string) (victim *File, content []byte, mustNotify []ClientHandle, ok bool) {
	for el := s.order.Front(); el != nil; el = el.Next() {
		f := el.Value.(*File)
		if f.pathname == spare || !f.modified {
			continue
		}
		mustNotify = s.destroyQuiescentLocked(el, f)
		s.evictions++
		f.lock()
		content = f.content
		f.unlock()
		return f, content, mustNotify, true
	}
	return nil, nil, nil, false
}

// destroyQuiescentLocked waits for the file to quiesce (no active
// readers/writers), then unlinks it, matching spec.md §4.2's "Destruction
// discipline". It must be called with s.mu held but releases it while
// waiting, re-acquiring before returning — mirroring the spec's storage
// mutex being released before any blocking wait.
func (s *Storage) destroyQuiescentLocked(el *list.Element, f *File) []ClientHandle {
	s.mu.Unlock()
	f.gate.quiesce()
	s.mu.Lock()

	s.order.Remove(el)
	delete(s.dict, f.pathname)
	s.fileNumber--
	s.size -= f.size

	f.lock()
	mustNotify := f.drainPendingLocks()
	f.unlock()
	return mustNotify
}
