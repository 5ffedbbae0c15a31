package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-tally/internal/pipeline"
)

type entry struct {
	batch   *pipeline.Batch
	expires time.Time
}

// Store keeps processed batches in memory for the life of a session.
// A session ends when it is deleted, when it goes untouched for the TTL,
// or when the store is closed. Nothing outlives the process.
type Store struct {
	entries map[string]*entry
	mu      sync.Mutex
	closed  bool

	ttl time.Duration
	now func() time.Time
	log *zap.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a store whose sessions expire after ttl without access.
// A ttl <= 0 keeps sessions until they are deleted.
func New(ttl time.Duration, log *zap.Logger) *Store {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	return newStore(ttl, interval, time.Now, log)
}

func newStore(ttl, sweepEvery time.Duration, now func() time.Time, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     now,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if ttl > 0 && sweepEvery > 0 {
		go s.janitor(sweepEvery)
	} else {
		close(s.done)
	}
	return s
}

func (s *Store) janitor(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Get returns a live session and extends its lifetime.
func (s *Store) Get(sessionID string) (*pipeline.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[sessionID]
	if !exists || e.expired(s.now()) {
		return nil, false
	}
	e.expires = s.expiry()
	return e.batch, true
}

// Set stores batch under sessionID, closing any batch it replaces. A
// closed store does not accept batches; they are closed right away.
func (s *Store) Set(sessionID string, batch *pipeline.Batch) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		batch.Close()
		return
	}
	var old *pipeline.Batch
	if e, exists := s.entries[sessionID]; exists {
		old = e.batch
	}
	s.entries[sessionID] = &entry{batch: batch, expires: s.expiry()}
	s.mu.Unlock()

	if old != nil && old != batch {
		old.Close()
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Delete ends a session and destroys its transient images.
func (s *Store) Delete(sessionID string) (bool, error) {
	s.mu.Lock()
	e, exists := s.entries[sessionID]
	delete(s.entries, sessionID)
	s.mu.Unlock()

	if !exists {
		return false, nil
	}
	return true, e.batch.Close()
}

// Sweep ends every expired session and reports how many it removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var expired []*pipeline.Batch
	for id, e := range s.entries {
		if e.expired(now) {
			expired = append(expired, e.batch)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, batch := range expired {
		if err := batch.Close(); err != nil {
			s.log.Warn("Failed to remove transient files", zap.String("session_id", batch.ID), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		s.log.Info("Expired sessions removed", zap.Int("sessions", len(expired)))
	}
	return len(expired)
}

// Close stops the sweeper and ends every session.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done

	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*entry)
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.batch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
