// Package sessions implements the operation state store. Sessions are cached
// in memory up to a bound, evicted in least-recently-used order after being
// written to durable storage, and archived to cold storage once finished.
package sessions

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

// DefaultMaxActiveSessions bounds the in-memory cache.
const DefaultMaxActiveSessions = 50

var (
	// ErrSessionNotFound is returned for ids unknown to both cache and storage.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoArchiveSink is returned by Archive when no sink is configured.
	ErrNoArchiveSink = errors.New("no archive sink configured")
)

type cached struct {
	sess  *session.Session
	dirty bool
}

// Store is the operation state store. The store owns the canonical copy of
// every cached session; callers receive detached copies and mutate through
// the store's methods.
type Store struct {
	mu    sync.Mutex
	docs  storage.DocumentStore
	sink  storage.ArchiveSink
	cache map[string]*list.Element
	lru   *list.List // front is most recently used

	maxActive    int
	historyLimit int
	timeProvider session.TimeProvider
	metrics      Metrics

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithArchiveSink sets the cold storage used by Archive.
func WithArchiveSink(sink storage.ArchiveSink) Option { return func(s *Store) { s.sink = sink } }

// WithMaxActiveSessions bounds the cache.
func WithMaxActiveSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxActive = n
		}
	}
}

// WithHistoryLimit sets the state history cap of new sessions.
func WithHistoryLimit(n int) Option { return func(s *Store) { s.historyLimit = n } }

// WithTimeProvider sets the clock shared with the sessions.
func WithTimeProvider(tp session.TimeProvider) Option { return func(s *Store) { s.timeProvider = tp } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(s *Store) { s.metrics = m } }

// New creates a store persisting to docs.
func New(docs storage.DocumentStore, log *logger.Logger, tracer trace.Tracer, opts ...Option) *Store {
	s := &Store{
		docs:         docs,
		cache:        make(map[string]*list.Element),
		lru:          list.New(),
		maxActive:    DefaultMaxActiveSessions,
		historyLimit: session.DefaultHistoryLimit,
		timeProvider: realClock{},
		metrics:      noopMetrics{},
		logger:       log,
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (s *Store) sessionOpts() []session.Option {
	return []session.Option{session.WithTimeProvider(s.timeProvider), session.WithHistoryLimit(s.historyLimit)}
}

func (s *Store) clone(src *session.Session) (*session.Session, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session %s: %w", src.ID(), err)
	}
	return session.Decode(data, session.WithTimeProvider(s.timeProvider))
}

// Create starts a new session of the given type and persists it.
func (s *Store) Create(ctx context.Context, sessionType string) (*session.Session, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.create",
		trace.WithAttributes(attribute.String("session_type", sessionType)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := session.New(sessionType, s.sessionOpts()...)
	c := &cached{sess: sess, dirty: true}
	s.insertLocked(ctx, c)
	if err := s.persistLocked(ctx, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist new session")
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sess.ID()))

	s.logger.Info(ctx, "Session created", "session_id", sess.ID(), "session_type", sessionType)
	return s.clone(sess)
}

// Save stores a copy of sess as the canonical version and persists it.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	ctx, span := s.tracer.Start(ctx, "sessions.save",
		trace.WithAttributes(attribute.String("session_id", sess.ID())))
	defer span.End()

	cp, err := s.clone(sess)
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := &cached{sess: cp, dirty: true}
	if el, ok := s.cache[cp.ID()]; ok {
		el.Value = c
		s.lru.MoveToFront(el)
	} else {
		s.insertLocked(ctx, c)
	}
	if err := s.persistLocked(ctx, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist session")
		return err
	}
	return nil
}

// Load returns a copy of the session, reading it from storage when it is
// not cached.
func (s *Store) Load(ctx context.Context, id string) (*session.Session, error) {
	ctx, span := s.tracer.Start(ctx, "sessions.load",
		trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getLocked(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.clone(c.sess)
}

// Persist writes one cached session to storage if it has unsaved changes.
func (s *Store) Persist(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.cache[id]
	if !ok {
		return nil
	}
	return s.persistLocked(ctx, el.Value.(*cached))
}

// Update applies fn to the canonical session and marks it dirty.
func (s *Store) Update(ctx context.Context, id string, fn func(*session.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, id, false, fn)
}

func (s *Store) updateLocked(ctx context.Context, id string, persist bool, fn func(*session.Session) error) error {
	c, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(c.sess); err != nil {
		return err
	}
	c.dirty = true
	if persist {
		return s.persistLocked(ctx, c)
	}
	return nil
}

// UpdateState merges partial into the session state.
func (s *Store) UpdateState(ctx context.Context, id string, partial map[string]any, trackHistory bool) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		return sess.UpdateState(partial, trackHistory)
	})
}

// SetStatus transitions the session and persists it immediately.
func (s *Store) SetStatus(ctx context.Context, id string, status session.Status, reason string) error {
	ctx, span := s.tracer.Start(ctx, "sessions.set_status",
		trace.WithAttributes(
			attribute.String("session_id", id),
			attribute.String("status", status.String()),
		))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.updateLocked(ctx, id, true, func(sess *session.Session) error {
		return sess.SetStatus(status, reason)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set session status")
		return err
	}
	s.logger.Info(ctx, "Session status changed", "session_id", id, "status", status, "reason", reason)
	return nil
}

// LogEvent appends an event.
func (s *Store) LogEvent(ctx context.Context, id, eventType, message string, data map[string]any) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		sess.LogEvent(eventType, message, data)
		return nil
	})
}

// LogError appends a classified error.
func (s *Store) LogError(ctx context.Context, id, kind, message string, details map[string]any) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		sess.LogError(kind, message, details)
		return nil
	})
}

// RecordMetric appends a metric sample.
func (s *Store) RecordMetric(ctx context.Context, id, name string, value float64, category string) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		sess.RecordMetric(name, value, category)
		return nil
	})
}

// SetRecoveryPoint stores the resume snapshot and persists it immediately.
func (s *Store) SetRecoveryPoint(ctx context.Context, id string, point map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, id, true, func(sess *session.Session) error {
		return sess.SetRecoveryPoint(point)
	})
}

// ClearRecoveryPoint drops the resume snapshot.
func (s *Store) ClearRecoveryPoint(ctx context.Context, id string) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		sess.ClearRecoveryPoint()
		return nil
	})
}

// SetCustomData stores a free-form value on the session.
func (s *Store) SetCustomData(ctx context.Context, id, key string, value any) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		return sess.SetCustomData(key, value)
	})
}

// Checkpoint saves the current session state under name.
func (s *Store) Checkpoint(ctx context.Context, id, name string) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		sess.Checkpoint(name)
		return nil
	})
}

// RestoreCheckpoint replaces the session state with a named checkpoint.
func (s *Store) RestoreCheckpoint(ctx context.Context, id, name string) error {
	return s.Update(ctx, id, func(sess *session.Session) error {
		return sess.RestoreCheckpoint(name)
	})
}

// Delete removes a session from the cache and from storage.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.cache[id]; ok {
		s.lru.Remove(el)
		delete(s.cache, id)
		s.metrics.SetCachedSessions(s.lru.Len())
	}
	if err := s.docs.Delete(ctx, storage.CollectionSessions, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// FindIncomplete returns every session that was running, paused or
// interrupted, oldest first, for crash recovery.
func (s *Store) FindIncomplete(ctx context.Context) ([]*session.Session, error) {
	var out []*session.Session
	err := s.scan(ctx, func(sess *session.Session) error {
		if !sess.Status().IsIncomplete() {
			return nil
		}
		cp, err := s.clone(sess)
		if err != nil {
			return err
		}
		out = append(out, cp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out, nil
}

// scan visits every known session, preferring cached versions. Sessions
// read from storage are not added to the cache.
func (s *Store) scan(ctx context.Context, visit func(*session.Session) error) error {
	keys, err := s.docs.List(ctx, storage.CollectionSessions)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
		if el, ok := s.cache[key]; ok {
			if err := visit(el.Value.(*cached).sess); err != nil {
				return err
			}
			continue
		}
		sess, err := s.readLocked(ctx, key)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := visit(sess); err != nil {
			return err
		}
	}
	for id, el := range s.cache {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := visit(el.Value.(*cached).sess); err != nil {
			return err
		}
	}
	return nil
}

// Flush persists every cached session with unsaved changes.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for el := s.lru.Front(); el != nil; el = el.Next() {
		if err := s.persistLocked(ctx, el.Value.(*cached)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending changes.
func (s *Store) Close(ctx context.Context) error { return s.Flush(ctx) }

// CachedCount reports how many sessions are held in memory.
func (s *Store) CachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *Store) getLocked(ctx context.Context, id string) (*cached, error) {
	if el, ok := s.cache[id]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*cached), nil
	}
	sess, err := s.readLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	c := &cached{sess: sess}
	s.insertLocked(ctx, c)
	return c, nil
}

func (s *Store) readLocked(ctx context.Context, id string) (*session.Session, error) {
	data, err := s.docs.Get(ctx, storage.CollectionSessions, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess, err := session.Decode(data, session.WithTimeProvider(s.timeProvider))
	if err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return sess, nil
}

func (s *Store) insertLocked(ctx context.Context, c *cached) {
	s.cache[c.sess.ID()] = s.lru.PushFront(c)
	s.evictLocked(ctx)
	s.metrics.SetCachedSessions(s.lru.Len())
}

// evictLocked drops least recently used sessions above the bound. A session
// whose unsaved changes cannot be written stays cached.
func (s *Store) evictLocked(ctx context.Context) {
	el := s.lru.Back()
	for s.lru.Len() > s.maxActive && el != nil && el != s.lru.Front() {
		prev := el.Prev()
		c := el.Value.(*cached)
		if err := s.persistLocked(ctx, c); err != nil {
			s.logger.Warn(ctx, "Keeping session cached, persist before eviction failed",
				"session_id", c.sess.ID(), "error", err)
			el = prev
			continue
		}
		s.lru.Remove(el)
		delete(s.cache, c.sess.ID())
		s.metrics.IncEvictions()
		s.logger.Debug(ctx, "Session evicted from cache", "session_id", c.sess.ID())
		el = prev
	}
}

func (s *Store) persistLocked(ctx context.Context, c *cached) error {
	if !c.dirty {
		return nil
	}
	data, err := json.Marshal(c.sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", c.sess.ID(), err)
	}
	if err := s.docs.Put(ctx, storage.CollectionSessions, c.sess.ID(), data); err != nil {
		s.metrics.IncSaveErrors()
		return fmt.Errorf("failed to persist session %s: %w", c.sess.ID(), err)
	}
	c.dirty = false
	s.metrics.IncSaves()
	return nil
}
