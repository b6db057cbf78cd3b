package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/services/storage"
)

var (
	// ErrClosed is returned by Mutate after Close
	ErrClosed = errors.New("configuration store closed")
	// ErrNotLoaded is returned by Mutate before Load
	ErrNotLoaded = errors.New("configuration store not loaded")
)

// MutateFunc edits a private copy of the record. Returning an error discards
// the copy; nothing is persisted or published.
type MutateFunc func(rec *models.ConfigurationRecord) error

type mutation struct {
	ctx   context.Context
	fn    MutateFunc
	reply chan mutationResult
}

type mutationResult struct {
	rec *models.ConfigurationRecord
	err error
}

// Store owns the persisted configuration record of one agent instance.
// All writes are applied one at a time by a single writer goroutine; reads
// return the last committed snapshot without locking.
type Store struct {
	backend     storage.Storage
	instanceKey string
	logger      *logrus.Logger
	metrics     *middleware.Metrics

	current  atomic.Pointer[models.ConfigurationRecord]
	requests chan mutation
	done     chan struct{}

	loadOnce  sync.Once
	loadErr   error
	loaded    atomic.Bool
	closeOnce sync.Once

	mu        sync.RWMutex
	listeners []func(*models.ConfigurationRecord)

	retries int
	backoff time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithRetry sets how many times a failed persist is retried and the initial backoff
func WithRetry(retries int, backoff time.Duration) Option {
	return func(s *Store) {
		if retries >= 0 {
			s.retries = retries
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// WithMetrics records mutation metrics
func WithMetrics(m *middleware.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates a store for the record addressed by instanceKey
func NewStore(backend storage.Storage, instanceKey string, logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		instanceKey: instanceKey,
		logger:      logger,
		requests:    make(chan mutation),
		done:        make(chan struct{}),
		listeners:   make([]func(*models.ConfigurationRecord), 0),
		retries:     3,
		backoff:     200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(models.DefaultRecord())
	return s
}

// Load reads the persisted record, materializing defaults on first run.
// It runs once; later calls return the committed snapshot or the first error.
func (s *Store) Load(ctx context.Context) (*models.ConfigurationRecord, error) {
	s.loadOnce.Do(func() {
		rec, err := s.load(ctx)
		if err != nil {
			s.loadErr = err
			return
		}
		s.current.Store(rec)
		s.loaded.Store(true)
		go s.run()
	})
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.Read(), nil
}

func (s *Store) load(ctx context.Context) (*models.ConfigurationRecord, error) {
	log := s.logger.WithField("instance", s.instanceKey)

	data, err := s.backend.LoadRecord(ctx, s.instanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		rec := models.DefaultRecord()
		if err := s.persist(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist default configuration: %w", err)
		}
		log.Info("Configuration initialized with defaults")
		return rec, nil
	}
	if err != nil {
		if !errors.Is(err, storage.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	rec, repairs := models.DecodeRecord(data)
	if len(repairs) > 0 {
		log.WithField("repairs", repairs).Warn("Configuration record repaired against defaults")
		if err := s.persist(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist repaired configuration: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"language": rec.Language,
		"triggers": len(rec.Triggers),
	}).Info("Configuration loaded")
	return rec, nil
}

// Read returns the last committed record. The result is shared and must not be modified.
func (s *Store) Read() *models.ConfigurationRecord {
	return s.current.Load()
}

// Mutate applies fn to a copy of the current record, persists the result and
// publishes it. Mutations are serialized: fn always sees the effects of every
// mutation committed before it.
func (s *Store) Mutate(ctx context.Context, fn MutateFunc) (*models.ConfigurationRecord, error) {
	if !s.loaded.Load() {
		return nil, ErrNotLoaded
	}

	req := mutation{ctx: ctx, fn: fn, reply: make(chan mutationResult, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The writer always answers an accepted request, even if ctx expires meanwhile
	res := <-req.reply
	return res.rec, res.err
}

// OnChange registers a listener called asynchronously after every commit
func (s *Store) OnChange(listener func(*models.ConfigurationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Close stops the writer goroutine
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Store) run() {
	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			rec, err := s.apply(req)
			req.reply <- mutationResult{rec: rec, err: err}
		}
	}
}

func (s *Store) apply(req mutation) (rec *models.ConfigurationRecord, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutation panicked: %v", r)
			s.logger.WithField("panic", r).Error("Configuration mutation panicked")
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		if s.metrics != nil {
			s.metrics.RecordMutation(status, time.Since(start))
		}
	}()

	if err := req.ctx.Err(); err != nil {
		return nil, err
	}

	next := s.current.Load().Clone()
	if err := req.fn(next); err != nil {
		return nil, err
	}
	if repairs := models.Normalize(next); len(repairs) > 0 {
		s.logger.WithField("repairs", repairs).Debug("Mutation result normalized")
	}

	if err := s.persist(req.ctx, next); err != nil {
		return nil, err
	}

	s.current.Store(next)
	s.notify(next)
	return next, nil
}

// persist writes the record, retrying storage failures with exponential backoff
func (s *Store) persist(ctx context.Context, rec *models.ConfigurationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	wait := s.backoff
	for attempt := 0; ; attempt++ {
		err = s.backend.SaveRecord(ctx, s.instanceKey, data)
		if err == nil {
			return nil
		}
		if attempt >= s.retries {
			break
		}

		s.logger.WithError(err).WithField("attempt", attempt+1).Warn("Persisting configuration failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, ctx.Err())
		case <-timer.C:
		}
		wait *= 2
	}

	if !errors.Is(err, storage.ErrUnavailable) {
		err = fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return fmt.Errorf("persist configuration: %w", err)
}

func (s *Store) notify(rec *models.ConfigurationRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, listener := range s.listeners {
		go listener(rec)
	}
}

// MarkOwnerSeen records that the owner was active in a chat at the given time
func (s *Store) MarkOwnerSeen(ctx context.Context, chatID int64, at time.Time) error {
	_, err := s.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
		if prev, ok := rec.OwnerLastSeen[chatID]; ok && !at.After(prev) {
			return nil
		}
		rec.OwnerLastSeen[chatID] = at
		return nil
	})
	return err
}
