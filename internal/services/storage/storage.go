package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
	"github.com/tg-selfbot-go/internal/middleware"
)

var (
	// ErrNotFound is returned when no record exists under the key
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable marks failures to reach the backing store
	ErrUnavailable = errors.New("storage unavailable")
)

// Storage persists whole configuration records as opaque documents.
// Reads and writes are atomic per key.
type Storage interface {
	LoadRecord(ctx context.Context, key string) ([]byte, error)
	SaveRecord(ctx context.Context, key string, data []byte) error
	Close() error
}

// Manager selects and wraps the configured storage backend
type Manager struct {
	storage Storage
	logger  *logrus.Logger
	metrics *middleware.Metrics
	kind    string
}

// NewManager creates a storage manager for the configured backend
func NewManager(cfg *config.Config, logger *logrus.Logger, metrics *middleware.Metrics) (*Manager, error) {
	var storage Storage

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "sqlite":
		sqliteStorage, err := NewSQLiteStorage(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		storage = sqliteStorage
	case "memory":
		storage = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")

	return &Manager{
		storage: storage,
		logger:  logger,
		metrics: metrics,
		kind:    cfg.Storage.Type,
	}, nil
}

// NewManagerWith wraps an already constructed backend
func NewManagerWith(storage Storage, logger *logrus.Logger, metrics *middleware.Metrics) *Manager {
	return &Manager{storage: storage, logger: logger, metrics: metrics, kind: "custom"}
}

// LoadRecord reads the record stored under key
func (m *Manager) LoadRecord(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := m.storage.LoadRecord(ctx, key)
	m.record("load", err, start)
	return data, err
}

// SaveRecord overwrites the record stored under key
func (m *Manager) SaveRecord(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := m.storage.SaveRecord(ctx, key, data)
	m.record("save", err, start)
	return err
}

// Close releases the backend
func (m *Manager) Close() error {
	return m.storage.Close()
}

func (m *Manager) record(op string, err error, start time.Time) {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
		m.logger.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"backend":   m.kind,
		}).Warn("Storage operation failed")
	}
	if m.metrics != nil {
		m.metrics.RecordStorageOperation(op, status, time.Since(start))
	}
}

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStorage connects to Redis and verifies the connection
func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %v", ErrUnavailable, err)
	}

	return &RedisStorage{
		client: client,
		logger: logger,
	}, nil
}

func recordKey(key string) string {
	return fmt.Sprintf("record:%s", key)
}

func (r *RedisStorage) LoadRecord(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, recordKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (r *RedisStorage) SaveRecord(ctx context.Context, key string, data []byte) error {
	// No expiration for configuration records
	if err := r.client.Set(ctx, recordKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// MemoryStorage implements storage using an in-memory cache.
// Records do not survive a restart.
type MemoryStorage struct {
	records *cache.Cache
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

func (m *MemoryStorage) LoadRecord(ctx context.Context, key string) ([]byte, error) {
	if val, found := m.records.Get(recordKey(key)); found {
		data := val.([]byte)
		return append([]byte(nil), data...), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStorage) SaveRecord(ctx context.Context, key string, data []byte) error {
	m.records.Set(recordKey(key), append([]byte(nil), data...), cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) Close() error {
	m.records.Flush()
	return nil
}
