package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/tg-clean-bot-go/internal/config"
	"github.com/tg-clean-bot-go/internal/middleware"
)

// Store persists named collections as opaque blobs.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, bool, error)
	Save(ctx context.Context, name string, data []byte) error
}

// Manager wraps a Store with JSON marshalling and a backup copy per
// collection. Every successful load refreshes the backup; a corrupt primary
// falls back to the backup before giving up.
type Manager struct {
	store       Store
	metrics     *middleware.Metrics
	logger      *logrus.Logger
	redisClient *redis.Client
}

// NewManager creates a storage manager for the configured backend.
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{metrics: middleware.NewMetrics(), logger: logger}

	switch cfg.Storage.Type {
	case "redis":
		redisStore, err := NewRedisStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		manager.store = redisStore
		manager.redisClient = redisStore.client
	case "memory":
		manager.store = NewMemoryStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return manager, nil
}

// GetRedisClient returns the Redis client if available
func (m *Manager) GetRedisClient() *redis.Client {
	return m.redisClient
}

// Save marshals and persists a collection.
func (m *Manager) Save(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := m.store.Save(ctx, name, data); err != nil {
		m.metrics.RecordStorageOperation("save", "error")
		return fmt.Errorf("save %s: %w", name, err)
	}
	m.metrics.RecordStorageOperation("save", "success")
	return nil
}

// Load reads a collection into v. A missing collection leaves v untouched
// and returns nil: first start writes the defaults back. A corrupt primary
// copy is retried from the backup; if that also fails the error is returned
// and the caller must treat it as fatal.
func (m *Manager) Load(ctx context.Context, name string, v interface{}) error {
	data, found, err := m.store.Load(ctx, name)
	if err == nil && found {
		if err = json.Unmarshal(data, v); err == nil {
			m.metrics.RecordStorageOperation("load", "success")
			// Primary is healthy, refresh the backup.
			if backupErr := m.store.Save(ctx, name+".bak", data); backupErr != nil {
				m.logger.WithError(backupErr).WithField("collection", name).Warn("Failed to refresh backup")
			}
			return nil
		}
	}
	if err == nil && !found {
		return nil
	}

	m.logger.WithError(err).WithField("collection", name).Error("Primary copy unreadable, trying backup")

	data, found, backupErr := m.store.Load(ctx, name+".bak")
	if backupErr != nil || !found {
		m.metrics.RecordStorageOperation("load", "error")
		return fmt.Errorf("load %s: primary corrupt and no usable backup: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		m.metrics.RecordStorageOperation("load", "error")
		return fmt.Errorf("load %s: backup corrupt: %w", name, err)
	}
	m.metrics.RecordStorageOperation("load", "success")

	// Heal the primary from the backup.
	if err := m.store.Save(ctx, name, data); err != nil {
		m.logger.WithError(err).WithField("collection", name).Warn("Failed to heal primary copy")
	}
	return nil
}

// RedisStore keeps collections in redis, one key per collection.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisStore(cfg *config.Config, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.Storage.Prefix,
		logger: logger,
	}, nil
}

func (r *RedisStore) key(name string) string {
	return fmt.Sprintf("%s:data:%s", r.prefix, name)
}

func (r *RedisStore) Load(ctx context.Context, name string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisStore) Save(ctx context.Context, name string, data []byte) error {
	return r.client.Set(ctx, r.key(name), data, 0).Err()
}

// MemoryStore keeps collections in process memory, for tests and single-node
// runs without redis.
type MemoryStore struct {
	data *cache.Cache
}

func NewMemoryStore(cfg *config.Config) *MemoryStore {
	return &MemoryStore{
		data: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

func (m *MemoryStore) Load(ctx context.Context, name string) ([]byte, bool, error) {
	if val, found := m.data.Get(name); found {
		return val.([]byte), true, nil
	}
	return nil, false, nil
}

func (m *MemoryStore) Save(ctx context.Context, name string, data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)
	m.data.Set(name, copied, cache.NoExpiration)
	return nil
}
