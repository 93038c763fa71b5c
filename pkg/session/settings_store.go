package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
)

// Settings keys. One slot each for the last-used session configuration and
// graph document, so a restarted client can resume where it left off.
const (
	settingsConfigKey = "settings_last_config"
	settingsGraphKey  = "settings_last_graph"
)

// SettingsStore persists the last-used session configuration and graph
// document across restarts. Load methods return (nil, nil) when nothing has
// been saved yet.
type SettingsStore interface {
	SaveConfig(ctx context.Context, config *SessionConfig) error
	LoadConfig(ctx context.Context) (*SessionConfig, error)
	SaveGraph(ctx context.Context, graph *GraphDefinition) error
	LoadGraph(ctx context.Context) (*GraphDefinition, error)
	Close() error
}

// BadgerSettingsStore keeps settings in a Badger database, usually the one
// already open for artifacts.
type BadgerSettingsStore struct {
	db *badger.DB
}

// NewBadgerSettingsStore wraps an open database. The store does not own the
// database; Close is a no-op and the owner closes it.
func NewBadgerSettingsStore(db *badger.DB) *BadgerSettingsStore {
	return &BadgerSettingsStore{db: db}
}

func (s *BadgerSettingsStore) save(key string, value interface{}) error {
	buf, err := graphJSON.Marshal(value)
	if err != nil {
		return storageError(fmt.Sprintf("encode %s: %v", key, err))
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
	if err != nil {
		return storageError(fmt.Sprintf("store %s: %v", key, err))
	}
	return nil
}

func (s *BadgerSettingsStore) load(key string, out interface{}) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return graphJSON.Unmarshal(val, out)
		})
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, storageError(fmt.Sprintf("load %s: %v", key, err))
	}
	return true, nil
}

func (s *BadgerSettingsStore) SaveConfig(ctx context.Context, config *SessionConfig) error {
	return s.save(settingsConfigKey, config)
}

func (s *BadgerSettingsStore) LoadConfig(ctx context.Context) (*SessionConfig, error) {
	var config SessionConfig
	found, err := s.load(settingsConfigKey, &config)
	if err != nil || !found {
		return nil, err
	}
	return &config, nil
}

func (s *BadgerSettingsStore) SaveGraph(ctx context.Context, graph *GraphDefinition) error {
	return s.save(settingsGraphKey, graph)
}

func (s *BadgerSettingsStore) LoadGraph(ctx context.Context) (*GraphDefinition, error) {
	var graph GraphDefinition
	found, err := s.load(settingsGraphKey, &graph)
	if err != nil || !found {
		return nil, err
	}
	return &graph, nil
}

func (s *BadgerSettingsStore) Close() error { return nil }

// RedisSettingsConfig holds Redis connection settings.
type RedisSettingsConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisSettingsStore keeps settings in Redis, for deployments where several
// clients share state.
type RedisSettingsStore struct {
	client *redis.Client
}

// NewRedisSettingsStore connects to Redis and verifies the connection.
func NewRedisSettingsStore(cfg RedisSettingsConfig) (*RedisSettingsStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storageError(fmt.Sprintf("redis connection failed: %v", err))
	}
	return &RedisSettingsStore{client: client}, nil
}

func (s *RedisSettingsStore) save(ctx context.Context, key string, value interface{}) error {
	buf, err := graphJSON.Marshal(value)
	if err != nil {
		return storageError(fmt.Sprintf("encode %s: %v", key, err))
	}
	if err := s.client.Set(ctx, key, buf, 0).Err(); err != nil {
		return storageError(fmt.Sprintf("store %s: %v", key, err))
	}
	return nil
}

func (s *RedisSettingsStore) load(ctx context.Context, key string, out interface{}) (bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, storageError(fmt.Sprintf("load %s: %v", key, err))
	}
	if err := graphJSON.Unmarshal(val, out); err != nil {
		return false, storageError(fmt.Sprintf("decode %s: %v", key, err))
	}
	return true, nil
}

func (s *RedisSettingsStore) SaveConfig(ctx context.Context, config *SessionConfig) error {
	return s.save(ctx, settingsConfigKey, config)
}

func (s *RedisSettingsStore) LoadConfig(ctx context.Context) (*SessionConfig, error) {
	var config SessionConfig
	found, err := s.load(ctx, settingsConfigKey, &config)
	if err != nil || !found {
		return nil, err
	}
	return &config, nil
}

func (s *RedisSettingsStore) SaveGraph(ctx context.Context, graph *GraphDefinition) error {
	return s.save(ctx, settingsGraphKey, graph)
}

func (s *RedisSettingsStore) LoadGraph(ctx context.Context) (*GraphDefinition, error) {
	var graph GraphDefinition
	found, err := s.load(ctx, settingsGraphKey, &graph)
	if err != nil || !found {
		return nil, err
	}
	return &graph, nil
}

func (s *RedisSettingsStore) Close() error { return s.client.Close() }

// Interface compliance checks.
var (
	_ SettingsStore = (*BadgerSettingsStore)(nil)
	_ SettingsStore = (*RedisSettingsStore)(nil)
)
