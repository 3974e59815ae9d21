package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/minutemeter/internal/config"
	"github.com/goodtune/minutemeter/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "minutemeter:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client      *redis.Client
	stateStore  *stateStore
	reportStore *reportStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client: client,
		stateStore: &stateStore{
			client: client,
			save:   redis.NewScript(saveStateScript),
		},
		reportStore: &reportStore{
			client:        client,
			upsertPeriod:  redis.NewScript(upsertPeriodScript),
			insertSession: redis.NewScript(insertSessionScript),
		},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// State returns the StateStore implementation
func (s *Store) State() storage.StateStore {
	return s.stateStore
}

// Reports returns the ReportStore implementation
func (s *Store) Reports() storage.ReportStore {
	return s.reportStore
}

func stateKey(userID string) string {
	return keyPrefix + "state:" + userID
}

func periodKey(userID, periodStart string) string {
	return fmt.Sprintf("%speriod:%s:%s", keyPrefix, userID, periodStart)
}

func periodIndexKey(userID string) string {
	return keyPrefix + "periods:" + userID
}

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

func userSessionsKey(userID string) string {
	return keyPrefix + "sessions:user:" + userID
}

const (
	activeUsersKey   = keyPrefix + "users:active"
	endedSessionsKey = keyPrefix + "sessions:ended"
)
