package mail

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/colonylab/codetravail-bot/internal/config"
	"github.com/colonylab/codetravail-bot/internal/opstate"
)

// Fingerprint identifies an email for deduplication: the md5 hex of
// "messageID_subject_sender".
func Fingerprint(messageID, subject, sender string) string {
	sum := md5.Sum([]byte(messageID + "_" + subject + "_" + sender))
	return hex.EncodeToString(sum[:])
}

// ProcessedStore remembers the fingerprints of answered emails. Commit
// is called only after the reply was sent.
type ProcessedStore interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	Commit(ctx context.Context, fingerprint string) error
	Close() error
}

// MemoryStore keeps fingerprints for the life of the process.
type MemoryStore struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{set: make(map[string]struct{})}
}

func (s *MemoryStore) Seen(_ context.Context, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[fp]
	return ok, nil
}

func (s *MemoryStore) Commit(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set[fp] = struct{}{}
	return nil
}

// Len returns the number of remembered fingerprints.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

func (s *MemoryStore) Close() error { return nil }

// processedNamespace is the opstate namespace for answered emails.
const processedNamespace = "mail_processed"

// SQLiteStore keeps fingerprints in an opstate database so they
// survive restarts.
type SQLiteStore struct {
	state *opstate.Store
	ttl   time.Duration
	owned bool
}

// NewSQLiteStore wraps an open opstate store. A positive ttl expires
// fingerprints; zero keeps them forever.
func NewSQLiteStore(state *opstate.Store, ttl time.Duration) *SQLiteStore {
	return &SQLiteStore{state: state, ttl: ttl}
}

func (s *SQLiteStore) Seen(ctx context.Context, fp string) (bool, error) {
	return s.state.Has(ctx, processedNamespace, fp)
}

func (s *SQLiteStore) Commit(ctx context.Context, fp string) error {
	return s.state.SetTTL(ctx, processedNamespace, fp, time.Now().UTC().Format(time.RFC3339), s.ttl)
}

// Prune drops expired fingerprints.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	return s.state.Prune(ctx, processedNamespace)
}

// Close closes the underlying database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.state.Close()
	}
	return nil
}

// RedisStore shares fingerprints between bot instances.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps a go-redis client. Keys are prefix+fingerprint.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Seen(ctx context.Context, fp string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+fp).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Commit(ctx context.Context, fp string) error {
	if err := s.client.Set(ctx, s.prefix+fp, "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// OpenStore builds the processed store selected by the configuration.
// Redis is pinged so a bad address fails at startup.
func OpenStore(ctx context.Context, cfg config.DedupConfig) (ProcessedStore, error) {
	ttl := time.Duration(cfg.TTLSec) * time.Second
	switch cfg.Store {
	case "", config.DedupMemory:
		return NewMemoryStore(), nil
	case config.DedupSQLite:
		state, err := opstate.NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open processed store %s: %w", cfg.Path, err)
		}
		s := NewSQLiteStore(state, ttl)
		s.owned = true
		if _, err := s.Prune(ctx); err != nil {
			state.Close()
			return nil, fmt.Errorf("prune processed store: %w", err)
		}
		return s, nil
	case config.DedupRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, "dedup:mail:", ttl), nil
	default:
		return nil, fmt.Errorf("unknown processed store %q", cfg.Store)
	}
}
