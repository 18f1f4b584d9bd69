// Package redis provides a [storage.CacheStore] on Redis, using native key expiry and
// optimistic transactions for the in-progress claim.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
)

var tracer = otel.Tracer("streamcache/pkg/storage/redis")

const (
	defaultKeyPrefix = "streamcache:cache:"

	fieldInProgress = "in_progress"
	fieldFailed     = "failed"
	fieldOwner      = "owner"
	fieldResult     = "result"
)

var ErrAddrMissing = errors.New("redis addresses must be specified")

type Option func(s *CacheStore)

func WithAddr(addrs string) Option {
	return func(s *CacheStore) {
		s.addrs = strings.Split(addrs, ",")
	}
}

func WithUserCredential(credential string) Option {
	return func(s *CacheStore) {
		s.userCredential = credential
	}
}

func WithPassCredential(credential string) Option {
	return func(s *CacheStore) {
		s.passCredential = credential
	}
}

func WithDatabase(db int) Option {
	return func(s *CacheStore) {
		s.db = db
	}
}

// WithKeyPrefix namespaces the keys written by the store.
func WithKeyPrefix(prefix string) Option {
	return func(s *CacheStore) {
		s.prefix = prefix
	}
}

// WithClient uses an existing client instead of dialing addrs.
func WithClient(client redis.UniversalClient) Option {
	return func(s *CacheStore) {
		s.client = client
	}
}

// CacheStore keeps every cache entry in a Redis hash whose key TTL is the entry expiry.
type CacheStore struct {
	db             int
	addrs          []string
	userCredential string
	passCredential string
	prefix         string
	client         redis.UniversalClient
}

var _ storage.CacheStore = (*CacheStore)(nil)

// New creates a redis cache store.
func New(opts ...Option) (*CacheStore, error) {
	s := &CacheStore{
		prefix: defaultKeyPrefix,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client != nil {
		return s, nil
	}

	if len(s.addrs) == 0 {
		return nil, ErrAddrMissing
	}

	s.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.addrs,
		DB:       s.db,
		Username: s.userCredential,
		Password: s.passCredential,
	})

	return s, nil
}

func (s *CacheStore) key(fp keys.Fingerprint) string {
	return s.prefix + fp.String()
}

func (s *CacheStore) startTrace(ctx context.Context, op string, fp keys.Fingerprint) (context.Context, trace.Span) {
	return tracer.Start(ctx, "redis."+op, trace.WithAttributes(attribute.String("fingerprint", fp.String())))
}

// IsReady reports whether the server answers pings.
func (s *CacheStore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storage.ReadinessStatus{Message: err.Error()}, err
	}

	return storage.ReadinessStatus{IsReady: true}, nil
}

// Get see [storage.CacheStore].Get.
func (s *CacheStore) Get(ctx context.Context, fp keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, span := s.startTrace(ctx, "Get", fp)
	defer span.End()

	return s.read(ctx, fp)
}

func (s *CacheStore) read(ctx context.Context, fp keys.Fingerprint) (*storage.CacheEntry, error) {
	k := s.key(fp)

	var (
		fields *redis.MapStringStringCmd
		ttl    *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, k)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis read entry: %w", err)
	}

	return decodeEntry(fp, fields.Val(), ttl.Val(), time.Now())
}

func decodeEntry(fp keys.Fingerprint, fields map[string]string, ttl time.Duration, now time.Time) (*storage.CacheEntry, error) {
	// an empty hash is a missing key; a non-positive ttl is a key about to expire
	if len(fields) == 0 || ttl <= 0 {
		return nil, storage.ErrNotFound
	}

	entry := &storage.CacheEntry{
		Fingerprint: fp,
		InProgress:  fields[fieldInProgress] == "1",
		Failed:      fields[fieldFailed] == "1",
		Owner:       fields[fieldOwner],
		ExpiresAt:   now.Add(ttl),
	}
	if result, ok := fields[fieldResult]; ok {
		entry.Result = []byte(result)
	}

	return entry, nil
}

// GetCompleted see [storage.CacheStore].GetCompleted.
func (s *CacheStore) GetCompleted(ctx context.Context, fp keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, span := s.startTrace(ctx, "GetCompleted", fp)
	defer span.End()

	entry, err := s.read(ctx, fp)
	if err != nil {
		return nil, err
	}

	if entry.InProgress {
		return nil, storage.ErrNotFound
	}

	return entry, nil
}

// BeginInProgress see [storage.CacheStore].BeginInProgress. The claim runs in a WATCH
// transaction; a concurrent writer aborts it and is reported as a collision.
func (s *CacheStore) BeginInProgress(ctx context.Context, fp keys.Fingerprint, owner string, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "BeginInProgress", fp)
	defer span.End()

	k := s.key(fp)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		inProgress, err := tx.HGet(ctx, k, fieldInProgress).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if inProgress == "1" {
			return storage.ErrCollision
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			pipe.HSet(ctx, k, fieldInProgress, "1", fieldFailed, "0", fieldOwner, owner)
			pipe.PExpire(ctx, k, ttl)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrCollision), errors.Is(err, redis.TxFailedErr):
		return storage.ErrCollision
	default:
		return fmt.Errorf("redis begin in progress: %w", err)
	}
}

// Complete see [storage.CacheStore].Complete.
func (s *CacheStore) Complete(ctx context.Context, fp keys.Fingerprint, result []byte, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "Complete", fp)
	defer span.End()

	if result == nil {
		result = []byte{}
	}

	k := s.key(fp)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, fieldInProgress, "0", fieldFailed, "0", fieldResult, result)
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}

	return nil
}

// Fail see [storage.CacheStore].Fail.
func (s *CacheStore) Fail(ctx context.Context, fp keys.Fingerprint, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "Fail", fp)
	defer span.End()

	k := s.key(fp)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, k, fieldResult)
		pipe.HSet(ctx, k, fieldInProgress, "0", fieldFailed, "1")
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis fail: %w", err)
	}

	return nil
}

// Delete see [storage.CacheStore].Delete.
func (s *CacheStore) Delete(ctx context.Context, fp keys.Fingerprint) error {
	ctx, span := s.startTrace(ctx, "Delete", fp)
	defer span.End()

	if err := s.client.Del(ctx, s.key(fp)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	return nil
}

// RenewExpiry see [storage.CacheStore].RenewExpiry. PEXPIRE is a no-op on a missing key.
func (s *CacheStore) RenewExpiry(ctx context.Context, fp keys.Fingerprint, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "RenewExpiry", fp)
	defer span.End()

	if err := s.client.PExpire(ctx, s.key(fp), ttl).Err(); err != nil {
		return fmt.Errorf("redis renew expiry: %w", err)
	}

	return nil
}

// Close see [storage.CacheStore].Close.
func (s *CacheStore) Close() {
	_ = s.client.Close()
}
