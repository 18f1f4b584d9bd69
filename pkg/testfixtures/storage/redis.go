package storage

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	redisImage = "redis:7"
)

type redisTestContainer struct {
	addr string
}

// NewRedisTestContainer returns an implementation of the DatastoreTestContainer interface
// for Redis.
func NewRedisTestContainer() *redisTestContainer {
	return &redisTestContainer{}
}

func (p *redisTestContainer) GetDatabaseSchemaVersion() int64 {
	return 0
}

// RunRedisTestContainer runs a Redis container and waits until it answers pings.
func (p *redisTestContainer) RunRedisTestContainer(t testing.TB) DatastoreTestContainer {
	p.addr = runContainer(t, containerSpec{
		name:  "redis",
		image: redisImage,
		port:  nat.Port("6379/tcp"),
	})

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{p.addr},
	})
	defer rdb.Close()

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(
		func() error {
			return rdb.Ping(context.Background()).Err()
		},
		backoffPolicy,
	)
	require.NoError(t, err, "failed to connect to redis container")

	return p
}

// GetConnectionURI returns the address of the running redis test container.
func (p *redisTestContainer) GetConnectionURI(includeCredentials bool) string {
	return p.addr
}

func (p *redisTestContainer) GetUsername() string {
	return ""
}

func (p *redisTestContainer) GetPassword() string {
	return ""
}
