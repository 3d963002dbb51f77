package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DeafMist/agendaflow/internal/models"
)

const keyPrefix = "agendaflow:lock:"

// DefaultTTL bounds how long a crashed writer can block rebuilds.
const DefaultTTL = 30 * time.Minute

// Redis is a lock shared by every process talking to the same Redis.
// The value is a per-instance owner id so a writer never releases a lock it
// lost to expiry.
type Redis struct {
	client  *redis.Client
	key     string
	ttl     time.Duration
	ownerID string
	log     *slog.Logger
}

func NewRedis(client *redis.Client, name string, ttl time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if name == "" {
		name = "rebuild"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Redis{
		client:  client,
		key:     keyPrefix + name,
		ttl:     ttl,
		ownerID: ownerID(),
		log:     log,
	}
}

// ownerID is hostname:pid:random.
func ownerID() string {
	hostname, _ := os.Hostname()
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(b))
}

func (l *Redis) OwnerID() string { return l.ownerID }

func (l *Redis) Acquire(ctx context.Context) (func(), error) {
	ok, err := l.client.SetNX(ctx, l.key, l.ownerID, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, models.ErrRebuildInProgress
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.release(ctx); err != nil {
			l.log.Warn("release rebuild lock", slog.Any("err", err))
		}
	}, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *Redis) release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.ownerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (l *Redis) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
