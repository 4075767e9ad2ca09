package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/pkg/models"
)

const relayChannelPrefix = "appfs-events/"

// RelayChannel returns the Redis channel carrying a file system's events.
func RelayChannel(fileSystemName string) string {
	return relayChannelPrefix + fileSystemName
}

type relayEnvelope struct {
	Origin    string                    `json:"origin"`
	Container models.NodeEventContainer `json:"container"`
}

// RedisRelay publishes containers to the local bus and to Redis, and feeds
// containers published by other processes into the local bus.
type RedisRelay struct {
	rdb    redis.UniversalClient
	bus    *Bus
	origin string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisRelay creates a relay for bus over rdb.
func NewRedisRelay(rdb redis.UniversalClient, bus *Bus) *RedisRelay {
	return &RedisRelay{
		rdb:    rdb,
		bus:    bus,
		origin: uuid.NewString(),
	}
}

// Bus returns the local bus.
func (r *RedisRelay) Bus() *Bus {
	return r.bus
}

// Publish delivers c locally then forwards it to Redis.
func (r *RedisRelay) Publish(c models.NodeEventContainer) {
	r.bus.Publish(c)

	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Container: c})
	if err != nil {
		logging.Error("encode relayed event", zap.Error(err))
		return
	}
	if err := r.rdb.Publish(context.Background(), RelayChannel(c.FileSystemName), payload).Err(); err != nil {
		logging.Warn("relay event to redis failed",
			zap.String("file_system", c.FileSystemName),
			zap.Error(err))
	}
}

// Start subscribes to every file system channel. It returns once the
// subscription is confirmed; delivery continues until Close.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return fmt.Errorf("relay already started")
	}

	pubsub := r.rdb.PSubscribe(ctx, relayChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to event relay: %w", err)
	}

	r.pubsub = pubsub
	r.done = make(chan struct{})
	go r.loop(pubsub.Channel(), r.done)
	return nil
}

func (r *RedisRelay) loop(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logging.Warn("discarding malformed relayed event",
				zap.String("channel", msg.Channel),
				zap.Error(err))
			continue
		}
		if env.Origin == r.origin {
			continue
		}
		if env.Container.FileSystemName == "" {
			env.Container.FileSystemName = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
		}
		r.bus.Publish(env.Container)
	}
}

// Close stops the subscription and waits for the delivery loop to exit.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
