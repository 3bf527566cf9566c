package server

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/labsync/labsync/internal/core/collab"
	"github.com/labsync/labsync/internal/core/observability/log"
)

const bridgeChannelPrefix = "labsync:room:"

// Bridge fans room frames out across hub nodes over redis pub/sub, so
// clients of the same room connected to different instances still see each
// other's presence and change events. Frames are tagged with the publishing
// node's id and echoes are dropped on receipt.
type Bridge struct {
	rdb    *redis.Client
	hub    *Hub
	logger log.Log
	cancel context.CancelFunc
}

func NewBridge(rdb *redis.Client, hub *Hub, logger log.Log) *Bridge {
	return &Bridge{
		rdb:    rdb,
		hub:    hub,
		logger: logger.With(log.String("component", "bridge")),
	}
}

// Start subscribes to every room channel and relays remote frames to local
// members until the context is canceled.
func (b *Bridge) Start(ctx context.Context) error {
	if _, err := b.rdb.Ping(ctx).Result(); err != nil {
		return errors.Wrap(err, "redis ping")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	pubsub := b.rdb.PSubscribe(ctx, bridgeChannelPrefix+"*")

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handle(msg)
			case <-ctx.Done():
				return
			}
		}
	}()

	b.logger.Info("bridge started", log.String("node", b.hub.NodeID()))
	return nil
}

// Publish pushes a locally-originated frame to the room's channel.
func (b *Bridge) Publish(room string, env collab.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("marshal frame", log.Error(err))
		return
	}
	if err := b.rdb.Publish(context.Background(), bridgeChannelPrefix+room, data).Err(); err != nil {
		b.logger.Warn("publish frame", log.String("room", room), log.Error(err))
	}
}

func (b *Bridge) handle(msg *redis.Message) {
	var env collab.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("drop malformed bridge frame", log.Error(err))
		return
	}
	if env.Origin == b.hub.NodeID() || env.Room == "" {
		return
	}
	b.hub.deliverRemote(env.Room, env)
}

// Stop tears the subscription down.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}
