package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
)

// RedisRoomNotifier 是 RoomNotifier 接口的 Redis Pub/Sub 实现。
// 每个房间一条频道，消息体是房间行的完整 JSON 快照。
type RedisRoomNotifier struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRoomNotifier 创建 RedisRoomNotifier 实例
func NewRedisRoomNotifier(client *redis.Client, keyPrefix string) *RedisRoomNotifier {
	if client == nil {
		panic("redis client cannot be nil for RedisRoomNotifier")
	}
	if keyPrefix == "" {
		keyPrefix = "wte:" // 默认前缀 "wte:" (what-to-eat)
	}
	return &RedisRoomNotifier{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (n *RedisRoomNotifier) roomChannel(roomID uuid.UUID) string {
	return fmt.Sprintf("%sroom:%s:changes", n.keyPrefix, roomID)
}

// Publish 将房间的最新行快照发布到该房间的频道。
func (n *RedisRoomNotifier) Publish(ctx context.Context, room *domain.Room) error {
	if room == nil {
		return fmt.Errorf("redis: cannot publish nil room")
	}
	channel := n.roomChannel(room.ID)
	payloadBytes, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal room %s for publish: %w", room.ID, err)
	}
	err = n.client.Publish(ctx, channel, string(payloadBytes)).Err()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"channel":      channel,
			"payload_size": len(payloadBytes),
			"room_id":      room.ID,
			"room_status":  room.Status,
		}).WithError(err).Error("Redis Publish failed")
		return fmt.Errorf("redis: failed to publish room change to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe 订阅房间频道，每收到一条消息就携带反序列化后的行快照回调。
// 返回的 Subscription 必须在收尾时 Unsubscribe，否则 goroutine 泄漏。
func (n *RedisRoomNotifier) Subscribe(roomID uuid.UUID, onChange func(room *domain.Room)) (repository.Subscription, error) {
	if onChange == nil {
		return nil, fmt.Errorf("redis: onChange callback cannot be nil")
	}
	channel := n.roomChannel(roomID)
	// 订阅生命周期独立于任何请求，使用后台 context
	pubsub := n.client.Subscribe(context.Background(), channel)

	// 确认订阅已建立，避免竞态丢掉紧跟其后的第一条通知
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: failed to subscribe to channel %s: %w", channel, err)
	}

	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "channel": channel})
	go func() {
		for msg := range pubsub.Channel() {
			var room domain.Room
			if err := json.Unmarshal([]byte(msg.Payload), &room); err != nil {
				logCtx.WithError(err).Warn("Failed to unmarshal room change payload, dropping message")
				continue
			}
			invokeChangeCallback(logCtx, onChange, &room)
		}
		logCtx.Debug("Room subscription channel closed")
	}()

	return &redisSubscription{pubsub: pubsub}, nil
}

// invokeChangeCallback 在回调 panic 时兜底，避免一个订阅者拖垮整个分发循环
func invokeChangeCallback(logCtx *logrus.Entry, onChange func(room *domain.Room), room *domain.Room) {
	defer func() {
		if r := recover(); r != nil {
			logCtx.Errorf("Room change callback panicked: %v", r)
		}
	}()
	onChange(room)
}

// redisSubscription 是一次订阅的句柄，Unsubscribe 幂等。
type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close room subscription")
		}
	})
}
