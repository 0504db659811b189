package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
)

// Subscription 是一次房间订阅的句柄，调用方在收尾时必须调用 Unsubscribe，
// 否则监听会泄漏。Unsubscribe 可以安全地重复调用。
type Subscription interface {
	Unsubscribe()
}

// RoomNotifier 定义了房间行变更的推送通道。
//
// 投递语义是 at-least-once：连续的快速更新可能被合并，但每条通知都是
// 一个完整、一致的行快照，而不是增量。不同写入方竞争同一房间时，
// 通知之间没有全序保证——消费方必须把每条通知当作当前最新状态处理。
type RoomNotifier interface {
	// Publish 将房间的最新行快照广播给该房间的所有订阅者。
	Publish(ctx context.Context, room *domain.Room) error

	// Subscribe 注册一个监听器，房间行每次变化（创建/更新）时携带最新
	// 快照回调。回调在通知器自己的 goroutine 中执行，不应阻塞太久。
	Subscribe(roomID uuid.UUID, onChange func(room *domain.Room)) (Subscription, error)
}
