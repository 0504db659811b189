package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
)

// RoomCleanupHandler 删除长时间无活动的房间及其成员关系。
// 房间没有显式关闭操作，闲置超过 TTL 即视为废弃。
type RoomCleanupHandler struct {
	roomRepo repository.RoomRepository
	idleTTL  time.Duration
}

// NewRoomCleanupHandler 创建 Handler 实例。idleTTL <= 0 时取 24 小时。
func NewRoomCleanupHandler(roomRepo repository.RoomRepository, idleTTL time.Duration) *RoomCleanupHandler {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomCleanupHandler")
	}
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	return &RoomCleanupHandler{roomRepo: roomRepo, idleTTL: idleTTL}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := logrus.WithFields(logrus.Fields{
		"task_type": t.Type(),
		"idle_ttl":  h.idleTTL.String(),
	})

	cutoff := time.Now().Add(-h.idleTTL)
	deleted, err := h.roomRepo.DeleteIdleBefore(ctx, cutoff)
	if err != nil {
		logCtx.WithError(err).Error("Room cleanup task failed")
		return err
	}
	if deleted > 0 {
		logCtx.WithField("deleted", deleted).Info("Idle rooms cleaned up")
	} else {
		logCtx.Debug("No idle rooms to clean up")
	}
	return nil
}

// RollingSweepHandler 兜底「卡死的转盘」：发起端崩溃或断网时
// 客户端的回退路径不会执行，房间会永远停在 rolling。这里在服务端
// 把超时的 rolling 房间翻回 waiting 并重新广播，让所有端恢复。
type RollingSweepHandler struct {
	roomRepo   repository.RoomRepository
	notifier   repository.RoomNotifier
	stuckAfter time.Duration
}

// NewRollingSweepHandler 创建 Handler 实例。stuckAfter <= 0 时取 2 分钟。
func NewRollingSweepHandler(roomRepo repository.RoomRepository, notifier repository.RoomNotifier, stuckAfter time.Duration) *RollingSweepHandler {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RollingSweepHandler")
	}
	if notifier == nil {
		panic("RoomNotifier cannot be nil for RollingSweepHandler")
	}
	if stuckAfter <= 0 {
		stuckAfter = 2 * time.Minute
	}
	return &RollingSweepHandler{roomRepo: roomRepo, notifier: notifier, stuckAfter: stuckAfter}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RollingSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := logrus.WithFields(logrus.Fields{
		"task_type":   t.Type(),
		"stuck_after": h.stuckAfter.String(),
	})

	cutoff := time.Now().Add(-h.stuckAfter)
	stuck, err := h.roomRepo.FindRollingBefore(ctx, cutoff)
	if err != nil {
		logCtx.WithError(err).Error("Rolling sweep task failed to list stuck rooms")
		return err
	}
	if len(stuck) == 0 {
		logCtx.Debug("No stuck rolling rooms")
		return nil
	}

	for i := range stuck {
		roomLogCtx := logCtx.WithField("room_id", stuck[i].ID)
		reverted, err := h.roomRepo.UpdateStatus(ctx, stuck[i].ID, domain.StatusWaiting, nil)
		if err != nil {
			// 单个房间失败不终止整轮扫描，下个周期再试
			roomLogCtx.WithError(err).Error("Failed to revert stuck rolling room")
			continue
		}
		if err := h.notifier.Publish(ctx, reverted); err != nil {
			roomLogCtx.WithError(err).Warn("Failed to publish reverted room, clients will recover via polling")
		}
		roomLogCtx.Info("Stuck rolling room reverted to waiting")
	}
	return nil
}
