package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
)

// 邀请码字母表：去掉了 0/O、1/I/L 等易混淆字符
const (
	roomCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	roomCodeLength   = 6
	maxCodeAttempts  = 10
)

// RoomService 负责房间协调协议的业务逻辑：建房、加入、偏好、状态流转
// 和变更订阅。它是跨参与者协调的唯一入口。
type RoomService struct {
	roomRepo   repository.RoomRepository
	memberRepo repository.MemberRepository
	notifier   repository.RoomNotifier
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(roomRepo repository.RoomRepository, memberRepo repository.MemberRepository, notifier repository.RoomNotifier) *RoomService {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	if memberRepo == nil {
		panic("MemberRepository cannot be nil for RoomService")
	}
	if notifier == nil {
		panic("RoomNotifier cannot be nil for RoomService")
	}
	return &RoomService{
		roomRepo:   roomRepo,
		memberRepo: memberRepo,
		notifier:   notifier,
	}
}

// CreateRoom 创建一个新房间并返回带邀请码的完整行。
// callerID 是已认证的当前用户；hostID 必须与之一致（沿用客户端传
// hostId 的接口形状，但身份以服务端认证为准）。
func (s *RoomService) CreateRoom(ctx context.Context, callerID, hostID uuid.UUID) (*domain.Room, error) {
	logCtx := logrus.WithField("host_id", hostID)

	if callerID == uuid.Nil {
		logCtx.Warn("CreateRoom rejected: caller not authenticated")
		return nil, ErrUnauthenticated
	}
	if hostID != callerID {
		logCtx.WithField("caller_id", callerID).Warn("CreateRoom rejected: hostId does not match caller")
		return nil, ErrUnauthenticated
	}

	// 生成唯一邀请码并插入，碰撞时在重试上限内换码重试
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := generateRoomCode()
		if err != nil {
			logCtx.WithError(err).Error("Failed to generate room code")
			return nil, ErrInternalServer
		}

		exists, err := s.roomRepo.IsCodeExists(ctx, code)
		if err != nil {
			logCtx.WithError(err).Error("Database error checking room code uniqueness")
			return nil, ErrInternalServer
		}
		if exists {
			logCtx.WithField("code", code).Warnf("Generated room code already exists, retrying (attempt %d)...", attempt+1)
			continue
		}

		room := &domain.Room{
			Code:   code,
			HostID: hostID,
			Status: domain.StatusWaiting,
		}
		err = s.roomRepo.Create(ctx, room)
		if err != nil {
			// 并发建房时可能在存在性检查之后才撞码，换码再试
			if errors.Is(err, repository.ErrDuplicateEntry) {
				logCtx.WithField("code", code).Warn("Room code collided on insert, retrying...")
				continue
			}
			logCtx.WithError(err).Error("Failed to create room")
			return nil, ErrInternalServer
		}

		s.publish(ctx, room)
		logCtx.WithFields(logrus.Fields{"room_id": room.ID, "code": room.Code}).Info("Room created successfully")
		return room, nil
	}

	logCtx.Errorf("Failed to generate a unique room code after %d attempts", maxCodeAttempts)
	return nil, ErrCodeExhausted
}

// JoinRoom 处理用户通过邀请码加入房间：大小写不敏感查找 + 幂等的
// 成员 upsert（重复加入只刷新 joined_at）。
func (s *RoomService) JoinRoom(ctx context.Context, userID uuid.UUID, code string) (*domain.Room, *domain.RoomMember, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "code": normalized})

	if userID == uuid.Nil {
		logCtx.Warn("JoinRoom rejected: caller not authenticated")
		return nil, nil, ErrUnauthenticated
	}
	if normalized == "" {
		return nil, nil, ErrRoomNotFound
	}

	room, err := s.roomRepo.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.Warn("JoinRoom: room not found by code")
			return nil, nil, ErrRoomNotFound
		}
		logCtx.WithError(err).Error("JoinRoom: repository error")
		return nil, nil, ErrInternalServer
	}

	member := &domain.RoomMember{
		RoomID:   room.ID,
		UserID:   userID,
		JoinedAt: time.Now().UTC(),
	}
	if err := s.memberRepo.Upsert(ctx, member); err != nil {
		logCtx.WithError(err).Error("JoinRoom: failed to upsert membership")
		return nil, nil, ErrInternalServer
	}

	logCtx.WithField("room_id", room.ID).Info("User joined room successfully")
	return room, member, nil
}

// UpdatePreferences 写入成员的偏好标签，终局之前随时可改，
// 同一成员 last-write-wins。
func (s *RoomService) UpdatePreferences(ctx context.Context, roomID, userID uuid.UUID, prefs domain.Preferences) (*domain.RoomMember, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Status == domain.StatusFinished {
		logCtx.Warn("UpdatePreferences rejected: room already finished")
		return nil, ErrRoomFinished
	}

	member := &domain.RoomMember{
		RoomID:      roomID,
		UserID:      userID,
		Preferences: prefs,
		JoinedAt:    time.Now().UTC(),
	}
	if err := s.memberRepo.UpsertPreferences(ctx, member); err != nil {
		logCtx.WithError(err).Error("Failed to upsert member preferences")
		return nil, ErrInternalServer
	}
	logCtx.Debug("Member preferences updated")
	return member, nil
}

// ListMembers 返回房间的全部成员及偏好。客户端按需轮询这个接口，
// 成员变动不走推送通道。
func (s *RoomService) ListMembers(ctx context.Context, roomID uuid.UUID) ([]domain.RoomMember, error) {
	members, err := s.memberRepo.ListByRoom(ctx, roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to list room members")
		return nil, ErrInternalServer
	}
	return members, nil
}

// GetRoom 根据 ID 返回房间行。
func (s *RoomService) GetRoom(ctx context.Context, roomID uuid.UUID) (*domain.Room, error) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		logrus.WithField("room_id", roomID).WithError(err).Error("GetRoom: repository error")
		return nil, ErrInternalServer
	}
	if room == nil { // 防御
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// UpdateRoomStatus 设置房间状态并合并可选的结果字段，然后把最新行
// 广播给所有订阅者。
//
// 鉴权规则：patch 携带最终结果（终局写入）时只有房主可以执行，
// 其他调用者得到 ErrUnauthorized；不带结果的纯状态翻转（进入
// rolling、失败回退 waiting）任何参与者都可以做。
func (s *RoomService) UpdateRoomStatus(ctx context.Context, callerID, roomID uuid.UUID, status domain.RoomStatus, patch *domain.RoomPatch) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "caller_id": callerID, "status": status})

	if !status.IsValid() {
		return nil, ErrInvalidStatus
	}

	if patch.HasFinalResult() {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !room.IsHost(callerID) {
			logCtx.Warn("Finalization rejected: caller is not the room host")
			return nil, ErrUnauthorized
		}
	}

	updated, err := s.roomRepo.UpdateStatus(ctx, roomID, status, patch)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		logCtx.WithError(err).Error("Failed to update room status")
		return nil, ErrInternalServer
	}

	s.publish(ctx, updated)
	logCtx.Info("Room status updated")
	return updated, nil
}

// UpdateCandidates 覆盖房间的候选餐厅列表并广播最新行。
// 通常由房主在附近搜索完成后调用一次。
func (s *RoomService) UpdateCandidates(ctx context.Context, callerID, roomID uuid.UUID, candidates domain.CandidateList) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "caller_id": callerID, "count": len(candidates)})

	if callerID == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	updated, err := s.roomRepo.UpdateCandidates(ctx, roomID, candidates)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		logCtx.WithError(err).Error("Failed to update room candidates")
		return nil, ErrInternalServer
	}

	s.publish(ctx, updated)
	logCtx.Info("Room candidates updated")
	return updated, nil
}

// SubscribeRoom 订阅房间行变更。调用方负责在收尾时 Unsubscribe。
func (s *RoomService) SubscribeRoom(roomID uuid.UUID, onChange func(room *domain.Room)) (repository.Subscription, error) {
	sub, err := s.notifier.Subscribe(roomID, onChange)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Error("Failed to subscribe to room changes")
		return nil, ErrInternalServer
	}
	return sub, nil
}

// publish 在成功写入后广播最新行。通知失败不回滚已落库的写入，
// 只记日志（掉线的订阅者由轮询和后台扫描兜底）。
func (s *RoomService) publish(ctx context.Context, room *domain.Room) {
	if err := s.notifier.Publish(ctx, room); err != nil {
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "status": room.Status}).
			WithError(err).Warn("Failed to publish room change notification")
	}
}

// generateRoomCode 用 crypto/rand 生成一个 6 位邀请码。
func generateRoomCode() (string, error) {
	b := make([]byte, roomCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	for i := range b {
		b[i] = roomCodeAlphabet[int(b[i])%len(roomCodeAlphabet)]
	}
	return string(b), nil
}
