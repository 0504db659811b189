package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
)

// RoomRepository 定义了房间行的存储和检索操作。
type RoomRepository interface {
	// FindByID 根据房间 ID 查找房间。
	// 如果房间不存在，返回 ErrRoomNotFound。
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Room, error)

	// FindByCode 根据邀请码查找房间。调用方负责先把 code 归一化为大写。
	// 如果房间不存在，返回 ErrRoomNotFound。
	FindByCode(ctx context.Context, code string) (*domain.Room, error)

	// Create 插入一个新房间行。邀请码冲突时返回 ErrDuplicateEntry。
	Create(ctx context.Context, room *domain.Room) error

	// UpdateStatus 原子地设置状态并合并 patch 中的可选字段，
	// 返回更新后的完整行（一次通知对应一个一致的行快照）。
	// 房间不存在时返回 ErrRoomNotFound。
	UpdateStatus(ctx context.Context, roomID uuid.UUID, status domain.RoomStatus, patch *domain.RoomPatch) (*domain.Room, error)

	// UpdateCandidates 覆盖房间的候选餐厅列表并返回更新后的行。
	UpdateCandidates(ctx context.Context, roomID uuid.UUID, candidates domain.CandidateList) (*domain.Room, error)

	// IsCodeExists 检查邀请码是否已被占用（生成邀请码时的碰撞探测）。
	IsCodeExists(ctx context.Context, code string) (bool, error)

	// FindRollingBefore 查询在 cutoff 之前就进入 rolling 且至今未动的房间，
	// 供后台扫描任务把卡死的房间复位回 waiting。
	FindRollingBefore(ctx context.Context, cutoff time.Time) ([]domain.Room, error)

	// DeleteIdleBefore 删除 cutoff 之前就不再活跃的房间及其成员关系，
	// 返回删除的房间数。
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemberRepository 定义了房间成员关系的存储操作。
type MemberRepository interface {
	// Upsert 幂等写入成员关系：不存在则插入，已存在则只刷新 joined_at，
	// 不会覆盖该成员已有的偏好（重复加入 ≠ 清空偏好）。
	Upsert(ctx context.Context, member *domain.RoomMember) error

	// UpsertPreferences 写入成员偏好并刷新 joined_at；同一成员
	// last-write-wins。成员行不存在时一并创建。
	UpsertPreferences(ctx context.Context, member *domain.RoomMember) error

	// ListByRoom 返回房间的全部成员及偏好。
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]domain.RoomMember, error)
}
