package gormpersistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
)

// GormMemberRepository 是 MemberRepository 接口的 GORM (Postgres) 实现
type GormMemberRepository struct {
	db *gorm.DB
}

// NewGormMemberRepository 创建 GormMemberRepository 实例
func NewGormMemberRepository(db *gorm.DB) *GormMemberRepository {
	if db == nil {
		panic("database connection cannot be nil for GormMemberRepository")
	}
	return &GormMemberRepository{db: db}
}

// Upsert 实现成员关系的幂等写入。
// ON CONFLICT (room_id, user_id) 时只刷新 joined_at，保证同一对
// (房间, 用户) 至多一行，且重复加入不会清空已有偏好。
func (r *GormMemberRepository) Upsert(ctx context.Context, member *domain.RoomMember) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"joined_at"}),
	}).Create(member).Error
	if err != nil {
		return fmt.Errorf("gorm: upsert room member (room: %s, user: %s): %w", member.RoomID, member.UserID, err)
	}
	return nil
}

// UpsertPreferences 实现偏好写入，冲突时覆盖偏好并刷新 joined_at
// （同一成员 last-write-wins）。
func (r *GormMemberRepository) UpsertPreferences(ctx context.Context, member *domain.RoomMember) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"preferences", "joined_at"}),
	}).Create(member).Error
	if err != nil {
		return fmt.Errorf("gorm: upsert member preferences (room: %s, user: %s): %w", member.RoomID, member.UserID, err)
	}
	return nil
}

// ListByRoom 实现查询房间的全部成员
func (r *GormMemberRepository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]domain.RoomMember, error) {
	var members []domain.RoomMember
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at ASC").Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list members for room %s: %w", roomID, err)
	}
	return members, nil
}
