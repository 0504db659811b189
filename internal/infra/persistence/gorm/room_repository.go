package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM (Postgres) 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// isUniqueViolation 判断是否为 Postgres 唯一约束错误 (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// FindByID 实现根据房间 ID 查找房间
func (r *GormRoomRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Room, error) {
	var roomData domain.Room
	err := r.db.WithContext(ctx).First(&roomData, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by id %s: %w", id, err)
	}
	return &roomData, nil
}

// FindByCode 实现根据邀请码查找房间（code 已由服务层归一化为大写）
func (r *GormRoomRepository) FindByCode(ctx context.Context, code string) (*domain.Room, error) {
	var roomData domain.Room
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&roomData).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room by code '%s': %w", code, err)
	}
	return &roomData, nil
}

// Create 实现插入新房间行
func (r *GormRoomRepository) Create(ctx context.Context, roomData *domain.Room) error {
	err := r.db.WithContext(ctx).Create(roomData).Error
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create room (code: %s): %w", roomData.Code, err)
	}
	return nil
}

// UpdateStatus 实现原子地设置状态并合并 patch 字段。
// 单条 UPDATE 保证一次变更写入的所有字段是一个一致的快照。
func (r *GormRoomRepository) UpdateStatus(ctx context.Context, roomID uuid.UUID, status domain.RoomStatus, patch *domain.RoomPatch) (*domain.Room, error) {
	updates := map[string]interface{}{
		"status": status,
	}
	if patch != nil {
		if patch.FinalRestaurantName != nil {
			updates["final_restaurant_name"] = *patch.FinalRestaurantName
		}
		if patch.DecisionReason != nil {
			updates["decision_reason"] = *patch.DecisionReason
		}
		if patch.CurrentCandidates != nil {
			updates["current_candidates"] = patch.CurrentCandidates
		}
	}

	result := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", roomID).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("gorm: update room status (id: %s, status: %s): %w", roomID, status, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, repository.ErrRoomNotFound
	}

	// 重新加载完整行返回给调用方/通知器
	return r.FindByID(ctx, roomID)
}

// UpdateCandidates 实现覆盖候选餐厅列表
func (r *GormRoomRepository) UpdateCandidates(ctx context.Context, roomID uuid.UUID, candidates domain.CandidateList) (*domain.Room, error) {
	result := r.db.WithContext(ctx).Model(&domain.Room{}).Where("id = ?", roomID).
		Update("current_candidates", candidates)
	if result.Error != nil {
		return nil, fmt.Errorf("gorm: update room candidates (id: %s): %w", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, repository.ErrRoomNotFound
	}
	return r.FindByID(ctx, roomID)
}

// IsCodeExists 实现检查邀请码是否存在
func (r *GormRoomRepository) IsCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	// 使用 Count() 优化查询，只查询数量
	err := r.db.WithContext(ctx).Model(&domain.Room{}).Where("code = ?", code).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: count rooms by code '%s': %w", code, err)
	}
	return count > 0, nil
}

// FindRollingBefore 实现查询卡在 rolling 状态的房间
func (r *GormRoomRepository) FindRollingBefore(ctx context.Context, cutoff time.Time) ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusRolling, cutoff).
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find rolling rooms before %v: %w", cutoff, err)
	}
	return rooms, nil
}

// DeleteIdleBefore 实现清理过期房间，成员关系一并删除
func (r *GormRoomRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var staleIDs []uuid.UUID
		if err := tx.Model(&domain.Room{}).Where("updated_at < ?", cutoff).Pluck("id", &staleIDs).Error; err != nil {
			return err
		}
		if len(staleIDs) == 0 {
			return nil
		}
		if err := tx.Where("room_id IN ?", staleIDs).Delete(&domain.RoomMember{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", staleIDs).Delete(&domain.Room{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("gorm: delete idle rooms before %v: %w", cutoff, err)
	}
	return deleted, nil
}
