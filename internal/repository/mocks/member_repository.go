package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
)

// MemberRepository 是 repository.MemberRepository 的 Mock 实现。
type MemberRepository struct {
	mock.Mock
}

func (m *MemberRepository) Upsert(ctx context.Context, member *domain.RoomMember) error {
	args := m.Called(ctx, member)
	return args.Error(0)
}

func (m *MemberRepository) UpsertPreferences(ctx context.Context, member *domain.RoomMember) error {
	args := m.Called(ctx, member)
	return args.Error(0)
}

func (m *MemberRepository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]domain.RoomMember, error) {
	args := m.Called(ctx, roomID)
	var members []domain.RoomMember
	if args.Get(0) != nil {
		members = args.Get(0).([]domain.RoomMember)
	}
	return members, args.Error(1)
}
