package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
)

// RoomNotifier 是 repository.RoomNotifier 的 Mock 实现。
type RoomNotifier struct {
	mock.Mock
}

func (m *RoomNotifier) Publish(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *RoomNotifier) Subscribe(roomID uuid.UUID, onChange func(room *domain.Room)) (repository.Subscription, error) {
	args := m.Called(roomID, onChange)
	var sub repository.Subscription
	if args.Get(0) != nil {
		sub = args.Get(0).(repository.Subscription)
	}
	return sub, args.Error(1)
}

// Subscription 是 repository.Subscription 的 Mock 实现。
type Subscription struct {
	mock.Mock
}

func (m *Subscription) Unsubscribe() {
	m.Called()
}
