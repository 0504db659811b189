// Package coordinator 实现单个参与者的房间状态机：建房/加入、发起
// 共同挑选、根据订阅到的行快照对齐本地状态，并在同一个延迟窗口内
// 揭晓结果。它跑在每个接入端上，房间行本身是唯一共享资源。
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
	"github.com/ShawnYin-hub/WhatToEat/internal/service"
)

// State 是参与者本地的状态机状态。
// 除 idle 外与房间行的 status 一一对应。
type State string

const (
	StateIdle     State = "idle"
	StateWaiting  State = "waiting"
	StateVoting   State = "voting"
	StateRolling  State = "rolling"
	StateFinished State = "finished"
)

// 观察到 finished 之后到揭晓结果的固定延迟，
// 留给本地转盘动画跑完，保证所有端在同一窗口内揭晓。
const defaultRevealDelay = 2100 * time.Millisecond

// RoomBackend 是协调器对房间服务的依赖面。
type RoomBackend interface {
	CreateRoom(ctx context.Context, callerID, hostID uuid.UUID) (*domain.Room, error)
	JoinRoom(ctx context.Context, userID uuid.UUID, code string) (*domain.Room, *domain.RoomMember, error)
	GetRoom(ctx context.Context, roomID uuid.UUID) (*domain.Room, error)
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]domain.RoomMember, error)
	UpdatePreferences(ctx context.Context, roomID, userID uuid.UUID, prefs domain.Preferences) (*domain.RoomMember, error)
	UpdateRoomStatus(ctx context.Context, callerID, roomID uuid.UUID, status domain.RoomStatus, patch *domain.RoomPatch) (*domain.Room, error)
	UpdateCandidates(ctx context.Context, callerID, roomID uuid.UUID, candidates domain.CandidateList) (*domain.Room, error)
	SubscribeRoom(roomID uuid.UUID, onChange func(room *domain.Room)) (repository.Subscription, error)
}

// Recommender 从候选里挑出最佳结果。
type Recommender interface {
	GetWeightedRecommendation(ctx context.Context, in service.RecommendationInput) (*service.Recommendation, error)
}

// Result 是最终揭晓给用户的挑选结果。
// Address 尽力而为：最终店名对不回候选列表时为空。
type Result struct {
	Name    string
	Address string
	Reason  string
}

// Options 是协调器的可选配置。
type Options struct {
	// RevealDelay 覆盖默认的揭晓延迟，测试用短值
	RevealDelay time.Duration
	// OnStateChange 在本地状态变化时回调（已持有内部锁之外调用）
	OnStateChange func(state State, room *domain.Room)
	// OnResult 在揭晓延迟结束后回调，整个房间生命周期内至多一次
	OnResult func(result Result)
	// Location/Mood 作为推荐上下文透传
	Location *domain.Location
	Mood     string
}

// Coordinator 驱动一个参与者的房间流程。方法不是并发安全的热点，
// 但状态由互斥锁保护，订阅回调可以和用户操作并发到达。
type Coordinator struct {
	backend     RoomBackend
	recommender Recommender
	userID      uuid.UUID
	revealDelay time.Duration
	onState     func(State, *domain.Room)
	onResult    func(Result)
	location    *domain.Location
	mood        string

	mu       sync.Mutex
	state    State
	room     *domain.Room
	sub      repository.Subscription
	picking  bool // 本端重复点击守卫
	revealed bool // 揭晓只发生一次
}

// New 创建一个协调器实例。backend、recommender 不可为 nil。
func New(backend RoomBackend, recommender Recommender, userID uuid.UUID, opts Options) *Coordinator {
	if backend == nil {
		panic("RoomBackend cannot be nil for Coordinator")
	}
	if recommender == nil {
		panic("Recommender cannot be nil for Coordinator")
	}
	delay := opts.RevealDelay
	if delay <= 0 {
		delay = defaultRevealDelay
	}
	return &Coordinator{
		backend:     backend,
		recommender: recommender,
		userID:      userID,
		revealDelay: delay,
		onState:     opts.OnStateChange,
		onResult:    opts.OnResult,
		location:    opts.Location,
		mood:        opts.Mood,
		state:       StateIdle,
	}
}

// State 返回当前本地状态。
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room 返回最近一次观察到的房间行快照。
func (c *Coordinator) Room() *domain.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// CreateRoom 以房主身份建房并订阅变更，成功后进入 waiting。
func (c *Coordinator) CreateRoom(ctx context.Context) (*domain.Room, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}
	c.mu.Unlock()

	room, err := c.backend.CreateRoom(ctx, c.userID, c.userID)
	if err != nil {
		return nil, err
	}
	if err := c.attach(room); err != nil {
		return nil, err
	}
	return room, nil
}

// JoinRoom 通过邀请码加入并订阅变更，成功后进入 waiting。
func (c *Coordinator) JoinRoom(ctx context.Context, code string) (*domain.Room, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}
	c.mu.Unlock()

	room, _, err := c.backend.JoinRoom(ctx, c.userID, code)
	if err != nil {
		return nil, err
	}
	if err := c.attach(room); err != nil {
		return nil, err
	}
	return room, nil
}

// attach 记录房间快照并建立订阅。
func (c *Coordinator) attach(room *domain.Room) error {
	sub, err := c.backend.SubscribeRoom(room.ID, c.handleChange)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	// 初始快照也走统一的对齐路径
	c.handleChange(room)
	return nil
}

// SetPreferences 更新本人偏好，终局之前随时可改。
func (c *Coordinator) SetPreferences(ctx context.Context, tags []string) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return ErrNotInRoom
	}
	_, err := c.backend.UpdatePreferences(ctx, room.ID, c.userID, domain.Preferences{Tags: tags})
	return err
}

// SetCandidates 覆盖房间的候选列表，通常由房主在附近搜索后调用。
func (c *Coordinator) SetCandidates(ctx context.Context, candidates domain.CandidateList) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return ErrNotInRoom
	}
	_, err := c.backend.UpdateCandidates(ctx, c.userID, room.ID, candidates)
	return err
}

// Pick 发起共同挑选：候选检查 → 翻到 rolling → 计算推荐 → 终局写入。
//
// 失败语义是这个子系统的核心：进入 rolling 之后的任何失败都必须把
// 房间翻回 waiting，绝不把所有人卡死在转盘上。非房主在终局写入被拒
// (ErrUnauthorized) 时同样回退并静默等待房主（或下一个成功写入者）
// 通过订阅带来结果。房间已在 rolling/finished 时重复触发是无害 no-op。
func (c *Coordinator) Pick(ctx context.Context) error {
	c.mu.Lock()
	if c.room == nil {
		c.mu.Unlock()
		return ErrNotInRoom
	}
	if c.picking || c.state == StateRolling || c.state == StateFinished {
		c.mu.Unlock()
		return nil // 重复触发守卫
	}
	c.picking = true
	roomID := c.room.ID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.picking = false
		c.mu.Unlock()
	}()

	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": c.userID})

	// 以服务端行为准做一次守卫检查，本地状态可能滞后
	room, err := c.backend.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Status.IsTerminalForPick() {
		c.handleChange(room)
		return nil
	}
	if len(room.CurrentCandidates) == 0 {
		logCtx.Warn("Pick aborted: no candidates in room")
		return service.ErrNoCandidates
	}

	// 第一个成功写 rolling 的参与者胜出，其余端通过订阅看到并 no-op
	if _, err := c.backend.UpdateRoomStatus(ctx, c.userID, roomID, domain.StatusRolling, nil); err != nil {
		logCtx.WithError(err).Error("Pick failed: could not enter rolling")
		return err
	}

	rec, err := c.recommend(ctx, room, logCtx)
	if err != nil {
		c.revertToWaiting(roomID, logCtx)
		return err
	}

	patch := &domain.RoomPatch{
		FinalRestaurantName: &rec.BestName,
		DecisionReason:      &rec.Reason,
	}
	if _, err := c.backend.UpdateRoomStatus(ctx, c.userID, roomID, domain.StatusFinished, patch); err != nil {
		c.revertToWaiting(roomID, logCtx)
		if errors.Is(err, service.ErrUnauthorized) {
			// 非房主无权终局：回退后留在订阅里等有权限的端完成
			logCtx.Info("Finalization requires host privilege, reverted to waiting")
			return nil
		}
		logCtx.WithError(err).Error("Pick failed: could not finalize result")
		return err
	}

	logCtx.WithField("best", rec.BestName).Info("Pick finalized")
	return nil
}

// recommend 收集全员偏好标签并计算推荐。上游故障已在推荐服务内
// 降级，这里只会看到 ErrNoCandidates 之类的硬错误。
func (c *Coordinator) recommend(ctx context.Context, room *domain.Room, logCtx *logrus.Entry) (*service.Recommendation, error) {
	var groupTags []string
	members, err := c.backend.ListMembers(ctx, room.ID)
	if err != nil {
		// 偏好只是加权上下文，拿不到就不带
		logCtx.WithError(err).Warn("Could not list members for group preferences, recommending without them")
	} else {
		groupTags = domain.MergeMemberTags(members)
	}

	return c.recommender.GetWeightedRecommendation(ctx, service.RecommendationInput{
		Candidates: room.CurrentCandidates,
		GroupTags:  groupTags,
		Location:   c.location,
		Mood:       c.mood,
	})
}

// revertToWaiting 是挑选序列的恢复路径。用独立的 context，
// 发起方的取消不能阻止把房间从 rolling 里捞出来。
func (c *Coordinator) revertToWaiting(roomID uuid.UUID, logCtx *logrus.Entry) {
	revertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.backend.UpdateRoomStatus(revertCtx, c.userID, roomID, domain.StatusWaiting, nil); err != nil {
		logCtx.WithError(err).Error("Failed to revert room to waiting, background sweep will recover it")
	}
}

// handleChange 把订阅到的行快照对齐到本地状态。每个快照都是一个
// 一致的最新行，不是增量。行里的 UpdatedAt 随每次写入递增，比已观察
// 行更旧的快照直接忽略——建房/加入的初始快照回放和 pub/sub 乱序投递
// 都可能送来旧行。
func (c *Coordinator) handleChange(room *domain.Room) {
	if room == nil {
		return
	}

	c.mu.Lock()
	if c.room != nil && room.UpdatedAt.Before(c.room.UpdatedAt) {
		c.mu.Unlock()
		return
	}
	c.room = room
	newState := stateForStatus(room.Status)
	changed := newState != c.state
	c.state = newState
	shouldReveal := newState == StateFinished && !c.revealed
	if shouldReveal {
		c.revealed = true
	}
	onState := c.onState
	onResult := c.onResult
	delay := c.revealDelay
	c.mu.Unlock()

	if changed && onState != nil {
		onState(newState, room)
	}

	if shouldReveal {
		result := Result{Name: room.FinalRestaurantName, Reason: room.DecisionReason}
		if match := room.CurrentCandidates.FindByName(room.FinalRestaurantName); match != nil {
			result.Address = match.Address
		}
		// 固定延迟后揭晓，让转盘动画跑完，所有端的揭晓窗口一致
		if onResult != nil {
			time.AfterFunc(delay, func() { onResult(result) })
		}
	}
}

// Close 退订并重置为 idle。可以安全地重复调用。
func (c *Coordinator) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.state = StateIdle
	c.room = nil
	c.revealed = false
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func stateForStatus(status domain.RoomStatus) State {
	switch status {
	case domain.StatusVoting:
		return StateVoting
	case domain.StatusRolling:
		return StateRolling
	case domain.StatusFinished:
		return StateFinished
	default:
		return StateWaiting
	}
}
