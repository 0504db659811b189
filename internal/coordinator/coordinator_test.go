package coordinator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShawnYin-hub/WhatToEat/internal/coordinator"
	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
	"github.com/ShawnYin-hub/WhatToEat/internal/service"
)

// fakeBackend 是内存版的房间后端，语义对齐真实服务：
// 邀请码大小写不敏感、终局写入仅限房主、每次变更给所有订阅者
// 推送一份完整行快照。
type fakeBackend struct {
	mu           sync.Mutex
	rooms        map[uuid.UUID]*domain.Room
	byCode       map[string]uuid.UUID
	members      map[uuid.UUID]map[uuid.UUID]*domain.RoomMember
	subs         map[uuid.UUID]map[int]func(room *domain.Room)
	nextSubID    int
	nextCode     string
	statusWrites int
	failRolling  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rooms:    make(map[uuid.UUID]*domain.Room),
		byCode:   make(map[string]uuid.UUID),
		members:  make(map[uuid.UUID]map[uuid.UUID]*domain.RoomMember),
		subs:     make(map[uuid.UUID]map[int]func(room *domain.Room)),
		nextCode: "AB3DQK",
	}
}

func (f *fakeBackend) CreateRoom(ctx context.Context, callerID, hostID uuid.UUID) (*domain.Room, error) {
	f.mu.Lock()
	room := &domain.Room{
		ID:     uuid.New(),
		Code:   f.nextCode,
		HostID: hostID,
		Status: domain.StatusWaiting,
	}
	f.rooms[room.ID] = room
	f.byCode[room.Code] = room.ID
	f.members[room.ID] = make(map[uuid.UUID]*domain.RoomMember)
	snapshot := *room
	f.mu.Unlock()
	f.notify(&snapshot)
	return &snapshot, nil
}

func (f *fakeBackend) JoinRoom(ctx context.Context, userID uuid.UUID, code string) (*domain.Room, *domain.RoomMember, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.byCode[normalized]
	if !ok {
		return nil, nil, service.ErrRoomNotFound
	}
	member := &domain.RoomMember{RoomID: roomID, UserID: userID, JoinedAt: time.Now()}
	f.members[roomID][userID] = member
	snapshot := *f.rooms[roomID]
	return &snapshot, member, nil
}

func (f *fakeBackend) GetRoom(ctx context.Context, roomID uuid.UUID) (*domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil, service.ErrRoomNotFound
	}
	snapshot := *room
	return &snapshot, nil
}

func (f *fakeBackend) ListMembers(ctx context.Context, roomID uuid.UUID) ([]domain.RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RoomMember
	for _, m := range f.members[roomID] {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeBackend) UpdatePreferences(ctx context.Context, roomID, userID uuid.UUID, prefs domain.Preferences) (*domain.RoomMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	member := &domain.RoomMember{RoomID: roomID, UserID: userID, Preferences: prefs, JoinedAt: time.Now()}
	f.members[roomID][userID] = member
	return member, nil
}

func (f *fakeBackend) UpdateRoomStatus(ctx context.Context, callerID, roomID uuid.UUID, status domain.RoomStatus, patch *domain.RoomPatch) (*domain.Room, error) {
	f.mu.Lock()
	room, ok := f.rooms[roomID]
	if !ok {
		f.mu.Unlock()
		return nil, service.ErrRoomNotFound
	}
	if f.failRolling && status == domain.StatusRolling {
		f.mu.Unlock()
		return nil, service.ErrInternalServer
	}
	if patch.HasFinalResult() && !room.IsHost(callerID) {
		f.mu.Unlock()
		return nil, service.ErrUnauthorized
	}
	room.Status = status
	if patch != nil {
		if patch.FinalRestaurantName != nil {
			room.FinalRestaurantName = *patch.FinalRestaurantName
		}
		if patch.DecisionReason != nil {
			room.DecisionReason = *patch.DecisionReason
		}
		if patch.CurrentCandidates != nil {
			room.CurrentCandidates = patch.CurrentCandidates
		}
	}
	f.statusWrites++
	snapshot := *room
	f.mu.Unlock()
	f.notify(&snapshot)
	return &snapshot, nil
}

func (f *fakeBackend) UpdateCandidates(ctx context.Context, callerID, roomID uuid.UUID, candidates domain.CandidateList) (*domain.Room, error) {
	f.mu.Lock()
	room, ok := f.rooms[roomID]
	if !ok {
		f.mu.Unlock()
		return nil, service.ErrRoomNotFound
	}
	room.CurrentCandidates = candidates
	snapshot := *room
	f.mu.Unlock()
	f.notify(&snapshot)
	return &snapshot, nil
}

func (f *fakeBackend) SubscribeRoom(roomID uuid.UUID, onChange func(room *domain.Room)) (repository.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[roomID] == nil {
		f.subs[roomID] = make(map[int]func(room *domain.Room))
	}
	id := f.nextSubID
	f.nextSubID++
	f.subs[roomID][id] = onChange
	return &fakeSubscription{cancel: func() {
		f.mu.Lock()
		delete(f.subs[roomID], id)
		f.mu.Unlock()
	}}, nil
}

// notify 在锁外同步投递，每个订阅者各拿一份快照副本
func (f *fakeBackend) notify(room *domain.Room) {
	f.mu.Lock()
	var callbacks []func(room *domain.Room)
	for _, cb := range f.subs[room.ID] {
		callbacks = append(callbacks, cb)
	}
	f.mu.Unlock()
	for _, cb := range callbacks {
		snapshot := *room
		cb(&snapshot)
	}
}

func (f *fakeBackend) status(roomID uuid.UUID) domain.RoomStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID].Status
}

type fakeSubscription struct {
	once   sync.Once
	cancel func()
}

func (s *fakeSubscription) Unsubscribe() { s.once.Do(s.cancel) }

// fakeRecommender 总是选第一个候选，或返回注入的错误。
type fakeRecommender struct {
	err error
}

func (r *fakeRecommender) GetWeightedRecommendation(ctx context.Context, in service.RecommendationInput) (*service.Recommendation, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(in.Candidates) == 0 {
		return nil, service.ErrNoCandidates
	}
	best := in.Candidates[0]
	return &service.Recommendation{BestID: best.ID, BestName: best.Name, Reason: "离得近，评分也不错"}, nil
}

// stateRecorder 记录一个参与者观察到的状态序列。
type stateRecorder struct {
	mu     sync.Mutex
	states []coordinator.State
}

func (r *stateRecorder) record(state coordinator.State, _ *domain.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) seen() []coordinator.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]coordinator.State, len(r.states))
	copy(out, r.states)
	return out
}

func containsSequence(states []coordinator.State, want ...coordinator.State) bool {
	i := 0
	for _, s := range states {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func testOptions(rec *stateRecorder, results chan coordinator.Result) coordinator.Options {
	return coordinator.Options{
		RevealDelay:   5 * time.Millisecond,
		OnStateChange: rec.record,
		OnResult:      func(res coordinator.Result) { results <- res },
	}
}

// 端到端：房主建房，成员用小写带空白的邀请码加入，成员发起挑选
// （无权终局，回退），房主完成终局，双方都看到 rolling→finished
// 并在各自的延迟窗口后揭晓同一个结果。
func TestCoordinator_EndToEnd(t *testing.T) {
	backend := newFakeBackend()
	rec := &fakeRecommender{}
	ctx := context.Background()

	hostStates, memberStates := &stateRecorder{}, &stateRecorder{}
	hostResults := make(chan coordinator.Result, 1)
	memberResults := make(chan coordinator.Result, 1)

	host := coordinator.New(backend, rec, uuid.New(), testOptions(hostStates, hostResults))
	member := coordinator.New(backend, rec, uuid.New(), testOptions(memberStates, memberResults))
	defer host.Close()
	defer member.Close()

	room, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AB3DQK", room.Code)
	require.NoError(t, host.SetCandidates(ctx, domain.CandidateList{
		{ID: "1", Name: "Joe's Diner", Address: "1 Main St"},
		{ID: "2", Name: "Tea House", Address: "2 Main St"},
	}))

	_, err = member.JoinRoom(ctx, "  ab3dqk ")
	require.NoError(t, err, "邀请码应当大小写不敏感")

	// 成员先触发：无权写终局，房间回退到 waiting，调用本身不报错
	require.NoError(t, member.Pick(ctx))
	assert.Equal(t, domain.StatusWaiting, backend.status(room.ID), "非房主终局失败后房间必须回到 waiting")

	// 房主完成流程
	require.NoError(t, host.Pick(ctx))
	assert.Equal(t, domain.StatusFinished, backend.status(room.ID))

	// 双方都经历了 rolling → finished（成员的那次 rolling 也被双方观察到）
	assert.True(t, containsSequence(hostStates.seen(), coordinator.StateRolling, coordinator.StateFinished),
		"host states: %v", hostStates.seen())
	assert.True(t, containsSequence(memberStates.seen(), coordinator.StateRolling, coordinator.StateFinished),
		"member states: %v", memberStates.seen())

	wantNames := map[string]bool{"Joe's Diner": true, "Tea House": true}
	for name, ch := range map[string]chan coordinator.Result{"host": hostResults, "member": memberResults} {
		select {
		case res := <-ch:
			assert.True(t, wantNames[res.Name], "%s got unexpected result %q", name, res.Name)
			assert.NotEmpty(t, res.Reason, "%s should see a decision reason", name)
			assert.NotEmpty(t, res.Address, "%s should see the address resolved from candidates", name)
		case <-time.After(time.Second):
			t.Fatalf("%s never revealed a result", name)
		}
	}
}

// 挑选序列中任何一步失败都不能把房间留在 rolling。
func TestCoordinator_NoStuckRolling(t *testing.T) {
	t.Run("recommender hard failure reverts to waiting", func(t *testing.T) {
		backend := newFakeBackend()
		rec := &fakeRecommender{err: errors.New("recommender exploded")}
		host := coordinator.New(backend, rec, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
		defer host.Close()

		room, err := host.CreateRoom(context.Background())
		require.NoError(t, err)
		require.NoError(t, host.SetCandidates(context.Background(), domain.CandidateList{{ID: "1", Name: "Joe's Diner"}}))

		err = host.Pick(context.Background())
		require.Error(t, err)
		assert.Equal(t, domain.StatusWaiting, backend.status(room.ID))
	})

	t.Run("rolling write failure leaves waiting", func(t *testing.T) {
		backend := newFakeBackend()
		host := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
		defer host.Close()

		room, err := host.CreateRoom(context.Background())
		require.NoError(t, err)
		require.NoError(t, host.SetCandidates(context.Background(), domain.CandidateList{{ID: "1", Name: "Joe's Diner"}}))

		backend.mu.Lock()
		backend.failRolling = true
		backend.mu.Unlock()

		err = host.Pick(context.Background())
		require.Error(t, err)
		assert.Equal(t, domain.StatusWaiting, backend.status(room.ID))
	})

	t.Run("non-host finalization rejection reverts to waiting", func(t *testing.T) {
		backend := newFakeBackend()
		ctx := context.Background()
		host := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
		member := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
		defer host.Close()
		defer member.Close()

		room, err := host.CreateRoom(ctx)
		require.NoError(t, err)
		require.NoError(t, host.SetCandidates(ctx, domain.CandidateList{{ID: "1", Name: "Joe's Diner"}}))
		_, err = member.JoinRoom(ctx, room.Code)
		require.NoError(t, err)

		require.NoError(t, member.Pick(ctx))
		assert.Equal(t, domain.StatusWaiting, backend.status(room.ID))
	})
}

// 空候选守卫：报 ErrNoCandidates 且房间自始至终停在 waiting。
func TestCoordinator_EmptyCandidateGuard(t *testing.T) {
	backend := newFakeBackend()
	host := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
	defer host.Close()

	room, err := host.CreateRoom(context.Background())
	require.NoError(t, err)

	err = host.Pick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrNoCandidates))
	assert.Equal(t, domain.StatusWaiting, backend.status(room.ID))

	backend.mu.Lock()
	writes := backend.statusWrites
	backend.mu.Unlock()
	assert.Zero(t, writes, "没有候选时不应发生任何状态写入")
}

// 房间已在 rolling/finished 时重复触发是无害 no-op。
func TestCoordinator_DuplicateTriggerNoOp(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()
	host := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
	defer host.Close()

	room, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, host.SetCandidates(ctx, domain.CandidateList{{ID: "1", Name: "Joe's Diner"}}))
	require.NoError(t, host.Pick(ctx))
	require.Equal(t, domain.StatusFinished, backend.status(room.ID))

	backend.mu.Lock()
	writesBefore := backend.statusWrites
	backend.mu.Unlock()

	require.NoError(t, host.Pick(ctx), "重复触发应当静默 no-op")

	backend.mu.Lock()
	writesAfter := backend.statusWrites
	backend.mu.Unlock()
	assert.Equal(t, writesBefore, writesAfter, "no-op 不应产生新的状态写入")
}

// 多次收到 finished 快照也只揭晓一次。
func TestCoordinator_RevealsExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()
	results := make(chan coordinator.Result, 4)
	host := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{
		RevealDelay: time.Millisecond,
		OnResult:    func(res coordinator.Result) { results <- res },
	})
	defer host.Close()

	room, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, host.SetCandidates(ctx, domain.CandidateList{{ID: "1", Name: "Joe's Diner"}}))
	require.NoError(t, host.Pick(ctx))

	// 通知通道是 at-least-once 的：重复投递同一个 finished 快照
	backend.mu.Lock()
	snapshot := *backend.rooms[room.ID]
	backend.mu.Unlock()
	backend.notify(&snapshot)

	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatal("result was never revealed")
	}
	select {
	case res := <-results:
		t.Fatalf("result revealed twice: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

// racingBackend 在订阅建立后、初始快照回放之前，先送达一份更新的
// 行快照，模拟订阅窗口里已经发生的真实变更。
type racingBackend struct {
	*fakeBackend
}

func (b *racingBackend) SubscribeRoom(roomID uuid.UUID, onChange func(room *domain.Room)) (repository.Subscription, error) {
	sub, err := b.fakeBackend.SubscribeRoom(roomID, onChange)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	snapshot := *b.rooms[roomID]
	b.mu.Unlock()
	snapshot.Status = domain.StatusRolling
	snapshot.UpdatedAt = snapshot.UpdatedAt.Add(time.Second)
	onChange(&snapshot)
	return sub, nil
}

// 加入房间时，订阅窗口内到达的较新快照不能被随后回放的初始快照覆盖。
func TestCoordinator_StaleInitialSnapshotDoesNotOverwrite(t *testing.T) {
	backend := newFakeBackend()
	ctx := context.Background()
	host := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
	defer host.Close()

	room, err := host.CreateRoom(ctx)
	require.NoError(t, err)

	member := coordinator.New(&racingBackend{backend}, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
	defer member.Close()

	_, err = member.JoinRoom(ctx, room.Code)
	require.NoError(t, err)

	assert.Equal(t, coordinator.StateRolling, member.State(),
		"较旧的加入快照不应把本地状态拉回 waiting")
}

// 再次建房前必须 Close 掉上一个房间。
func TestCoordinator_AlreadyInRoom(t *testing.T) {
	backend := newFakeBackend()
	host := coordinator.New(backend, &fakeRecommender{}, uuid.New(), coordinator.Options{RevealDelay: time.Millisecond})
	defer host.Close()

	_, err := host.CreateRoom(context.Background())
	require.NoError(t, err)

	_, err = host.CreateRoom(context.Background())
	assert.True(t, errors.Is(err, coordinator.ErrAlreadyInRoom))
	_, err = host.JoinRoom(context.Background(), "AB3DQK")
	assert.True(t, errors.Is(err, coordinator.ErrAlreadyInRoom))
}
