package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/repository"
)

// 包级别的 WebSocket 常量，供 hub 和 client 包内使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024
)

// RoomProvider 是 Hub 对房间服务的依赖面：读当前行 + 订阅行变更。
type RoomProvider interface {
	GetRoom(ctx context.Context, roomID uuid.UUID) (*domain.Room, error)
	SubscribeRoom(roomID uuid.UUID, onChange func(room *domain.Room)) (repository.Subscription, error)
}

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type    string    // "register", "unregister", "refresh"
	RoomID  uuid.UUID // 房间 ID
	UserID  uuid.UUID // 来源用户 ID
	Client  *Client   // 关联的客户端
	RawData []byte    // 原始 WebSocket 消息（目前仅 refresh 使用）
}

// Hub 维护活跃客户端集合，把房间行快照扇出给同房间的所有连接。
//
// 每个有在线客户端的房间持有一个通知订阅；第一个客户端进来时建立，
// 最后一个离开时释放。推给客户端的是完整行快照而不是增量，
// 客户端把每条消息当作最新权威状态处理即可。
//
// 快照推送和通知回调运行在 Run 循环之外的 goroutine 上，注销也可能
// 和它们并发。因此 messageChan 和客户端的 send 通道都从不关闭：
// 停机和注销分别通过 done 信号表达，迟到的消息被丢弃而不是 panic。
type Hub struct {
	// 内部通道，处理所有来自 Client 的事件
	messageChan chan HubMessage

	// 停机信号，QueueMessage 和 Run 都会检查
	done      chan struct{}
	closeOnce sync.Once

	// 客户端集合，按 RoomID 组织
	rooms   map[uuid.UUID]map[*Client]bool
	roomsMu sync.RWMutex

	// 每个活跃房间一个通知订阅
	subs   map[uuid.UUID]repository.Subscription
	subsMu sync.Mutex

	rooms2 RoomProvider
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(rooms RoomProvider) *Hub {
	if rooms == nil {
		panic("RoomProvider cannot be nil for Hub")
	}
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		done:        make(chan struct{}),
		rooms:       make(map[uuid.UUID]map[*Client]bool),
		subs:        make(map[uuid.UUID]repository.Subscription),
		rooms2:      rooms,
	}
}

// Run 启动 Hub 的主事件处理循环。
// 它应该在一个单独的 goroutine 中运行。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")

	for {
		select {
		case <-h.done:
			log.Info("Hub is shutting down...")
			return
		case msg := <-h.messageChan:
			switch msg.Type {
			case "register":
				h.registerClient(msg.Client)
			case "unregister":
				h.unregisterClient(msg.Client)
			case "refresh":
				// 客户端主动要一份当前快照，异步处理避免阻塞主循环
				go h.sendCurrentSnapshot(msg.Client)
			default:
				log.Warnf("Hub: Received unknown message type: %s from user %s in room %s", msg.Type, msg.UserID, msg.RoomID)
			}
		}
	}
}

// Stop 发出停机信号并释放全部订阅，Run 随之退出。可以安全地重复调用。
// messageChan 不关闭：优雅下线期间仍然存活的连接会继续尝试入队，
// QueueMessage 对停机后的消息只拒收，不 panic。
func (h *Hub) Stop() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	h.StopAllSubscriptions()
}

// registerClient 处理客户端注册逻辑
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": client.UserID(),
		"action":  "registerClient",
	})

	h.roomsMu.Lock()
	first := false
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
		first = true
	}
	h.rooms[roomID][client] = true
	h.roomsMu.Unlock()
	logCtx.Info("Client registered to Hub")

	// 房间第一个在线客户端负责建立通知订阅
	if first {
		h.ensureSubscription(roomID, logCtx)
	}

	// 异步把当前行快照推给新客户端，让它立即对齐
	go h.sendCurrentSnapshot(client)
}

// ensureSubscription 为房间建立一个行变更订阅（若尚未存在）。
func (h *Hub) ensureSubscription(roomID uuid.UUID, logCtx *logrus.Entry) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if _, ok := h.subs[roomID]; ok {
		return
	}
	sub, err := h.rooms2.SubscribeRoom(roomID, func(room *domain.Room) {
		h.broadcastRoom(room)
	})
	if err != nil {
		// 订阅失败只影响推送及时性，客户端仍可通过 refresh/轮询对齐
		logCtx.WithError(err).Error("Failed to subscribe to room changes for hub fan-out")
		return
	}
	h.subs[roomID] = sub
	logCtx.Info("Hub subscription established for room")
}

// unregisterClient 处理客户端注销逻辑
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": client.UserID(),
		"action":  "unregisterClient",
	})

	h.roomsMu.Lock()
	empty := false
	if roomClients, roomExists := h.rooms[roomID]; roomExists {
		if _, clientExists := roomClients[client]; clientExists {
			delete(roomClients, client)

			// 通知此客户端的 WritePump 退出。send 通道不关闭：
			// 并发中的快照推送和广播可能还持有这个客户端
			client.signalClose()

			if len(roomClients) == 0 {
				delete(h.rooms, roomID)
				empty = true
			}
		} else {
			logCtx.Warn("Client not found in room during unregister")
		}
	} else {
		logCtx.Warn("Room not found during client unregister")
	}
	h.roomsMu.Unlock()
	logCtx.Info("Client unregistered from Hub")

	// 房间空了就释放订阅，避免泄漏监听器
	if empty {
		h.subsMu.Lock()
		if sub, ok := h.subs[roomID]; ok {
			delete(h.subs, roomID)
			sub.Unsubscribe()
			logCtx.Info("Room empty, hub subscription released")
		}
		h.subsMu.Unlock()
	}
}

// sendCurrentSnapshot 读取当前房间行并推给单个客户端。
func (h *Hub) sendCurrentSnapshot(client *Client) {
	if client == nil {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{
		"room_id":   client.RoomID(),
		"user_id":   client.UserID(),
		"operation": "sendCurrentSnapshot",
	})

	// Service 调用可能涉及 IO 且不应被原始请求取消
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	room, err := h.rooms2.GetRoom(ctx, client.RoomID())
	if err != nil {
		logCtx.WithError(err).Error("Failed to load room for snapshot push")
		client.trySend([]byte(`{"type": "error", "message": "Failed to load room state"}`))
		return
	}

	payload, err := encodeRoomMessage(room)
	if err != nil {
		logCtx.WithError(err).Error("Failed to marshal room snapshot message")
		return
	}
	if client.trySend(payload) {
		logCtx.Debug("Room snapshot sent to client channel")
	} else {
		logCtx.Warn("Client gone or send channel full, snapshot dropped")
	}
}

// broadcastRoom 把一份房间行快照发给该房间的所有在线客户端。
// 发起写入的客户端也会收到，所有端靠同一条通道对齐状态。
func (h *Hub) broadcastRoom(room *domain.Room) {
	if room == nil {
		return
	}
	payload, err := encodeRoomMessage(room)
	if err != nil {
		logrus.WithField("room_id", room.ID).WithError(err).Error("Failed to marshal room broadcast message")
		return
	}

	h.roomsMu.RLock()
	roomClients := h.rooms[room.ID]
	clientsToSend := make([]*Client, 0, len(roomClients))
	for client := range roomClients {
		clientsToSend = append(clientsToSend, client)
	}
	h.roomsMu.RUnlock()

	if len(clientsToSend) == 0 {
		return
	}

	logCtx := logrus.WithFields(logrus.Fields{
		"room_id":         room.ID,
		"status":          room.Status,
		"recipient_count": len(clientsToSend),
	})
	logCtx.Debug("Broadcasting room snapshot to clients")

	for _, client := range clientsToSend {
		// 非阻塞发送，单个慢客户端或刚注销的客户端不影响广播
		if !client.trySend(payload) {
			logCtx.WithField("receiver_user_id", client.UserID()).Warn("Client gone or send channel full during broadcast, skipping this client")
		}
	}
}

// StopAllSubscriptions 释放全部房间订阅，关机时调用。
func (h *Hub) StopAllSubscriptions() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for roomID, sub := range h.subs {
		sub.Unsubscribe()
		delete(h.subs, roomID)
	}
}

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 这是 Client 向 Hub 发送消息的安全方式。
// 返回 true 如果消息成功入队；Hub 已停止或队列已满时返回 false。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case <-h.done:
		logrus.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"room_id":      msg.RoomID,
			"user_id":      msg.UserID,
		}).Debug("Hub stopped, rejecting message")
		return false
	default:
	}
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"room_id":      msg.RoomID,
			"user_id":      msg.UserID,
		}).Warn("Hub message channel full, dropping message")
		return false
	}
}

func encodeRoomMessage(room *domain.Room) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type": "room",
		"room": room,
	})
}
