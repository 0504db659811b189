package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
// 下行推送房间行快照；上行只接受轻量的控制消息（如 refresh）。
//
// send 通道从不关闭：快照推送和广播可能在注销之后并发到达，
// 注销通过关闭 done 通知 WritePump 退出，迟到的消息被静默丢弃。
type Client struct {
	hub    *Hub            // 指向其所属的 Hub
	conn   *websocket.Conn // WebSocket 连接
	roomID uuid.UUID       // 客户端所在的房间 ID
	userID uuid.UUID       // 客户端的用户 ID
	send   chan []byte     // 用于向此客户端发送消息的缓冲通道

	done      chan struct{} // 注销信号，关闭后不再投递下行消息
	closeOnce sync.Once
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, roomID, userID uuid.UUID) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		roomID: roomID,
		userID: userID,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// signalClose 标记客户端已注销，WritePump 随之退出。可重复调用。
func (c *Client) signalClose() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trySend 非阻塞投递一条下行消息。
// 客户端已注销或缓冲已满时返回 false 并丢弃消息。
func (c *Client) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// inboundMessage 是客户端上行消息的统一外壳
type inboundMessage struct {
	Type string `json:"type"`
}

// ReadPump 将消息从 WebSocket 连接泵送到 Hub 的 messageChan。
// 它在自己的 goroutine 中运行。
func (c *Client) ReadPump() {
	defer func() {
		// 清理操作：请求 Hub 注销此客户端。Hub 已停止时 QueueMessage
		// 会拒收，本地兜底把 WritePump 也叫停。
		if !c.hub.QueueMessage(HubMessage{Type: "unregister", Client: c}) {
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).Warn("Failed to queue unregister message, signaling client close directly")
			c.signalClose()
		}
		c.conn.Close()
		logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) // 收到 Pong 后重置读取超时
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			logCtx := logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID})
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed normally or read error")
			}
			break // 退出循环，触发 defer 中的注销
		}

		if messageType != websocket.TextMessage {
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).Debugf("Received non-text message type: %d", messageType)
			continue
		}

		var inbound inboundMessage
		if err := json.Unmarshal(message, &inbound); err != nil {
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).Debug("Ignoring unparseable client message")
			continue
		}

		switch inbound.Type {
		case "refresh":
			c.hub.QueueMessage(HubMessage{Type: "refresh", RoomID: c.roomID, UserID: c.userID, Client: c, RawData: message})
		default:
			// 状态写入一律走 HTTP API，WebSocket 只做下行同步
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).Debugf("Ignoring unsupported client message type: %s", inbound.Type)
		}
	}
}

// WritePump 将消息从 Client 的 send 通道泵送到 WebSocket 连接。
// 它在自己的 goroutine 中运行。
func (c *Client) WritePump() {
	// 定期发送 Ping 消息保持连接活跃并检测断开
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).Info("writePump exited")
		// 不需要在这里 unregister，readPump 退出会处理
	}()

	for {
		select {
		case <-c.done:
			// Hub 已注销此客户端
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).Info("Client unregistered, closing write pump")
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).WithError(err).Warn("Failed to write message to websocket")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).WithError(err).Warn("Failed to send ping message")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (c *Client) RoomID() uuid.UUID { return c.roomID }
func (c *Client) UserID() uuid.UUID { return c.userID }
func (c *Client) CloseConn()        { c.conn.Close() }
