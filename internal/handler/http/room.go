package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/service"
)

// POISearcher 是附近餐厅搜索的依赖面，由 AMap 客户端实现。
type POISearcher interface {
	Search(ctx context.Context, loc domain.Location, radiusMeters int, keywords []string) (domain.CandidateList, error)
}

// RoomHandler 封装了与房间协调相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
	poi         POISearcher // 可为 nil（未配置地图 key 时搜索端点不可用）
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, poi POISearcher) *RoomHandler {
	return &RoomHandler{roomService: roomService, poi: poi}
}

// currentUserID 从 Gin 上下文取出 Auth 中间件写入的用户 ID。
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDAny, exists := c.Get("user_id")
	if !exists {
		logrus.Warn("Handler: User ID not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDAny.(uuid.UUID)
	if !ok {
		logrus.Error("Handler: User ID in context is not a uuid.UUID")
		ErrorResponse(c, http.StatusInternalServerError, "Internal server error processing user ID")
		return uuid.Nil, false
	}
	return userID, true
}

// roomIDParam 解析并校验路径里的 roomId 参数。
func roomIDParam(c *gin.Context) (uuid.UUID, bool) {
	roomID, err := uuid.Parse(c.Param("roomId"))
	if err != nil {
		logrus.WithError(err).Warnf("Handler: Invalid room ID format: %s", c.Param("roomId"))
		ErrorResponse(c, http.StatusBadRequest, "Invalid room ID format")
		return uuid.Nil, false
	}
	return roomID, true
}

// CreateRoomRequest 定义建房请求的结构体。host_id 可省略，
// 填了就必须等于当前认证用户。
type CreateRoomRequest struct {
	HostID *uuid.UUID `json:"host_id"`
}

// CreateRoomResponse 定义创建房间成功的响应结构体
type CreateRoomResponse struct {
	Message string       `json:"message"`
	Room    *domain.Room `json:"room"`
	Code    string       `json:"code"`
}

// CreateRoom 处理创建新房间的请求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input")
		return
	}
	hostID := userID
	if req.HostID != nil {
		hostID = *req.HostID
	}

	newRoom, err := h.roomService.CreateRoom(c.Request.Context(), userID, hostID)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithFields(logrus.Fields{"room_id": newRoom.ID, "code": newRoom.Code}).Info("Handler.CreateRoom: Room created successfully")
	c.JSON(http.StatusOK, CreateRoomResponse{
		Message: "Room created successfully",
		Room:    newRoom,
		Code:    newRoom.Code,
	})
}

// JoinRoomRequest 定义加入房间请求的结构体
type JoinRoomRequest struct {
	Code string `json:"code" binding:"required"`
}

// JoinRoomResponse 定义加入房间成功的响应结构体
type JoinRoomResponse struct {
	Message    string             `json:"message"`
	Room       *domain.Room       `json:"room"`
	Membership *domain.RoomMember `json:"membership"`
}

// JoinRoom 处理用户通过邀请码加入房间的请求
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: code is required")
		return
	}
	logCtx = logCtx.WithField("code", req.Code)

	room, membership, err := h.roomService.JoinRoom(c.Request.Context(), userID, req.Code)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Failed to join room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_id", room.ID).Info("Handler.JoinRoom: User joined room successfully")
	c.JSON(http.StatusOK, JoinRoomResponse{
		Message:    "Joined room successfully",
		Room:       room,
		Membership: membership,
	})
}

// GetRoom 返回单个房间的当前行，供客户端轮询对齐。
func (h *RoomHandler) GetRoom(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	room, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, room)
}

// ListMembers 返回房间成员及偏好。成员变动不走推送通道，客户端
// 周期性打这个接口。
func (h *RoomHandler) ListMembers(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	members, err := h.roomService.ListMembers(c.Request.Context(), roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"members": members})
}

// UpdatePreferencesRequest 定义偏好更新请求的结构体
type UpdatePreferencesRequest struct {
	Tags []string `json:"tags"`
}

// UpdatePreferences 更新当前用户在房间内的偏好标签
func (h *RoomHandler) UpdatePreferences(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	var req UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: tags must be a string array")
		return
	}

	member, err := h.roomService.UpdatePreferences(c.Request.Context(), roomID, userID, domain.Preferences{Tags: req.Tags})
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"membership": member})
}

// UpdateStatusRequest 定义状态流转请求的结构体。
// 终局写入时带上最终店名和理由。
type UpdateStatusRequest struct {
	Status              domain.RoomStatus `json:"status" binding:"required"`
	FinalRestaurantName *string           `json:"final_restaurant_name"`
	DecisionReason      *string           `json:"decision_reason"`
}

// UpdateStatus 设置房间状态（waiting/voting/rolling/finished）。
// 携带最终结果时由 Service 层做房主鉴权。
func (h *RoomHandler) UpdateStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: status is required")
		return
	}

	var patch *domain.RoomPatch
	if req.FinalRestaurantName != nil || req.DecisionReason != nil {
		patch = &domain.RoomPatch{
			FinalRestaurantName: req.FinalRestaurantName,
			DecisionReason:      req.DecisionReason,
		}
	}

	room, err := h.roomService.UpdateRoomStatus(c.Request.Context(), userID, roomID, req.Status, patch)
	if err != nil {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "status": req.Status}).
			WithError(err).Warn("Handler.UpdateStatus: Failed to update room status")
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, room)
}

// UpdateCandidatesRequest 定义候选列表覆盖请求的结构体
type UpdateCandidatesRequest struct {
	Candidates domain.CandidateList `json:"candidates" binding:"required"`
}

// UpdateCandidates 直接覆盖房间候选列表（客户端自带列表时使用）
func (h *RoomHandler) UpdateCandidates(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}

	var req UpdateCandidatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: candidates is required")
		return
	}

	room, err := h.roomService.UpdateCandidates(c.Request.Context(), userID, roomID, req.Candidates)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, room)
}

// SearchCandidatesRequest 定义附近搜索请求的结构体
type SearchCandidatesRequest struct {
	Location domain.Location `json:"location" binding:"required"`
	Radius   int             `json:"radius"`
	Keywords []string        `json:"keywords"`
}

// SearchCandidates 由房主在建房后调用：按位置/半径/关键词搜索附近
// 餐厅并把结果写入房间候选列表。
func (h *RoomHandler) SearchCandidates(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	roomID, ok := roomIDParam(c)
	if !ok {
		return
	}
	if h.poi == nil {
		ErrorResponse(c, http.StatusServiceUnavailable, "Nearby search is not configured")
		return
	}

	var req SearchCandidatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: location is required")
		return
	}
	if req.Radius <= 0 {
		req.Radius = 3000
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "radius": req.Radius})

	candidates, err := h.poi.Search(c.Request.Context(), req.Location, req.Radius, req.Keywords)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.SearchCandidates: POI search failed")
		HandleServiceError(c, service.ErrUpstreamError)
		return
	}
	if len(candidates) == 0 {
		ErrorResponse(c, http.StatusNotFound, "No restaurants found nearby")
		return
	}

	room, err := h.roomService.UpdateCandidates(c.Request.Context(), userID, roomID, candidates)
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("count", len(candidates)).Info("Handler.SearchCandidates: Candidates populated from POI search")
	SuccessResponse(c, http.StatusOK, room)
}
