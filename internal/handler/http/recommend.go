package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/service"
)

// RecommendHandler 封装推荐相关的 HTTP 处理逻辑。
// 客户端在进入 rolling 后调用这里拿到最终选择，AI 故障由
// Service 层降级兜底，这个端点对非空候选永远有结果。
type RecommendHandler struct {
	recommendService *service.RecommendService
}

// NewRecommendHandler 创建 RecommendHandler 实例
func NewRecommendHandler(recommendService *service.RecommendService) *RecommendHandler {
	return &RecommendHandler{recommendService: recommendService}
}

// RecommendRequest 定义推荐请求的结构体
type RecommendRequest struct {
	Candidates domain.CandidateList `json:"candidates" binding:"required"`
	GroupTags  []string             `json:"group_preferences"`
	Location   *domain.Location     `json:"location"`
	Mood       string               `json:"mood"`
}

// Recommend 从候选列表里挑出一个最佳结果及理由
func (h *RecommendHandler) Recommend(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}

	var req RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: candidates is required")
		return
	}

	rec, err := h.recommendService.GetWeightedRecommendation(c.Request.Context(), service.RecommendationInput{
		Candidates: req.Candidates,
		GroupTags:  req.GroupTags,
		Location:   req.Location,
		Mood:       req.Mood,
	})
	if err != nil {
		logrus.WithError(err).Warn("Handler.Recommend: Recommendation failed")
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, rec)
}
