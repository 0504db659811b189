package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
)

// ChatCompleter 是推荐服务对 AI 上游的最小依赖：发一轮对话，拿回
// 预期包含一个 JSON 对象的自由文本。
type ChatCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// 上游调用的默认时间上限。到点即放弃并走本地 fallback，
// 绝不让房间在 rolling 里等一个慢 AI。
const defaultAITimeout = 8 * time.Second

// 发给 AI 的候选数量上限，防止 prompt 过长
const maxCandidatesForAI = 30

// 从 AI 返回的自由文本中提取第一个 JSON 对象
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// RecommendService 负责从候选列表里挑出一个「最佳」结果。
// 主路径委托 AI 加权，失败/超时一律降级为本地确定性规则，
// 因此对调用方而言候选非空时必然有结果。
type RecommendService struct {
	ai      ChatCompleter
	timeout time.Duration
}

// NewRecommendService 创建 RecommendService 实例。
// ai 可以为 nil（未配置 API Key），此时所有请求直接走本地规则。
func NewRecommendService(ai ChatCompleter, timeout time.Duration) *RecommendService {
	if timeout <= 0 {
		timeout = defaultAITimeout
	}
	return &RecommendService{ai: ai, timeout: timeout}
}

// RecommendationInput 是一次推荐请求的上下文。
type RecommendationInput struct {
	Candidates domain.CandidateList `json:"candidates"`
	// GroupTags 是全体成员偏好标签的去重并集
	GroupTags []string         `json:"group_preferences,omitempty"`
	Location  *domain.Location `json:"location,omitempty"`
	Mood      string           `json:"mood,omitempty"`
}

// Recommendation 是推荐结果；候选非空时 BestName 必然非空。
type Recommendation struct {
	BestID       string `json:"best_restaurant_id"`
	BestName     string `json:"best_restaurant_name"`
	Reason       string `json:"decision_reason"`
	FromFallback bool   `json:"-"` // 结果是否来自本地规则
}

// aiDecision 是期望 AI 在输出文本里内嵌的 JSON 结构
type aiDecision struct {
	BestRestaurantID   string `json:"best_restaurant_id"`
	BestRestaurantName string `json:"best_restaurant_name"`
	DecisionReason     string `json:"decision_reason"`
}

// GetWeightedRecommendation 返回一个最佳候选及理由。
// 上游错误和超时在这里被吞掉换成本地规则——对挑选流程来说
// 它们不是硬失败，用户总能拿到一个结果。
func (s *RecommendService) GetWeightedRecommendation(ctx context.Context, in RecommendationInput) (*Recommendation, error) {
	if len(in.Candidates) == 0 {
		return nil, ErrNoCandidates
	}

	candidates := in.Candidates
	if len(candidates) > maxCandidatesForAI {
		candidates = candidates[:maxCandidatesForAI]
	}

	decision, aiErr := s.askAI(ctx, RecommendationInput{
		Candidates: candidates,
		GroupTags:  in.GroupTags,
		Location:   in.Location,
		Mood:       in.Mood,
	})

	if aiErr == nil && decision != nil {
		if best := resolveCandidate(candidates, decision.BestRestaurantID, decision.BestRestaurantName); best != nil {
			reason := decision.DecisionReason
			if reason == "" {
				reason = "综合大家的偏好，AI 帮你们选了这一家。"
			}
			return &Recommendation{BestID: best.ID, BestName: best.Name, Reason: reason}, nil
		}
		logrus.WithFields(logrus.Fields{
			"ai_id":   decision.BestRestaurantID,
			"ai_name": decision.BestRestaurantName,
		}).Warn("AI picked a restaurant outside the candidate list, falling back to local rule")
	}

	// fallback：按距离+评分的确定性规则，保证流程不被上游拖死
	best := pickBySimpleRules(candidates)
	reason := "综合距离和评分，帮大家挑了一个相对稳妥的选择。"
	if errors.Is(aiErr, context.DeadlineExceeded) || errors.Is(aiErr, ErrUpstreamTimeout) {
		reason = "AI 思考太久，按距离和评分帮大家选了一家。"
	}
	return &Recommendation{BestID: best.ID, BestName: best.Name, Reason: reason, FromFallback: true}, nil
}

// askAI 调用上游并解析其输出里内嵌的 JSON 决策。
func (s *RecommendService) askAI(ctx context.Context, in RecommendationInput) (*aiDecision, error) {
	if s.ai == nil {
		return nil, ErrUpstreamError
	}

	userPayload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	aiCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	content, err := s.ai.Complete(aiCtx, recommendSystemPrompt, string(userPayload))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logrus.Warnf("AI recommendation timed out after %v, switching to local fallback", s.timeout)
			return nil, ErrUpstreamTimeout
		}
		logrus.WithError(err).Warn("AI recommendation call failed, switching to local fallback")
		return nil, ErrUpstreamError
	}

	match := jsonObjectPattern.FindString(content)
	if match == "" {
		logrus.Warn("AI output contained no JSON object, switching to local fallback")
		return nil, ErrUpstreamError
	}
	var decision aiDecision
	if err := json.Unmarshal([]byte(match), &decision); err != nil {
		logrus.WithError(err).Warn("Failed to parse AI decision JSON, switching to local fallback")
		return nil, ErrUpstreamError
	}
	return &decision, nil
}

// resolveCandidate 按 id 或名称把 AI 的选择对回候选列表。
func resolveCandidate(candidates domain.CandidateList, id, name string) *domain.Candidate {
	for i := range candidates {
		if id != "" && candidates[i].ID == id {
			return &candidates[i]
		}
		if name != "" && candidates[i].Name == name {
			return &candidates[i]
		}
	}
	return nil
}

// pickBySimpleRules 是本地确定性兜底：先按距离升序，再按评分降序。
// 候选非空时必有返回。
func pickBySimpleRules(candidates domain.CandidateList) *domain.Candidate {
	sorted := make(domain.CandidateList, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := math.Inf(1), math.Inf(1)
		if sorted[i].Distance != nil {
			di = *sorted[i].Distance
		}
		if sorted[j].Distance != nil {
			dj = *sorted[j].Distance
		}
		if di != dj {
			return di < dj
		}
		ri, rj := 0.0, 0.0
		if sorted[i].Rating != nil {
			ri = *sorted[i].Rating
		}
		if sorted[j].Rating != nil {
			rj = *sorted[j].Rating
		}
		return ri > rj
	})
	return &sorted[0]
}

const recommendSystemPrompt = `你是一个帮一群人决定「今天吃什么」的助手。
用户消息是一个 JSON，包含候选餐厅列表（candidates，含名称、品类、距离、评分）、
全体成员偏好标签的并集（group_preferences）以及可选的位置和心情。
请从候选里选出一家最合适的，并用一句话说明理由。
只输出一个 JSON 对象，形如：
{"best_restaurant_id": "...", "best_restaurant_name": "...", "decision_reason": "..."}
best_restaurant_name 必须严格等于候选列表中某一项的 name。`
