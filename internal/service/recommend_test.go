package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShawnYin-hub/WhatToEat/internal/domain"
	"github.com/ShawnYin-hub/WhatToEat/internal/service"
)

// fakeChatCompleter 按预设返回固定文本或错误，并可模拟慢响应。
type fakeChatCompleter struct {
	reply string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeChatCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func floatPtr(v float64) *float64 { return &v }

func testCandidates() domain.CandidateList {
	return domain.CandidateList{
		{ID: "B001", Name: "老王川菜馆", Category: "川菜", Distance: floatPtr(850), Rating: floatPtr(4.6)},
		{ID: "B002", Name: "兰州拉面", Category: "面馆", Distance: floatPtr(120), Rating: floatPtr(4.1)},
		{ID: "B003", Name: "寿司之神", Category: "日料", Distance: floatPtr(120), Rating: floatPtr(4.8)},
	}
}

func TestRecommendService_AIDecision(t *testing.T) {
	// AI 输出里带闲聊前后缀，仍应能抽出内嵌的 JSON 对象
	ai := &fakeChatCompleter{reply: `好的，我的建议如下：
{"best_restaurant_id": "B001", "best_restaurant_name": "老王川菜馆", "decision_reason": "大家都想吃辣"}
祝大家用餐愉快！`}
	svc := service.NewRecommendService(ai, time.Second)

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: testCandidates(),
		GroupTags:  []string{"辣"},
	})

	require.NoError(t, err)
	assert.Equal(t, "B001", rec.BestID)
	assert.Equal(t, "老王川菜馆", rec.BestName)
	assert.Equal(t, "大家都想吃辣", rec.Reason)
	assert.False(t, rec.FromFallback)
}

func TestRecommendService_AIMatchesByNameOnly(t *testing.T) {
	// id 对不上但名称严格匹配时仍采纳 AI 的选择
	ai := &fakeChatCompleter{reply: `{"best_restaurant_id": "whatever", "best_restaurant_name": "寿司之神", "decision_reason": "评分最高"}`}
	svc := service.NewRecommendService(ai, time.Second)

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: testCandidates(),
	})

	require.NoError(t, err)
	assert.Equal(t, "B003", rec.BestID)
	assert.Equal(t, "寿司之神", rec.BestName)
	assert.False(t, rec.FromFallback)
}

func TestRecommendService_FallbackOnTimeout(t *testing.T) {
	// AI 超时后必须降级为本地规则，且结果确定：距离最近，平分时评分更高者胜
	ai := &fakeChatCompleter{reply: `{"best_restaurant_name": "老王川菜馆"}`, delay: 200 * time.Millisecond}
	svc := service.NewRecommendService(ai, 20*time.Millisecond)

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: testCandidates(),
	})

	require.NoError(t, err, "超时不是硬失败，必须返回兜底结果")
	assert.Equal(t, "B003", rec.BestID, "120 米的两家里应选评分更高的")
	assert.True(t, rec.FromFallback)
	assert.Contains(t, rec.Reason, "AI 思考太久")
}

func TestRecommendService_FallbackOnUpstreamError(t *testing.T) {
	ai := &fakeChatCompleter{err: errors.New("upstream 500")}
	svc := service.NewRecommendService(ai, time.Second)

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: testCandidates(),
	})

	require.NoError(t, err)
	assert.True(t, rec.FromFallback)
	assert.NotEmpty(t, rec.BestName)
	assert.NotEmpty(t, rec.Reason)
}

func TestRecommendService_FallbackOnUnparseableOutput(t *testing.T) {
	ai := &fakeChatCompleter{reply: "今天吃什么都行，看你们心情。"}
	svc := service.NewRecommendService(ai, time.Second)

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: testCandidates(),
	})

	require.NoError(t, err)
	assert.True(t, rec.FromFallback)
	assert.Equal(t, "B003", rec.BestID)
}

func TestRecommendService_FallbackWhenAIPicksUnknownRestaurant(t *testing.T) {
	// AI 幻觉出候选之外的店名时不能照单全收
	ai := &fakeChatCompleter{reply: `{"best_restaurant_name": "不存在的餐厅", "decision_reason": "瞎编的"}`}
	svc := service.NewRecommendService(ai, time.Second)

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: testCandidates(),
	})

	require.NoError(t, err)
	assert.True(t, rec.FromFallback)
	assert.Equal(t, "B003", rec.BestID)
}

func TestRecommendService_NilCompleterGoesStraightToFallback(t *testing.T) {
	svc := service.NewRecommendService(nil, time.Second)

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: testCandidates(),
	})

	require.NoError(t, err)
	assert.True(t, rec.FromFallback)
	assert.Equal(t, "B003", rec.BestID)
}

func TestRecommendService_EmptyCandidates(t *testing.T) {
	ai := &fakeChatCompleter{}
	svc := service.NewRecommendService(ai, time.Second)

	_, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrNoCandidates))
	assert.Zero(t, ai.calls, "没有候选时不应浪费一次 AI 调用")
}

func TestRecommendService_FallbackHandlesMissingDistance(t *testing.T) {
	// 距离缺失的候选排在最后，而不是 panic 或排在最前
	ai := &fakeChatCompleter{err: errors.New("down")}
	svc := service.NewRecommendService(ai, time.Second)
	candidates := domain.CandidateList{
		{ID: "B010", Name: "无距离餐厅", Rating: floatPtr(5.0)},
		{ID: "B011", Name: "近处餐厅", Distance: floatPtr(300), Rating: floatPtr(3.5)},
	}

	rec, err := svc.GetWeightedRecommendation(context.Background(), service.RecommendationInput{
		Candidates: candidates,
	})

	require.NoError(t, err)
	assert.Equal(t, "B011", rec.BestID)
}
