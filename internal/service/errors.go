package service

import "errors"

// 业务错误。Handler 和 Coordinator 统一用 errors.Is 判断，
// 对客户端的文案和状态码映射在 handler 层完成。
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrRoomNotFound         = errors.New("room not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("registration failed: username or email already exists")
	ErrUnauthenticated      = errors.New("user not authenticated")
	// ErrUnauthorized：非房主尝试写入最终结果。
	ErrUnauthorized  = errors.New("only the room host may write the final result")
	ErrNoCandidates  = errors.New("no candidate restaurants in this room yet")
	ErrRoomFinished  = errors.New("room has already finished")
	ErrInvalidStatus = errors.New("invalid room status")
	// ErrCodeExhausted：邀请码生成在重试上限内全部碰撞
	ErrCodeExhausted = errors.New("failed to generate a unique room code")

	// 上游（AI / POI）失败。推荐流程内部会把这两类错误吞掉换成本地
	// fallback，只有 POI 搜索等无兜底路径才把它们抛给客户端。
	ErrUpstreamTimeout = errors.New("upstream provider timed out")
	ErrUpstreamError   = errors.New("upstream provider failed")

	ErrInternalServer = errors.New("internal server error")
)
