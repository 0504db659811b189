package tasks

import (
	"github.com/hibiken/asynq"
)

// 定义任务类型常量
const (
	// TypeRoomCleanup 周期清理长时间无活动的房间
	TypeRoomCleanup = "room:cleanup"
	// TypeRollingSweep 周期把卡在 rolling 的房间翻回 waiting
	TypeRollingSweep = "room:rolling_sweep"
)

// NewRoomCleanupTask 创建一个房间清理任务。周期任务不携带 payload，
// 清理阈值在 Handler 构造时注入。
func NewRoomCleanupTask() *asynq.Task {
	return asynq.NewTask(TypeRoomCleanup, nil)
}

// NewRollingSweepTask 创建一个 rolling 扫描任务。
func NewRollingSweepTask() *asynq.Task {
	return asynq.NewTask(TypeRollingSweep, nil)
}
