package worker

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/ShawnYin-hub/WhatToEat/internal/tasks"
)

// Scheduler 包装 asynq.Scheduler，给周期任务一个显式的 Start/Stop
// 生命周期：注入到 App 里统一启停，而不是包级定时器。
type Scheduler struct {
	scheduler *asynq.Scheduler
	log       *logrus.Entry
}

// NewScheduler 创建并注册全部周期维护任务。
func NewScheduler(redisOpt asynq.RedisClientOpt, logger *logrus.Logger) (*Scheduler, error) {
	logEntry := logger.WithField("component", "scheduler")

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			logEntry.WithField("task_type", task.Type()).WithError(err).Error("Failed to enqueue periodic task")
		},
	})

	if _, err := scheduler.Register("@every 10m", tasks.NewRoomCleanupTask(), asynq.Queue("low")); err != nil {
		return nil, fmt.Errorf("failed to register room cleanup task: %w", err)
	}
	if _, err := scheduler.Register("@every 1m", tasks.NewRollingSweepTask(), asynq.Queue("default")); err != nil {
		return nil, fmt.Errorf("failed to register rolling sweep task: %w", err)
	}

	return &Scheduler{scheduler: scheduler, log: logEntry}, nil
}

// Start 在后台启动调度循环。
// 它应该在一个单独的 goroutine 中调用。
func (s *Scheduler) Start() {
	s.log.Info("Scheduler starting...")
	if err := s.scheduler.Run(); err != nil {
		s.log.Fatalf("Could not run scheduler: %v", err)
	}
}

// Stop 优雅地停止调度循环。
func (s *Scheduler) Stop() {
	s.log.Info("Shutting down scheduler...")
	s.scheduler.Shutdown()
	s.log.Info("Scheduler shut down complete.")
}
