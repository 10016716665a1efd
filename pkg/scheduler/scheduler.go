// Package scheduler 提供基于 cron 的后台任务调度，以及每日预缓存任务。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"trackgate/pkg/logger"
)

// DefaultJobTimeout 任务默认超时
const DefaultJobTimeout = 5 * time.Minute

var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// JobScheduler 任务调度器
type JobScheduler struct {
	cron   *cron.Cron
	jobs   map[string]*Job
	mu     sync.RWMutex
	logger *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobScheduler 创建新的任务调度器，location 为 nil 时使用本地时区
func NewJobScheduler(location *time.Location) *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	opts := []cron.Option{cron.WithParser(scheduleParser)}
	if location != nil {
		opts = append(opts, cron.WithLocation(location))
	}

	return &JobScheduler{
		cron:   cron.New(opts...),
		jobs:   make(map[string]*Job),
		logger: logger.WithComponent("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动调度器
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cron.Start()
	s.updateNextRunTimes()
	s.logger.Info("任务调度器已启动")
}

// Stop 停止调度器，等待运行中的任务结束
func (s *JobScheduler) Stop(ctx context.Context) error {
	s.cancel()
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("任务调度器已停止")
		return nil
	case <-ctx.Done():
		s.logger.Warn("任务调度器停止超时")
		return ctx.Err()
	}
}

// AddJob 添加任务
func (s *JobScheduler) AddJob(config JobConfig, run JobFunc) error {
	if err := validateJobConfig(config); err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("任务函数不能为空: %s", config.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[config.Name]; exists {
		return fmt.Errorf("任务已存在: %s", config.Name)
	}

	job := &Job{
		ID:     uuid.New().String(),
		Config: config,
		Status: JobStatusPending,
		run:    run,
	}

	if !config.Enabled {
		job.Status = JobStatusDisabled
		s.jobs[config.Name] = job
		s.logger.Infof("任务已添加（已禁用）: %s", config.Name)
		return nil
	}

	entryID, err := s.cron.AddFunc(config.Schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("添加任务到调度器失败: %w", err)
	}

	job.EntryID = entryID
	s.jobs[config.Name] = job
	s.logger.Infof("任务已添加: %s (调度: %s)", config.Name, config.Schedule)
	return nil
}

// Jobs 返回所有任务的状态快照，按名称排序
func (s *JobScheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateNextRunTimes()
	states := make([]JobState, 0, len(s.jobs))
	for _, job := range s.jobs {
		states = append(states, job.state())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

func validateJobConfig(config JobConfig) error {
	if config.Name == "" {
		return fmt.Errorf("任务名称不能为空")
	}
	if config.Schedule == "" {
		return fmt.Errorf("任务调度表达式不能为空")
	}
	if _, err := scheduleParser.Parse(config.Schedule); err != nil {
		return fmt.Errorf("无效的调度表达式 '%s': %w", config.Schedule, err)
	}
	return nil
}

// executeJob 执行任务，上一次执行未结束时跳过
func (s *JobScheduler) executeJob(job *Job) {
	s.mu.Lock()
	if job.Status == JobStatusRunning {
		s.mu.Unlock()
		s.logger.Warnf("任务正在运行，跳过本次执行: %s", job.Config.Name)
		return
	}
	job.Status = JobStatusRunning
	now := time.Now()
	job.LastRun = &now
	job.RunCount++
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	timeout := job.Config.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	s.logger.Debugf("开始执行任务: %s", job.Config.Name)
	err := job.run(ctx)

	s.mu.Lock()
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err
		job.ErrorCount++
		s.logger.WithError(err).Errorf("任务执行失败: %s", job.Config.Name)
	} else {
		job.Status = JobStatusPending
		job.LastError = nil
		s.logger.Debugf("任务执行成功: %s", job.Config.Name)
	}
	s.mu.Unlock()
}

// updateNextRunTimes 更新所有任务的下次运行时间（需要持有锁）
func (s *JobScheduler) updateNextRunTimes() {
	entries := s.cron.Entries()
	for _, job := range s.jobs {
		if !job.Config.Enabled {
			continue
		}
		for _, entry := range entries {
			if entry.ID == job.EntryID && !entry.Next.IsZero() {
				nextRun := entry.Next
				job.NextRun = &nextRun
				break
			}
		}
	}
}
