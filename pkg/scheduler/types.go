package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc 任务执行函数
type JobFunc func(ctx context.Context) error

// JobConfig 定义单个任务的配置
type JobConfig struct {
	Name     string        `json:"name"`
	Enabled  bool          `json:"enabled"`
	Schedule string        `json:"schedule"` // 六段式 cron 表达式，含秒
	Timeout  time.Duration `json:"timeout"`  // 单次执行超时，0 时使用默认值
}

// Job 表示一个已注册的任务
type Job struct {
	ID         string
	Config     JobConfig
	EntryID    cron.EntryID
	Status     JobStatus
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int64
	ErrorCount int64
	LastError  error

	run JobFunc
}

// JobState 任务状态快照，可直接序列化
type JobState struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Status     JobStatus  `json:"status"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

func (j *Job) state() JobState {
	st := JobState{
		ID:         j.ID,
		Name:       j.Config.Name,
		Schedule:   j.Config.Schedule,
		Status:     j.Status,
		LastRun:    j.LastRun,
		NextRun:    j.NextRun,
		RunCount:   j.RunCount,
		ErrorCount: j.ErrorCount,
	}
	if j.LastError != nil {
		st.LastError = j.LastError.Error()
	}
	return st
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)
