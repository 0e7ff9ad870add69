package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// DefaultInterval 默认轮换周期
const DefaultInterval = 60 * time.Second

// BackupRecorder 记录一次备份
type BackupRecorder interface {
	RecordBackup(ctx context.Context, id string, at time.Time) error
}

// SnapshotFunc 返回调用时刻的最新舰队快照
type SnapshotFunc func() []*model.Server

// Option 定义调度器选项
type Option func(*Scheduler)

// WithClock 使用指定时钟，测试中传入FakeClock
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithInterval 设置轮换周期
func WithInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// Scheduler 备份轮换调度器
type Scheduler struct {
	snapshot SnapshotFunc
	recorder BackupRecorder
	logger   config.Logger
	clock    clockwork.Clock
	interval time.Duration

	mu        sync.RWMutex
	state     model.RotationState
	observers map[uint64]func(model.RotationState)
	nextID    uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler 创建调度器
func NewScheduler(snapshot SnapshotFunc, recorder BackupRecorder, logger config.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		snapshot:  snapshot,
		recorder:  recorder,
		logger:    logger,
		clock:     clockwork.NewRealClock(),
		interval:  DefaultInterval,
		state:     model.RotationState{Order: []string{}},
		observers: make(map[uint64]func(model.RotationState)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 立即执行一次轮换，之后按周期执行，直到Stop或ctx结束
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("轮换调度器已在运行")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("启动备份轮换调度器", zap.Duration("interval", s.interval))

	go s.run(runCtx, s.done)
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	_ = s.Tick(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = s.Tick(ctx)
		}
	}
}

// Stop 停止调度器并等待进行中的轮换结束，可重复调用
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("备份轮换调度器已停止")
}

// Tick 执行一次轮换：读取最新快照，计算顺序并备份current
// 备份失败只记录日志并返回错误，不影响后续周期
func (s *Scheduler) Tick(ctx context.Context) error {
	servers := s.snapshot()
	state := Compute(servers)
	s.publish(state)

	if len(servers) == 0 {
		return nil
	}

	now := s.clock.Now()
	if err := s.recorder.RecordBackup(ctx, state.Current, now); err != nil {
		s.logger.Error("执行备份失败，下个周期重试",
			zap.String("server", state.Current),
			zap.Error(err))
		return fmt.Errorf("备份服务器 %s 失败: %w", state.Current, err)
	}

	s.logger.Debug("完成备份轮换",
		zap.String("current", state.Current),
		zap.String("next", state.Next),
		zap.Time("at", now))
	return nil
}

// Refresh 在快照变化时重新计算待轮换目标，不执行备份
func (s *Scheduler) Refresh(servers []*model.Server) {
	s.publish(Compute(servers))
}

// State 返回最近一次计算的轮换状态
func (s *Scheduler) State() model.RotationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.state)
}

// OnChange 注册轮换状态观察者，返回取消函数
func (s *Scheduler) OnChange(fn func(model.RotationState)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.observers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Scheduler) publish(state model.RotationState) {
	s.mu.Lock()
	s.state = state
	observers := make([]func(model.RotationState), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(copyState(state))
	}
}

func copyState(state model.RotationState) model.RotationState {
	order := make([]string, len(state.Order))
	copy(order, state.Order)
	state.Order = order
	return state
}
