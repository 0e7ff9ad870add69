// Package health probes every known server independently and tracks its
// reachability and round-trip latency.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/hewenyu/fleet-core/pkg/storage"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// 默认探测参数
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// DocumentReader 探测使用的最小读接口
type DocumentReader interface {
	Get(ctx context.Context, collection, id string) (*storage.Document, error)
}

// SnapshotFunc 返回调用时刻的最新舰队快照
type SnapshotFunc func() []*model.Server

// ChangeFunc 连通性变化回调
type ChangeFunc func(id string, status model.ConnectionStatus)

// Option 定义监控器选项
type Option func(*Monitor)

// WithClock 使用指定时钟
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithInterval 设置探测周期
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithTimeout 设置单次探测超时
func WithTimeout(timeout time.Duration) Option {
	return func(m *Monitor) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// Monitor 连通性监控器，每台服务器一个独立的探测协程
type Monitor struct {
	reader     DocumentReader
	collection string
	snapshot   SnapshotFunc
	logger     config.Logger
	clock      clockwork.Clock
	interval   time.Duration
	timeout    time.Duration

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	probes    map[string]context.CancelFunc
	statuses  map[string]model.ConnectionStatus
	observers map[uint64]ChangeFunc
	nextID    uint64

	wg sync.WaitGroup
}

// NewMonitor 创建监控器
func NewMonitor(reader DocumentReader, collection string, snapshot SnapshotFunc, logger config.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		reader:     reader,
		collection: collection,
		snapshot:   snapshot,
		logger:     logger,
		clock:      clockwork.NewRealClock(),
		interval:   DefaultInterval,
		timeout:    DefaultTimeout,
		probes:     make(map[string]context.CancelFunc),
		statuses:   make(map[string]model.ConnectionStatus),
		observers:  make(map[uint64]ChangeFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start 为当前快照中的每台服务器启动探测
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.sync(m.snapshot())
	m.mu.Unlock()

	m.logger.Info("启动连通性监控",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout))
}

// Stop 停止全部探测并清空已发布的状态，等待协程退出，可重复调用
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.cancel = nil
	m.probes = make(map[string]context.CancelFunc)
	m.statuses = make(map[string]model.ConnectionStatus)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("连通性监控已停止")
}

// Sync 使探测集合与快照一致：新服务器立即开始探测，离开的服务器停止探测
func (m *Monitor) Sync(servers []*model.Server) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return
	}
	m.sync(servers)
}

// sync 调用方需持有m.mu
func (m *Monitor) sync(servers []*model.Server) {
	wanted := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		wanted[s.ID] = struct{}{}
	}

	for id, cancel := range m.probes {
		if _, ok := wanted[id]; ok {
			continue
		}
		cancel()
		delete(m.probes, id)
		delete(m.statuses, id)
		m.logger.Debug("停止探测已移除的服务器", zap.String("server", id))
	}

	for id := range wanted {
		if _, ok := m.probes[id]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(m.ctx)
		m.probes[id] = cancel
		m.wg.Add(1)
		go m.run(ctx, id)
	}
}

func (m *Monitor) run(ctx context.Context, id string) {
	defer m.wg.Done()

	m.check(ctx, id)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.check(ctx, id)
		}
	}
}

// check 执行一次探测，任何错误都视为断开
func (m *Monitor) check(ctx context.Context, id string) {
	probeCtx, cancel := clockwork.WithTimeout(ctx, m.clock, m.timeout)
	start := m.clock.Now()
	_, err := m.reader.Get(probeCtx, m.collection, id)
	end := m.clock.Now()
	cancel()

	if ctx.Err() != nil {
		return
	}

	status := model.ConnectionStatus{LastCheck: end}
	if err != nil {
		m.logger.Debug("服务器探测失败",
			zap.String("server", id),
			zap.Error(err))
	} else {
		latency := end.Sub(start).Milliseconds()
		status.IsConnected = true
		status.Latency = &latency
	}

	m.publish(id, status)
}

func (m *Monitor) publish(id string, status model.ConnectionStatus) {
	m.mu.Lock()
	if _, ok := m.probes[id]; !ok {
		m.mu.Unlock()
		return
	}
	m.statuses[id] = status
	observers := make([]ChangeFunc, 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(id, copyStatus(status))
	}
}

// Status 返回单台服务器最近一次探测结果
func (m *Monitor) Status(id string) (model.ConnectionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[id]
	return copyStatus(status), ok
}

// Statuses 返回全部服务器最近一次探测结果
func (m *Monitor) Statuses() map[string]model.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]model.ConnectionStatus, len(m.statuses))
	for id, status := range m.statuses {
		result[id] = copyStatus(status)
	}
	return result
}

// OnChange 注册连通性观察者，返回取消函数
func (m *Monitor) OnChange(fn ChangeFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.observers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func copyStatus(status model.ConnectionStatus) model.ConnectionStatus {
	if status.Latency != nil {
		latency := *status.Latency
		status.Latency = &latency
	}
	return status
}
