// Package fleet wires the registry snapshot into the rotation scheduler, the
// health monitor and the projector, and exposes the resulting read models.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/internal/health"
	"github.com/hewenyu/fleet-core/internal/registry"
	"github.com/hewenyu/fleet-core/internal/rotation"
	"github.com/hewenyu/fleet-core/pkg/geo"
	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/hewenyu/fleet-core/pkg/storage"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// EventType 读模型事件类型
type EventType string

const (
	// EventSnapshot 舰队快照变化
	EventSnapshot EventType = "snapshot"
	// EventRotation 轮换状态变化
	EventRotation EventType = "rotation"
	// EventConnectivity 单台服务器连通性变化
	EventConnectivity EventType = "connectivity"
	// EventError 变更流出错
	EventError EventType = "error"
)

// Event 推送给观察者的读模型事件
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Connectivity 连通性事件载荷
type Connectivity struct {
	ID     string                 `json:"id"`
	Status model.ConnectionStatus `json:"status"`
}

// Options 核心组件参数
type Options struct {
	Collection       string
	RotationInterval time.Duration
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	Width            float64
	Height           float64
	Clock            clockwork.Clock
}

// OptionsFromConfig 从配置生成参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Collection:       cfg.Store.Collection,
		RotationInterval: cfg.Rotation.Interval,
		HealthInterval:   cfg.Health.Interval,
		HealthTimeout:    cfg.Health.Timeout,
		Width:            cfg.Projection.Width,
		Height:           cfg.Projection.Height,
	}
}

// Core 舰队管理核心
type Core struct {
	registry  *registry.Registry
	scheduler *rotation.Scheduler
	monitor   *health.Monitor
	projector geo.Projector
	logger    config.Logger
	clock     clockwork.Clock

	mu        sync.RWMutex
	observers map[uint64]func(Event)
	nextID    uint64

	runMu   sync.Mutex
	running bool
	cleanup []func()
}

// New 创建核心组件，尚未启动
func New(store storage.DocumentStore, opts Options, logger config.Logger) *Core {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	reg := registry.New(store, logger,
		registry.WithClock(clock),
		registry.WithCollection(opts.Collection))

	return &Core{
		registry: reg,
		scheduler: rotation.NewScheduler(reg.Servers, reg, logger,
			rotation.WithClock(clock),
			rotation.WithInterval(opts.RotationInterval)),
		monitor: health.NewMonitor(store, reg.Collection(), reg.Servers, logger,
			health.WithClock(clock),
			health.WithInterval(opts.HealthInterval),
			health.WithTimeout(opts.HealthTimeout)),
		projector: geo.NewProjector(opts.Width, opts.Height),
		logger:    logger,
		clock:     clock,
		observers: make(map[uint64]func(Event)),
	}
}

// Start 启动注册表、轮换调度器和连通性监控
func (c *Core) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return fmt.Errorf("舰队核心已启动")
	}

	c.cleanup = []func(){
		c.registry.Subscribe(c.onSnapshot),
		c.registry.OnError(func(err error) {
			c.emit(EventError, err.Error())
		}),
		c.scheduler.OnChange(func(state model.RotationState) {
			c.emit(EventRotation, state)
		}),
		c.monitor.OnChange(func(id string, status model.ConnectionStatus) {
			c.emit(EventConnectivity, Connectivity{ID: id, Status: status})
		}),
	}

	if err := c.registry.Start(ctx); err != nil {
		c.release()
		return err
	}

	c.scheduler.Refresh(c.registry.Servers())
	if err := c.scheduler.Start(ctx); err != nil {
		c.registry.Stop()
		c.release()
		return err
	}
	c.monitor.Start(ctx)

	c.running = true
	c.logger.Info("舰队核心已启动", zap.Int("servers", len(c.registry.Servers())))
	return nil
}

// Stop 停止全部定时任务和订阅，可重复调用
func (c *Core) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return
	}
	c.scheduler.Stop()
	c.monitor.Stop()
	c.registry.Stop()
	c.release()
	c.running = false

	c.logger.Info("舰队核心已停止")
}

func (c *Core) release() {
	for _, fn := range c.cleanup {
		fn()
	}
	c.cleanup = nil
}

// onSnapshot 快照变化时刷新待轮换目标和探测集合
func (c *Core) onSnapshot(servers []*model.Server) {
	c.scheduler.Refresh(servers)
	c.monitor.Sync(servers)
	c.emit(EventSnapshot, servers)
}

// Subscribe 注册读模型事件观察者，回调不得阻塞
func (c *Core) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Core) emit(eventType EventType, data any) {
	event := Event{Type: eventType, Timestamp: c.clock.Now(), Data: data}

	c.mu.RLock()
	observers := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.RUnlock()

	for _, fn := range observers {
		fn(event)
	}
}

// Registry 返回底层注册表
func (c *Core) Registry() *registry.Registry {
	return c.registry
}

// Scheduler 返回轮换调度器
func (c *Core) Scheduler() *rotation.Scheduler {
	return c.scheduler
}

// Monitor 返回连通性监控器
func (c *Core) Monitor() *health.Monitor {
	return c.monitor
}

// Servers 当前快照
func (c *Core) Servers() []*model.Server {
	return c.registry.Servers()
}

// Server 按ID查找服务器
func (c *Core) Server(id string) (*model.Server, bool) {
	return c.registry.Get(id)
}

// Add 新增服务器
func (c *Core) Add(ctx context.Context, input model.ServerInput) (*model.Server, error) {
	return c.registry.Add(ctx, input)
}

// Update 更新服务器
func (c *Core) Update(ctx context.Context, id string, patch map[string]any) error {
	return c.registry.Update(ctx, id, patch)
}

// Remove 删除服务器
func (c *Core) Remove(ctx context.Context, id string) error {
	return c.registry.Remove(ctx, id)
}

// RecordUsage 记录一次使用
func (c *Core) RecordUsage(ctx context.Context, id string, responseTime *float64) error {
	return c.registry.RecordUsage(ctx, id, responseTime)
}

// LeastUsed 当前负载最低的服务器
func (c *Core) LeastUsed() *model.Server {
	return c.registry.LeastUsed()
}

// OverallStats 舰队汇总数据
func (c *Core) OverallStats() model.FleetStats {
	return c.registry.OverallStats()
}

// UsageStats 每台服务器的使用统计
func (c *Core) UsageStats() map[string]model.UsageStats {
	return c.registry.UsageStats()
}

// Rotation 当前轮换状态
func (c *Core) Rotation() model.RotationState {
	return c.scheduler.State()
}

// Connectivity 全部服务器的连通性
func (c *Core) Connectivity() map[string]model.ConnectionStatus {
	return c.monitor.Statuses()
}

// Position 返回服务器在画布上的位置
func (c *Core) Position(id string) (geo.Point, bool) {
	server, ok := c.registry.Get(id)
	if !ok {
		return geo.Point{}, false
	}
	return c.projector.ProjectPoint(server.Longitude, server.Latitude), true
}

// Positions 返回全部服务器的位置
func (c *Core) Positions() map[string]geo.Point {
	servers := c.registry.Servers()
	result := make(map[string]geo.Point, len(servers))
	for _, s := range servers {
		result[s.ID] = c.projector.ProjectPoint(s.Longitude, s.Latitude)
	}
	return result
}

// Err 变更流的最近错误
func (c *Core) Err() error {
	return c.registry.Err()
}
