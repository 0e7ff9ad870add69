// Package registry owns the in-memory fleet snapshot and bridges the document
// store's change stream to the rest of the core. The subscription handler is
// the only writer of the snapshot; everything else reads through accessors.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/internal/stats"
	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/hewenyu/fleet-core/pkg/storage"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// 新增服务器时的默认值
const (
	DefaultCapacity       = 100
	DefaultBackupInterval = 3600000
	DefaultMaxConnections = 1000
)

// DefaultCollection 默认集合名
const DefaultCollection = "servers"

// Listener 快照变化回调，参数是快照的副本
type Listener func(servers []*model.Server)

// ErrorListener 变更流出错时的回调
type ErrorListener func(err error)

// Option 定义注册表选项
type Option func(*Registry)

// WithClock 使用指定时钟
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithCollection 使用指定集合
func WithCollection(collection string) Option {
	return func(r *Registry) {
		if collection != "" {
			r.collection = collection
		}
	}
}

// Registry 服务器注册表
type Registry struct {
	store      storage.DocumentStore
	collection string
	logger     config.Logger
	validate   *validator.Validate
	clock      clockwork.Clock

	mu      sync.RWMutex
	ctx     context.Context
	servers []*model.Server
	usage   map[string]model.UsageStats
	overall model.FleetStats
	err     error

	// refreshMu 保证List与写入快照成对执行，避免旧的读取覆盖新的快照
	refreshMu sync.Mutex
	// writeMu 串行化读-改-写类的更新
	writeMu sync.Mutex

	listenerMu     sync.RWMutex
	listeners      map[uint64]Listener
	errorListeners map[uint64]ErrorListener
	nextID         uint64

	runMu       sync.Mutex
	cancel      context.CancelFunc
	unsubscribe storage.CancelFunc
}

// New 创建注册表
func New(store storage.DocumentStore, logger config.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:          store,
		collection:     DefaultCollection,
		logger:         logger,
		validate:       NewValidator(),
		clock:          clockwork.NewRealClock(),
		servers:        []*model.Server{},
		usage:          make(map[string]model.UsageStats),
		listeners:      make(map[uint64]Listener),
		errorListeners: make(map[uint64]ErrorListener),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Collection 返回注册表使用的集合名
func (r *Registry) Collection() string {
	return r.collection
}

// Start 加载初始快照并订阅集合变更
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("注册表已启动")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.ctx = runCtx
	r.mu.Unlock()

	if err := r.refresh(runCtx); err != nil {
		cancel()
		return fmt.Errorf("加载服务器列表失败: %w", err)
	}

	unsubscribe, err := r.store.Subscribe(runCtx, r.collection, r.handleChange)
	if err != nil {
		cancel()
		return fmt.Errorf("订阅服务器变更失败: %w", err)
	}

	r.cancel = cancel
	r.unsubscribe = unsubscribe

	r.logger.Info("服务器注册表已启动",
		zap.String("collection", r.collection),
		zap.Int("servers", len(r.Servers())))
	return nil
}

// Stop 取消订阅，可重复调用
func (r *Registry) Stop() {
	r.runMu.Lock()
	cancel, unsubscribe := r.cancel, r.unsubscribe
	r.cancel, r.unsubscribe = nil, nil
	r.runMu.Unlock()

	if cancel == nil {
		return
	}
	unsubscribe()
	cancel()

	r.logger.Info("服务器注册表已停止")
}

// handleChange 处理存储层的变更通知
func (r *Registry) handleChange(event storage.ChangeEvent) {
	if event.Type == storage.ChangeError {
		r.fail(fmt.Errorf("服务器变更流出错: %w", event.Err))
		return
	}

	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.refresh(ctx); err != nil {
		r.fail(fmt.Errorf("刷新服务器列表失败: %w", err))
	}
}

// fail 记录错误状态，保留上一次成功的快照
func (r *Registry) fail(err error) {
	r.logger.Error("服务器注册表进入错误状态，保留现有快照", zap.Error(err))

	r.mu.Lock()
	r.err = err
	r.mu.Unlock()

	r.listenerMu.RLock()
	listeners := make([]ErrorListener, 0, len(r.errorListeners))
	for _, fn := range r.errorListeners {
		listeners = append(listeners, fn)
	}
	r.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// refresh 重新读取全部服务器并替换快照
// 监听器在refreshMu内依次调用，回调中不得写入注册表
func (r *Registry) refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	docs, err := r.store.List(ctx, r.collection)
	if err != nil {
		return err
	}

	servers := make([]*model.Server, 0, len(docs))
	for _, doc := range docs {
		server, err := decodeServer(doc)
		if err != nil {
			r.logger.Warn("跳过无法解析的服务器文档",
				zap.String("id", doc.ID),
				zap.Error(err))
			continue
		}
		servers = append(servers, server)
	}

	// 按创建时间倒序，时间相同按ID
	sort.SliceStable(servers, func(i, j int) bool {
		if !servers[i].CreatedAt.Equal(servers[j].CreatedAt) {
			return servers[i].CreatedAt.After(servers[j].CreatedAt)
		}
		return servers[i].ID < servers[j].ID
	})

	usage := stats.ForFleet(servers, r.clock.Now())
	overall := stats.Overall(servers)

	r.mu.Lock()
	r.servers = servers
	r.usage = usage
	r.overall = overall
	r.err = nil
	r.mu.Unlock()

	r.listenerMu.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(cloneAll(servers))
	}
	return nil
}

// Subscribe 注册快照监听器，返回取消函数
func (r *Registry) Subscribe(fn Listener) func() {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = fn

	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		delete(r.listeners, id)
	}
}

// OnError 注册变更流错误监听器，返回取消函数
func (r *Registry) OnError(fn ErrorListener) func() {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()

	id := r.nextID
	r.nextID++
	r.errorListeners[id] = fn

	return func() {
		r.listenerMu.Lock()
		defer r.listenerMu.Unlock()
		delete(r.errorListeners, id)
	}
}

// Servers 返回当前快照的副本
func (r *Registry) Servers() []*model.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneAll(r.servers)
}

// Get 在当前快照中查找服务器
func (r *Registry) Get(id string) (*model.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.servers {
		if s.ID == id {
			return s.Clone(), true
		}
	}
	return nil, false
}

// Err 返回变更流的最近错误，正常时为nil
func (r *Registry) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// OverallStats 返回舰队汇总数据
func (r *Registry) OverallStats() model.FleetStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overall
}

// UsageStats 返回每台服务器的使用统计，随快照一起重新计算
func (r *Registry) UsageStats() map[string]model.UsageStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]model.UsageStats, len(r.usage))
	for id, st := range r.usage {
		result[id] = st
	}
	return result
}

// LeastUsed 返回当前负载最低的服务器，空舰队返回nil
func (r *Registry) LeastUsed() *model.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return stats.LeastUsed(r.servers).Clone()
}

// Add 校验输入并写入一台带默认值的服务器
func (r *Registry) Add(ctx context.Context, input model.ServerInput) (*model.Server, error) {
	if err := validateInput(r.validate, &input); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	server := &model.Server{
		Name:        input.Name,
		Region:      input.Region,
		Latitude:    *input.Latitude,
		Longitude:   *input.Longitude,
		Status:      model.ServerStatusActive,
		Type:        model.ServerTypePrimary,
		Capacity:    DefaultCapacity,
		CreatedAt:   now,
		LastUsed:    now,
		Usage:       []model.UsageRecord{},
		Config:      defaultConfig(),
		CurrentLoad: 0,
	}
	if input.Status != "" {
		server.Status = input.Status
	}
	if input.Type != "" {
		server.Type = input.Type
	}
	if input.Capacity != nil {
		server.Capacity = *input.Capacity
	}
	if input.CurrentLoad != nil {
		server.CurrentLoad = *input.CurrentLoad
	}
	for k, v := range input.Config {
		server.Config[k] = v
	}

	id, err := r.store.Create(ctx, r.collection, server)
	if err != nil {
		return nil, fmt.Errorf("创建服务器失败: %w", err)
	}
	server.ID = id

	r.logger.Info("服务器已添加",
		zap.String("id", id),
		zap.String("name", server.Name),
		zap.String("region", server.Region))
	return server, nil
}

// Update 合并补丁并刷新lastUsed
func (r *Registry) Update(ctx context.Context, id string, patch map[string]any) error {
	if err := validatePatch(r.validate, patch); err != nil {
		return err
	}

	merged := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		if k == "id" {
			continue
		}
		merged[k] = v
	}
	merged["lastUsed"] = r.clock.Now()

	if err := r.store.Update(ctx, r.collection, id, merged); err != nil {
		return r.wrap(id, "更新服务器失败", err)
	}
	return nil
}

// Remove 删除服务器
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.collection, id); err != nil {
		return r.wrap(id, "删除服务器失败", err)
	}

	r.logger.Info("服务器已删除", zap.String("id", id))
	return nil
}

// RecordUsage 追加一条使用记录，只保留最近的MaxUsageRecords条
func (r *Registry) RecordUsage(ctx context.Context, id string, responseTime *float64) error {
	if responseTime != nil && !finite(*responseTime) {
		return &ValidationError{Fields: []string{"responseTime"}}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	server, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	load := server.CurrentLoad
	usage := append(server.Usage, model.UsageRecord{
		Timestamp:    now,
		ResponseTime: responseTime,
		Load:         &load,
	})
	if len(usage) > model.MaxUsageRecords {
		usage = usage[len(usage)-model.MaxUsageRecords:]
	}

	patch := map[string]any{
		"usage":    usage,
		"lastUsed": now,
	}
	if err := r.store.Update(ctx, r.collection, id, patch); err != nil {
		return r.wrap(id, "记录使用情况失败", err)
	}
	return nil
}

// RecordBackup 记录一次备份：lastBackup置为at，backupCount加一
func (r *Registry) RecordBackup(ctx context.Context, id string, at time.Time) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	server, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	patch := map[string]any{
		"lastBackup":  at,
		"backupCount": server.BackupCount + 1,
	}
	if err := r.store.Update(ctx, r.collection, id, patch); err != nil {
		return r.wrap(id, "记录备份失败", err)
	}

	r.logger.Info("服务器备份完成",
		zap.String("id", id),
		zap.Int("backup_count", server.BackupCount+1))
	return nil
}

// load 从存储层读取最新文档
func (r *Registry) load(ctx context.Context, id string) (*model.Server, error) {
	doc, err := r.store.Get(ctx, r.collection, id)
	if err != nil {
		return nil, r.wrap(id, "读取服务器失败", err)
	}
	server, err := decodeServer(*doc)
	if err != nil {
		return nil, fmt.Errorf("解析服务器 %s 失败: %w", id, err)
	}
	return server, nil
}

func (r *Registry) wrap(id, msg string, err error) error {
	if storage.IsNotFound(err) {
		return &NotFoundError{ID: id, Err: err}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// IsNotFound 判断错误是否为服务器不存在
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation 判断错误是否为输入校验失败
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func decodeServer(doc storage.Document) (*model.Server, error) {
	var server model.Server
	if err := json.Unmarshal(doc.Data, &server); err != nil {
		return nil, err
	}
	server.ID = doc.ID
	if server.Usage == nil {
		server.Usage = []model.UsageRecord{}
	}
	return &server, nil
}

func defaultConfig() map[string]any {
	return map[string]any{
		"autoBackup":     true,
		"backupInterval": DefaultBackupInterval,
		"maxConnections": DefaultMaxConnections,
	}
}

func cloneAll(servers []*model.Server) []*model.Server {
	result := make([]*model.Server, len(servers))
	for i, s := range servers {
		result[i] = s.Clone()
	}
	return result
}
