package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hewenyu/fleet-core/pkg/storage"
)

// collection 保存单个集合的文档，order记录插入顺序
type collection struct {
	docs  map[string][]byte
	order []string
}

// MemoryStorage 是基于内存的文档存储实现，主要用于测试和本地运行
// 变更通知在写操作返回前同步分发
type MemoryStorage struct {
	mu          sync.RWMutex
	collections map[string]*collection

	subMu  sync.Mutex
	subs   map[string]map[uint64]storage.ChangeHandler
	nextID uint64
}

// NewMemoryStorage 创建新的内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		collections: make(map[string]*collection),
		subs:        make(map[string]map[uint64]storage.ChangeHandler),
	}
}

var _ storage.DocumentStore = (*MemoryStorage)(nil)

func (m *MemoryStorage) collection(name string) *collection {
	c, ok := m.collections[name]
	if !ok {
		c = &collection{docs: make(map[string][]byte)}
		m.collections[name] = c
	}
	return c
}

// List 获取集合内的全部文档，按插入顺序返回
func (m *MemoryStorage) List(ctx context.Context, name string) ([]storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return []storage.Document{}, nil
	}

	docs := make([]storage.Document, 0, len(c.order))
	for _, id := range c.order {
		docs = append(docs, storage.Document{ID: id, Data: clone(c.docs[id])})
	}
	return docs, nil
}

// Get 获取单个文档
func (m *MemoryStorage) Get(ctx context.Context, name, id string) (*storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, storage.NewInvalidArgumentError("文档ID不能为空")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[name]
	if !ok {
		return nil, storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", name, id))
	}
	data, ok := c.docs[id]
	if !ok {
		return nil, storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", name, id))
	}

	return &storage.Document{ID: id, Data: clone(data)}, nil
}

// Create 创建文档
func (m *MemoryStorage) Create(ctx context.Context, name string, data any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	raw, err := storage.EncodeObject(data)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()

	m.mu.Lock()
	c := m.collection(name)
	c.docs[id] = raw
	c.order = append(c.order, id)
	m.mu.Unlock()

	m.notify(storage.ChangeEvent{Type: storage.ChangeCreate, Collection: name, ID: id})
	return id, nil
}

// Update 合并更新文档
func (m *MemoryStorage) Update(ctx context.Context, name, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return storage.NewInvalidArgumentError("文档ID不能为空")
	}

	m.mu.Lock()
	c, ok := m.collections[name]
	if !ok {
		m.mu.Unlock()
		return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", name, id))
	}
	data, ok := c.docs[id]
	if !ok {
		m.mu.Unlock()
		return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", name, id))
	}

	merged, err := storage.MergePatch(data, patch)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	c.docs[id] = merged
	m.mu.Unlock()

	m.notify(storage.ChangeEvent{Type: storage.ChangeUpdate, Collection: name, ID: id})
	return nil
}

// Delete 删除文档
func (m *MemoryStorage) Delete(ctx context.Context, name, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return storage.NewInvalidArgumentError("文档ID不能为空")
	}

	m.mu.Lock()
	c, ok := m.collections[name]
	if !ok {
		m.mu.Unlock()
		return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", name, id))
	}
	if _, ok := c.docs[id]; !ok {
		m.mu.Unlock()
		return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", name, id))
	}

	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.notify(storage.ChangeEvent{Type: storage.ChangeDelete, Collection: name, ID: id})
	return nil
}

// Subscribe 订阅集合变更
func (m *MemoryStorage) Subscribe(ctx context.Context, name string, handler storage.ChangeHandler) (storage.CancelFunc, error) {
	if handler == nil {
		return nil, storage.NewInvalidArgumentError("回调函数不能为空")
	}

	m.subMu.Lock()
	m.nextID++
	subID := m.nextID
	if m.subs[name] == nil {
		m.subs[name] = make(map[uint64]storage.ChangeHandler)
	}
	m.subs[name][subID] = handler
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs[name], subID)
			m.subMu.Unlock()
		})
	}

	// 上下文结束时自动取消订阅
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return cancel, nil
}

// Fail 向订阅者推送一个变更流错误，用于模拟订阅中断
func (m *MemoryStorage) Fail(name string, err error) {
	m.notify(storage.ChangeEvent{Type: storage.ChangeError, Collection: name, Err: err})
}

// Subscribers 返回集合当前的订阅者数量
func (m *MemoryStorage) Subscribers(name string) int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.subs[name])
}

// Close 内存存储无需释放资源
func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) notify(event storage.ChangeEvent) {
	m.subMu.Lock()
	handlers := make([]storage.ChangeHandler, 0, len(m.subs[event.Collection]))
	for _, h := range m.subs[event.Collection] {
		handlers = append(handlers, h)
	}
	m.subMu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
