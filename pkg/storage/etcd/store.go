package etcd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/pkg/storage"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcd操作的超时时间
const etcdTimeout = 5 * time.Second

// 并发更新冲突时的最大重试次数
const maxUpdateRetries = 5

// 监听中断后重新建立监听前的等待时间
const rewatchDelay = time.Second

// DocumentStorage 实现基于etcd的文档存储
type DocumentStorage struct {
	client *Client
	logger config.Logger
}

// NewDocumentStorage 创建etcd文档存储
func NewDocumentStorage(client *Client, logger config.Logger) *DocumentStorage {
	return &DocumentStorage{
		client: client,
		logger: logger,
	}
}

var _ storage.DocumentStore = (*DocumentStorage)(nil)

// List 获取集合内的全部文档，按创建顺序返回
func (s *DocumentStorage) List(ctx context.Context, collection string) ([]storage.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	prefix := s.client.GetCollectionPrefix(collection)
	resp, err := s.client.GetClient().Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}

	docs := make([]storage.Document, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		docs = append(docs, storage.Document{
			ID:   strings.TrimPrefix(string(kv.Key), prefix),
			Data: kv.Value,
		})
	}
	return docs, nil
}

// Get 获取单个文档
func (s *DocumentStorage) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	if id == "" {
		return nil, storage.NewInvalidArgumentError("文档ID不能为空")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.GetClient().Get(ctx, s.client.GetDocumentKey(collection, id))
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
	}

	return &storage.Document{ID: id, Data: resp.Kvs[0].Value}, nil
}

// Create 创建文档，键已存在时返回AlreadyExists错误
func (s *DocumentStorage) Create(ctx context.Context, collection string, data any) (string, error) {
	raw, err := storage.EncodeObject(data)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	key := s.client.GetDocumentKey(collection, id)

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.GetClient().Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(raw))).
		Commit()
	if err != nil {
		return "", storage.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
	}
	if !resp.Succeeded {
		return "", storage.NewAlreadyExistsError(fmt.Sprintf("文档已存在: %s/%s", collection, id))
	}

	s.logger.Debug("文档创建成功", zap.String("collection", collection), zap.String("id", id))
	return id, nil
}

// Update 使用乐观并发控制合并更新文档
func (s *DocumentStorage) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if id == "" {
		return storage.NewInvalidArgumentError("文档ID不能为空")
	}

	key := s.client.GetDocumentKey(collection, id)

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		getResp, err := s.client.GetClient().Get(ctx, key)
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
		}
		if len(getResp.Kvs) == 0 {
			return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
		}

		kv := getResp.Kvs[0]
		merged, err := storage.MergePatch(kv.Value, patch)
		if err != nil {
			return err
		}

		txnResp, err := s.client.GetClient().Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(merged))).
			Commit()
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
		}
		if txnResp.Succeeded {
			return nil
		}

		s.logger.Debug("文档并发更新冲突，重试",
			zap.String("collection", collection),
			zap.String("id", id),
			zap.Int("attempt", attempt+1))
	}

	return storage.NewInternalError(fmt.Sprintf("文档更新冲突次数过多: %s/%s", collection, id))
}

// Delete 删除文档
func (s *DocumentStorage) Delete(ctx context.Context, collection, id string) error {
	if id == "" {
		return storage.NewInvalidArgumentError("文档ID不能为空")
	}

	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := s.client.GetClient().Delete(ctx, s.client.GetDocumentKey(collection, id))
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("从etcd删除失败: %v", err))
	}
	if resp.Deleted == 0 {
		return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
	}
	return nil
}

// Subscribe 监听集合前缀的变化，监听中断时推送错误事件并自动重新监听
func (s *DocumentStorage) Subscribe(ctx context.Context, collection string, handler storage.ChangeHandler) (storage.CancelFunc, error) {
	if handler == nil {
		return nil, storage.NewInvalidArgumentError("回调函数不能为空")
	}

	prefix := s.client.GetCollectionPrefix(collection)
	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.logger.Info("开始监听etcd变化", zap.String("prefix", prefix))

	go func() {
		defer close(done)

		for {
			watchChan := s.client.GetClient().Watch(watchCtx, prefix, clientv3.WithPrefix())
			for watchResp := range watchChan {
				if err := watchResp.Err(); err != nil {
					s.logger.Warn("etcd监听出错", zap.String("prefix", prefix), zap.Error(err))
					handler(storage.ChangeEvent{Type: storage.ChangeError, Collection: collection, Err: err})
					continue
				}

				for _, event := range watchResp.Events {
					changeType := storage.ChangeUpdate
					switch {
					case event.Type == clientv3.EventTypeDelete:
						changeType = storage.ChangeDelete
					case event.IsCreate():
						changeType = storage.ChangeCreate
					}

					handler(storage.ChangeEvent{
						Type:       changeType,
						Collection: collection,
						ID:         strings.TrimPrefix(string(event.Kv.Key), prefix),
					})
				}
			}

			if watchCtx.Err() != nil {
				return
			}

			// 监听通道意外关闭，等待后重新监听
			s.logger.Warn("etcd监听被取消，准备重新监听", zap.String("prefix", prefix))
			select {
			case <-watchCtx.Done():
				return
			case <-time.After(rewatchDelay):
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			s.logger.Info("停止监听etcd变化", zap.String("prefix", prefix))
		})
	}, nil
}

// Close 关闭etcd连接
func (s *DocumentStorage) Close() error {
	return s.client.Close()
}
