package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/pkg/storage"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// 唯一约束冲突的错误码
const uniqueViolation = "23505"

// 监听连接保活的间隔
const listenerPingInterval = 90 * time.Second

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var (
	listDocumentsSQL = `
SELECT id, data
FROM %s
WHERE collection = $1
ORDER BY seq ASC;`

	getDocumentSQL = `
SELECT data
FROM %s
WHERE collection = $1 AND id = $2;`

	insertDocumentSQL = `
INSERT INTO %s (collection, id, data)
VALUES ($1, $2, $3::jsonb);`

	mergeDocumentSQL = `
UPDATE %s
SET data = data || $3::jsonb
WHERE collection = $1 AND id = $2;`

	deleteDocumentSQL = `
DELETE FROM %s
WHERE collection = $1 AND id = $2;`
)

// DocumentStorage 实现基于PostgreSQL JSONB的文档存储
type DocumentStorage struct {
	db        *sql.DB
	dsn       string
	tableName string
	logger    config.Logger
}

// NewDocumentStorage 创建PostgreSQL文档存储，dsn用于建立LISTEN连接
func NewDocumentStorage(db *sql.DB, dsn, tableName string, logger config.Logger) (*DocumentStorage, error) {
	if !tableNamePattern.MatchString(tableName) {
		return nil, fmt.Errorf("无效的表名: %q", tableName)
	}

	return &DocumentStorage{
		db:        db,
		dsn:       dsn,
		tableName: tableName,
		logger:    logger,
	}, nil
}

var _ storage.DocumentStore = (*DocumentStorage)(nil)

// List 获取集合内的全部文档，按创建顺序返回
func (s *DocumentStorage) List(ctx context.Context, collection string) ([]storage.Document, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(listDocumentsSQL, s.tableName), collection)
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("查询文档失败: %v", err))
	}
	defer rows.Close()

	docs := make([]storage.Document, 0)
	for rows.Next() {
		var doc storage.Document
		if err := rows.Scan(&doc.ID, &doc.Data); err != nil {
			return nil, storage.NewInternalError(fmt.Sprintf("解析文档失败: %v", err))
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("遍历文档失败: %v", err))
	}
	return docs, nil
}

// Get 获取单个文档
func (s *DocumentStorage) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	if id == "" {
		return nil, storage.NewInvalidArgumentError("文档ID不能为空")
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(getDocumentSQL, s.tableName), collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
	}
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("查询文档失败: %v", err))
	}

	return &storage.Document{ID: id, Data: data}, nil
}

// Create 创建文档
func (s *DocumentStorage) Create(ctx context.Context, collection string, data any) (string, error) {
	raw, err := storage.EncodeObject(data)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(insertDocumentSQL, s.tableName), collection, id, string(raw))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return "", storage.NewAlreadyExistsError(fmt.Sprintf("文档已存在: %s/%s", collection, id))
		}
		return "", storage.NewInternalError(fmt.Sprintf("写入文档失败: %v", err))
	}

	return id, nil
}

// Update 使用JSONB拼接合并顶层字段
func (s *DocumentStorage) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if id == "" {
		return storage.NewInvalidArgumentError("文档ID不能为空")
	}

	raw, err := storage.EncodeObject(patch)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(mergeDocumentSQL, s.tableName), collection, id, string(raw))
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("更新文档失败: %v", err))
	}
	return expectAffected(result, collection, id)
}

// Delete 删除文档
func (s *DocumentStorage) Delete(ctx context.Context, collection, id string) error {
	if id == "" {
		return storage.NewInvalidArgumentError("文档ID不能为空")
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(deleteDocumentSQL, s.tableName), collection, id)
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("删除文档失败: %v", err))
	}
	return expectAffected(result, collection, id)
}

func expectAffected(result sql.Result, collection, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("获取影响行数失败: %v", err))
	}
	if affected == 0 {
		return storage.NewNotFoundError(fmt.Sprintf("文档不存在: %s/%s", collection, id))
	}
	return nil
}

// notification 表示触发器推送的变更载荷
type notification struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// parseNotification 将通知载荷转换为变更事件，不属于该集合时返回false
func parseNotification(collection, payload string) (storage.ChangeEvent, bool) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return storage.ChangeEvent{}, false
	}
	if n.Collection != collection {
		return storage.ChangeEvent{}, false
	}

	event := storage.ChangeEvent{Collection: collection, ID: n.ID}
	switch n.Op {
	case "INSERT":
		event.Type = storage.ChangeCreate
	case "UPDATE":
		event.Type = storage.ChangeUpdate
	case "DELETE":
		event.Type = storage.ChangeDelete
	default:
		return storage.ChangeEvent{}, false
	}
	return event, true
}

// Subscribe 通过LISTEN/NOTIFY订阅集合变更
func (s *DocumentStorage) Subscribe(ctx context.Context, collection string, handler storage.ChangeHandler) (storage.CancelFunc, error) {
	if handler == nil {
		return nil, storage.NewInvalidArgumentError("回调函数不能为空")
	}

	channel := channelName(s.tableName)
	listener := pq.NewListener(s.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err == nil {
			return
		}
		s.logger.Warn("PostgreSQL监听连接异常", zap.String("channel", channel), zap.Error(err))
		handler(storage.ChangeEvent{Type: storage.ChangeError, Collection: collection, Err: err})
	})

	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, storage.NewInternalError(fmt.Sprintf("监听通道失败: %v", err))
	}

	s.logger.Info("开始监听PostgreSQL变化", zap.String("channel", channel))

	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer listener.Close()

		ticker := time.NewTicker(listenerPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-listenCtx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// 连接重建后可能丢失通知，推送一次整体刷新
					handler(storage.ChangeEvent{Type: storage.ChangeUpdate, Collection: collection})
					continue
				}
				if event, ok := parseNotification(collection, n.Extra); ok {
					handler(event)
				}
			case <-ticker.C:
				go listener.Ping()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			s.logger.Info("停止监听PostgreSQL变化", zap.String("channel", channel))
		})
	}, nil
}

// Close 关闭数据库连接
func (s *DocumentStorage) Close() error {
	return s.db.Close()
}
