package storage

import (
	"context"
	"errors"
)

// Document 表示集合中的一个文档
type Document struct {
	ID   string // 存储层分配的唯一ID
	Data []byte // JSON对象
}

// ChangeType 定义变更事件类型
type ChangeType string

const (
	// ChangeCreate 文档被创建
	ChangeCreate ChangeType = "create"
	// ChangeUpdate 文档被更新
	ChangeUpdate ChangeType = "update"
	// ChangeDelete 文档被删除
	ChangeDelete ChangeType = "delete"
	// ChangeError 变更流本身出错，Err字段有值
	ChangeError ChangeType = "error"
)

// ChangeEvent 表示集合上的一次变更通知
type ChangeEvent struct {
	Type       ChangeType
	Collection string
	ID         string
	Err        error
}

// ChangeHandler 定义变更回调函数类型
type ChangeHandler func(event ChangeEvent)

// CancelFunc 取消订阅，可重复调用
type CancelFunc func()

// DocumentStore 定义文档存储接口
type DocumentStore interface {
	// List 获取集合内的全部文档
	List(ctx context.Context, collection string) ([]Document, error)

	// Get 获取单个文档，不存在时返回NotFound错误
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Create 创建文档并返回分配的ID，data必须能序列化为JSON对象
	Create(ctx context.Context, collection string, data any) (string, error)

	// Update 将patch的顶层字段合并进已有文档，不存在时返回NotFound错误
	Update(ctx context.Context, collection, id string, patch map[string]any) error

	// Delete 删除文档，不存在时返回NotFound错误
	Delete(ctx context.Context, collection, id string) error

	// Subscribe 订阅集合变更，返回的CancelFunc必须在关闭时调用
	Subscribe(ctx context.Context, collection string, handler ChangeHandler) (CancelFunc, error)

	// Close 释放底层连接
	Close() error
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StorageError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrAlreadyExists 资源已存在
	ErrAlreadyExists
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建资源已存在错误
func NewAlreadyExistsError(message string) *StorageError {
	return &StorageError{
		Code:    ErrAlreadyExists,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInternal,
		Message: message,
	}
}

// IsNotFound 判断错误链中是否包含资源不存在错误
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == ErrNotFound
}
