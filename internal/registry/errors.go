package registry

import (
	"fmt"
	"strings"
)

// ValidationError 表示服务器输入不合法，Fields为出错的JSON字段名
type ValidationError struct {
	Fields []string
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	return fmt.Sprintf("服务器参数无效: %s", strings.Join(e.Fields, ", "))
}

// NotFoundError 表示服务器不存在
type NotFoundError struct {
	ID  string
	Err error
}

// Error 实现error接口
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("服务器不存在: %s", e.ID)
}

// Unwrap 返回底层存储错误
func (e *NotFoundError) Unwrap() error {
	return e.Err
}
