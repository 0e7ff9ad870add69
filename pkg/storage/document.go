package storage

import (
	"encoding/json"
	"fmt"
)

// EncodeObject 将任意值序列化为JSON对象，非对象值返回InvalidArgument错误
func EncodeObject(data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, NewInvalidArgumentError(fmt.Sprintf("序列化文档失败: %v", err))
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, NewInvalidArgumentError("文档必须是JSON对象")
	}

	return raw, nil
}

// MergePatch 将patch的顶层字段覆盖到文档上，返回合并后的JSON
func MergePatch(doc []byte, patch map[string]any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &fields); err != nil {
			return nil, NewInternalError(fmt.Sprintf("解析文档失败: %v", err))
		}
	}

	for key, value := range patch {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, NewInvalidArgumentError(fmt.Sprintf("序列化字段 %s 失败: %v", key, err))
		}
		fields[key] = raw
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, NewInternalError(fmt.Sprintf("序列化文档失败: %v", err))
	}
	return merged, nil
}
