package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeObject(t *testing.T) {
	raw, err := EncodeObject(map[string]any{"name": "edge-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"edge-1"}`, string(raw))

	// 非对象值应被拒绝
	_, err = EncodeObject([]int{1, 2})
	require.Error(t, err)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrInvalidArgument, se.Code)

	_, err = EncodeObject(nil)
	assert.Error(t, err)
}

func TestMergePatch(t *testing.T) {
	doc := []byte(`{"name":"edge-1","capacity":10,"config":{"a":1}}`)

	merged, err := MergePatch(doc, map[string]any{
		"capacity": 20,
		"config":   map[string]any{"b": 2},
		"region":   "sa-east",
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	assert.Equal(t, "edge-1", got["name"])
	assert.EqualValues(t, 20, got["capacity"])
	assert.Equal(t, "sa-east", got["region"])
	// 顶层字段整体替换，不做深度合并
	assert.Equal(t, map[string]any{"b": float64(2)}, got["config"])
}

func TestMergePatch_EmptyDocument(t *testing.T) {
	merged, err := MergePatch(nil, map[string]any{"name": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x"}`, string(merged))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("x")))
	assert.False(t, IsNotFound(NewInternalError("x")))
	assert.False(t, IsNotFound(nil))
}
