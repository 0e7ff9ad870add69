package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocumentStorage_TableName(t *testing.T) {
	_, err := NewDocumentStorage(nil, "", "fleet_documents", config.NewNopLogger())
	assert.NoError(t, err)

	for _, name := range []string{"", "Fleet", "fleet;drop", "1fleet", "fleet-docs"} {
		_, err := NewDocumentStorage(nil, "", name, config.NewNopLogger())
		assert.Error(t, err, "表名 %q 应被拒绝", name)
	}
}

func TestMigrate_RejectsInvalidTableName(t *testing.T) {
	// 非法表名在执行任何SQL之前被拒绝，因此不需要数据库连接
	for _, name := range []string{"", "fleet; DROP TABLE users", "Fleet", "fleet-docs"} {
		err := Migrate(nil, name)
		require.Error(t, err, "表名 %q 应被拒绝", name)
		assert.Contains(t, err.Error(), "无效的表名")
	}
}

func TestParseNotification(t *testing.T) {
	event, ok := parseNotification("servers", `{"op":"INSERT","collection":"servers","id":"a"}`)
	require.True(t, ok)
	assert.Equal(t, storage.ChangeCreate, event.Type)
	assert.Equal(t, "a", event.ID)

	event, ok = parseNotification("servers", `{"op":"UPDATE","collection":"servers","id":"a"}`)
	require.True(t, ok)
	assert.Equal(t, storage.ChangeUpdate, event.Type)

	event, ok = parseNotification("servers", `{"op":"DELETE","collection":"servers","id":"a"}`)
	require.True(t, ok)
	assert.Equal(t, storage.ChangeDelete, event.Type)

	// 其他集合、未知操作和非法载荷都被忽略
	_, ok = parseNotification("servers", `{"op":"INSERT","collection":"tasks","id":"a"}`)
	assert.False(t, ok)
	_, ok = parseNotification("servers", `{"op":"TRUNCATE","collection":"servers"}`)
	assert.False(t, ok)
	_, ok = parseNotification("servers", `not json`)
	assert.False(t, ok)
}

// 需要运行中的PostgreSQL，未设置FLEET_CORE_POSTGRES_DSN时跳过
func newTestStorage(t *testing.T) *DocumentStorage {
	t.Helper()

	dsn := os.Getenv("FLEET_CORE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("跳过PostgreSQL集成测试 - 未设置FLEET_CORE_POSTGRES_DSN环境变量")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "连接数据库失败")
	require.NoError(t, db.Ping(), "数据库不可用")

	table := fmt.Sprintf("test_%s", uuid.New().String()[0:8])
	require.NoError(t, Migrate(db, table))

	s, err := NewDocumentStorage(db, dsn, table, config.NewNopLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
		_, _ = db.Exec(fmt.Sprintf("DROP FUNCTION IF EXISTS %s_notify()", table))
		_ = db.Close()
	})
	return s
}

func TestDocumentStorage_CRUD(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "servers", map[string]any{"name": "edge-1", "capacity": 10})
	require.NoError(t, err)
	second, err := s.Create(ctx, "servers", map[string]any{"name": "edge-2"})
	require.NoError(t, err)

	docs, err := s.List(ctx, "servers")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, first, docs[0].ID)
	assert.Equal(t, second, docs[1].ID)

	require.NoError(t, s.Update(ctx, "servers", first, map[string]any{"capacity": 30}))
	doc, err := s.Get(ctx, "servers", first)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"edge-1","capacity":30}`, string(doc.Data))

	require.NoError(t, s.Delete(ctx, "servers", first))
	assert.True(t, storage.IsNotFound(s.Delete(ctx, "servers", first)))
	assert.True(t, storage.IsNotFound(s.Update(ctx, "servers", first, map[string]any{"a": 1})))
	_, err = s.Get(ctx, "servers", first)
	assert.True(t, storage.IsNotFound(err))
}

func TestDocumentStorage_Subscribe(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []storage.ChangeEvent
	)
	unsubscribe, err := s.Subscribe(ctx, "servers", func(event storage.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})
	require.NoError(t, err)
	defer unsubscribe()

	id, err := s.Create(ctx, "servers", map[string]any{"name": "edge-1"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "servers", id))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, storage.ChangeCreate, events[0].Type)
	assert.Equal(t, storage.ChangeDelete, events[1].Type)
}
