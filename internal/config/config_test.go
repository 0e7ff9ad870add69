package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, "memory", config.Store.Driver)
	assert.Equal(t, "servers", config.Store.Collection)
	assert.Equal(t, []string{"localhost:2379"}, config.Etcd.Endpoints)
	assert.Equal(t, 5*time.Second, config.Etcd.DialTimeout)
	assert.Equal(t, 60*time.Second, config.Rotation.Interval, "轮换间隔应为60秒")
	assert.Equal(t, 30*time.Second, config.Health.Interval, "探测间隔应为30秒")
	assert.Equal(t, 5*time.Second, config.Health.Timeout)
	assert.Equal(t, 360.0, config.Projection.Width)
	assert.Equal(t, 180.0, config.Projection.Height)
	assert.Equal(t, 8080, config.API.Port)
	assert.Equal(t, "info", config.Log.Level)
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("FLEET_CORE_API_PORT", "9090")
	t.Setenv("FLEET_CORE_ROTATION_INTERVAL", "2m")

	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")

	// 验证环境变量覆盖
	assert.Equal(t, 9090, config.API.Port, "环境变量应正确覆盖API端口")
	assert.Equal(t, 2*time.Minute, config.Rotation.Interval, "环境变量应正确覆盖轮换间隔")

	// 确认其他值不受影响
	assert.Equal(t, 30*time.Second, config.Health.Interval)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
store:
  driver: etcd
  collection: fleet
etcd:
  endpoints: ["etcd-1:2379", "etcd-2:2379"]
health:
  interval: 10s
log:
  level: debug
  development: false
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "etcd", config.Store.Driver)
	assert.Equal(t, "fleet", config.Store.Collection)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, config.Etcd.Endpoints)
	assert.Equal(t, 10*time.Second, config.Health.Interval)
	assert.Equal(t, 60*time.Second, config.Rotation.Interval, "未设置的字段保留默认值")
	assert.False(t, config.Log.Development)
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	assert.Error(t, err, "从不存在的文件加载配置应该失败")
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("FLEET_CORE_STORE_DRIVER", "mongo")

	config, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, config)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Store:      StoreConfig{Driver: "memory", Collection: "servers"},
		Rotation:   RotationConfig{Interval: time.Minute},
		Health:     HealthConfig{Interval: time.Second},
		Projection: ProjectionConfig{Width: 360, Height: 180},
	}
	assert.NoError(t, valid.Validate())

	noInterval := valid
	noInterval.Rotation.Interval = 0
	assert.Error(t, noInterval.Validate())

	noCanvas := valid
	noCanvas.Projection.Height = 0
	assert.Error(t, noCanvas.Validate())
}
