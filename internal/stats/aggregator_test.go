package stats

import (
	"testing"
	"time"

	"github.com/hewenyu/fleet-core/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestFor_Windows(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	server := &model.Server{
		ID:        "s1",
		CreatedAt: now.Add(-60 * Day),
		// 窗口边界上的记录计入该窗口
		Usage: []model.UsageRecord{
			{Timestamp: now.Add(-40 * Day)},
			{Timestamp: now.Add(-Month)},
			{Timestamp: now.Add(-10 * Day), ResponseTime: ptr(30)},
			{Timestamp: now.Add(-Week)},
			{Timestamp: now.Add(-2 * Day), ResponseTime: ptr(10)},
			{Timestamp: now.Add(-time.Hour), ResponseTime: ptr(20)},
			{Timestamp: now.Add(-Day)},
		},
	}

	st := For(server, now)
	assert.Equal(t, 2, st.Today)
	assert.Equal(t, 4, st.Week)
	assert.Equal(t, 6, st.Month)
	assert.Equal(t, 7, st.Total)
	assert.InDelta(t, 20, st.AvgResponseTime, 1e-9)
	assert.Equal(t, 100.0, st.Uptime)
}

func TestFor_AvgResponseTime(t *testing.T) {
	now := time.Now()

	st := For(&model.Server{}, now)
	assert.Equal(t, 0.0, st.AvgResponseTime, "没有记录时平均响应时间为0")

	st = For(&model.Server{Usage: []model.UsageRecord{{Timestamp: now}, {Timestamp: now}}}, now)
	assert.Equal(t, 0.0, st.AvgResponseTime, "没有响应时间时为0")

	// 响应时间为0的记录也计入
	st = For(&model.Server{Usage: []model.UsageRecord{
		{Timestamp: now, ResponseTime: ptr(0)},
		{Timestamp: now, ResponseTime: ptr(50)},
		{Timestamp: now},
	}}, now)
	assert.InDelta(t, 25, st.AvgResponseTime, 1e-9)
}

func TestUptime(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	created := now.Add(-100 * time.Second)

	assert.Equal(t, 100.0, Uptime(&model.Server{}, now), "没有创建时间视为100")
	assert.Equal(t, 100.0, Uptime(&model.Server{CreatedAt: now}, now), "生命周期为0视为100")
	assert.Equal(t, 100.0, Uptime(&model.Server{CreatedAt: now.Add(time.Hour)}, now), "创建时间在未来视为100")

	assert.InDelta(t, 90, Uptime(&model.Server{CreatedAt: created, Downtime: 10_000}, now), 1e-9)
	assert.Equal(t, 0.0, Uptime(&model.Server{CreatedAt: created, Downtime: 500_000}, now), "停机超过生命周期时截断为0")
	assert.Equal(t, 100.0, Uptime(&model.Server{CreatedAt: created, Downtime: -5}, now), "负停机时间截断为100")
}

func TestUptime_AlwaysInRange(t *testing.T) {
	now := time.Now()
	for _, age := range []time.Duration{time.Millisecond, time.Second, time.Hour, 400 * Day} {
		for _, downtime := range []int64{0, 1, 1000, 3_600_000, 1 << 40} {
			u := Uptime(&model.Server{CreatedAt: now.Add(-age), Downtime: downtime}, now)
			assert.GreaterOrEqual(t, u, 0.0)
			assert.LessOrEqual(t, u, 100.0)
		}
	}
}

func TestForFleet(t *testing.T) {
	now := time.Now()
	servers := []*model.Server{
		{ID: "a", Usage: []model.UsageRecord{{Timestamp: now}}},
		{ID: "b"},
	}

	all := ForFleet(servers, now)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all["a"].Total)
	assert.Equal(t, 0, all["b"].Total)
}

func TestOverall(t *testing.T) {
	st := Overall(nil)
	assert.Equal(t, model.FleetStats{}, st, "空舰队不应除以0")

	st = Overall([]*model.Server{{ID: "1", Status: model.ServerStatusActive, Capacity: 0}})
	assert.Equal(t, 1, st.TotalServers)
	assert.Equal(t, 0, st.TotalCapacity)
	assert.Equal(t, 0.0, st.AverageLoad)

	st = Overall([]*model.Server{
		{Status: model.ServerStatusActive, Capacity: 100, CurrentLoad: 20, BackupCount: 2},
		{Status: model.ServerStatusInactive, Capacity: 50, CurrentLoad: 60, BackupCount: 1},
		{Status: model.ServerStatusActive, Capacity: 10, CurrentLoad: 10},
	})
	assert.Equal(t, 3, st.TotalServers)
	assert.Equal(t, 2, st.ActiveServers)
	assert.Equal(t, 160, st.TotalCapacity)
	assert.InDelta(t, 30, st.AverageLoad, 1e-9)
	assert.Equal(t, 3, st.TotalBackups)
}

func TestLeastUsed(t *testing.T) {
	assert.Nil(t, LeastUsed(nil))

	servers := []*model.Server{
		{ID: "a", CurrentLoad: 40},
		{ID: "b", CurrentLoad: 10},
		{ID: "c", CurrentLoad: 10},
	}
	assert.Equal(t, "b", LeastUsed(servers).ID)
}
