// Package stats derives read-only usage statistics from server documents.
// Every function is a pure transform over the snapshot it is given.
package stats

import (
	"time"

	"github.com/hewenyu/fleet-core/pkg/model"
)

// 固定长度的统计窗口，不按日历对齐
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

// For 计算单台服务器在now时刻的使用统计
func For(server *model.Server, now time.Time) model.UsageStats {
	if server == nil {
		return model.UsageStats{Uptime: 100}
	}

	return model.UsageStats{
		Today:           countSince(server.Usage, now.Add(-Day)),
		Week:            countSince(server.Usage, now.Add(-Week)),
		Month:           countSince(server.Usage, now.Add(-Month)),
		Total:           len(server.Usage),
		AvgResponseTime: avgResponseTime(server.Usage),
		Uptime:          Uptime(server, now),
	}
}

// ForFleet 计算整个快照的使用统计，按服务器ID索引
func ForFleet(servers []*model.Server, now time.Time) map[string]model.UsageStats {
	result := make(map[string]model.UsageStats, len(servers))
	for _, s := range servers {
		result[s.ID] = For(s, now)
	}
	return result
}

// countSince 统计时间戳不早于cutoff的记录数
func countSince(usage []model.UsageRecord, cutoff time.Time) int {
	n := 0
	for _, u := range usage {
		if !u.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// avgResponseTime 对带响应时间的记录求平均，没有时返回0
func avgResponseTime(usage []model.UsageRecord) float64 {
	var (
		sum   float64
		count int
	)
	for _, u := range usage {
		if u.ResponseTime == nil {
			continue
		}
		sum += *u.ResponseTime
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Uptime 返回服务器生命周期中未停机的百分比，范围[0,100]
func Uptime(server *model.Server, now time.Time) float64 {
	if server.CreatedAt.IsZero() {
		return 100
	}

	total := float64(now.Sub(server.CreatedAt).Milliseconds())
	if total <= 0 {
		return 100
	}

	uptime := (total - float64(server.Downtime)) / total * 100
	switch {
	case uptime < 0:
		return 0
	case uptime > 100:
		return 100
	}
	return uptime
}

// Overall 计算舰队汇总数据，空舰队的平均负载为0
func Overall(servers []*model.Server) model.FleetStats {
	var st model.FleetStats
	var loadSum float64

	for _, s := range servers {
		st.TotalServers++
		if s.Status == model.ServerStatusActive {
			st.ActiveServers++
		}
		st.TotalCapacity += s.Capacity
		st.TotalBackups += s.BackupCount
		loadSum += s.CurrentLoad
	}

	if st.TotalServers > 0 {
		st.AverageLoad = loadSum / float64(st.TotalServers)
	}
	return st
}

// LeastUsed 返回当前负载最低的服务器，负载相同时取靠前的一台
func LeastUsed(servers []*model.Server) *model.Server {
	var least *model.Server
	for _, s := range servers {
		if least == nil || s.CurrentLoad < least.CurrentLoad {
			least = s
		}
	}
	return least
}
