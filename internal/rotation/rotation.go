// Package rotation selects, on a fixed cadence, the one server that receives
// the next backup and records that the backup happened.
package rotation

import (
	"sort"
	"time"

	"github.com/hewenyu/fleet-core/pkg/model"
)

// Compute 根据lastBackup升序计算轮换顺序
// 从未备份的服务器排在最前，相同lastBackup保持原有顺序
func Compute(servers []*model.Server) model.RotationState {
	if len(servers) == 0 {
		return model.RotationState{Order: []string{}}
	}

	sorted := make([]*model.Server, len(servers))
	copy(sorted, servers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return backedUpBefore(sorted[i].LastBackup, sorted[j].LastBackup)
	})

	order := make([]string, len(sorted))
	for i, s := range sorted {
		order[i] = s.ID
	}

	state := model.RotationState{
		Current: order[0],
		Next:    order[0],
		Order:   order,
	}
	if len(order) > 1 {
		state.Next = order[1]
	}
	return state
}

// backedUpBefore nil视为最小值
func backedUpBefore(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}
