package model

import (
	"math"
	"time"
)

// ServerStatus 表示服务器运行状态
type ServerStatus string

const (
	// ServerStatusActive 活跃
	ServerStatusActive ServerStatus = "active"
	// ServerStatusInactive 停用
	ServerStatusInactive ServerStatus = "inactive"
)

// Valid 判断状态值是否合法
func (s ServerStatus) Valid() bool {
	return s == ServerStatusActive || s == ServerStatusInactive
}

// ServerType 表示服务器角色
type ServerType string

const (
	// ServerTypePrimary 主服务器
	ServerTypePrimary ServerType = "primary"
	// ServerTypeBackup 备份服务器
	ServerTypeBackup ServerType = "backup"
	// ServerTypeTesting 测试服务器
	ServerTypeTesting ServerType = "testing"
)

// Valid 判断类型值是否合法
func (t ServerType) Valid() bool {
	switch t {
	case ServerTypePrimary, ServerTypeBackup, ServerTypeTesting:
		return true
	}
	return false
}

// MaxUsageRecords 每台服务器保留的使用记录上限，超出后丢弃最旧的记录
const MaxUsageRecords = 1000

// UsageRecord 表示一次请求/响应的使用记录
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`              // 记录时间
	ResponseTime *float64  `json:"responseTime,omitempty"` // 响应时间(毫秒)
	Load         *float64  `json:"load,omitempty"`         // 记录时的负载百分比
}

// Server 表示舰队中的一台后端服务器
type Server struct {
	ID          string         `json:"id,omitempty"` // 由存储层在创建时分配
	Name        string         `json:"name"`
	Region      string         `json:"region"`
	Latitude    float64        `json:"latitude"`
	Longitude   float64        `json:"longitude"`
	Status      ServerStatus   `json:"status"`
	Type        ServerType     `json:"type"`
	Capacity    int            `json:"capacity"`    // 声明的请求容量
	CurrentLoad float64        `json:"currentLoad"` // 当前负载百分比 [0,100]
	CreatedAt   time.Time      `json:"createdAt"`
	LastBackup  *time.Time     `json:"lastBackup"` // nil 表示从未备份
	LastUsed    time.Time      `json:"lastUsed"`
	Usage       []UsageRecord  `json:"usage"`
	Downtime    int64          `json:"downtime"` // 累计停机时间(毫秒)
	BackupCount int            `json:"backupCount"`
	Config      map[string]any `json:"config"`
}

// Clone 返回服务器的深拷贝
func (s *Server) Clone() *Server {
	if s == nil {
		return nil
	}

	c := *s
	if s.LastBackup != nil {
		t := *s.LastBackup
		c.LastBackup = &t
	}
	if s.Usage != nil {
		c.Usage = make([]UsageRecord, len(s.Usage))
		copy(c.Usage, s.Usage)
	}
	if s.Config != nil {
		c.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// ServerInput 创建服务器时的输入参数
type ServerInput struct {
	Name        string         `json:"name" validate:"required"`
	Region      string         `json:"region" validate:"required"`
	Latitude    *float64       `json:"latitude" validate:"required"`
	Longitude   *float64       `json:"longitude" validate:"required"`
	Status      ServerStatus   `json:"status" validate:"omitempty,oneof=active inactive"`
	Type        ServerType     `json:"type" validate:"omitempty,oneof=primary backup testing"`
	Capacity    *int           `json:"capacity" validate:"omitempty,min=0"`
	CurrentLoad *float64       `json:"currentLoad" validate:"omitempty,min=0,max=100"`
	Config      map[string]any `json:"config"`
}

// Finite 判断坐标值是否为有限数
func Finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// RotationState 表示备份轮换的派生状态
type RotationState struct {
	Current string   `json:"current"` // 本轮接受备份的服务器
	Next    string   `json:"next"`    // 下一轮候选，单台服务器时等于Current
	Order   []string `json:"order"`   // 按lastBackup升序排列的服务器ID
}

// ConnectionStatus 表示单台服务器的连通性观测结果
type ConnectionStatus struct {
	IsConnected bool      `json:"isConnected"`
	Latency     *int64    `json:"latency"` // 往返延迟(毫秒)，仅在连通时有值
	LastCheck   time.Time `json:"lastCheck"`
}

// UsageStats 表示单台服务器的使用统计
type UsageStats struct {
	Today           int     `json:"today"`
	Week            int     `json:"week"`
	Month           int     `json:"month"`
	Total           int     `json:"total"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	Uptime          float64 `json:"uptime"`
}

// FleetStats 表示整个舰队的汇总数据
type FleetStats struct {
	TotalServers  int     `json:"totalServers"`
	ActiveServers int     `json:"activeServers"`
	TotalCapacity int     `json:"totalCapacity"`
	AverageLoad   float64 `json:"averageLoad"`
	TotalBackups  int     `json:"totalBackups"`
}
