package monitor

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Snapshot 一次采集的性能指标，采集完成后不再修改
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	CPU       CPUStats           `json:"cpu"`
	Memory    MemoryStats        `json:"memory"`
	Requests  RequestStats       `json:"requests"`
	Database  DatabaseStats      `json:"database"`
	Cache     CacheStats         `json:"cache"`
	Business  map[string]float64 `json:"business,omitempty"`

	raw []byte
}

// CPUStats Usage 为百分比 (0-100)
type CPUStats struct {
	Usage   float64    `json:"usage"`
	Cores   int        `json:"cores"`
	LoadAvg [3]float64 `json:"loadAvg"`
}

// MemoryStats Used/Total 为字节，Usage 为百分比
type MemoryStats struct {
	Used      uint64  `json:"used"`
	Total     uint64  `json:"total"`
	Usage     float64 `json:"usage"`
	HeapAlloc uint64  `json:"heapAlloc"`
}

// RequestStats 统计窗口为上一次采集到本次采集之间，ErrorRate 为百分比
type RequestStats struct {
	Total        uint64  `json:"total"`
	PerSecond    float64 `json:"perSecond"`
	ErrorRate    float64 `json:"errorRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// DatabaseStats QueryLatencyMs 为一次 Ping 的耗时
type DatabaseStats struct {
	Connections    int     `json:"connections"`
	QueryLatencyMs float64 `json:"queryLatencyMs"`
}

// CacheStats HitRate 为百分比
type CacheStats struct {
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
}

// seal 冻结快照并缓存 JSON 形式供 Lookup 使用
func (s *Snapshot) seal() {
	s.raw, _ = json.Marshal(s)
}

// Lookup 按点分路径读取数值指标，例如 cpu.usage、requests.errorRate、business.orders、cpu.loadAvg.0
//
// 路径不存在或值不是数字时返回 false
func (s Snapshot) Lookup(path string) (float64, bool) {
	raw := s.raw
	if raw == nil {
		raw, _ = json.Marshal(s)
	}
	r := gjson.GetBytes(raw, path)
	if !r.Exists() || r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}
