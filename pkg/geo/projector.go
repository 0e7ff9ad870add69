package geo

import "math"

// 默认画布尺寸，与经纬度单位一一对应
const (
	DefaultWidth  = 360.0
	DefaultHeight = 180.0
)

// Point 表示画布上的坐标
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Projector 将经纬度投影到固定尺寸的二维画布，无共享状态
type Projector struct {
	width  float64
	height float64
}

// NewProjector 创建投影器，非正或非有限的尺寸回退到默认值
func NewProjector(width, height float64) Projector {
	if !(width > 0) || math.IsInf(width, 0) {
		width = DefaultWidth
	}
	if !(height > 0) || math.IsInf(height, 0) {
		height = DefaultHeight
	}
	return Projector{width: width, height: height}
}

// Width 画布宽度
func (p Projector) Width() float64 { return p.width }

// Height 画布高度
func (p Projector) Height() float64 { return p.height }

// Project 将(经度, 纬度)投影为画布坐标
// 经度线性映射，纬度使用墨卡托变换；结果总在[0,W]x[0,H]内
func (p Projector) Project(lng, lat float64) (x, y float64) {
	lng = clampDegrees(lng, 180)
	lat = clampDegrees(lat, 90)

	x = clamp((lng+180)/360*p.width, p.width)

	mercatorY := math.Log(math.Tan(math.Pi/4 + lat*math.Pi/360))
	y = clamp(p.height/2-mercatorY*p.height/(2*math.Pi), p.height)

	return x, y
}

// ProjectPoint 与Project相同，返回Point
func (p Projector) ProjectPoint(lng, lat float64) Point {
	x, y := p.Project(lng, lat)
	return Point{X: x, Y: y}
}

// clampDegrees 将角度限制在[-limit, limit]，NaN视为0
func clampDegrees(v, limit float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-limit, math.Min(limit, v))
}

// clamp 将值限制在[0, max]，正负无穷取最近的边界
func clamp(v, max float64) float64 {
	switch {
	case math.IsNaN(v):
		return max / 2
	case v < 0:
		return 0
	case v > max:
		return max
	}
	return v
}
