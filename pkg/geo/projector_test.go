package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProject_Longitude(t *testing.T) {
	p := NewProjector(360, 180)

	x, _ := p.Project(-180, 0)
	assert.InDelta(t, 0, x, 1e-9)
	x, _ = p.Project(0, 0)
	assert.InDelta(t, 180, x, 1e-9)
	x, _ = p.Project(180, 0)
	assert.InDelta(t, 360, x, 1e-9)
	x, _ = p.Project(-46.63, 0)
	assert.InDelta(t, 133.37, x, 1e-9)
}

func TestProject_MercatorLatitude(t *testing.T) {
	p := NewProjector(360, 180)

	_, y := p.Project(0, 0)
	assert.InDelta(t, 90, y, 1e-9, "赤道位于画布中线")

	// 约85.0511°处墨卡托值为π，恰好落在画布上边界
	maxLat := math.Atan(math.Sinh(math.Pi)) * 180 / math.Pi
	_, y = p.Project(0, maxLat)
	assert.InDelta(t, 0, y, 1e-6)
	_, y = p.Project(0, -maxLat)
	assert.InDelta(t, 180, y, 1e-6)

	// 非线性：45°不在线性映射的位置
	_, y = p.Project(0, 45)
	expected := 90 - math.Log(math.Tan(math.Pi/4+45*math.Pi/360))*180/(2*math.Pi)
	assert.InDelta(t, expected, y, 1e-9)
	assert.NotEqual(t, 45.0, y)

	// 北半球在上方
	_, north := p.Project(0, 30)
	_, south := p.Project(0, -30)
	assert.Less(t, north, south)
}

func TestProject_PolesAndAntimeridian(t *testing.T) {
	p := NewProjector(360, 180)

	x, y := p.Project(180, 90)
	assert.False(t, math.IsNaN(x) || math.IsInf(x, 0))
	assert.False(t, math.IsNaN(y) || math.IsInf(y, 0))
	assert.Equal(t, 360.0, x)
	assert.Equal(t, 0.0, y)

	x, y = p.Project(-180, -90)
	assert.Equal(t, 0.0, x)
	assert.Equal(t, 180.0, y)
}

func TestProject_OutOfRangeAndNonFinite(t *testing.T) {
	p := NewProjector(800, 400)

	cases := []struct {
		lng, lat float64
	}{
		{500, 200},
		{-500, -200},
		{math.Inf(1), math.Inf(-1)},
		{math.NaN(), math.NaN()},
	}
	for _, c := range cases {
		x, y := p.Project(c.lng, c.lat)
		assert.True(t, x >= 0 && x <= 800, "x越界: %v", x)
		assert.True(t, y >= 0 && y <= 400, "y越界: %v", y)
	}

	x, y := p.Project(math.NaN(), math.NaN())
	assert.Equal(t, 400.0, x)
	assert.Equal(t, 200.0, y)
}

func TestProject_TotalAndDeterministic(t *testing.T) {
	p := NewProjector(360, 180)

	for lng := -180.0; lng <= 180; lng += 7.5 {
		for lat := -90.0; lat <= 90; lat += 2.5 {
			x1, y1 := p.Project(lng, lat)
			x2, y2 := p.Project(lng, lat)
			assert.Equal(t, x1, x2)
			assert.Equal(t, y1, y2)
			assert.True(t, x1 >= 0 && x1 <= 360)
			assert.True(t, y1 >= 0 && y1 <= 180)
		}
	}
}

func TestNewProjector_Defaults(t *testing.T) {
	p := NewProjector(0, math.NaN())
	assert.Equal(t, DefaultWidth, p.Width())
	assert.Equal(t, DefaultHeight, p.Height())

	pt := NewProjector(100, 50).ProjectPoint(0, 0)
	assert.Equal(t, Point{X: 50, Y: 25}, pt)
}
