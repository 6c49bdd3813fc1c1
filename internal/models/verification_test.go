package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBBox_IoU_Identical(t *testing.T) {
	box := BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}

	assert.InDelta(t, 1.0, box.IoU(box), 1e-9)
}

func TestBBox_IoU_NoOverlap(t *testing.T) {
	a := BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := BBox{X1: 20, Y1: 20, X2: 30, Y2: 30}

	assert.Equal(t, 0.0, a.IoU(b))
}

func TestBBox_IoU_PartialOverlap(t *testing.T) {
	a := BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := BBox{X1: 5, Y1: 5, X2: 15, Y2: 15}

	// 交集 25，并集 175
	assert.InDelta(t, 25.0/175.0, a.IoU(b), 1e-9)
	assert.InDelta(t, a.IoU(b), b.IoU(a), 1e-9)
}

func TestBBox_IoU_DegenerateBox(t *testing.T) {
	a := BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	degenerate := BBox{X1: 5, Y1: 5, X2: 5, Y2: 15}

	assert.Equal(t, 0.0, a.IoU(degenerate))
	assert.Equal(t, 0.0, degenerate.Area())
}

func TestParseAlarmCategory(t *testing.T) {
	assert.Equal(t, CategoryVehicleStopped, ParseAlarmCategory("vehicle_stopped"))
	assert.Equal(t, CategoryPedestrian, ParseAlarmCategory("pedestrian"))
	assert.Equal(t, CategoryDebris, ParseAlarmCategory("debris"))
	assert.Equal(t, CategoryIllegalVehicle, ParseAlarmCategory("illegal_vehicle"))
	assert.Equal(t, CategoryOther, ParseAlarmCategory("something-new"))
}

func TestLabelSets(t *testing.T) {
	assert.True(t, IsVehicleLabel("ambulance"))
	assert.True(t, IsRescueVehicleLabel("ambulance"))
	assert.False(t, IsRescueVehicleLabel("truck"))

	assert.True(t, IsConstructionVehicleLabel("anti_collision_vehicle"))
	assert.True(t, IsIgnorableLabel("cone"))
	assert.False(t, IsIgnorableLabel("car"))

	assert.True(t, IsPersonLabel("builder"))
	assert.True(t, IsBuilderLabel("builder"))
	assert.True(t, IsRescuePersonLabel("traffic_police"))
	assert.False(t, IsRescuePersonLabel("person"))

	assert.True(t, IsFaultDebrisLabel("tripod"))
	assert.False(t, IsFaultDebrisLabel("cone"))
}
