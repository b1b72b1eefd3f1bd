package facility_test

import (
	"math"
	"testing"

	"github.com/dantte-lp/goscada/internal/facility"
)

// testPI is a simple tuning for controller behavior tests.
var testPI = facility.PIConfig{
	Kp:       1.0,
	Ki:       0.5,
	RampKi:   0.1,
	AccumMin: -10,
	AccumMax: 10,
	OutMin:   0,
	OutMax:   100,
}

// TestPIProportionalStep verifies the first step is dominated by the
// proportional term plus one integration step.
func TestPIProportionalStep(t *testing.T) {
	t.Parallel()

	c := facility.NewPI(testPI)
	out := c.Step(10, 0, 0.5, false)

	// err = 10, accum = 10*0.5 = 5 -> out = 1.0*10 + 0.5*5 = 12.5.
	if math.Abs(out-12.5) > 1e-9 {
		t.Errorf("Step = %v, want 12.5", out)
	}
	if c.Saturated() {
		t.Error("saturated after one small step")
	}
}

// TestPIAccumClamp verifies the integral accumulator clamps.
func TestPIAccumClamp(t *testing.T) {
	t.Parallel()

	c := facility.NewPI(testPI)
	// Large persistent error drives the accumulator into its clamp.
	for i := 0; i < 100; i++ {
		c.Step(1000, 0, 1.0, false)
	}
	// accum clamped at 10: out = Kp*1000 + Ki*10 = 1005, clamped to 100.
	out := c.Step(1000, 0, 1.0, false)
	if out != testPI.OutMax {
		t.Errorf("Step = %v, want clamped %v", out, testPI.OutMax)
	}
	if !c.Saturated() {
		t.Error("saturated = false after output clamp")
	}
}

// TestPIRampGain verifies the reduced integral gain during initial ramp.
func TestPIRampGain(t *testing.T) {
	t.Parallel()

	full := facility.NewPI(testPI)
	ramp := facility.NewPI(testPI)

	outFull := full.Step(10, 0, 1.0, false)
	outRamp := ramp.Step(10, 0, 1.0, true)

	if outRamp >= outFull {
		t.Errorf("ramp output %v not below full output %v", outRamp, outFull)
	}
}

// TestPIReset verifies Reset clears accumulated state.
func TestPIReset(t *testing.T) {
	t.Parallel()

	c := facility.NewPI(testPI)
	c.Step(10, 0, 1.0, false)
	c.Reset()

	out := c.Step(0, 0, 1.0, false)
	if out != 0 {
		t.Errorf("Step after Reset = %v, want 0", out)
	}
	if c.Saturated() {
		t.Error("saturated after Reset with zero error; OutMin clamp expected only on nonzero drive")
	}
}

// TestMovingAverage verifies windowed eviction and the empty-window case.
func TestMovingAverage(t *testing.T) {
	t.Parallel()

	m := facility.NewMovingAverage(4)
	if m.Mean() != 0 {
		t.Errorf("empty Mean = %v, want 0", m.Mean())
	}

	m.Push(2)
	m.Push(4)
	if m.Mean() != 3 {
		t.Errorf("partial Mean = %v, want 3", m.Mean())
	}

	m.Push(6)
	m.Push(8)
	if m.Mean() != 5 {
		t.Errorf("full Mean = %v, want 5", m.Mean())
	}

	// Fifth push evicts the first sample (2): (4+6+8+10)/4 = 7.
	m.Push(10)
	if m.Mean() != 7 {
		t.Errorf("post-eviction Mean = %v, want 7", m.Mean())
	}

	m.Reset()
	if m.Mean() != 0 {
		t.Errorf("post-Reset Mean = %v, want 0", m.Mean())
	}
}
