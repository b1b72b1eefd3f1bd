package facility_test

import (
	"testing"

	"github.com/dantte-lp/goscada/internal/facility"
)

// TestAnnunciatorDiscipline verifies the latched state transitions.
func TestAnnunciatorDiscipline(t *testing.T) {
	t.Parallel()

	var an facility.Annunciator
	a := facility.AlarmReactorHighTemp

	if an.State(a) != facility.AlarmInactive {
		t.Fatalf("initial state = %s, want Inactive", an.State(a))
	}

	// Condition asserts: Inactive -> Tripped.
	an.Update(a, true)
	if an.State(a) != facility.AlarmTripped {
		t.Fatalf("state = %s, want Tripped", an.State(a))
	}

	// Still asserted + ack: Tripped -> Acked.
	an.Ack()
	if an.State(a) != facility.AlarmAcked {
		t.Fatalf("state = %s, want Acked", an.State(a))
	}

	// Condition clears while Acked: -> Inactive.
	an.Update(a, false)
	if an.State(a) != facility.AlarmInactive {
		t.Fatalf("state = %s, want Inactive", an.State(a))
	}

	// Trip then clear before ack: Tripped -> RingBack.
	an.Update(a, true)
	an.Update(a, false)
	if an.State(a) != facility.AlarmRingBack {
		t.Fatalf("state = %s, want RingBack", an.State(a))
	}

	// RingBack + condition returns: -> Tripped.
	an.Update(a, true)
	if an.State(a) != facility.AlarmTripped {
		t.Fatalf("state = %s, want Tripped", an.State(a))
	}

	// RingBack + ack: -> Inactive.
	an.Update(a, false)
	an.Ack()
	if an.State(a) != facility.AlarmInactive {
		t.Fatalf("state = %s, want Inactive", an.State(a))
	}
}

// TestAnnunciatorMasks verifies the bitfield snapshots.
func TestAnnunciatorMasks(t *testing.T) {
	t.Parallel()

	var an facility.Annunciator
	an.Update(facility.AlarmReactorDamage, true)
	an.Update(facility.AlarmTurbineTrip, true)
	an.Ack()
	an.Update(facility.AlarmRPSTransient, true)

	tripped := an.TrippedMask()
	acked := an.AckedMask()

	if tripped&(1<<facility.AlarmRPSTransient) == 0 {
		t.Error("RPSTransient missing from tripped mask")
	}
	if acked&(1<<facility.AlarmReactorDamage) == 0 {
		t.Error("ReactorDamage missing from acked mask")
	}
	if tripped&(1<<facility.AlarmReactorDamage) != 0 {
		t.Error("acked ReactorDamage still in tripped mask")
	}
}

// TestAnnunciatorCritical verifies the critical alarm scan used by the
// CRIT_ALARM auto-SCRAM condition.
func TestAnnunciatorCritical(t *testing.T) {
	t.Parallel()

	var an facility.Annunciator
	if an.AnyCritical() {
		t.Fatal("AnyCritical on empty annunciator")
	}

	an.Update(facility.AlarmReactorHighTemp, true)
	if an.AnyCritical() {
		t.Error("non-critical alarm reported critical")
	}

	an.Update(facility.AlarmCriticalDamage, true)
	if !an.AnyCritical() {
		t.Error("CriticalDamage not reported critical")
	}

	// Acked critical alarms still hold the condition.
	an.Ack()
	if !an.AnyCritical() {
		t.Error("acked critical alarm dropped from scan")
	}
}

// TestToneMixer verifies slot derivation and test-mode exclusivity.
func TestToneMixer(t *testing.T) {
	t.Parallel()

	var tm facility.ToneMixer
	var an facility.Annunciator

	an.Update(facility.AlarmRPSTransient, true)
	tm.Mix([]*facility.Annunciator{&an})

	slot := facility.AlarmRPSTransient.ToneSlot()
	if !tm.States()[slot] {
		t.Fatalf("tone slot %d silent with tripped alarm", slot)
	}

	// Acked alarms stop sounding.
	an.Ack()
	tm.Mix([]*facility.Annunciator{&an})
	if tm.States()[slot] {
		t.Error("tone slot sounding for acked alarm")
	}

	// RingBack sounds.
	an.Update(facility.AlarmRPSTransient, false)
	an.Update(facility.AlarmRPSTransient, true)
	an.Update(facility.AlarmRPSTransient, false)
	tm.Mix([]*facility.Annunciator{&an})
	if !tm.States()[slot] {
		t.Error("tone slot silent for ring-back alarm")
	}

	// Entering test mode replaces the live bitmap.
	tm.SetTest(0b00000010)
	if got := tm.Bitmap(); got != 0b00000010 {
		t.Errorf("test bitmap = %08b, want 00000010", got)
	}
	// Live mixing is suppressed during test.
	tm.Mix([]*facility.Annunciator{&an})
	if got := tm.Bitmap(); got != 0b00000010 {
		t.Errorf("test bitmap disturbed by Mix: %08b", got)
	}

	// Leaving test mode restores live derivation on the next Mix.
	tm.SetTest(0)
	tm.Mix([]*facility.Annunciator{&an})
	if !tm.States()[slot] {
		t.Error("live tones not restored after test mode")
	}
}
