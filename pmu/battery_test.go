package pmu

import (
	"math"
	"testing"

	"photonicat.com/pcatd/status"
)

func TestPercentageBounds(t *testing.T) {
	for _, table := range []*batteryTable{
		&defaultDischargeNormal, &defaultDischarge5G, &defaultCharge,
	} {
		for v := uint(2500); v <= 5000; v += 7 {
			pct := table.percentage(v)
			if pct < 0 || pct > 100 {
				t.Fatalf("percentage(%d) = %v out of range", v, pct)
			}
		}
	}
}

func TestPercentagePiecewiseLinear(t *testing.T) {
	table := &defaultDischargeNormal
	for i := 0; i < 10; i++ {
		hi, lo := table[i], table[i+1]
		for v := lo; v <= hi; v++ {
			got := table.percentage(v)
			want := float64(90-10*i) + float64(v-lo)*10/float64(hi-lo)
			if math.Abs(got-want) > 0.01 {
				t.Fatalf("percentage(%d) = %v, want %v (segment %d)", v, got, want, i)
			}
		}
	}
	if got := table.percentage(table[0] + 1); got != 100 {
		t.Errorf("above table: %v, want 100", got)
	}
	if got := table.percentage(table[10]); got != 0 {
		t.Errorf("at bottom: %v, want 0", got)
	}
}

func TestBatteryMonotonicOnBattery(t *testing.T) {
	m := newBatteryModel(batteryTable{}, batteryTable{}, batteryTable{})
	voltages := []uint{4000, 3900, 3950, 4050, 3800, 3850, 3700, 4100}
	last := uint(10001)
	for _, v := range voltages {
		pct, onBattery := m.update(v, 0, status.DeviceNone)
		if !onBattery {
			t.Fatalf("update(%d, 0) not on battery", v)
		}
		if pct > last {
			t.Fatalf("percentage rose from %d to %d while on battery", last, pct)
		}
		last = pct
	}

	// A charging reading resets the cap.
	if _, onBattery := m.update(4000, 5000, status.DeviceNone); onBattery {
		t.Fatal("charging reading still reports on-battery")
	}
	pct, _ := m.update(4000, 0, status.DeviceNone)
	if pct <= last {
		t.Fatalf("cap did not reset: %d <= %d", pct, last)
	}
}

func TestBatteryTableSelection(t *testing.T) {
	m := newBatteryModel(batteryTable{}, batteryTable{}, batteryTable{})

	// 3650 mV on battery: above the 5G cutoff but near the bottom of
	// the 5G table, so the 5G class reports lower.
	pctNormal, _ := m.update(3650, 0, status.DeviceNone)
	m.cap = 10000
	pct5G, _ := m.update(3650, 0, status.Device5G)
	if pct5G >= pctNormal {
		t.Errorf("5g table %d >= normal table %d", pct5G, pctNormal)
	}

	// Charging uses the charge table.
	pctCharge, onBattery := m.update(3900, 5000, status.DeviceNone)
	if onBattery {
		t.Fatal("charger present but on battery")
	}
	if pctCharge < 3000 || pctCharge > 5000 {
		t.Errorf("charge table percentage = %d, want around 4000", pctCharge)
	}
}

func TestInvalidTableFallsBack(t *testing.T) {
	bad := batteryTable{4200, 4300, 3980, 3920, 3870, 3820, 3790, 3770, 3740, 3680, 3450}
	m := newBatteryModel(bad, batteryTable{}, batteryTable{})
	if m.dischargeNormal != defaultDischargeNormal {
		t.Error("non-decreasing table was not rejected")
	}
	good := batteryTable{4250, 4100, 4000, 3950, 3900, 3850, 3800, 3750, 3700, 3650, 3500}
	m = newBatteryModel(good, batteryTable{}, batteryTable{})
	if m.dischargeNormal != good {
		t.Error("valid table was not adopted")
	}
}
