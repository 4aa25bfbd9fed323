package pmu

import "photonicat.com/pcatd/status"

// Battery tables map pack voltage (mV) to charge level. Index i holds
// the voltage at (100-10*i)%; entries must be strictly decreasing.
type batteryTable [11]uint

var (
	defaultDischargeNormal = batteryTable{
		4200, 4060, 3980, 3920, 3870, 3820, 3790, 3770, 3740, 3680, 3450,
	}
	defaultDischarge5G = batteryTable{
		4200, 4060, 3980, 3920, 3870, 3820, 3790, 3770, 3740, 3680, 3600,
	}
	defaultCharge = batteryTable{
		4200, 4150, 4100, 4050, 4000, 3950, 3900, 3850, 3800, 3750, 3700,
	}
)

// validTable reports whether t is strictly decreasing.
func validTable(t batteryTable) bool {
	for i := 1; i < len(t); i++ {
		if t[i-1] <= t[i] {
			return false
		}
	}
	return true
}

// percentage maps voltage to percent via piecewise-linear interpolation
// over the table. Result is within [0, 100].
func (t *batteryTable) percentage(voltage uint) float64 {
	if voltage > t[0] {
		return 100.0
	}
	if voltage <= t[10] {
		return 0.0
	}
	for i := 0; i < 10; i++ {
		if voltage >= t[i+1] {
			return float64(90-10*i) +
				float64(voltage-t[i+1])*10/float64(t[i]-t[i+1])
		}
	}
	return 0.0
}

// chargerPresentMin is the charger voltage above which the device is
// considered externally powered.
const chargerPresentMin = 4200

// batteryModel tracks the reported charge level. While on battery the
// reported percentage never increases; the cap resets to full whenever
// the charger is seen.
type batteryModel struct {
	dischargeNormal batteryTable
	discharge5G     batteryTable
	charge          batteryTable
	cap             uint // basis points
}

func newBatteryModel(normal, fiveG, charge batteryTable) *batteryModel {
	m := &batteryModel{
		dischargeNormal: defaultDischargeNormal,
		discharge5G:     defaultDischarge5G,
		charge:          defaultCharge,
		cap:             10000,
	}
	if validTable(normal) {
		m.dischargeNormal = normal
	}
	if validTable(fiveG) {
		m.discharge5G = fiveG
	}
	if validTable(charge) {
		m.charge = charge
	}
	return m
}

// update ingests one voltage reading and returns the reported (capped)
// charge in basis points plus the on-battery state.
func (m *batteryModel) update(batteryVoltage, chargerVoltage uint, class status.DeviceClass) (uint, bool) {
	reported, _, onBattery := m.updateWithRaw(batteryVoltage, chargerVoltage, class)
	return reported, onBattery
}

// updateWithRaw additionally returns the instantaneous uncapped
// percentage, which is what the statefs file publishes.
func (m *batteryModel) updateWithRaw(batteryVoltage, chargerVoltage uint, class status.DeviceClass) (uint, float64, bool) {
	onBattery := chargerVoltage < chargerPresentMin
	var table *batteryTable
	switch {
	case !onBattery:
		table = &m.charge
	case class == status.Device5G:
		table = &m.discharge5G
	default:
		table = &m.dischargeNormal
	}
	raw := table.percentage(batteryVoltage)
	pct := uint(raw * 100)
	if !onBattery {
		m.cap = 10000
		return pct, raw, onBattery
	}
	if pct < m.cap {
		m.cap = pct
		return pct, raw, onBattery
	}
	return m.cap, raw, onBattery
}
