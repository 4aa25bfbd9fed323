// package config loads the key-file configuration the platform ships:
// the immutable static config describing the hardware and the mutable
// user config persisted across reboots.
package config

import (
	"fmt"
	"log/slog"

	"gopkg.in/ini.v1"
)

const (
	// DefaultStaticPath is the platform static config.
	DefaultStaticPath = "/etc/pcat-manager.conf"
	// DefaultUserPath is the persisted user config.
	DefaultUserPath = "/etc/pcat-manager-userdata.conf"
)

// GPIOPin names one GPIO line by character-device chip and offset.
type GPIOPin struct {
	Chip      string
	Line      int
	ActiveLow bool
}

// Static is the immutable configuration loaded at startup.
type Static struct {
	ModemPower  GPIOPin
	ModemRFKill GPIOPin
	ModemReset  GPIOPin

	SerialDevice string
	SerialBaud   int

	BatteryDischargeTableNormal [11]uint
	BatteryDischargeTable5G     [11]uint
	BatteryChargeTable          [11]uint

	AutoShutdownVoltageGeneral uint
	AutoShutdownVoltageLTE     uint
	AutoShutdownVoltage5G      uint

	LEDHighVoltage    uint
	LEDMediumVoltage  uint
	LEDLowVoltage     uint
	LEDWorkLowVoltage uint

	StartupVoltage       uint
	ChargerLimitVoltage  uint
	ChargerFastVoltage   uint
	BatteryFullThreshold uint

	DebugOutputLog            bool
	DebugModemHelperStdoutLog bool
}

// Built-in fallbacks used when a key is absent or rejected.
const (
	defaultSerialDevice = "/dev/ttyS4"
	defaultSerialBaud   = 115200

	defaultAutoShutdownGeneral = 3400
	defaultAutoShutdownLTE     = 3450
	defaultAutoShutdown5G      = 3550

	defaultLEDHigh    = 3900
	defaultLEDMedium  = 3700
	defaultLEDLow     = 3500
	defaultLEDWorkLow = 3400

	defaultStartup       = 3300
	defaultChargerLimit  = 4250
	defaultChargerFast   = 4350
	defaultBatteryFull   = 4200
)

// autoShutdownValid is the accepted range for auto-shutdown voltages.
// Values outside it are rejected and the built-in default applies.
func autoShutdownValid(v uint) bool {
	return v >= 3000 && v < 3700
}

func loadGPIOPin(sec *ini.Section, prefix string) GPIOPin {
	return GPIOPin{
		Chip:      sec.Key("GPIO" + prefix + "Chip").String(),
		Line:      sec.Key("GPIO" + prefix + "Line").MustInt(0),
		ActiveLow: sec.Key("GPIO" + prefix + "ActiveLow").MustInt(0) != 0,
	}
}

func loadTable(sec *ini.Section, key string) ([11]uint, bool) {
	var table [11]uint
	vals := sec.Key(key).Ints(",")
	if len(vals) != 11 {
		return table, false
	}
	for i, v := range vals {
		if v <= 0 {
			return table, false
		}
		table[i] = uint(v)
	}
	return table, true
}

func loadVoltage(sec *ini.Section, key string, def uint) uint {
	v := sec.Key(key).MustUint(0)
	if v == 0 {
		return def
	}
	return v
}

// LoadStatic reads the static config from path. A missing or unreadable
// file is a startup failure; individually bad keys fall back to
// defaults. Only a rejected auto-shutdown voltage is logged; invalid
// tables and other voltages fall back silently.
func LoadStatic(path string) (*Static, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load static config %s: %w", path, err)
	}

	cfg := &Static{}
	hw := f.Section("Hardware")
	cfg.ModemPower = loadGPIOPin(hw, "ModemPower")
	cfg.ModemRFKill = loadGPIOPin(hw, "ModemRFKill")
	cfg.ModemReset = loadGPIOPin(hw, "ModemReset")

	pm := f.Section("PowerManager")
	cfg.SerialDevice = pm.Key("SerialDevice").MustString(defaultSerialDevice)
	cfg.SerialBaud = pm.Key("SerialBaud").MustInt(defaultSerialBaud)

	// Tables stay zeroed when invalid; the PMU engine then applies its
	// built-in curves.
	if t, ok := loadTable(pm, "BatteryDischargeTableNormal"); ok {
		cfg.BatteryDischargeTableNormal = t
	}
	if t, ok := loadTable(pm, "BatteryDischargeTable5G"); ok {
		cfg.BatteryDischargeTable5G = t
	}
	if t, ok := loadTable(pm, "BatteryChargeTable"); ok {
		cfg.BatteryChargeTable = t
	}

	cfg.AutoShutdownVoltageGeneral = loadAutoShutdown(pm,
		"AutoShutdownVoltageGeneral", defaultAutoShutdownGeneral)
	cfg.AutoShutdownVoltageLTE = loadAutoShutdown(pm,
		"AutoShutdownVoltageLTE", defaultAutoShutdownLTE)
	cfg.AutoShutdownVoltage5G = loadAutoShutdown(pm,
		"AutoShutdownVoltage5G", defaultAutoShutdown5G)

	cfg.LEDHighVoltage = loadVoltage(pm, "LEDHighVoltage", defaultLEDHigh)
	cfg.LEDMediumVoltage = loadVoltage(pm, "LEDMediumVoltage", defaultLEDMedium)
	cfg.LEDLowVoltage = loadVoltage(pm, "LEDLowVoltage", defaultLEDLow)
	cfg.LEDWorkLowVoltage = loadVoltage(pm, "LEDWorkLowVoltage", defaultLEDWorkLow)

	cfg.StartupVoltage = loadVoltage(pm, "StartupVoltage", defaultStartup)
	cfg.ChargerLimitVoltage = loadVoltage(pm, "ChargerLimitVoltage", defaultChargerLimit)
	cfg.ChargerFastVoltage = loadVoltage(pm, "ChargerFastVoltage", defaultChargerFast)
	cfg.BatteryFullThreshold = loadVoltage(pm, "BatteryFullThreshold", defaultBatteryFull)

	dbg := f.Section("Debug")
	cfg.DebugOutputLog = dbg.Key("OutputLog").MustInt(0) != 0
	cfg.DebugModemHelperStdoutLog = dbg.Key("ModemExternalExecStdoutLog").MustInt(0) != 0

	return cfg, nil
}

func loadAutoShutdown(sec *ini.Section, key string, def uint) uint {
	v := sec.Key(key).MustUint(0)
	if v == 0 {
		return def
	}
	if !autoShutdownValid(v) {
		slog.Warn("auto-shutdown voltage out of range, using default",
			"key", key, "value", v, "default", def)
		return def
	}
	return v
}
