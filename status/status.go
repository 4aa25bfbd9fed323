// package status holds the process-wide state shared between the PMU
// engine, the modem manager, the route monitor and the control plane.
package status

import (
	"sync"
	"sync/atomic"
)

// RouteMode classifies the currently active WAN egress. Values above
// RouteUnknown mean a known interface class has been selected; the
// route monitor relies on this ordering.
type RouteMode int32

const (
	RouteNone RouteMode = iota
	RouteUnknown
	RouteWired
	RouteMobile
)

func (m RouteMode) String() string {
	switch m {
	case RouteWired:
		return "wired"
	case RouteMobile:
		return "mobile"
	case RouteUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// ModemMode is the radio access technology reported by the dial helper.
type ModemMode int

const (
	ModemModeNone ModemMode = iota
	ModemMode2G
	ModemMode3G
	ModemModeLTE
	ModemMode5G
)

func (m ModemMode) String() string {
	switch m {
	case ModemMode2G:
		return "2g"
	case ModemMode3G:
		return "3g"
	case ModemModeLTE:
		return "lte"
	case ModemMode5G:
		return "5g"
	default:
		return "none"
	}
}

type SIMState int

const (
	SIMAbsent SIMState = iota
	SIMNotReady
	SIMReady
	SIMNeedPIN
	SIMNeedPUK
	SIMNetworkPersonalization
	SIMBad
)

func (s SIMState) String() string {
	switch s {
	case SIMNotReady:
		return "not-ready"
	case SIMReady:
		return "ready"
	case SIMNeedPIN:
		return "need-pin"
	case SIMNeedPUK:
		return "need-puk"
	case SIMNetworkPersonalization:
		return "personalized-network"
	case SIMBad:
		return "bad"
	default:
		return "absent"
	}
}

// DeviceClass is the coarse modem hardware class used to pick
// auto-shutdown voltages and the 5G discharge table.
type DeviceClass int

const (
	DeviceNone DeviceClass = iota
	DeviceGeneral
	Device5G
)

// PMU is the last state observed from the power management unit.
type PMU struct {
	BatteryVoltage  uint // mV
	ChargerVoltage  uint // mV
	OnBattery       bool
	Percentage      uint // basis points, 0..10000
	BoardTemp       int  // °C
	FWVersion       string
	PowerOnEvent    uint
}

// Modem is a snapshot of the modem status parsed from the dial helper.
type Modem struct {
	Mode     ModemMode
	SIMState SIMState
	Signal   int // 0..100
	ISPName  string
	ISPPLMN  string
	RFKill   bool
	Class    DeviceClass
	// Observed is set once the dial helper has reported anything.
	Observed bool
}

// Store is the shared state record. Scalar route mode is atomic so the
// probe workers can publish without taking the lock; everything else is
// guarded by one coarse mutex.
type Store struct {
	mu        sync.Mutex
	routeMode atomic.Int32
	pmu       PMU
	modem     Modem
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) RouteMode() RouteMode {
	return RouteMode(s.routeMode.Load())
}

func (s *Store) SetRouteMode(m RouteMode) {
	s.routeMode.Store(int32(m))
}

func (s *Store) PMU() PMU {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pmu
}

// UpdatePMU applies fn to the PMU record under the lock.
func (s *Store) UpdatePMU(fn func(*PMU)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.pmu)
}

func (s *Store) Modem() Modem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modem
}

func (s *Store) UpdateModem(fn func(*Modem)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.modem)
}
