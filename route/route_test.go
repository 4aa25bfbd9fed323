package route

import (
	"context"
	"errors"
	"strings"
	"testing"

	"photonicat.com/pcatd/status"
)

type fakeCmds struct {
	ifstatus map[string]string // iface -> JSON
	mwan     string
	pingOK   bool
}

func (f *fakeCmds) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	switch name {
	case "ifstatus":
		out, ok := f.ifstatus[args[0]]
		if !ok {
			return nil, errors.New("interface not found")
		}
		return []byte(out), nil
	case "ubus":
		if f.mwan == "" {
			return nil, errors.New("ubus unavailable")
		}
		return []byte(f.mwan), nil
	case "ping":
		if f.pingOK {
			return []byte("1 received"), nil
		}
		return nil, errors.New("ping failed")
	}
	return nil, errors.New("unexpected command " + name)
}

func newTestMonitor(f *fakeCmds) (*Monitor, *status.Store, *[][3]uint) {
	st := status.NewStore()
	m := &Monitor{st: st}
	m.runCmd = f.run
	leds := &[][3]uint{}
	m.setLED = func(on, off, repeat uint) {
		*leds = append(*leds, [3]uint{on, off, repeat})
	}
	return m, st, leds
}

const ifUpV4 = `{"up": true, "ipv4-address": [{"address": "192.0.2.2", "mask": 24}]}`
const ifDown = `{"up": false, "ipv4-address": []}`

func mwanBalanced(rules string) string {
	return `{"policies": {"ipv4": {"balanced": [` + rules + `]}, "ipv6": {"balanced": []}}}`
}

func TestPolicyWired(t *testing.T) {
	f := &fakeCmds{
		ifstatus: map[string]string{"wan": ifUpV4},
		mwan:     mwanBalanced(`{"interface": "wan", "percent": "100"}`),
	}
	m, st, _ := newTestMonitor(f)
	m.probePolicy(context.Background())
	if got := st.RouteMode(); got != status.RouteWired {
		t.Errorf("route mode = %v, want wired", got)
	}
}

func TestPolicyMobile(t *testing.T) {
	f := &fakeCmds{
		ifstatus: map[string]string{"wwan_5g": ifUpV4},
		mwan: mwanBalanced(
			`{"interface": "wan", "percent": "0"},
			 {"interface": "wwan_5g", "percent": 50}`),
	}
	m, st, _ := newTestMonitor(f)
	m.probePolicy(context.Background())
	if got := st.RouteMode(); got != status.RouteMobile {
		t.Errorf("route mode = %v, want mobile", got)
	}
}

func TestPolicyRuleForDownInterfaceSkipped(t *testing.T) {
	f := &fakeCmds{
		ifstatus: map[string]string{"wan": ifDown, "wwan_lte": ifUpV4},
		mwan: mwanBalanced(
			`{"interface": "wan", "percent": "60"},
			 {"interface": "wwan_lte", "percent": "40"}`),
	}
	m, st, _ := newTestMonitor(f)
	m.probePolicy(context.Background())
	if got := st.RouteMode(); got != status.RouteMobile {
		t.Errorf("route mode = %v, want mobile (wan is down)", got)
	}
}

func TestPolicyDegradeToNone(t *testing.T) {
	f := &fakeCmds{
		ifstatus: map[string]string{},
		mwan:     mwanBalanced(``),
	}
	m, st, _ := newTestMonitor(f)

	st.SetRouteMode(status.RouteWired)
	m.probePolicy(context.Background())
	if got := st.RouteMode(); got != status.RouteNone {
		t.Errorf("route mode = %v, want none after losing policy", got)
	}

	// At or below unknown the probe leaves the mode alone.
	st.SetRouteMode(status.RouteUnknown)
	m.probePolicy(context.Background())
	if got := st.RouteMode(); got != status.RouteUnknown {
		t.Errorf("route mode = %v, want unchanged unknown", got)
	}
}

func TestConnectivityProbe(t *testing.T) {
	f := &fakeCmds{pingOK: true}
	m, st, _ := newTestMonitor(f)

	// Ping success while unclassified promotes none -> unknown.
	st.SetRouteMode(status.RouteNone)
	m.probeConnectivity(context.Background())
	if st.RouteMode() != status.RouteUnknown {
		t.Error("connectivity did not promote to unknown")
	}

	// Total ping failure degrades to none.
	f.pingOK = false
	m.probeConnectivity(context.Background())
	if st.RouteMode() != status.RouteNone {
		t.Error("failed probes did not degrade to none")
	}
}

func TestLEDPatterns(t *testing.T) {
	m, st, leds := newTestMonitor(&fakeCmds{})

	st.SetRouteMode(status.RouteWired)
	m.updateLED()
	st.SetRouteMode(status.RouteMobile)
	m.updateLED()
	st.SetRouteMode(status.RouteUnknown)
	m.updateLED()
	st.SetRouteMode(status.RouteNone)
	m.updateLED()
	// Unchanged mode does not reprogram the LED.
	m.updateLED()

	want := [][3]uint{{50, 50, 0}, {20, 380, 0}, {100, 0, 0}, {0, 100, 0}}
	if len(*leds) != len(want) {
		t.Fatalf("%d LED programs, want %d", len(*leds), len(want))
	}
	for i, w := range want {
		if (*leds)[i] != w {
			t.Errorf("LED program %d = %v, want %v", i, (*leds)[i], w)
		}
	}
}

func TestPercentValue(t *testing.T) {
	if percentValue("100") != 100 || percentValue(float64(40)) != 40 {
		t.Error("percent coercion failed")
	}
	if percentValue("x") != 0 || percentValue(nil) != 0 {
		t.Error("bad percent not zero")
	}
}

func TestMWANUnavailable(t *testing.T) {
	f := &fakeCmds{ifstatus: map[string]string{"wan": ifUpV4}}
	m, st, _ := newTestMonitor(f)
	st.SetRouteMode(status.RouteWired)
	m.probePolicy(context.Background())
	if got := st.RouteMode(); got != status.RouteNone {
		t.Errorf("route mode = %v, want none when mwan3 is unavailable", got)
	}
}

func TestIfaceOrderCovered(t *testing.T) {
	// Every interface in the ordered list maps to a route class.
	for _, iface := range policyIfaces {
		if _, ok := ifaceRouteMode(iface); !ok {
			t.Errorf("interface %s has no route mode", iface)
		}
	}
	if !strings.HasPrefix(policyIfaces[0], "wan") {
		t.Error("wired interfaces must be consulted first")
	}
}
