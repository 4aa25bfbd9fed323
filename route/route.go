// package route derives the active WAN egress class from the host's
// multi-WAN policy and drives the network status LED.
package route

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"photonicat.com/pcatd/pmu"
	"photonicat.com/pcatd/status"
)

const (
	bootWait      = 120 * time.Second
	probeInterval = time.Second
	ledInterval   = 2 * time.Second
)

// policyIfaces is the ordered interface list consulted against the
// balanced policy rules.
var policyIfaces = []string{
	"wan", "wan6", "wwan_5g", "wwan_5g_v6", "wwan_lte", "wwan_lte_v6",
}

func ifaceRouteMode(iface string) (status.RouteMode, bool) {
	switch iface {
	case "wan", "wan6":
		return status.RouteWired, true
	case "wwan_5g", "wwan_5g_v6", "wwan_lte", "wwan_lte_v6":
		return status.RouteMobile, true
	default:
		return status.RouteNone, false
	}
}

// probeAddrs are pinged while no interface class is known.
var probeAddrs = []string{"1.1.1.1", "8.8.8.8", "114.114.114.114", "223.6.6.6"}

// Monitor watches the multi-WAN policy and connectivity in the
// background and mirrors the result onto the net status LED.
type Monitor struct {
	st  *status.Store
	pmu *pmu.Engine

	bootWait time.Duration
	runCmd   func(ctx context.Context, name string, args ...string) ([]byte, error)
	setLED   func(on, off, repeat uint)

	applied status.RouteMode
}

func NewMonitor(st *status.Store, engine *pmu.Engine) *Monitor {
	m := &Monitor{
		st:       st,
		pmu:      engine,
		bootWait: bootWait,
	}
	m.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).Output()
	}
	m.setLED = func(on, off, repeat uint) {
		engine.NetStatusLEDSetup(on, off, repeat)
	}
	return m
}

// Run starts the policy worker, the connectivity worker and the LED
// tick, and blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.policyLoop(ctx) })
	g.Go(func() error { return m.connectivityLoop(ctx) })
	g.Go(func() error { return m.ledLoop(ctx) })
	g.Wait()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *Monitor) policyLoop(ctx context.Context) error {
	// Let the platform finish bringing interfaces up before the first
	// probe.
	if !sleepCtx(ctx, m.bootWait) {
		return ctx.Err()
	}
	for {
		m.probePolicy(ctx)
		if !sleepCtx(ctx, probeInterval) {
			return ctx.Err()
		}
	}
}

type ifaceStatus struct {
	Up   bool  `json:"up"`
	IPv4 []any `json:"ipv4-address"`
	IPv6 []any `json:"ipv6-address"`
}

// probePolicy queries interface state and the balanced multi-WAN rules
// and publishes the derived route mode.
func (m *Monitor) probePolicy(ctx context.Context) {
	up := make(map[string]bool)
	for _, iface := range policyIfaces {
		out, err := m.runCmd(ctx, "ifstatus", iface)
		if err != nil {
			continue
		}
		var st ifaceStatus
		if err := json.Unmarshal(out, &st); err != nil {
			continue
		}
		if st.Up && (len(st.IPv4) > 0 || len(st.IPv6) > 0) {
			up[iface] = true
		}
	}

	mode, matched := m.matchPolicy(ctx, up)
	if matched {
		m.st.SetRouteMode(mode)
	} else if m.st.RouteMode() > status.RouteUnknown {
		m.st.SetRouteMode(status.RouteNone)
	}
}

func (m *Monitor) matchPolicy(ctx context.Context, up map[string]bool) (status.RouteMode, bool) {
	out, err := m.runCmd(ctx, "ubus", "call", "mwan3", "status")
	if err != nil {
		slog.Warn("mwan3 status probe failed", "err", err)
		return status.RouteNone, false
	}
	var root struct {
		Policies map[string]map[string][]struct {
			Interface string `json:"interface"`
			Percent   any    `json:"percent"`
		} `json:"policies"`
	}
	if err := json.Unmarshal(out, &root); err != nil {
		slog.Warn("mwan3 status parse failed", "err", err)
		return status.RouteNone, false
	}
	for _, family := range []string{"ipv4", "ipv6"} {
		for _, rule := range root.Policies[family]["balanced"] {
			if percentValue(rule.Percent) <= 0 || !up[rule.Interface] {
				continue
			}
			if mode, ok := ifaceRouteMode(rule.Interface); ok {
				return mode, true
			}
		}
	}
	return status.RouteNone, false
}

func percentValue(v any) int {
	switch p := v.(type) {
	case float64:
		return int(p)
	case string:
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// connectivityLoop keeps probing well-known addresses while no
// interface class is known, distinguishing "online but unclassified"
// from fully offline.
func (m *Monitor) connectivityLoop(ctx context.Context) error {
	for {
		if m.st.RouteMode() <= status.RouteUnknown {
			m.probeConnectivity(ctx)
		}
		if !sleepCtx(ctx, probeInterval) {
			return ctx.Err()
		}
	}
}

// probeConnectivity pings the well-known addresses. Success promotes an
// unclassified mode to unknown; total failure degrades to none.
func (m *Monitor) probeConnectivity(ctx context.Context) {
	for _, addr := range probeAddrs {
		_, err := m.runCmd(ctx, "ping", "-W", "3", "-w", "3", "-c", "1", addr)
		if err == nil {
			if m.st.RouteMode() <= status.RouteUnknown {
				m.st.SetRouteMode(status.RouteUnknown)
			}
			return
		}
	}
	m.st.SetRouteMode(status.RouteNone)
}

func (m *Monitor) ledLoop(ctx context.Context) error {
	for {
		if !sleepCtx(ctx, ledInterval) {
			return ctx.Err()
		}
		m.updateLED()
	}
}

// updateLED reprograms the net status LED whenever the route mode
// changed since the last tick.
func (m *Monitor) updateLED() {
	mode := m.st.RouteMode()
	if mode == m.applied {
		return
	}
	switch mode {
	case status.RouteWired:
		m.setLED(50, 50, 0)
	case status.RouteMobile:
		m.setLED(20, 380, 0)
	case status.RouteUnknown:
		m.setLED(100, 0, 0)
	default:
		m.setLED(0, 100, 0)
	}
	m.applied = mode
}
