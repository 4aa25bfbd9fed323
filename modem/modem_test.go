package modem

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"photonicat.com/pcatd/config"
	"photonicat.com/pcatd/status"
)

func testUser(t *testing.T) config.User {
	t.Helper()
	return config.User{
		ModemAPN:      "internet",
		ModemUser:     "user",
		ModemPassword: "secret",
		ModemAuth:     "pap",
	}
}

type fakeLine struct {
	mu     sync.Mutex
	values []int
	closed bool
}

func (l *fakeLine) SetValue(v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
	return nil
}

func (l *fakeLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func newTestManager(t *testing.T, cfg *config.Static) *Manager {
	t.Helper()
	user := config.LoadUser(filepath.Join(t.TempDir(), "userdata.conf"))
	m := NewManager(cfg, user, status.NewStore(), builtinDeviceTable())
	m.sysfsRoot = t.TempDir()
	m.sleep = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}
	return m
}

func TestPowerInitSequence(t *testing.T) {
	m := newTestManager(t, &config.Static{
		ModemPower:  config.GPIOPin{Chip: "gpiochip3", Line: 7},
		ModemRFKill: config.GPIOPin{Chip: "gpiochip3", Line: 8, ActiveLow: true},
		ModemReset:  config.GPIOPin{Chip: "gpiochip0", Line: 11, ActiveLow: true},
	})

	lines := make(map[int]*fakeLine)
	initials := make(map[int]int)
	m.requestLine = func(pin config.GPIOPin, initial int) (gpioLine, error) {
		l := &fakeLine{}
		lines[pin.Line] = l
		initials[pin.Line] = initial
		return l, nil
	}

	if err := m.powerInit(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Requested levels: power off, RF-kill asserted, reset asserted.
	if initials[7] != 0 || initials[8] != 1 || initials[11] != 1 {
		t.Errorf("initial levels = %v", initials)
	}
	// Power stage drives power active and releases RF-kill.
	if got := lines[7].values; len(got) != 1 || got[0] != 1 {
		t.Errorf("power transitions = %v, want [1]", got)
	}
	if got := lines[8].values; len(got) != 1 || got[0] != 0 {
		t.Errorf("RF-kill transitions = %v, want [0]", got)
	}
	// Reset: held, released for the pulse, reasserted.
	if got := lines[11].values; len(got) != 3 || got[0] != 1 || got[1] != 0 || got[2] != 1 {
		t.Errorf("reset transitions = %v, want [1 0 1]", got)
	}

	if m.st.Modem().RFKill {
		t.Error("RF-kill still reported asserted after power-up")
	}
}

func TestPowerInitUnconfigured(t *testing.T) {
	m := newTestManager(t, &config.Static{})
	if err := m.powerInit(context.Background()); err == nil {
		t.Fatal("unconfigured GPIO chips must fail power init")
	}
}

func TestRFKillSet(t *testing.T) {
	m := newTestManager(t, &config.Static{})
	if err := m.RFKillSet(true); err == nil {
		t.Fatal("RF-kill set must fail before the line is requested")
	}
	l := &fakeLine{}
	m.rfkill = l
	if err := m.RFKillSet(true); err != nil {
		t.Fatal(err)
	}
	if len(l.values) != 1 || l.values[0] != 1 {
		t.Errorf("RF-kill values = %v, want [1]", l.values)
	}
	if !m.st.Modem().RFKill {
		t.Error("store not updated")
	}
}

func TestRFKillSetNilManager(t *testing.T) {
	var m *Manager
	if err := m.RFKillSet(true); err == nil {
		t.Fatal("nil manager must return an error")
	}
}

func TestTeardownClosesLines(t *testing.T) {
	m := newTestManager(t, &config.Static{})
	p, r, k := &fakeLine{}, &fakeLine{}, &fakeLine{}
	m.power, m.reset, m.rfkill = p, r, k
	m.teardown()
	if !p.closed || !r.closed || !k.closed {
		t.Error("teardown left lines open")
	}
	if m.power != nil || m.reset != nil || m.rfkill != nil {
		t.Error("teardown left line references")
	}
}
