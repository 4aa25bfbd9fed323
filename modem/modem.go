// package modem manages the cellular modem: GPIO power sequencing, USB
// detection, and supervision of the external dial helper whose output
// carries mode, signal and SIM state.
package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"photonicat.com/pcatd/config"
	"photonicat.com/pcatd/status"
)

type state int

const (
	stateNone state = iota
	stateReady
)

const (
	powerWaitTime  = 1 * time.Second
	powerReadyTime = 3 * time.Second
	resetOnTime    = 1 * time.Second
	resetWaitTime  = 3 * time.Second
	initRetryTime  = 2 * time.Second
	scanInterval   = 1 * time.Second
)

// gpioLine is one requested output line. Values are logical: active-low
// configuration is applied at request time.
type gpioLine interface {
	SetValue(int) error
	Close() error
}

// Manager runs the modem lifecycle on its own goroutine.
type Manager struct {
	cfg   *config.Static
	user  *config.UserStore
	st    *status.Store
	table []DeviceEntry

	sysfsRoot   string
	helperLog   bool
	requestLine func(pin config.GPIOPin, initial int) (gpioLine, error)
	sleep       func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	power      gpioLine
	rfkill     gpioLine
	reset      gpioLine
	helper     *helperProc
}

func NewManager(cfg *config.Static, user *config.UserStore, st *status.Store, table []DeviceEntry) *Manager {
	return &Manager{
		cfg:         cfg,
		user:        user,
		st:          st,
		table:       table,
		sysfsRoot:   sysfsUSBDevices,
		helperLog:   cfg.DebugModemHelperStdoutLog,
		requestLine: requestGPIOLine,
		sleep:       sleepCtx,
	}
}

// Run drives the modem state machine until ctx is cancelled, then tears
// down the helper and the GPIO lines.
func (m *Manager) Run(ctx context.Context) error {
	defer m.teardown()
	st := stateNone
	for ctx.Err() == nil {
		switch st {
		case stateNone:
			if err := m.powerInit(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				slog.Warn("modem power initialization failed", "err", err)
				m.sleep(ctx, initRetryTime)
				break
			}
			slog.Info("modem power initialization completed")
			st = stateReady
		case stateReady:
			m.scan()
			m.sleep(ctx, scanInterval)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// powerInit walks the modem through its power-on sequence: everything
// held in reset and unpowered, then power up with the radio enabled,
// then a reset pulse. Lines stay requested across retries.
func (m *Manager) powerInit(ctx context.Context) error {
	slog.Info("starting modem power initialization")

	if m.cfg.ModemPower.Chip == "" || m.cfg.ModemRFKill.Chip == "" ||
		m.cfg.ModemReset.Chip == "" {
		return errors.New("modem GPIO chips not configured")
	}

	var err error
	m.mu.Lock()
	if m.power == nil {
		if m.power, err = m.requestLine(m.cfg.ModemPower, 0); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("request modem power line: %w", err)
		}
	} else {
		m.power.SetValue(0)
	}
	if m.rfkill == nil {
		if m.rfkill, err = m.requestLine(m.cfg.ModemRFKill, 1); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("request modem RF-kill line: %w", err)
		}
	} else {
		m.rfkill.SetValue(1)
	}
	if m.reset == nil {
		if m.reset, err = m.requestLine(m.cfg.ModemReset, 1); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("request modem reset line: %w", err)
		}
	} else {
		m.reset.SetValue(1)
	}
	power, rfkill, reset := m.power, m.rfkill, m.reset
	m.mu.Unlock()

	if err := m.sleep(ctx, powerWaitTime); err != nil {
		return err
	}

	power.SetValue(1)
	rfkill.SetValue(0)
	reset.SetValue(1)
	if err := m.sleep(ctx, powerReadyTime); err != nil {
		return err
	}

	reset.SetValue(0)
	if err := m.sleep(ctx, resetOnTime); err != nil {
		return err
	}
	reset.SetValue(1)
	if err := m.sleep(ctx, resetWaitTime); err != nil {
		return err
	}

	m.st.UpdateModem(func(st *status.Modem) { st.RFKill = false })
	return nil
}

// scan looks for a supported modem on the USB bus and launches the dial
// helper for the first match. Only one helper runs at a time.
func (m *Manager) scan() {
	ids, err := scanUSB(m.sysfsRoot)
	if err != nil {
		slog.Warn("USB scan failed", "err", err)
		return
	}
	for _, id := range ids {
		entry, ok := matchDevice(m.table, id.vendor, id.product)
		if !ok {
			continue
		}
		// Never downgrade: the helper may already have upgraded the
		// class to 5G from an NR5G report.
		m.st.UpdateModem(func(st *status.Modem) {
			if c := entry.deviceClass(); c > st.Class {
				st.Class = c
			}
		})
		m.mu.Lock()
		running := m.helper != nil
		m.mu.Unlock()
		if running {
			continue
		}
		m.spawnHelper(entry)
	}
}

// RFKillSet drives the RF-kill line; true disables the radio.
func (m *Manager) RFKillSet(state bool) error {
	if m == nil {
		return errors.New("modem manager not running")
	}
	m.mu.Lock()
	line := m.rfkill
	m.mu.Unlock()
	if line == nil {
		return errors.New("RF-kill line not requested")
	}
	v := 0
	if state {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set RF-kill line: %w", err)
	}
	m.st.UpdateModem(func(st *status.Modem) { st.RFKill = state })
	return nil
}

func (m *Manager) teardown() {
	m.mu.Lock()
	helper := m.helper
	m.helper = nil
	lines := []gpioLine{m.reset, m.rfkill, m.power}
	m.reset, m.rfkill, m.power = nil, nil, nil
	m.mu.Unlock()

	if helper != nil {
		helper.stop()
	}
	for _, l := range lines {
		if l != nil {
			l.Close()
		}
	}
}
