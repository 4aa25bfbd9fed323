package config

import (
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/ini.v1"
)

// User is the mutable configuration persisted to disk.
type User struct {
	Schedule []ScheduleEntry

	ChargerOnAutoStart        bool
	ChargerOnAutoStartTimeout uint // seconds

	ModemAPN      string
	ModemUser     string
	ModemPassword string
	ModemAuth     string

	ModemDisableIPv6        bool
	Disable5GFailAutoReset  bool
	Connection5GFailTimeout uint // seconds, >= 60
}

const (
	defaultChargerOnAutoStartTimeout = 60
	defaultConnection5GFailTimeout   = 600
	minConnection5GFailTimeout       = 60
)

func defaultUser() User {
	return User{
		ChargerOnAutoStartTimeout: defaultChargerOnAutoStartTimeout,
		Connection5GFailTimeout:   defaultConnection5GFailTimeout,
	}
}

// UserStore owns the user config: shared reads, serialized updates, and
// persistence with a dirty bit so unchanged data is never rewritten.
type UserStore struct {
	path string

	mu    sync.Mutex
	data  User
	dirty bool
}

// LoadUser reads the user config from path. Load failures are recovered
// by starting from defaults.
func LoadUser(path string) *UserStore {
	s := &UserStore{path: path, data: defaultUser()}
	f, err := ini.Load(path)
	if err != nil {
		slog.Warn("user config unreadable, using defaults", "path", path, "err", err)
		return s
	}

	sched := f.Section("Schedule")
	for i := 0; ; i++ {
		key := fmt.Sprintf("EnableBits%d", i)
		if !sched.HasKey(key) {
			break
		}
		bits := sched.Key(key).MustInt(0)
		e := ScheduleEntry{
			Enabled:    bits&ScheduleEnableMinute != 0,
			EnableBits: uint8(bits),
		}
		date := sched.Key(fmt.Sprintf("Date%d", i)).MustInt(0)
		e.Year = (date / 10000) % 10000
		e.Month = (date / 100) % 100
		e.Day = date % 100
		tv := sched.Key(fmt.Sprintf("Time%d", i)).MustInt(0)
		e.Hour = (tv / 100) % 100
		e.Minute = tv % 100
		e.DOWBits = uint8(sched.Key(fmt.Sprintf("DOWBits%d", i)).MustInt(0))
		e.Action = sched.Key(fmt.Sprintf("Action%d", i)).MustInt(0) != 0
		s.data.Schedule = append(s.data.Schedule, e)
	}

	gen := f.Section("General")
	s.data.ChargerOnAutoStart = gen.Key("ChargerOnAutoStart").MustInt(0) != 0
	s.data.ChargerOnAutoStartTimeout = gen.Key("ChargerOnAutoStartTimeout").
		MustUint(defaultChargerOnAutoStartTimeout)

	modem := f.Section("Modem")
	s.data.ModemAPN = modem.Key("APN").String()
	s.data.ModemUser = modem.Key("User").String()
	s.data.ModemPassword = modem.Key("Password").String()
	s.data.ModemAuth = modem.Key("Auth").String()
	s.data.ModemDisableIPv6 = modem.Key("DisableIPv6").MustInt(0) != 0
	s.data.Disable5GFailAutoReset = modem.Key("Disable5GFailAutoReset").MustInt(0) != 0
	s.data.Connection5GFailTimeout = modem.Key("Connection5GFailTimeout").
		MustUint(defaultConnection5GFailTimeout)
	if s.data.Connection5GFailTimeout < minConnection5GFailTimeout {
		s.data.Connection5GFailTimeout = defaultConnection5GFailTimeout
	}

	return s
}

// Get returns a copy of the current user config.
func (s *UserStore) Get() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.data
	u.Schedule = append([]ScheduleEntry(nil), s.data.Schedule...)
	return u
}

// Update applies fn to the config and marks it dirty.
func (s *UserStore) Update(fn func(*User)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
	s.dirty = true
}

// Sync writes the config back to disk if it has unsaved changes.
func (s *UserStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	f := ini.Empty()
	sched := f.Section("Schedule")
	for i, e := range s.data.Schedule {
		sched.Key(fmt.Sprintf("EnableBits%d", i)).SetValue(
			fmt.Sprintf("%d", e.EnableBits))
		sched.Key(fmt.Sprintf("Date%d", i)).SetValue(
			fmt.Sprintf("%d", e.Year*10000+e.Month*100+e.Day))
		sched.Key(fmt.Sprintf("Time%d", i)).SetValue(
			fmt.Sprintf("%d", e.Hour*100+e.Minute))
		sched.Key(fmt.Sprintf("DOWBits%d", i)).SetValue(
			fmt.Sprintf("%d", e.DOWBits))
		action := 0
		if e.Action {
			action = 1
		}
		sched.Key(fmt.Sprintf("Action%d", i)).SetValue(fmt.Sprintf("%d", action))
	}

	gen := f.Section("General")
	charger := 0
	if s.data.ChargerOnAutoStart {
		charger = 1
	}
	gen.Key("ChargerOnAutoStart").SetValue(fmt.Sprintf("%d", charger))
	gen.Key("ChargerOnAutoStartTimeout").SetValue(
		fmt.Sprintf("%d", s.data.ChargerOnAutoStartTimeout))

	modem := f.Section("Modem")
	modem.Key("APN").SetValue(s.data.ModemAPN)
	modem.Key("User").SetValue(s.data.ModemUser)
	modem.Key("Password").SetValue(s.data.ModemPassword)
	modem.Key("Auth").SetValue(s.data.ModemAuth)
	ipv6 := 0
	if s.data.ModemDisableIPv6 {
		ipv6 = 1
	}
	modem.Key("DisableIPv6").SetValue(fmt.Sprintf("%d", ipv6))
	reset := 0
	if s.data.Disable5GFailAutoReset {
		reset = 1
	}
	modem.Key("Disable5GFailAutoReset").SetValue(fmt.Sprintf("%d", reset))
	modem.Key("Connection5GFailTimeout").SetValue(
		fmt.Sprintf("%d", s.data.Connection5GFailTimeout))

	if err := f.SaveTo(s.path); err != nil {
		return fmt.Errorf("save user config %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}
