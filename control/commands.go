package control

import (
	"log/slog"
	"time"

	"photonicat.com/pcatd/config"
)

func commandTable() map[string]handler {
	return map[string]handler{
		"pmu-status":               cmdPMUStatus,
		"pmu-fw-version-get":       cmdPMUFWVersionGet,
		"schedule-power-event-set": cmdSchedulePowerEventSet,
		"schedule-power-event-get": cmdSchedulePowerEventGet,
		"modem-status-get":         cmdModemStatusGet,
		"modem-rfkill-mode-set":    cmdModemRFKillModeSet,
		"network-route-mode-get":   cmdNetworkRouteModeGet,
		"charger-on-auto-start-set": cmdChargerOnAutoStartSet,
		"charger-on-auto-start-get": cmdChargerOnAutoStartGet,
	}
}

func intField(root map[string]any, key string) (int, bool) {
	v, ok := root[key].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cmdPMUStatus(s *Server, root map[string]any) map[string]any {
	st := s.deps.Store.PMU()
	return map[string]any{
		"code":              0,
		"battery-voltage":   st.BatteryVoltage,
		"charger-voltage":   st.ChargerVoltage,
		"on-battery":        boolValue(st.OnBattery),
		"charge-percentage": st.Percentage,
		"board-temperature": st.BoardTemp,
	}
}

func cmdPMUFWVersionGet(s *Server, root map[string]any) map[string]any {
	return map[string]any{
		"code":    0,
		"version": s.deps.Store.PMU().FWVersion,
	}
}

// scheduleFallback is used when a wire date/time cannot be converted.
var scheduleFallback = [5]int{2000, 1, 1, 0, 0}

// localToUTC converts wire-format local date/time fields to UTC, with
// the fixed fallback for out-of-range input.
func localToUTC(loc *time.Location, year, month, day, hour, minute int) (int, int, int, int, int) {
	if !dateTimeValid(year, month, day, hour, minute) {
		return scheduleFallback[0], scheduleFallback[1], scheduleFallback[2],
			scheduleFallback[3], scheduleFallback[4]
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc).UTC()
	return t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()
}

// utcToLocal is the inverse conversion for replies.
func utcToLocal(loc *time.Location, year, month, day, hour, minute int) (int, int, int, int, int) {
	if !dateTimeValid(year, month, day, hour, minute) {
		return scheduleFallback[0], scheduleFallback[1], scheduleFallback[2],
			scheduleFallback[3], scheduleFallback[4]
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC).In(loc)
	return t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute()
}

func dateTimeValid(year, month, day, hour, minute int) bool {
	if year < 1 || year > 9999 || month < 1 || month > 12 ||
		day < 1 || day > 31 || hour < 0 || hour > 23 ||
		minute < 0 || minute > 59 {
		return false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	return t.Day() == day && int(t.Month()) == month
}

const maxScheduleEntries = 6

func cmdSchedulePowerEventSet(s *Server, root map[string]any) map[string]any {
	var schedule []config.ScheduleEntry
	countOn, countOff := 0, 0

	list, _ := root["event-list"].([]any)
	for _, item := range list {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		action := false
		if v, ok := intField(node, "action"); ok {
			action = v != 0
		}
		if action {
			countOn++
			if countOn > maxScheduleEntries {
				continue
			}
		} else {
			countOff++
			if countOff > maxScheduleEntries {
				continue
			}
		}

		var e config.ScheduleEntry
		e.Action = action
		if v, ok := intField(node, "enabled"); ok {
			e.Enabled = v != 0
			if v != 0 {
				e.EnableBits = config.ScheduleEnableMinute
			}
		}
		if v, ok := intField(node, "enable-bits"); ok {
			e.EnableBits |= uint8(v)
		}
		year, _ := intField(node, "year")
		month, _ := intField(node, "month")
		day, _ := intField(node, "day")
		hour, _ := intField(node, "hour")
		minute, _ := intField(node, "minute")
		e.Year, e.Month, e.Day, e.Hour, e.Minute =
			localToUTC(s.loc, year, month, day, hour, minute)
		if v, ok := intField(node, "dow-bits"); ok {
			e.DOWBits = uint8(v)
		}
		schedule = append(schedule, e)
	}

	s.deps.User.Update(func(u *config.User) {
		u.Schedule = schedule
	})
	if err := s.deps.User.Sync(); err != nil {
		slog.Warn("persist user config", "err", err)
	}
	s.deps.PMU.ScheduleUpdate()

	return map[string]any{"code": 0}
}

func cmdSchedulePowerEventGet(s *Server, root map[string]any) map[string]any {
	events := []any{}
	for _, e := range s.deps.User.Get().Schedule {
		year, month, day, hour, minute :=
			utcToLocal(s.loc, e.Year, e.Month, e.Day, e.Hour, e.Minute)
		events = append(events, map[string]any{
			"enabled":     boolValue(e.Enabled),
			"enable-bits": e.EnableBits,
			"action":      boolValue(e.Action),
			"year":        year,
			"month":       month,
			"day":         day,
			"hour":        hour,
			"minute":      minute,
			"dow-bits":    e.DOWBits,
		})
	}
	return map[string]any{
		"code":       0,
		"event-list": events,
	}
}

func cmdModemStatusGet(s *Server, root map[string]any) map[string]any {
	md := s.deps.Store.Modem()
	code := 0
	if !md.Observed {
		code = 1
	}
	return map[string]any{
		"code":            code,
		"mode":            md.Mode.String(),
		"rfkill-state":    boolValue(md.RFKill),
		"sim-state":       md.SIMState.String(),
		"isp-name":        md.ISPName,
		"isp-lpmn":        md.ISPPLMN,
		"signal-strength": md.Signal,
	}
}

func cmdModemRFKillModeSet(s *Server, root map[string]any) map[string]any {
	state, ok := intField(root, "state")
	if !ok {
		return map[string]any{"code": 1}
	}
	code := 0
	if err := s.deps.Modem.RFKillSet(state != 0); err != nil {
		slog.Warn("set RF-kill mode", "err", err)
		code = 1
	}
	return map[string]any{"code": code}
}

func cmdNetworkRouteModeGet(s *Server, root map[string]any) map[string]any {
	return map[string]any{
		"code": 0,
		"mode": s.deps.Store.RouteMode().String(),
	}
}

func cmdChargerOnAutoStartSet(s *Server, root map[string]any) map[string]any {
	state, ok := intField(root, "state")
	if !ok {
		return map[string]any{"code": 1}
	}
	timeout, hasTimeout := intField(root, "timeout")
	s.deps.User.Update(func(u *config.User) {
		u.ChargerOnAutoStart = state != 0
		if hasTimeout && timeout > 0 {
			u.ChargerOnAutoStartTimeout = uint(timeout)
		}
	})
	if err := s.deps.User.Sync(); err != nil {
		slog.Warn("persist user config", "err", err)
	}
	s.deps.PMU.ChargerOnAutoStart(state != 0)
	return map[string]any{"code": 0}
}

func cmdChargerOnAutoStartGet(s *Server, root map[string]any) map[string]any {
	u := s.deps.User.Get()
	countdown := int(u.ChargerOnAutoStartTimeout)
	if last := s.deps.PMU.ChargerLastSeen(); !last.IsZero() {
		countdown -= int(time.Since(last) / time.Second)
		if countdown < 0 {
			countdown = 0
		}
	}
	return map[string]any{
		"code":      0,
		"state":     boolValue(u.ChargerOnAutoStart),
		"timeout":   u.ChargerOnAutoStartTimeout,
		"countdown": countdown,
	}
}
