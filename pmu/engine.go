// package pmu drives the power management unit over its serial link:
// framed commands with acknowledgement and retry, the periodic
// heartbeat, battery-state computation, RTC adoption, watchdog control
// and scheduled power events.
package pmu

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"photonicat.com/pcatd/config"
	"photonicat.com/pcatd/status"
)

const (
	commandTimeout = time.Second
	maxQueue       = 128
	writeChunk     = 4096

	readBufMax  = 131072
	readBufKeep = 65536

	// StatefsBatteryDir is where battery state files are published for
	// other system components.
	StatefsBatteryDir = "/run/state/namespaces/Battery"
)

// command is one queued frame with its retransmission state.
type command struct {
	buf      []byte
	command  uint16
	frameNum uint16
	needAck  bool
	retry    int
	written  int
	stamp    time.Time
	firstrun bool
}

// Engine owns the serial link and the outbound command queue. All
// methods are safe on a nil receiver so callers need not special-case a
// failed serial open.
type Engine struct {
	port io.ReadWriteCloser
	cfg  *config.Static
	user *config.UserStore
	st   *status.Store

	statefsDir string
	tick       time.Duration
	setClock   func(time.Time) error
	spawn      func(name string, args ...string)
	// hostShutdown is invoked when the engine decides the host must
	// power down: a schedule firing, charger removal with auto-start
	// configured, or a PMU-originated shutdown request. notifyPMU is
	// false when the PMU itself asked and must not be asked back.
	hostShutdown func(notifyPMU bool)

	mu       sync.Mutex
	queue    []*command
	inflight *command
	frameNum uint16
	readBuf  []byte

	battery *batteryModel
	timeSet bool

	shutdownRequest   bool
	rebootRequest     bool
	shutdownPlanned   bool
	shutdownCompleted bool
	rebootCompleted   bool

	chargerLastSeen time.Time
	appliedClass    status.DeviceClass

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine wraps an open serial port. Use Open for the real device; a
// Simulator serves in tests.
func NewEngine(port io.ReadWriteCloser, cfg *config.Static, user *config.UserStore, st *status.Store) *Engine {
	e := &Engine{
		port:       port,
		cfg:        cfg,
		user:       user,
		st:         st,
		statefsDir: StatefsBatteryDir,
		tick:       time.Second,
		battery: newBatteryModel(
			cfg.BatteryDischargeTableNormal,
			cfg.BatteryDischargeTable5G,
			cfg.BatteryChargeTable),
		chargerLastSeen: time.Now(),
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	e.setClock = func(t time.Time) error {
		tv := unix.NsecToTimeval(t.UnixNano())
		return unix.Settimeofday(&tv)
	}
	e.spawn = func(name string, args ...string) {
		cmd := exec.Command(name, args...)
		if err := cmd.Start(); err != nil {
			slog.Warn("spawn failed", "name", name, "err", err)
			return
		}
		go cmd.Wait()
	}
	e.hostShutdown = func(bool) {}
	return e
}

// OnHostShutdown installs the callback run when the engine initiates a
// host shutdown. Must be called before Start.
func (e *Engine) OnHostShutdown(fn func(notifyPMU bool)) {
	if e == nil {
		return
	}
	e.hostShutdown = fn
}

// Start launches the link goroutines and issues the initial command
// sequence. System time is deliberately not pushed to the PMU here: the
// first status report adopts the PMU clock, and only later divergence
// triggers a sync.
func (e *Engine) Start() {
	if e == nil {
		return
	}
	if err := os.MkdirAll(e.statefsDir, 0o755); err != nil {
		slog.Warn("create battery statefs dir", "dir", e.statefsDir, "err", err)
	}

	e.wg.Add(3)
	go e.reader()
	go e.writer()
	go e.ticker()

	e.ScheduleUpdate()
	e.ChargerOnAutoStart(e.user.Get().ChargerOnAutoStart)
	e.VoltageThresholdSet(0, 0, 0, 0, 0, 0, 0, 0)
	e.submit(CmdPMUFWVersionGet, false, 0, nil, true)
	e.submit(CmdPowerOnEventGet, false, 0, nil, true)
	e.WatchdogTimeoutSet(5)
}

// Close stops the engine and closes the port.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	err := e.port.Close()
	e.wg.Wait()
	return err
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// submit frames a command and queues it. When frameNumSet is false a
// fresh frame number is assigned; replies to PMU-originated frames pass
// the peer's number through.
func (e *Engine) submit(cmdID uint16, frameNumSet bool, frameNum uint16, extra []byte, needAck bool) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if !frameNumSet {
		frameNum = e.frameNum
		e.frameNum++
	}
	f := Frame{
		Src:      AddrHost,
		Dst:      AddrPMU,
		FrameNum: frameNum,
		Command:  cmdID,
		Extra:    extra,
		NeedAck:  needAck,
	}
	retry := 1
	if needAck {
		retry = 3
	}
	c := &command{
		buf:      f.AppendTo(nil),
		command:  cmdID,
		frameNum: frameNum,
		needAck:  needAck,
		retry:    retry,
		stamp:    time.Now(),
		firstrun: true,
	}
	for len(e.queue) >= maxQueue {
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, c)
	if e.inflight == nil {
		e.inflight = e.queue[0]
		e.queue = e.queue[1:]
	}
	e.mu.Unlock()
	e.kick()
}

// writer drains the in-flight command whenever woken, polling often
// enough to honor the 1 s retransmission window.
func (e *Engine) writer() {
	defer e.wg.Done()
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		case <-t.C:
		}
		e.pump()
	}
}

// pump advances the in-flight command: promote the next queued frame,
// honor the retransmission window, write in chunks, and on a full write
// either retire the command or arm the ack wait. A brand-new command
// (firstrun) bypasses the window so fresh submissions go out
// immediately.
func (e *Engine) pump() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.inflight == nil {
			if len(e.queue) == 0 {
				return
			}
			e.inflight = e.queue[0]
			e.queue = e.queue[1:]
		}
		cur := e.inflight
		if !cur.firstrun && cur.written == 0 {
			if time.Since(cur.stamp) <= commandTimeout {
				return
			}
			if cur.retry == 0 {
				e.inflight = nil
				continue
			}
		}
		if cur.written >= len(cur.buf) {
			return
		}
		end := cur.written + writeChunk
		if end > len(cur.buf) {
			end = len(cur.buf)
		}
		chunk := cur.buf[cur.written:end]
		e.mu.Unlock()
		n, err := e.port.Write(chunk)
		e.mu.Lock()
		if e.inflight != cur {
			// Acked and retired while the chunk was in flight.
			continue
		}
		if n > 0 {
			cur.written += n
			cur.stamp = time.Now()
			cur.firstrun = false
		}
		if err != nil {
			select {
			case <-e.done:
			default:
				slog.Warn("serial write", "err", err)
			}
			return
		}
		if cur.written >= len(cur.buf) {
			if cur.needAck && cur.retry > 0 {
				cur.retry--
				cur.written = 0
				continue
			}
			e.inflight = nil
		}
	}
}

// reader accumulates serial bytes and feeds the frame parser. The
// receive buffer is capped; overflow drops the oldest half.
func (e *Engine) reader() {
	defer e.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := e.port.Read(buf)
		if n > 0 {
			var frames []Frame
			e.mu.Lock()
			e.readBuf = append(e.readBuf, buf[:n]...)
			if len(e.readBuf) > readBufMax {
				e.readBuf = append(e.readBuf[:0],
					e.readBuf[len(e.readBuf)-readBufKeep:]...)
			}
			used := extractFrames(e.readBuf, func(f Frame) {
				frames = append(frames, f)
			})
			if used > 0 {
				e.readBuf = append(e.readBuf[:0], e.readBuf[used:]...)
			}
			e.mu.Unlock()
			for _, f := range frames {
				e.handleFrame(f)
			}
		}
		if err != nil {
			select {
			case <-e.done:
			default:
				slog.Warn("serial read", "err", err)
			}
			return
		}
	}
}

// handleFrame applies one validated incoming frame: ack matching first,
// then command-specific behavior for frames addressed to the host.
func (e *Engine) handleFrame(f Frame) {
	e.mu.Lock()
	if cur := e.inflight; cur != nil &&
		cur.command+1 == f.Command && cur.frameNum == f.FrameNum {
		e.inflight = nil
		e.kick()
	}
	e.mu.Unlock()

	if f.Dst != AddrHost && f.Dst != 0x80 && f.Dst != 0xFF {
		return
	}

	switch f.Command {
	case CmdStatusReport:
		if len(f.Extra) < 16 {
			return
		}
		e.parseStatus(f.Extra)
		if f.NeedAck {
			e.submit(CmdStatusReportAck, true, f.FrameNum, nil, false)
		}

	case CmdPMURequestShutdown:
		slog.Info("PMU requested host shutdown")
		e.hostShutdown(false)
		if f.NeedAck {
			e.submit(CmdPMURequestShutdownAck, true, f.FrameNum, nil, false)
		}

	case CmdHostRequestShutdownAck:
		e.mu.Lock()
		if e.shutdownRequest {
			e.shutdownCompleted = true
		}
		e.mu.Unlock()

	case CmdWatchdogTimeoutSetAck:
		e.mu.Lock()
		if e.rebootRequest {
			e.rebootCompleted = true
		}
		e.mu.Unlock()

	case CmdPMURequestFactoryReset:
		slog.Info("PMU requested factory reset")
		e.spawn("pcat-factory-reset.sh")
		if f.NeedAck {
			e.submit(CmdPMURequestFactoryRstAck, true, f.FrameNum,
				[]byte{0}, false)
		}

	case CmdPMUFWVersionGetAck:
		if len(f.Extra) < 14 {
			return
		}
		ver := string(trimNUL(f.Extra))
		slog.Info("PMU firmware version", "version", ver)
		e.st.UpdatePMU(func(p *status.PMU) { p.FWVersion = ver })

	case CmdPowerOnEventGetAck:
		if len(f.Extra) < 1 {
			return
		}
		ev := uint(f.Extra[0])
		e.st.UpdatePMU(func(p *status.PMU) { p.PowerOnEvent = ev })
	}
}

func trimNUL(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// parseStatus ingests a STATUS_REPORT payload: voltages, RTC, board
// temperature, battery state, and the statefs files.
func (e *Engine) parseStatus(data []byte) {
	bv := uint(data[0]) | uint(data[1])<<8
	cv := uint(data[2]) | uint(data[3])<<8
	year := int(data[8]) | int(data[9])<<8
	month := int(data[10])
	day := int(data[11])
	hour := int(data[12])
	minute := int(data[13])
	sec := int(data[14])
	temp := 0
	if len(data) >= 18 {
		temp = int(data[17]) - 40
	}

	pmuTime, timeOK := pmuDateTime(year, month, day, hour, minute, sec)
	e.mu.Lock()
	timeSet := e.timeSet
	e.timeSet = true
	e.mu.Unlock()
	if timeSet {
		if timeOK {
			drift := time.Since(pmuTime)
			if drift > time.Minute || drift < -time.Minute {
				slog.Info("PMU time out of sync, sending time sync")
				e.DateTimeSync()
			}
		}
	} else if timeOK {
		if err := e.setClock(pmuTime); err != nil {
			slog.Warn("set system time from PMU", "err", err)
		} else {
			slog.Info("read system time from PMU", "time", pmuTime)
		}
	} else {
		slog.Warn("invalid system time from PMU",
			"year", year, "month", month, "day", day,
			"hour", hour, "minute", minute, "second", sec)
	}

	class := e.st.Modem().Class
	e.mu.Lock()
	reported, raw, onBattery := e.battery.updateWithRaw(bv, cv, class)
	e.mu.Unlock()

	e.st.UpdatePMU(func(p *status.PMU) {
		p.BatteryVoltage = bv
		p.ChargerVoltage = cv
		p.OnBattery = onBattery
		p.Percentage = reported
		p.BoardTemp = temp
	})

	e.writeStatefs("ChargePercentage", fmt.Sprintf("%f\n", raw))
	e.writeStatefs("Voltage", fmt.Sprintf("%d\n", bv*1000))
	onBat := 0
	if onBattery {
		onBat = 1
	}
	e.writeStatefs("OnBattery", fmt.Sprintf("%d\n", onBat))
}

func pmuDateTime(year, month, day, hour, minute, sec int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, false
	}
	return t, true
}

func (e *Engine) writeStatefs(name, content string) {
	path := filepath.Join(e.statefsDir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		slog.Warn("write battery statefs file", "path", path, "err", err)
	}
}

// ticker runs the 1 Hz heartbeat, charger auto-start countdown,
// scheduled power-off dispatch and modem-class threshold updates.
func (e *Engine) ticker() {
	defer e.wg.Done()
	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-t.C:
			e.tickOnce()
		}
	}
}

func (e *Engine) tickOnce() {
	now := time.Now()
	pmuSt := e.st.PMU()

	e.mu.Lock()
	if pmuSt.ChargerVoltage >= chargerPresentMin {
		e.chargerLastSeen = now
	}
	chargerSeen := e.chargerLastSeen
	pending := e.shutdownRequest || e.rebootRequest
	planned := e.shutdownPlanned
	e.mu.Unlock()

	if !pending {
		e.submit(CmdHeartbeat, false, 0, nil, false)

		u := e.user.Get()
		if u.ChargerOnAutoStart {
			timeout := time.Duration(u.ChargerOnAutoStartTimeout) * time.Second
			if (pmuSt.PowerOnEvent == 3 || pmuSt.PowerOnEvent == 4) &&
				now.Sub(chargerSeen) >= timeout {
				slog.Info("charger absent past auto-start timeout, shutting down")
				e.hostShutdown(true)
				e.mu.Lock()
				e.shutdownPlanned = true
				e.mu.Unlock()
			}
		} else if !planned {
			utc := now.UTC()
			for _, entry := range u.Schedule {
				if !entry.Enabled || entry.Action {
					continue
				}
				if entry.Matches(utc) {
					slog.Info("scheduled power-off fired")
					e.hostShutdown(true)
					e.mu.Lock()
					e.shutdownPlanned = true
					e.mu.Unlock()
					break
				}
			}
		}
	}

	class := e.st.Modem().Class
	e.mu.Lock()
	changed := class != e.appliedClass
	e.appliedClass = class
	e.mu.Unlock()
	if changed {
		var shutdownVoltage uint
		switch class {
		case status.Device5G:
			shutdownVoltage = e.cfg.AutoShutdownVoltage5G
		case status.DeviceGeneral:
			shutdownVoltage = e.cfg.AutoShutdownVoltageLTE
		default:
			shutdownVoltage = e.cfg.AutoShutdownVoltageGeneral
		}
		slog.Info("modem class changed, updating shutdown voltage",
			"class", int(class), "voltage", shutdownVoltage)
		e.VoltageThresholdSet(0, 0, 0, 0, 0, shutdownVoltage, 0, 0)
	}

	e.kick()
}

// DateTimeSync pushes the current UTC time to the PMU RTC.
func (e *Engine) DateTimeSync() {
	if e == nil {
		return
	}
	now := time.Now().UTC()
	y := now.Year()
	data := []byte{
		byte(y), byte(y >> 8),
		byte(now.Month()), byte(now.Day()),
		byte(now.Hour()), byte(now.Minute()), byte(now.Second()),
	}
	e.submit(CmdDateTimeSync, false, 0, data, true)
}

// ScheduleUpdate uploads the enabled power-on entries to the PMU as
// packed 8-byte records, at most six.
func (e *Engine) ScheduleUpdate() {
	if e == nil {
		return
	}
	var buf []byte
	for _, entry := range e.user.Get().Schedule {
		if !entry.Enabled || !entry.Action {
			continue
		}
		buf = append(buf,
			byte(entry.Year), byte(entry.Year>>8),
			byte(entry.Month), byte(entry.Day),
			byte(entry.Hour), byte(entry.Minute),
			entry.DOWBits, entry.EnableBits)
		if len(buf) >= 48 {
			break
		}
	}
	if len(buf) == 0 {
		return
	}
	e.submit(CmdScheduleStartupTimeSet, false, 0, buf, true)
	slog.Info("updated PMU schedule startup data")
}

// ChargerOnAutoStart tells the PMU whether to boot the host when a
// charger appears.
func (e *Engine) ChargerOnAutoStart(state bool) {
	if e == nil {
		return
	}
	v := byte(0)
	if state {
		v = 1
	}
	e.submit(CmdChargerOnAutoStart, false, 0, []byte{v}, true)
}

// NetStatusLEDSetup programs the network LED blink pattern.
func (e *Engine) NetStatusLEDSetup(on, off, repeat uint) {
	if e == nil {
		return
	}
	data := []byte{
		byte(on), byte(on >> 8),
		byte(off), byte(off >> 8),
		byte(repeat), byte(repeat >> 8),
	}
	e.submit(CmdNetStatusLEDSetup, false, 0, data, true)
}

// VoltageThresholdSet sends the LED/startup/charger/shutdown voltage
// thresholds. Zero fields are replaced by the configured defaults; the
// battery-full threshold always comes from config.
func (e *Engine) VoltageThresholdSet(ledHigh, ledMedium, ledLow, startup,
	chargerLimit, shutdown, ledWorkLow, chargerFast uint) {
	if e == nil {
		return
	}
	def := func(v, d uint) uint {
		if v == 0 {
			return d
		}
		return v
	}
	ledHigh = def(ledHigh, e.cfg.LEDHighVoltage)
	ledMedium = def(ledMedium, e.cfg.LEDMediumVoltage)
	ledLow = def(ledLow, e.cfg.LEDLowVoltage)
	startup = def(startup, e.cfg.StartupVoltage)
	chargerLimit = def(chargerLimit, e.cfg.ChargerLimitVoltage)
	shutdown = def(shutdown, e.cfg.AutoShutdownVoltageGeneral)
	ledWorkLow = def(ledWorkLow, e.cfg.LEDWorkLowVoltage)
	chargerFast = def(chargerFast, e.cfg.ChargerFastVoltage)
	full := e.cfg.BatteryFullThreshold

	data := make([]byte, 0, 18)
	for _, v := range []uint{ledHigh, ledMedium, ledLow, startup,
		chargerLimit, shutdown, ledWorkLow, chargerFast, full} {
		data = append(data, byte(v), byte(v>>8))
	}
	e.submit(CmdVoltageThresholdSet, false, 0, data, true)
}

// WatchdogTimeoutSet programs the PMU watchdog; 0 disables it.
func (e *Engine) WatchdogTimeoutSet(timeout uint) {
	if e == nil {
		return
	}
	e.submit(CmdWatchdogTimeoutSet, false, 0,
		[]byte{60, 60, byte(timeout)}, true)
}

// ShutdownRequest asks the PMU to cut power. ShutdownCompleted turns
// true when the PMU acknowledges.
func (e *Engine) ShutdownRequest() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.shutdownRequest = true
	e.mu.Unlock()
	e.submit(CmdHostRequestShutdown, false, 0, nil, true)
}

// RebootRequest arms the PMU watchdog so the board power-cycles if the
// host fails to come back.
func (e *Engine) RebootRequest() {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.rebootRequest = true
	e.mu.Unlock()
	e.WatchdogTimeoutSet(60)
}

func (e *Engine) ShutdownCompleted() bool {
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdownCompleted
}

func (e *Engine) RebootCompleted() bool {
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebootCompleted
}

// ChargerLastSeen reports when charger voltage was last observed.
func (e *Engine) ChargerLastSeen() time.Time {
	if e == nil {
		return time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chargerLastSeen
}
