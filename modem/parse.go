package modem

import (
	"log/slog"
	"strconv"
	"strings"

	"photonicat.com/pcatd/status"
)

// The dial helper emits CR/LF-delimited lines of comma-separated
// KEY=VALUE pairs, e.g.
//
//	CMD=SIGNALINFO,MODE=LTE,RSSI=-61
//	CMD=SIMSTATE,STATE=READY
//	CMD=ISPINFO,NAME=operator,PLMN=46000

const lineBufMax = 1 << 20

type parser struct {
	st  *status.Store
	log bool
	buf []byte
}

// feed accumulates helper output and handles every complete line. The
// buffer resets on overflow.
func (p *parser) feed(data []byte) {
	p.buf = append(p.buf, data...)
	if len(p.buf) > lineBufMax {
		p.buf = p.buf[:0]
		return
	}
	for {
		i := -1
		for j, b := range p.buf {
			if b == '\n' || b == '\r' {
				i = j
				break
			}
		}
		if i < 0 {
			return
		}
		line := string(p.buf[:i])
		p.buf = append(p.buf[:0], p.buf[i+1:]...)
		if line != "" {
			p.handleLine(line)
		}
	}
}

func (p *parser) handleLine(line string) {
	if p.log {
		slog.Debug("dial helper", "line", line)
	}
	kv := make(map[string]string)
	for _, field := range strings.Split(line, ",") {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		kv[k] = v
	}
	switch kv["CMD"] {
	case "SIGNALINFO":
		p.handleSignalInfo(kv)
	case "SIMSTATE":
		p.handleSIMState(kv)
	case "ISPINFO":
		p.handleISPInfo(kv)
	}
}

var modemModes = map[string]status.ModemMode{
	"NR5G-SA":  status.ModemMode5G,
	"NR5G-NSA": status.ModemMode5G,
	"LTE":      status.ModemModeLTE,
	"WCDMA":    status.ModemMode3G,
	"TDSCDMA":  status.ModemMode3G,
	"GSM":      status.ModemMode2G,
	"HDR":      status.ModemMode2G,
	"CDMA":     status.ModemMode2G,
}

func (p *parser) handleSignalInfo(kv map[string]string) {
	mode, modeOK := modemModes[kv["MODE"]]
	signal, signalOK := signalStrength(kv)
	p.st.UpdateModem(func(st *status.Modem) {
		st.Observed = true
		if modeOK {
			st.Mode = mode
			if mode == status.ModemMode5G {
				st.Class = status.Device5G
			}
		}
		if signalOK {
			st.Signal = signal
		}
	})
}

// signalStrength derives a 0..100 strength from the first metric
// present, in preference order RSSI, RSRQ, RSRP, RSCP.
func signalStrength(kv map[string]string) (int, bool) {
	if v, ok := parseInt(kv, "RSSI"); ok {
		switch {
		case v >= 0:
			return 100, true
		case v >= -100:
			return clampSignal(v + 100), true
		default:
			return 0, true
		}
	}
	if v, ok := parseInt(kv, "RSRQ"); ok {
		switch {
		case v >= -10:
			return 100, true
		case v >= -20:
			return clampSignal((v + 20) * 10), true
		default:
			return 0, true
		}
	}
	if v, ok := parseInt(kv, "RSRP"); ok {
		switch {
		case v >= -80:
			return 100, true
		case v >= -100:
			return clampSignal((v + 100) * 5), true
		default:
			return 0, true
		}
	}
	if v, ok := parseInt(kv, "RSCP"); ok {
		switch {
		case v >= -60:
			return 100, true
		case v >= -100:
			return clampSignal((v + 100) * 5 / 2), true
		default:
			return 0, true
		}
	}
	return 0, false
}

func parseInt(kv map[string]string, key string) (int, bool) {
	s, ok := kv[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return v, true
}

func clampSignal(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

var simStates = map[string]status.SIMState{
	"ABSENT":                  status.SIMAbsent,
	"NOTREADY":                status.SIMNotReady,
	"NOT_READY":               status.SIMNotReady,
	"READY":                   status.SIMReady,
	"NEEDPIN":                 status.SIMNeedPIN,
	"NEEDPUK":                 status.SIMNeedPUK,
	"NETWORK_PERSONALIZATION": status.SIMNetworkPersonalization,
	"BAD":                     status.SIMBad,
}

func (p *parser) handleSIMState(kv map[string]string) {
	state, ok := simStates[kv["STATE"]]
	if !ok {
		return
	}
	p.st.UpdateModem(func(st *status.Modem) {
		st.Observed = true
		st.SIMState = state
	})
}

func (p *parser) handleISPInfo(kv map[string]string) {
	name, plmn := kv["NAME"], kv["PLMN"]
	p.st.UpdateModem(func(st *status.Modem) {
		st.Observed = true
		if name != "" {
			st.ISPName = name
		}
		if plmn != "" {
			st.ISPPLMN = plmn
		}
	})
}
