package modem

import (
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"photonicat.com/pcatd/config"
)

// helperProc is one running dial-helper instance.
type helperProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// dialArgs builds the helper command line from the configured dial
// credentials.
func dialArgs(u config.User) []string {
	var args []string
	if u.ModemAPN != "" {
		args = append(args, "-s", u.ModemAPN)
		if u.ModemUser != "" {
			args = append(args, u.ModemUser)
			if u.ModemPassword != "" {
				args = append(args, u.ModemPassword)
				if u.ModemAuth != "" {
					args = append(args, u.ModemAuth)
				}
			}
		}
	}
	if !u.ModemDisableIPv6 {
		args = append(args, "-6")
	}
	return args
}

// spawnHelper starts the dial helper with stdout piped into the line
// parser and stderr silenced. The helper slot is cleared when the
// process exits so the next scan may respawn it.
func (m *Manager) spawnHelper(entry DeviceEntry) {
	args := dialArgs(m.user.Get())
	cmd := exec.Command(entry.Exec, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		slog.Warn("dial helper stdout pipe", "err", err)
		return
	}
	if err := cmd.Start(); err != nil {
		slog.Warn("failed to run dial helper", "exec", entry.Exec, "err", err)
		return
	}
	slog.Info("dial helper started", "exec", entry.Exec, "pid", cmd.Process.Pid)

	h := &helperProc{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.helper = h
	m.mu.Unlock()

	p := &parser{st: m.st, log: m.helperLog}
	go func() {
		defer close(h.done)
		buf := make([]byte, 4096)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				p.feed(buf[:n])
			}
			if rerr != nil {
				break
			}
		}
		if err := cmd.Wait(); err != nil {
			slog.Warn("dial helper exited with error", "err", err)
		} else {
			slog.Info("dial helper exited")
		}
		m.mu.Lock()
		if m.helper == h {
			m.helper = nil
		}
		m.mu.Unlock()
	}()
}

// stop terminates the helper: a soft request first, then force-exit.
func (h *helperProc) stop() {
	if h.cmd.Process != nil {
		h.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-h.done:
		return
	case <-time.After(2 * time.Second):
	}
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	<-h.done
}
