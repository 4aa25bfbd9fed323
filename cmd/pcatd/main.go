// command pcatd is the system supervisor for the pocket router: it
// drives the power management unit over its serial link, sequences the
// cellular modem, watches the multi-WAN routing policy and serves the
// local control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"photonicat.com/pcatd/config"
	"photonicat.com/pcatd/control"
	"photonicat.com/pcatd/modem"
	"photonicat.com/pcatd/pmu"
	"photonicat.com/pcatd/route"
	"photonicat.com/pcatd/status"
)

const (
	// shutdownSentinel routes SIGTERM to the shutdown branch instead of
	// the reboot branch when present.
	shutdownSentinel = "/tmp/pcat-shutdown.tmp"
	debugLogPath     = "/tmp/pcat-manager.log"

	shutdownWaitMax = 30 * time.Second

	daemonizedEnv = "PCATD_DAEMONIZED"
)

func main() {
	daemonFlag := flag.Bool("daemon", false, "run as a daemon")
	flag.BoolVar(daemonFlag, "D", false, "run as a daemon (shorthand)")
	distroFlag := flag.Bool("distro", false,
		"distribution mode: skip platform routing probes")
	flag.Parse()

	if *daemonFlag && os.Getenv(daemonizedEnv) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "daemonize: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*distroFlag); err != nil {
		fmt.Fprintf(os.Stderr, "pcatd: %v\n", err)
		os.Exit(1)
	}
}

// daemonize re-executes the process detached from the controlling
// terminal.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

func setupLogging(cfg *config.Static) {
	level := slog.LevelInfo
	w := io.Writer(os.Stderr)
	if cfg.DebugOutputLog {
		level = slog.LevelDebug
		f, err := os.OpenFile(debugLogPath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w,
		&slog.HandlerOptions{Level: level})))
}

// app carries the host-shutdown plumbing shared between the PMU engine
// callbacks and the signal loop.
type app struct {
	shutdownRequested atomic.Bool
	pmuInitiated      atomic.Bool
}

// requestShutdown powers the host down through the init system. When
// the request originated from the PMU itself, the PMU must not be asked
// to shut down again.
func (a *app) requestShutdown(notifyPMU bool) {
	if !notifyPMU {
		a.pmuInitiated.Store(true)
	}
	if a.shutdownRequested.CompareAndSwap(false, true) {
		go func() {
			if err := exec.Command("poweroff").Run(); err != nil {
				slog.Warn("poweroff", "err", err)
			}
		}()
	}
}

func run(distro bool) error {
	cfg, err := config.LoadStatic(config.DefaultStaticPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	user := config.LoadUser(config.DefaultUserPath)
	st := status.NewStore()

	signal.Ignore(syscall.SIGPIPE)
	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGUSR1)

	a := &app{}

	var engine *pmu.Engine
	port, err := pmu.Open(cfg.SerialDevice, cfg.SerialBaud)
	if err != nil {
		slog.Warn("PMU serial open failed, power management disabled", "err", err)
	} else {
		engine = pmu.NewEngine(port, cfg, user, st)
		engine.OnHostShutdown(a.requestShutdown)
		engine.Start()
		slog.Info("PMU serial port opened", "device", cfg.SerialDevice)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	mgr := modem.NewManager(cfg, user, st,
		modem.LoadDeviceTable(modem.DeviceTablePath))
	g.Go(func() error { return mgr.Run(gctx) })

	if !distro {
		mon := route.NewMonitor(st, engine)
		g.Go(func() error { return mon.Run(gctx) })
	}

	srv := control.NewServer(control.SocketPath, control.Deps{
		Store: st,
		User:  user,
		PMU:   engine,
		Modem: mgr,
	})
	if err := srv.Start(); err != nil {
		slog.Warn("control socket unavailable", "err", err)
	}

	watchdogDisabled := false
loop:
	for sig := range sigc {
		switch sig {
		case syscall.SIGUSR1:
			slog.Info("SIGUSR1: disabling PMU watchdog")
			watchdogDisabled = true
			engine.WatchdogTimeoutSet(0)
		case syscall.SIGTERM:
			slog.Info("SIGTERM received")
			break loop
		}
	}

	switch {
	case a.shutdownRequested.Load() || fileExists(shutdownSentinel):
		if a.pmuInitiated.Load() {
			// The PMU asked for this shutdown and is already cutting
			// power on its own schedule.
			break
		}
		engine.ShutdownRequest()
		if !waitFor(engine.ShutdownCompleted) {
			slog.Warn("PMU shutdown request timeout")
		}
	case !watchdogDisabled:
		engine.RebootRequest()
		if !waitFor(engine.RebootCompleted) {
			slog.Warn("PMU reboot request timeout")
		}
	}

	srv.Stop()
	cancel()
	g.Wait()
	engine.Close()
	if err := user.Sync(); err != nil {
		slog.Warn("final user config sync", "err", err)
	}
	return nil
}

// waitFor polls done once per second, bounded by the shutdown wait
// limit.
func waitFor(done func() bool) bool {
	deadline := time.Now().Add(shutdownWaitMax)
	for time.Now().Before(deadline) {
		if done() {
			return true
		}
		time.Sleep(time.Second)
	}
	return done()
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
