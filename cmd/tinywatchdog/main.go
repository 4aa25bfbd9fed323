// command tinywatchdog feeds the PMU heartbeat from a recovery shell so
// the hardware watchdog does not power-cycle the board while the full
// supervisor is stopped.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"photonicat.com/pcatd/pmu"
)

func main() {
	device := "/dev/ttyS4"
	baud := 115200
	if len(os.Args) > 1 {
		device = os.Args[1]
	}
	if len(os.Args) > 2 {
		if v, err := strconv.Atoi(os.Args[2]); err == nil {
			baud = v
		}
	}

	port, err := pmu.Open(device, baud)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tinywatchdog: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	var frameNum uint16
	for {
		f := pmu.Frame{
			Src:      pmu.AddrHost,
			Dst:      pmu.AddrPMU,
			FrameNum: frameNum,
			Command:  pmu.CmdHeartbeat,
		}
		if _, err := port.Write(f.AppendTo(nil)); err != nil {
			fmt.Fprintf(os.Stderr, "tinywatchdog: write: %v\n", err)
			os.Exit(1)
		}
		frameNum++
		time.Sleep(time.Second)
	}
}
