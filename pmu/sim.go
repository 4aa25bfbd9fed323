package pmu

import (
	"io"
	"net"
	"sync"
)

// Simulator emulates the PMU end of the serial link. It collects every
// frame the host transmits and can inject frames toward the host; with
// AutoAck enabled it acknowledges ack-requiring commands like the real
// controller.
type Simulator struct {
	host net.Conn
	dev  net.Conn

	frames chan Frame

	mu      sync.Mutex
	autoAck bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewSimulator() *Simulator {
	host, dev := net.Pipe()
	s := &Simulator{
		host:   host,
		dev:    dev,
		frames: make(chan Frame, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Port returns the host side of the link, to hand to NewEngine.
func (s *Simulator) Port() io.ReadWriteCloser {
	return s.host
}

// Frames delivers the frames received from the host in order.
func (s *Simulator) Frames() <-chan Frame {
	return s.frames
}

// SetAutoAck makes the simulator acknowledge every ack-requiring frame.
func (s *Simulator) SetAutoAck(on bool) {
	s.mu.Lock()
	s.autoAck = on
	s.mu.Unlock()
}

// Send transmits a frame to the host.
func (s *Simulator) Send(f Frame) {
	s.dev.Write(f.AppendTo(nil))
}

func (s *Simulator) Close() {
	s.closeOnce.Do(func() {
		s.dev.Close()
	})
	<-s.done
}

func (s *Simulator) run() {
	defer close(s.done)
	var acc []byte
	buf := make([]byte, 4096)
	for {
		n, err := s.dev.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			used := extractFrames(acc, func(f Frame) {
				select {
				case s.frames <- f:
				default:
				}
				s.mu.Lock()
				ack := s.autoAck && f.NeedAck
				s.mu.Unlock()
				if ack {
					reply := Frame{
						Src:      AddrPMU,
						Dst:      AddrHost,
						FrameNum: f.FrameNum,
						Command:  f.Command + 1,
					}
					s.dev.Write(reply.AppendTo(nil))
				}
			})
			acc = acc[used:]
		}
		if err != nil {
			return
		}
	}
}
