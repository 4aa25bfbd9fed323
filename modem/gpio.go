package modem

import (
	gpiocdev "github.com/warthog618/go-gpiocdev"

	"photonicat.com/pcatd/config"
)

// requestGPIOLine requests pin as an output at the given logical level.
// Active-low pins are configured at the kernel so callers only deal in
// logical values.
func requestGPIOLine(pin config.GPIOPin, initial int) (gpioLine, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.WithConsumer("pcatd-modem"),
		gpiocdev.AsOutput(initial),
	}
	if pin.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	return gpiocdev.RequestLine(pin.Chip, pin.Line, opts...)
}
