package testutil

import (
	"time"

	"github.com/nacorga/tracelog/internal/clock"
)

// Epoch is the start time of every fake clock created here: unix 0, so
// timestamps in assertions read as plain milliseconds since start.
var Epoch = time.UnixMilli(0)

// NewClock returns a fake clock positioned at Epoch and a serial executor
// driven by it.
func NewClock() (*clock.Fake, *clock.Serial) {
	fake := clock.NewFake(Epoch)
	return fake, clock.NewSerial(fake)
}
