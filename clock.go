package baudsim

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source used by a Pacer. Both clock.Clock and clock.Mock
// from github.com/benbjohnson/clock satisfy it.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

func defaultClock() Clock {
	return clock.New()
}
