//go:build unix

package scheduler

import (
	"time"

	"golang.org/x/sys/unix"
)

// processCPU returns the user plus system CPU time consumed by the
// process so far.
func processCPU() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
