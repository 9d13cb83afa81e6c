//go:build !unix

package scheduler

import "time"

// processCPU is not measured on this platform; cycle CPU time reads 0.
func processCPU() time.Duration {
	return 0
}
