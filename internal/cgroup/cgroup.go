// Package cgroup creates and tears down per-container resource-limit groups
// under the configured parent groups.
package cgroup

import "errors"

// ErrCgroupFailure indicates group creation or process attachment failed.
var ErrCgroupFailure = errors.New("cgroup operation failed")

// Limits are a container's resolved resource limits, applied at
// cgroup-creation time and immutable for the container's lifetime.
type Limits struct {
	// Memory is the memory ceiling in bytes. 0 means unlimited.
	Memory uint64

	// CPUWeight is the cpu weight in cgroup2 terms (1-10000, default 100).
	// On legacy hosts it is converted to cpu.shares.
	CPUWeight uint64
}

// DefaultCPUWeight is applied when a package declares no cpu weight.
const DefaultCPUWeight = 100
