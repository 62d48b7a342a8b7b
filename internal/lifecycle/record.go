package lifecycle

import "time"

// Record is the persisted view of a container instance. It is written on
// every transition so a crashed runtime can reconcile on restart.
type Record struct {
	Container string `json:"container"`
	Package   string `json:"package"`
	State     State  `json:"state"`

	Pid        int    `json:"pid,omitempty"`
	MountPoint string `json:"mount_point,omitempty"`
	CgroupPath string `json:"cgroup_path,omitempty"`

	// ExitCode and Signal describe how the process ended, when it ran.
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`

	// Error describes the failure for StateFailed records.
	Error string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
