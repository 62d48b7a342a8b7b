package supervisor

// InitArg is the argv[1] marker that dispatches a re-exec of the runtime
// binary into the container init stage.
const InitArg = "container-init"

// StartSpec describes one container process to supervise.
type StartSpec struct {
	ContainerID string

	// Root is the mounted, verified package image the process pivots into.
	Root string

	Init string
	Args []string
	Env  map[string]string

	UID uint32
	GID uint32

	// Capabilities is the minimal capability set kept across exec.
	Capabilities []string

	// NewMountNamespace gives the process a private mount namespace so its
	// mounts die with it. Disabled only by the diagnostic override.
	NewMountNamespace bool
}
