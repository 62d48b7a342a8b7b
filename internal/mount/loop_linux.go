//go:build linux

package mount

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sealbox/sealbox/internal/config"
)

// defaultPoolSize is used when neither the config nor the host reports a
// loop device limit.
const defaultPoolSize = 8

// linuxLoopController drives loop devices through /dev/loop-control.
type linuxLoopController struct {
	controlPath string
	devPrefix   string
}

func newLoopController(devices config.DevicesConfig) *linuxLoopController {
	return &linuxLoopController{
		controlPath: devices.LoopControl,
		devPrefix:   devices.LoopDev,
	}
}

// Capacity reports the host loop device limit. A max_loop of 0 means the
// kernel allocates devices on demand, in which case the default pool size
// applies.
func (l *linuxLoopController) Capacity() (int, error) {
	if _, err := os.Stat(l.controlPath); err != nil {
		return 0, fmt.Errorf("loop control device: %w", err)
	}
	data, err := os.ReadFile("/sys/module/loop/parameters/max_loop")
	if err != nil {
		return defaultPoolSize, nil
	}
	maxLoop, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || maxLoop <= 0 {
		return defaultPoolSize, nil
	}
	return maxLoop, nil
}

// Attach asks loop-control for a free device and binds it read-only to the
// byte range [offset, offset+size) of the backing file.
func (l *linuxLoopController) Attach(backing string, offset int64, size uint64) (string, error) {
	ctl, err := unix.Open(l.controlPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", l.controlPath, err)
	}
	defer unix.Close(ctl)

	index, err := unix.IoctlRetInt(ctl, unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("LOOP_CTL_GET_FREE: %w", err)
	}
	device := fmt.Sprintf("%s%d", l.devPrefix, index)

	dev, err := unix.Open(device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", device, err)
	}
	defer unix.Close(dev)

	back, err := unix.Open(backing, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", backing, err)
	}
	defer unix.Close(back)

	if err := unix.IoctlSetInt(dev, unix.LOOP_SET_FD, back); err != nil {
		return "", fmt.Errorf("LOOP_SET_FD %s: %w", device, err)
	}

	var info unix.LoopInfo64
	copy(info.File_name[:], backing)
	info.Offset = uint64(offset)
	info.Sizelimit = size
	// Autoclear is a safety net: if the runtime dies the kernel frees the
	// device when the last reference drops. Explicit Detach remains the
	// normal release path.
	info.Flags = unix.LO_FLAGS_READ_ONLY | unix.LO_FLAGS_AUTOCLEAR

	if err := unix.IoctlLoopSetStatus64(dev, &info); err != nil {
		_ = unix.IoctlSetInt(dev, unix.LOOP_CLR_FD, 0)
		return "", fmt.Errorf("LOOP_SET_STATUS64 %s: %w", device, err)
	}

	return device, nil
}

// Detach releases the loop device. A device that is already free or gone is
// not an error.
func (l *linuxLoopController) Detach(device string) error {
	dev, err := unix.Open(device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENXIO) {
			return nil
		}
		return fmt.Errorf("open %s: %w", device, err)
	}
	defer unix.Close(dev)

	if err := unix.IoctlSetInt(dev, unix.LOOP_CLR_FD, 0); err != nil {
		if errors.Is(err, unix.ENXIO) {
			return nil
		}
		return fmt.Errorf("LOOP_CLR_FD %s: %w", device, err)
	}
	return nil
}
