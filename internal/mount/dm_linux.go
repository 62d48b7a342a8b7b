//go:build linux

package mount

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sealbox/sealbox/internal/config"
)

// Device-mapper ioctl interface version and struct layout constants. The
// header layout matches struct dm_ioctl from <linux/dm-ioctl.h>.
const (
	dmVersionMajor = 4
	dmVersionMinor = 0

	dmIoctlSize  = 312 // sizeof(struct dm_ioctl)
	dmTargetSize = 40  // sizeof(struct dm_target_spec), params follow

	dmNameOffset = 48 // offsetof(struct dm_ioctl, name)
	dmNameLen    = 128
)

// linuxDMController drives verity targets through the device-mapper control
// device using raw ioctls.
type linuxDMController struct {
	controlPath string
	devPrefix   string // "/dev/dm-" + minor
}

func newDMController(devices config.DevicesConfig) *linuxDMController {
	return &linuxDMController{
		controlPath: devices.DeviceMapper,
		devPrefix:   devices.DeviceMapperDev,
	}
}

// header builds a struct dm_ioctl with the given name, payload size and
// flags. The payload, if any, starts right after the header.
func dmHeader(buf []byte, name string, totalSize uint32, flags uint32) {
	binary.LittleEndian.PutUint32(buf[0:], dmVersionMajor)
	binary.LittleEndian.PutUint32(buf[4:], dmVersionMinor)
	binary.LittleEndian.PutUint32(buf[8:], 0)
	binary.LittleEndian.PutUint32(buf[12:], totalSize)   // data_size
	binary.LittleEndian.PutUint32(buf[16:], dmIoctlSize) // data_start
	binary.LittleEndian.PutUint32(buf[28:], flags)
	copy(buf[dmNameOffset:dmNameOffset+dmNameLen-1], name)
}

func (d *linuxDMController) ioctl(req uint, buf []byte) error {
	fd, err := unix.Open(d.controlPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.controlPath, err)
	}
	defer unix.Close(fd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

// CreateVerity creates a verity target over params.DataDevice: DM_DEV_CREATE,
// DM_TABLE_LOAD with a verity table line, then resume. The hash tree lives on
// the same device, starting at params.HashOffset. After activation the first
// data block is read back; an I/O error there means the image does not match
// the trusted root hash.
func (d *linuxDMController) CreateVerity(name string, params verityParams) (retDev string, retErr error) {
	buf := make([]byte, dmIoctlSize)
	dmHeader(buf, name, dmIoctlSize, 0)
	if err := d.ioctl(unix.DM_DEV_CREATE, buf); err != nil {
		return "", fmt.Errorf("DM_DEV_CREATE %s: %w", name, err)
	}
	defer func() {
		if retErr != nil {
			_ = d.Remove(name)
		}
	}()

	// dev_t of the created device, from the returned header.
	devno := binary.LittleEndian.Uint64(buf[40:])
	device := fmt.Sprintf("%s%d", d.devPrefix, unix.Minor(devno))

	table := verityTable(params)
	sectors := params.DataSize / 512
	if err := d.tableLoad(name, table, sectors); err != nil {
		// An invalid or inconsistent verity table (e.g. truncated hash
		// tree) is rejected at load time.
		return "", fmt.Errorf("DM_TABLE_LOAD %s: %v: %w", name, err, ErrIntegrityMismatch)
	}

	// DM_DEV_SUSPEND without the suspend flag resumes the device, swapping
	// in the loaded table.
	buf = make([]byte, dmIoctlSize)
	dmHeader(buf, name, dmIoctlSize, 0)
	if err := d.ioctl(unix.DM_DEV_SUSPEND, buf); err != nil {
		return "", fmt.Errorf("resume %s: %w", name, err)
	}

	if err := verifyFirstBlock(device, params.BlockSize); err != nil {
		return "", fmt.Errorf("verity check %s: %v: %w", name, err, ErrIntegrityMismatch)
	}

	return device, nil
}

// tableLoad issues DM_TABLE_LOAD with a single read-only verity target
// spanning sectors 512-byte sectors of data.
func (d *linuxDMController) tableLoad(name, table string, sectors uint64) error {
	paramsLen := (len(table) + 1 + 7) &^ 7 // NUL-terminated, 8-byte aligned
	total := dmIoctlSize + dmTargetSize + paramsLen
	buf := make([]byte, total)
	dmHeader(buf, name, uint32(total), unix.DM_READONLY_FLAG)
	binary.LittleEndian.PutUint32(buf[20:], 1) // target_count

	spec := buf[dmIoctlSize:]
	binary.LittleEndian.PutUint64(spec[0:], 0)                               // sector_start
	binary.LittleEndian.PutUint64(spec[8:], sectors)                         // length
	binary.LittleEndian.PutUint32(spec[20:], uint32(dmTargetSize+paramsLen)) // next
	copy(spec[24:24+15], "verity")
	copy(spec[dmTargetSize:], table)

	return d.ioctl(unix.DM_TABLE_LOAD, buf)
}

// Remove deletes the named target. Absent targets are not an error: the
// kernel may already have cleaned up after a crashed chain.
func (d *linuxDMController) Remove(name string) error {
	buf := make([]byte, dmIoctlSize)
	dmHeader(buf, name, dmIoctlSize, 0)
	if err := d.ioctl(unix.DM_DEV_REMOVE, buf); err != nil {
		if errors.Is(err, unix.ENXIO) || errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("DM_DEV_REMOVE %s: %w", name, err)
	}
	return nil
}

// verityTable renders the dm-verity target parameter line:
//
//	<version> <data_dev> <hash_dev> <data_blk> <hash_blk> <#blocks> <hash_start> <alg> <digest> <salt>
func verityTable(p verityParams) string {
	numBlocks := p.DataSize / uint64(p.BlockSize)
	hashStart := p.HashOffset / uint64(p.BlockSize)
	salt := "-"
	if len(p.Salt) > 0 {
		salt = hex.EncodeToString(p.Salt)
	}
	return fmt.Sprintf("1 %s %s %d %d %d %d %s %s %s",
		p.DataDevice, p.DataDevice,
		p.BlockSize, p.BlockSize,
		numBlocks, hashStart,
		p.Algorithm,
		hex.EncodeToString(p.RootHash),
		salt)
}

// verifyFirstBlock forces a read through the verity target so tampering is
// caught before the filesystem mount touches the device.
func verifyFirstBlock(device string, blockSize uint32) error {
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	block := make([]byte, blockSize)
	if _, err := unix.Read(fd, block); err != nil {
		return err
	}
	return nil
}
