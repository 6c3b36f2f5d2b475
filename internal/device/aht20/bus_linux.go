//go:build linux

package aht20

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// i2cSlave is the I2C_SLAVE ioctl from linux/i2c-dev.h.
const i2cSlave = 0x0703

// DevBus is an I2C client opened through /dev/i2c-N.
type DevBus struct {
	fd int
}

// OpenBus opens dev and binds it to the slave address.
func OpenBus(dev string, addr uint16) (*DevBus, error) {
	fd, err := unix.Open(dev, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dev, err)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set i2c address 0x%02x on %s: %w", addr, dev, err)
	}
	return &DevBus{fd: fd}, nil
}

// Tx writes w then reads into r.
func (b *DevBus) Tx(w, r []byte) error {
	if len(w) > 0 {
		if _, err := unix.Write(b.fd, w); err != nil {
			return fmt.Errorf("i2c write: %w", err)
		}
	}
	if len(r) > 0 {
		n, err := unix.Read(b.fd, r)
		if err != nil {
			return fmt.Errorf("i2c read: %w", err)
		}
		if n != len(r) {
			return fmt.Errorf("i2c read: short read %d of %d", n, len(r))
		}
	}
	return nil
}

// Close closes the device file.
func (b *DevBus) Close() error { return unix.Close(b.fd) }
