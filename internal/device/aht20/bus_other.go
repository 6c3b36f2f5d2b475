//go:build !linux

package aht20

import "errors"

// DevBus is not available on non-Linux platforms.
type DevBus struct{}

// OpenBus returns an error on non-Linux platforms.
func OpenBus(string, uint16) (*DevBus, error) {
	return nil, errors.New("aht20: i2c not supported on this platform (requires Linux)")
}

func (b *DevBus) Tx(_, _ []byte) error { return errors.New("aht20: not supported") }
func (b *DevBus) Close() error         { return nil }
