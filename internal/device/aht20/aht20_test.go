package aht20

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus answers status and collect transactions from a script.
type fakeBus struct {
	status   byte
	frames   [][]byte
	writes   [][]byte
	failRead error
	closed   bool
}

func (f *fakeBus) Tx(w, r []byte) error {
	if len(w) > 0 {
		f.writes = append(f.writes, append([]byte(nil), w...))
	}
	if len(r) == 0 {
		return nil
	}
	if w != nil && w[0] == cmdStatus {
		r[0] = f.status
		return nil
	}
	if f.failRead != nil {
		return f.failRead
	}
	frame := f.frames[0]
	if len(f.frames) > 1 {
		f.frames = f.frames[1:]
	}
	copy(r, frame)
	return nil
}

func (f *fakeBus) Close() error {
	f.closed = true
	return nil
}

// frame builds a 7-byte response for raw humidity and temperature values.
func frame(status byte, hraw, traw uint32) []byte {
	b := []byte{
		status,
		byte(hraw >> 12),
		byte(hraw >> 4),
		byte(hraw<<4) | byte(traw>>16&0x0F),
		byte(traw >> 8),
		byte(traw),
		0,
	}
	b[6] = crc8(b[:6])
	return b
}

func fastOpts() Options {
	return Options{TriggerHint: time.Millisecond, PollInterval: time.Millisecond, CollectTimeout: 50 * time.Millisecond}
}

func TestReadConverts(t *testing.T) {
	// 50 %RH and 25 °C.
	bus := &fakeBus{status: statusCalibrated, frames: [][]byte{frame(statusCalibrated, 0x80000, 0x60000)}}
	s := New(bus, fastOpts())

	rs, err := s.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "temperature", rs[0].Measurement)
	assert.InDelta(t, 25.0, rs[0].Value, 0.001)
	assert.Equal(t, "humidity", rs[1].Measurement)
	assert.InDelta(t, 50.0, rs[1].Value, 0.001)

	// Already calibrated: no initialize command.
	for _, w := range bus.writes {
		assert.NotEqual(t, byte(cmdInitialize), w[0])
	}
}

func TestReadInitializesUncalibrated(t *testing.T) {
	bus := &fakeBus{status: 0, frames: [][]byte{frame(statusCalibrated, 0x80000, 0x60000)}}
	s := New(bus, fastOpts())
	_, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(cmdInitialize), bus.writes[1][0])
}

func TestReadWaitsWhileBusy(t *testing.T) {
	bus := &fakeBus{status: statusCalibrated, frames: [][]byte{
		frame(statusCalibrated|statusBusy, 0, 0),
		frame(statusCalibrated|statusBusy, 0, 0),
		frame(statusCalibrated, 0x80000, 0x60000),
	}}
	s := New(bus, fastOpts())
	rs, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 25.0, rs[0].Value, 0.001)
}

func TestReadTimeout(t *testing.T) {
	bus := &fakeBus{status: statusCalibrated, frames: [][]byte{frame(statusCalibrated|statusBusy, 0, 0)}}
	s := New(bus, fastOpts())
	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadCRCMismatch(t *testing.T) {
	f := frame(statusCalibrated, 0x80000, 0x60000)
	f[6] ^= 0xFF
	s := New(&fakeBus{status: statusCalibrated, frames: [][]byte{f}}, fastOpts())
	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrCRC)
}

func TestReadBusError(t *testing.T) {
	s := New(&fakeBus{status: statusCalibrated, failRead: errors.New("nack")}, fastOpts())
	_, err := s.Read(context.Background())
	assert.ErrorContains(t, err, "nack")
}

func TestReadHonoursContext(t *testing.T) {
	bus := &fakeBus{status: statusCalibrated, frames: [][]byte{frame(statusCalibrated, 0, 0)}}
	s := New(bus, Options{TriggerHint: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConversions(t *testing.T) {
	assert.InDelta(t, -50.0, Celsius(0), 1e-9)
	assert.InDelta(t, 150.0, Celsius(0x100000), 1e-9)
	assert.InDelta(t, 100.0, Humidity(0x100000), 1e-9)
}

func TestCRC8KnownValue(t *testing.T) {
	// Sensirion/Aosong reference: CRC of 0xBE 0xEF is 0x92.
	assert.Equal(t, byte(0x92), crc8([]byte{0xBE, 0xEF}))
}

func TestClose(t *testing.T) {
	bus := &fakeBus{}
	require.NoError(t, New(bus, Options{}).Close())
	assert.True(t, bus.closed)
}
