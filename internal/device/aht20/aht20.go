// Package aht20 reads temperature and relative humidity from an AHT20
// sensor on a Linux I2C bus.
package aht20

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sweeney/envctl/internal/device"
)

// Type is the driver type name used in definitions.
const Type = "aht20"

// Address is the fixed I2C address of the AHT20.
const Address = 0x38

const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

// Errors returned by Read.
var (
	ErrTimeout  = errors.New("aht20: timeout")
	ErrNotReady = errors.New("aht20: not ready")
	ErrCRC      = errors.New("aht20: crc mismatch")
)

// Bus is the minimal I2C transport. A Tx with both w and r set writes and
// then reads from the device.
type Bus interface {
	Tx(w, r []byte) error
	Close() error
}

// Options tune conversion timing.
type Options struct {
	TriggerHint    time.Duration // wait after trigger before the first collect, default 80ms
	PollInterval   time.Duration // between collects while busy, default 15ms
	CollectTimeout time.Duration // total collect budget, default 250ms
}

func (o *Options) defaults() {
	if o.TriggerHint <= 0 {
		o.TriggerHint = 80 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Millisecond
	}
	if o.CollectTimeout <= 0 {
		o.CollectTimeout = 250 * time.Millisecond
	}
}

// Sensor is an AHT20 on a bus.
type Sensor struct {
	bus  Bus
	opts Options

	initOnce sync.Once
	buf      [7]byte
}

// New wraps an open bus.
func New(bus Bus, opts Options) *Sensor {
	opts.defaults()
	return &Sensor{bus: bus, opts: opts}
}

// Attempts implements device.ReadPolicy.
func (s *Sensor) Attempts() int { return 3 }

// Tolerance implements device.ReadPolicy. Consecutive samples more than one
// unit apart are treated as inconsistent.
func (s *Sensor) Tolerance() float64 { return 1.0 }

func (s *Sensor) calibrate() {
	st := []byte{0}
	if err := s.bus.Tx([]byte{cmdStatus}, st); err == nil && st[0]&statusCalibrated != 0 {
		return
	}
	// Tolerate devices that do not ACK immediately; the next collect reports
	// not-ready until calibration completes.
	_ = s.bus.Tx([]byte{cmdInitialize, 0x08, 0x00}, nil)
	time.Sleep(10 * time.Millisecond)
}

// Read triggers a conversion and returns temperature (channel 0, °C) and
// relative humidity (channel 1, %).
func (s *Sensor) Read(ctx context.Context) ([]device.Reading, error) {
	s.initOnce.Do(s.calibrate)

	if err := s.bus.Tx([]byte{cmdTrigger, 0x33, 0x00}, nil); err != nil {
		return nil, fmt.Errorf("aht20 trigger: %w", err)
	}
	if err := sleep(ctx, s.opts.TriggerHint); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.opts.CollectTimeout)
	for {
		hum, temp, err := s.collect()
		switch {
		case err == nil:
			return []device.Reading{
				{Channel: 0, Measurement: "temperature", Unit: "C", Value: temp},
				{Channel: 1, Measurement: "humidity", Unit: "percent", Value: hum},
			}, nil
		case errors.Is(err, ErrNotReady):
			if time.Now().After(deadline) {
				return nil, ErrTimeout
			}
			if err := sleep(ctx, s.opts.PollInterval); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

func (s *Sensor) collect() (hum, temp float64, err error) {
	data := s.buf[:]
	if err := s.bus.Tx(nil, data); err != nil {
		return 0, 0, fmt.Errorf("aht20 collect: %w", err)
	}
	if data[0]&statusCalibrated == 0 || data[0]&statusBusy != 0 {
		return 0, 0, ErrNotReady
	}
	if crc8(data[:6]) != data[6] {
		return 0, 0, ErrCRC
	}
	hraw := uint32(data[1])<<12 | uint32(data[2])<<4 | uint32(data[3])>>4
	traw := uint32(data[3]&0x0F)<<16 | uint32(data[4])<<8 | uint32(data[5])
	return Humidity(hraw), Celsius(traw), nil
}

// Humidity converts a raw 20-bit humidity sample to percent.
func Humidity(raw uint32) float64 { return float64(raw) * 100 / 0x100000 }

// Celsius converts a raw 20-bit temperature sample to °C.
func Celsius(raw uint32) float64 { return float64(raw)*200/0x100000 - 50 }

// crc8 is CRC-8/NRSC-5 style: polynomial 0x31, init 0xFF.
func crc8(b []byte) byte {
	crc := byte(0xFF)
	for _, v := range b {
		crc ^= v
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Close releases the bus.
func (s *Sensor) Close() error { return s.bus.Close() }

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register adds the aht20 sensor driver. Parameters: dev (default
// /dev/i2c-1) and address (default 0x38).
func Register(r *device.Registry) {
	r.RegisterSensor(Type, func(p device.Params) (device.Sensor, error) {
		addr := uint64(Address)
		if v := p.String("address", ""); v != "" {
			n, err := strconv.ParseUint(v, 0, 16)
			if err != nil {
				return nil, fmt.Errorf("param address: %w", err)
			}
			addr = n
		}
		bus, err := OpenBus(p.String("dev", "/dev/i2c-1"), uint16(addr))
		if err != nil {
			return nil, err
		}
		return New(bus, Options{}), nil
	})
}
