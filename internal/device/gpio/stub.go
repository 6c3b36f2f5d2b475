//go:build !linux

package gpio

import (
	"context"
	"errors"

	"github.com/sweeney/envctl/internal/device"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealInput is not available on non-Linux platforms.
type RealInput struct{}

// NewRealInput returns an error on non-Linux platforms.
func NewRealInput(LineConfig) (*RealInput, error) { return nil, errUnsupported }

// Read is not implemented on non-Linux platforms.
func (r *RealInput) Read(context.Context) ([]device.Reading, error) { return nil, errUnsupported }

// Close is not implemented on non-Linux platforms.
func (r *RealInput) Close() error { return nil }

// RealRelay is not available on non-Linux platforms.
type RealRelay struct{}

// NewRealRelay returns an error on non-Linux platforms.
func NewRealRelay(LineConfig) (*RealRelay, error) { return nil, errUnsupported }

func (r *RealRelay) TurnOn(float64) error { return errUnsupported }
func (r *RealRelay) TurnOff() error       { return errUnsupported }
func (r *RealRelay) IsOn() bool           { return false }
func (r *RealRelay) Close() error         { return nil }
