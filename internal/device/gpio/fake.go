package gpio

import (
	"context"
	"errors"
	"sync"

	"github.com/sweeney/envctl/internal/device"
)

// FakeInput is a test double that returns scripted logical line values.
type FakeInput struct {
	mu sync.Mutex

	// Samples contains scripted values; each Read consumes the next one.
	Samples []bool
	index   int

	// Closed tracks if Close was called.
	Closed bool

	// ReadError, if set, is returned by Read.
	ReadError error
}

// NewFakeInput creates a FakeInput with the given samples.
func NewFakeInput(samples ...bool) *FakeInput {
	return &FakeInput{Samples: samples}
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeInput) Read(context.Context) ([]device.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return nil, f.ReadError
	}
	if len(f.Samples) == 0 {
		return nil, errors.New("no samples configured")
	}
	v := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return stateReading(v), nil
}

// Set replaces the script with a single steady value.
func (f *FakeInput) Set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Samples = []bool{v}
	f.index = 0
}

// Close marks the input as closed.
func (f *FakeInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FakeRelay records every write.
type FakeRelay struct {
	mu      sync.Mutex
	on      bool
	history []bool

	// FailWrites, if set, is returned by TurnOn and TurnOff.
	FailWrites error
}

// NewFakeRelay returns a relay that starts off.
func NewFakeRelay() *FakeRelay { return &FakeRelay{} }

func (f *FakeRelay) TurnOn(float64) error { return f.set(true) }
func (f *FakeRelay) TurnOff() error       { return f.set(false) }

func (f *FakeRelay) set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWrites != nil {
		return f.FailWrites
	}
	f.on = on
	f.history = append(f.history, on)
	return nil
}

// IsOn reports the current state.
func (f *FakeRelay) IsOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// History returns every successful write in order.
func (f *FakeRelay) History() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.history...)
}
