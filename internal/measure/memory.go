package measure

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultMemoryLimit bounds samples kept per device and measurement.
const DefaultMemoryLimit = 4096

// MemoryStore keeps recent measurements in process memory.
type MemoryStore struct {
	limit int
	now   func() time.Time

	mu     sync.RWMutex
	series map[seriesKey][]Measurement
}

type seriesKey struct {
	device, measurement string
}

// NewMemoryStore creates a store keeping at most limit samples per series
// (DefaultMemoryLimit when limit <= 0).
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{limit: limit, now: time.Now, series: make(map[seriesKey][]Measurement)}
}

// Append implements Store. Out-of-order samples are inserted in time order.
func (s *MemoryStore) Append(_ context.Context, m Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := seriesKey{m.DeviceID, m.Measurement}
	ser := s.series[k]
	i := sort.Search(len(ser), func(i int) bool { return ser[i].Time.After(m.Time) })
	ser = append(ser, Measurement{})
	copy(ser[i+1:], ser[i:])
	ser[i] = m
	if len(ser) > s.limit {
		ser = append(ser[:0:0], ser[len(ser)-s.limit:]...)
	}
	s.series[k] = ser
	return nil
}

// LastValue implements Store.
func (s *MemoryStore) LastValue(_ context.Context, deviceID, measurement string, channel int, maxAge time.Duration) (Sample, bool, error) {
	cutoff := s.now().Add(-maxAge)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser := s.series[seriesKey{deviceID, measurement}]
	for i := len(ser) - 1; i >= 0; i-- {
		m := ser[i]
		if m.Time.Before(cutoff) {
			break
		}
		if m.Channel == channel {
			return Sample{Time: m.Time, Value: m.Value}, true, nil
		}
	}
	return Sample{}, false, nil
}

// ValuesSince implements Store.
func (s *MemoryStore) ValuesSince(_ context.Context, deviceID, measurement string, maxAge time.Duration) ([]Sample, error) {
	cutoff := s.now().Add(-maxAge)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Sample
	for _, m := range s.series[seriesKey{deviceID, measurement}] {
		if !m.Time.Before(cutoff) {
			out = append(out, Sample{Time: m.Time, Value: m.Value})
		}
	}
	return out, nil
}
