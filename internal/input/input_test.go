package input

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/buslock"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/device"
	"github.com/sweeney/envctl/internal/device/sim"
	"github.com/sweeney/envctl/internal/measure"
)

type recorder struct {
	mu sync.Mutex
	ms []measure.Measurement
}

func (r *recorder) Publish(m measure.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ms = append(r.ms, m)
}

func (r *recorder) all() []measure.Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]measure.Measurement(nil), r.ms...)
}

func registryWith(s device.Sensor) *device.Registry {
	reg := device.NewRegistry()
	reg.RegisterSensor("test", func(device.Params) (device.Sensor, error) { return s, nil })
	return reg
}

func inputConfig(t *testing.T, mutate func(p *config.InputParams)) *config.ControllerConfig {
	t.Helper()
	cfg := &config.ControllerConfig{
		ID:     "t1",
		Kind:   config.KindInput,
		Period: config.Duration(time.Hour),
		Input:  &config.InputParams{Driver: "test"},
	}
	if mutate != nil {
		mutate(cfg.Input)
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestConsistentSecondReadingPublished(t *testing.T) {
	sensor := sim.NewScripted("temperature", "C", 21.0, 21.3)
	rec := &recorder{}
	cfg := inputConfig(t, func(p *config.InputParams) { p.Tolerance = 1 })
	c, err := New(cfg, Deps{Registry: registryWith(sensor), Publisher: rec, Logger: zap.NewNop()})
	require.NoError(t, err)

	c.Cycle(context.Background(), time.Now())

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, 21.3, got[0].Value)
	assert.Equal(t, "t1", got[0].DeviceID)
	assert.Equal(t, "temperature", got[0].Measurement)
	assert.Equal(t, 2, sensor.Reads())
}

func TestInconsistentSamplesReplaceOlder(t *testing.T) {
	// 10 -> 15 disagree, 15 -> 15.5 agree: publish 15.5.
	sensor := sim.NewScripted("temperature", "C", 10, 15, 15.5)
	rec := &recorder{}
	cfg := inputConfig(t, func(p *config.InputParams) { p.Tolerance = 1 })
	c, err := New(cfg, Deps{Registry: registryWith(sensor), Publisher: rec})
	require.NoError(t, err)

	c.Cycle(context.Background(), time.Now())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, 15.5, rec.all()[0].Value)
}

func TestInconsistentBoundSkipsCycle(t *testing.T) {
	sensor := sim.NewScripted("temperature", "C", 0, 10, 20, 30, 40, 50)
	rec := &recorder{}
	cfg := inputConfig(t, func(p *config.InputParams) {
		p.Tolerance = 1
		p.MaxSamples = 3
	})
	c, err := New(cfg, Deps{Registry: registryWith(sensor), Publisher: rec})
	require.NoError(t, err)

	c.Cycle(context.Background(), time.Now())
	assert.Empty(t, rec.all())
	assert.Equal(t, 3, sensor.Reads())
	assert.Equal(t, 1, c.Status().Failures)
	assert.Contains(t, c.Status().LastError, "inconsistent")
}

func TestReadRetriesThenSucceeds(t *testing.T) {
	sensor := sim.NewScripted("temperature", "C", 19)
	sensor.FailNext(2, errors.New("nack"))
	rec := &recorder{}
	c, err := New(inputConfig(t, nil), Deps{Registry: registryWith(sensor), Publisher: rec})
	require.NoError(t, err)

	c.Cycle(context.Background(), time.Now())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, 3, sensor.Reads())
}

func TestFailuresCountedNeverFatal(t *testing.T) {
	sensor := sim.NewScripted("temperature", "C", 19)
	sensor.FailNext(100, errors.New("bus error"))
	rec := &recorder{}
	c, err := New(inputConfig(t, func(p *config.InputParams) { p.Attempts = 1 }), Deps{Registry: registryWith(sensor), Publisher: rec})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Cycle(context.Background(), time.Now())
	}
	assert.Empty(t, rec.all())
	assert.Equal(t, 5, c.Status().Failures)

	sensor.FailNext(0, nil)
	c.Cycle(context.Background(), time.Now())
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, 0, c.Status().Failures)
}

func TestUnknownDriverFailsStart(t *testing.T) {
	cfg := inputConfig(t, func(p *config.InputParams) { p.Driver = "nope" })
	_, err := New(cfg, Deps{Registry: device.NewRegistry(), Publisher: &recorder{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestPreOutputBeforeMeasure(t *testing.T) {
	engine := actuator.New(zap.NewNop())
	relay := sim.NewRelay()
	require.NoError(t, engine.Add(config.ActuatorConfig{ID: "fan", Driver: sim.Type}, relay))

	sensor := sim.NewScripted("temperature", "C", 20)
	var onDuringRead bool
	reg := device.NewRegistry()
	reg.RegisterSensor("test", func(device.Params) (device.Sensor, error) {
		return readHook{Sensor: sensor, hook: func() { onDuringRead = relay.IsOn() }}, nil
	})
	cfg := inputConfig(t, func(p *config.InputParams) {
		p.PreOutput = "fan"
		p.PreOutputDuration = config.Duration(time.Minute)
	})
	c, err := New(cfg, Deps{Registry: reg, Actuators: engine, Publisher: &recorder{}})
	require.NoError(t, err)
	var slept time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error { slept = d; return nil }

	c.Cycle(context.Background(), time.Now())
	assert.Equal(t, time.Minute, slept, "waits for priming before reading")
	assert.True(t, onDuringRead)
	st, _ := engine.State("fan")
	assert.Equal(t, actuator.ModeDuration, st.Mode)
	assert.Equal(t, "t1", st.LastWriter)
}

func TestPreOutputDuringMeasure(t *testing.T) {
	engine := actuator.New(zap.NewNop())
	relay := sim.NewRelay()
	require.NoError(t, engine.Add(config.ActuatorConfig{ID: "fan", Driver: sim.Type}, relay))

	cfg := inputConfig(t, func(p *config.InputParams) {
		p.PreOutput = "fan"
		p.PreOutputDuration = config.Duration(time.Minute)
		p.PreOutputDuringMeasure = true
	})
	c, err := New(cfg, Deps{Registry: registryWith(sim.NewScripted("temperature", "C", 20)), Actuators: engine, Publisher: &recorder{}})
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error {
		t.Fatal("must not wait when priming during measurement")
		return nil
	}

	c.Cycle(context.Background(), time.Now())
	assert.False(t, relay.IsOn(), "priming output released after the read")
}

type readHook struct {
	*sim.Sensor
	hook func()
}

func (r readHook) Read(ctx context.Context) ([]device.Reading, error) {
	r.hook()
	return r.Sensor.Read(ctx)
}

// intervalSensor records the wall-clock interval of each read.
type intervalSensor struct {
	mu       sync.Mutex
	spans    [][2]time.Time
	duration time.Duration
}

func (s *intervalSensor) Read(context.Context) ([]device.Reading, error) {
	start := time.Now()
	time.Sleep(s.duration)
	s.mu.Lock()
	s.spans = append(s.spans, [2]time.Time{start, time.Now()})
	s.mu.Unlock()
	return []device.Reading{{Measurement: "temperature", Value: 20}}, nil
}

func (s *intervalSensor) Close() error { return nil }

func TestSharedBusNeverInterleaves(t *testing.T) {
	shared := &intervalSensor{duration: 5 * time.Millisecond}
	reg := registryWith(shared)
	locks := buslock.New(time.Second, zap.NewNop())

	var ctrls []*Controller
	for _, id := range []string{"a", "b", "c"} {
		cfg := inputConfig(t, func(p *config.InputParams) { p.Bus = "i2c-1" })
		cfg.ID = id
		cfg.Period = config.Duration(2 * time.Millisecond)
		c, err := New(cfg, Deps{Registry: reg, Locks: locks, Publisher: &recorder{}})
		require.NoError(t, err)
		require.NoError(t, c.Task().Start(context.Background()))
		ctrls = append(ctrls, c)
	}
	time.Sleep(150 * time.Millisecond)
	for _, c := range ctrls {
		c.Task().Stop()
	}

	shared.mu.Lock()
	defer shared.mu.Unlock()
	require.Greater(t, len(shared.spans), 3)
	for i := 1; i < len(shared.spans); i++ {
		prev, cur := shared.spans[i-1], shared.spans[i]
		assert.False(t, cur[0].Before(prev[1]), "read %d started before read %d ended", i, i-1)
	}
}

func TestEdgeDispatchedOnce(t *testing.T) {
	relay := sim.NewScripted("state", "", 0, 0, 1, 1, 1, 1)
	var mu sync.Mutex
	var edges []EdgeEvent
	sink := EdgeSinkFunc(func(ev EdgeEvent) {
		mu.Lock()
		edges = append(edges, ev)
		mu.Unlock()
	})
	cfg := inputConfig(t, func(p *config.InputParams) {
		p.Edge = &config.EdgeParams{Debounce: config.Duration(time.Nanosecond)}
	})
	c, err := New(cfg, Deps{Registry: registryWith(relay), Publisher: &recorder{}, Edges: sink})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		c.Cycle(context.Background(), time.Now())
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, edges, 1)
	assert.Equal(t, EdgeRising, edges[0].Edge)
	assert.Equal(t, "t1", edges[0].InputID)
	require.NotNil(t, c.Status().EdgeCounts)
	assert.Equal(t, 1, c.Status().EdgeCounts.Rising)
}

func TestReadNow(t *testing.T) {
	rec := &recorder{}
	c, err := New(inputConfig(t, nil), Deps{Registry: registryWith(sim.NewScripted("temperature", "C", 18.5)), Publisher: rec})
	require.NoError(t, err)

	_, err = c.ReadNow(context.Background())
	assert.Error(t, err, "not running")

	require.NoError(t, c.Task().Start(context.Background()))
	defer c.Task().Stop()
	ms, err := c.ReadNow(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, 18.5, ms[0].Value)
}

func TestReloadSwapsDriver(t *testing.T) {
	first := sim.NewScripted("temperature", "C", 1)
	second := sim.NewScripted("temperature", "C", 2)
	reg := device.NewRegistry()
	reg.RegisterSensor("first", func(device.Params) (device.Sensor, error) { return first, nil })
	reg.RegisterSensor("second", func(device.Params) (device.Sensor, error) { return second, nil })

	rec := &recorder{}
	cfg := inputConfig(t, func(p *config.InputParams) { p.Driver = "first" })
	c, err := New(cfg, Deps{Registry: reg, Publisher: rec})
	require.NoError(t, err)
	c.Cycle(context.Background(), time.Now())

	next := inputConfig(t, func(p *config.InputParams) { p.Driver = "second" })
	require.NoError(t, c.Task().Swap(next))
	c.Cycle(context.Background(), time.Now())

	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Value)
	assert.Equal(t, 2.0, got[1].Value)
	assert.True(t, first.Closed(), "replaced driver is closed")
}
