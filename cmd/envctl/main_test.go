package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/coordinator"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/mqtt"
	"github.com/sweeney/envctl/internal/notify"
	"github.com/sweeney/envctl/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("NetworkInfo: got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	info := readNetworkInfo()
	if info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want %q", info.Status, "connected")
	}
	if info.Type != "" || info.IP != "" || info.SSID != "" {
		t.Errorf("expected empty fields, got %+v", info)
	}
}

// --- daemon loop tests ---

type fakeRuntime struct {
	snap coordinator.Snapshot
}

func (f *fakeRuntime) Status() coordinator.Snapshot { return f.snap }

func newDaemon(pub *mqtt.FakePublisher) *daemon {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rt := &fakeRuntime{snap: coordinator.Snapshot{
		Controllers: []coordinator.ControllerSnapshot{{ID: "t1", Kind: config.KindInput, State: "running", Cycles: 2}},
		Actuators:   []actuator.State{{ID: "heater", On: true, Mode: actuator.ModeOn}},
	}}
	d := &daemon{
		rt:      rt,
		tracker: status.NewTracker(start, status.Config{Broker: "tcp://broker:1883"}),
		dropped: func() uint64 { return 3 },
		now:     func() time.Time { return start.Add(time.Minute) },
		logger:  zap.NewNop(),
	}
	if pub != nil {
		d.publisher = pub
		d.conn = pub
	}
	return d
}

// loopRig drives daemon.run from the test goroutine.
type loopRig struct {
	refresh    chan time.Time
	heartbeat  chan time.Time
	sig        chan os.Signal
	terminated chan struct{}
	result     chan string
}

func startLoop(d *daemon) *loopRig {
	r := &loopRig{
		refresh:    make(chan time.Time),
		heartbeat:  make(chan time.Time),
		sig:        make(chan os.Signal, 1),
		terminated: make(chan struct{}),
		result:     make(chan string, 1),
	}
	go func() { r.result <- d.run(r.refresh, r.heartbeat, r.sig, r.terminated) }()
	return r
}

func (r *loopRig) wait(t *testing.T) string {
	t.Helper()
	select {
	case reason := <-r.result:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
		return ""
	}
}

func TestRunReturnsSignalName(t *testing.T) {
	for _, tt := range []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
	} {
		r := startLoop(newDaemon(nil))
		r.sig <- tt.sig
		if got := r.wait(t); got != tt.want {
			t.Errorf("reason: got %q, want %q", got, tt.want)
		}
	}
}

func TestRunReturnsOnTerminate(t *testing.T) {
	r := startLoop(newDaemon(nil))
	close(r.terminated)
	if got := r.wait(t); got != "TERMINATE" {
		t.Errorf("reason: got %q, want TERMINATE", got)
	}
}

func TestRefreshUpdatesTracker(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newDaemon(pub)
	r := startLoop(d)
	r.refresh <- time.Time{}
	r.sig <- syscall.SIGTERM
	r.wait(t)

	snap := d.tracker.Snapshot()
	if len(snap.Runtime.Controllers) != 1 {
		t.Errorf("controllers: got %d, want 1", len(snap.Runtime.Controllers))
	}
	if snap.Dropped != 3 {
		t.Errorf("dropped: got %d, want 3", snap.Dropped)
	}
	if !snap.MQTTConnected {
		t.Error("expected MQTT connected")
	}
	if len(pub.SystemEvents()) != 0 {
		t.Errorf("refresh must not publish, got %d events", len(pub.SystemEvents()))
	}
}

func TestHeartbeatPublishesStatus(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "10.0.0.5")

	pub := mqtt.NewFakePublisher()
	d := newDaemon(pub)
	r := startLoop(d)
	r.heartbeat <- time.Time{}
	r.heartbeat <- time.Time{}
	r.sig <- syscall.SIGTERM
	r.wait(t)

	events := pub.SystemEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 system events, got %d", len(events))
	}
	ev := events[0]
	if ev.Event != "HEARTBEAT" {
		t.Errorf("event: got %q, want HEARTBEAT", ev.Event)
	}
	if ev.Retained {
		t.Error("heartbeat should not be retained")
	}

	var sj status.StatusJSON
	if err := json.Unmarshal(ev.RawPayload, &sj); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if sj.Status.Event != "HEARTBEAT" {
		t.Errorf("payload event: got %q", sj.Status.Event)
	}
	if sj.Status.Network == nil || sj.Status.Network.IP != "10.0.0.5" {
		t.Errorf("payload network: got %+v", sj.Status.Network)
	}
	if len(sj.Status.Actuators) != 1 || !sj.Status.Actuators[0].On {
		t.Errorf("payload actuators: got %+v", sj.Status.Actuators)
	}
}

func TestPublishSystemLifecycle(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newDaemon(pub)
	d.refresh()
	d.publishSystem("STARTUP", "")
	d.publishSystem("SHUTDOWN", "SIGTERM")

	events := pub.SystemEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 system events, got %d", len(events))
	}
	if events[0].Event != "STARTUP" || !events[0].Retained {
		t.Errorf("startup: got %+v", events[0])
	}
	if events[1].Reason != "SIGTERM" {
		t.Errorf("shutdown reason: got %q", events[1].Reason)
	}
	if !strings.Contains(string(events[1].RawPayload), `"reason":"SIGTERM"`) {
		t.Errorf("shutdown payload missing reason: %s", events[1].RawPayload)
	}
}

func TestPublishFailureDoesNotPanic(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.SetError(errors.New("broker down"))
	d := newDaemon(pub)
	d.publishSystem("STARTUP", "")
	if len(pub.SystemEvents()) != 0 {
		t.Errorf("expected no recorded events, got %d", len(pub.SystemEvents()))
	}
}

func TestNoPublisherIsQuiet(t *testing.T) {
	d := newDaemon(nil)
	d.refresh()
	d.publishSystem("STARTUP", "")
	if d.tracker.Snapshot().MQTTConnected {
		t.Error("expected MQTT disconnected without a publisher")
	}
}

// --- wiring tests ---

const checkYAML = `
actuators:
  - id: heater
    driver: sim
controllers:
  - id: t1
    kind: input
    period: 10s
    enabled: true
    input: {driver: sim}
  - id: broken
    kind: pid
    period: 30s
    pid: {input_id: t1}
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envctl.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestCheckConfig(t *testing.T) {
	src := config.NewFileSource(writeConfig(t, checkYAML))
	var out bytes.Buffer
	err := checkConfig(context.Background(), src, &out)
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	for _, want := range []string{"actuator   heater", "controller t1", "kind=input period=10s enabled", "invalid"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheckConfigValid(t *testing.T) {
	doc := strings.Replace(checkYAML, "pid: {input_id: t1}", "enabled: false\n    input: {driver: sim}", 1)
	doc = strings.Replace(doc, "kind: pid", "kind: input", 1)
	src := config.NewFileSource(writeConfig(t, doc))
	var out bytes.Buffer
	if err := checkConfig(context.Background(), src, &out); err != nil {
		t.Fatalf("checkConfig: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "broken") || !strings.Contains(out.String(), "disabled") {
		t.Errorf("output: %s", out.String())
	}
}

func TestOpenSourceDefaultsToFile(t *testing.T) {
	path := writeConfig(t, checkYAML)
	src, err := openSource(context.Background(), &config.Settings{ConfigFile: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	defer src.close()
	if src.desc != path {
		t.Errorf("desc: got %q, want %q", src.desc, path)
	}
	if _, ok := src.Source.(*config.FileSource); !ok {
		t.Errorf("source: got %T, want *config.FileSource", src.Source)
	}
}

func TestOpenStore(t *testing.T) {
	mem, err := openStore(context.Background(), &config.Settings{})
	if err != nil {
		t.Fatalf("openStore memory: %v", err)
	}
	if _, ok := mem.Store.(*measure.MemoryStore); !ok {
		t.Errorf("store: got %T, want *measure.MemoryStore", mem.Store)
	}

	mr := miniredis.RunT(t)
	rs, err := openStore(context.Background(), &config.Settings{RedisAddr: mr.Addr(), RedisRetention: time.Hour})
	if err != nil {
		t.Fatalf("openStore redis: %v", err)
	}
	defer rs.close()
	if rs.desc != "redis "+mr.Addr() {
		t.Errorf("desc: got %q", rs.desc)
	}
	m := measure.Measurement{DeviceID: "t1", Measurement: "temperature", Value: 20, Time: time.Now()}
	if err := rs.Append(context.Background(), m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, ok, _ := rs.LastValue(context.Background(), "t1", "temperature", 0, time.Minute); !ok {
		t.Error("expected the appended sample back")
	}
}

func TestBuildSinks(t *testing.T) {
	ss := buildSinks(&config.Settings{}, nil, zap.NewNop())
	if len(ss.sinks) != 0 {
		t.Errorf("sinks without transports: got %v", ss.names)
	}

	s := &config.Settings{KafkaBrokers: []string{"127.0.0.1:9092"}, KafkaTopic: "m"}
	ss = buildSinks(s, mqtt.NewFakePublisher(), zap.NewNop())
	defer ss.close()
	if strings.Join(ss.names, ",") != "mqtt,kafka" {
		t.Errorf("names: got %v, want [mqtt kafka]", ss.names)
	}
}

func TestBuildNotifier(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	n := buildNotifier(&config.Settings{WebhookURL: "http://127.0.0.1:1/hook"}, pub, zap.NewNop())
	multi, ok := n.(notify.Multi)
	if !ok {
		t.Fatalf("notifier: got %T", n)
	}
	if len(multi) != 3 {
		t.Errorf("notifiers: got %d, want 3", len(multi))
	}
}

func TestRegistryDrivers(t *testing.T) {
	sensors, actuators := newRegistry().Types()
	for _, want := range []string{"sim", "gpio", "aht20"} {
		if !contains(sensors, want) {
			t.Errorf("sensor driver %q missing from %v", want, sensors)
		}
	}
	for _, want := range []string{"sim", "sim_pwm", "gpio"} {
		if !contains(actuators, want) {
			t.Errorf("actuator driver %q missing from %v", want, actuators)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
