// Command envctl runs environmental control loops (sensor inputs, PID
// regulation and rules) against configured actuators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/actuator"
	"github.com/sweeney/envctl/internal/buslock"
	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/coordinator"
	"github.com/sweeney/envctl/internal/logging"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/mqtt"
	"github.com/sweeney/envctl/internal/status"
	"github.com/sweeney/envctl/internal/web"
)

// statusInterval is how often the tracker is refreshed for the HTTP page.
const statusInterval = time.Second

func main() {
	settings := config.RegisterFlags(flag.CommandLine)
	check := flag.Bool("check", false, "Validate definitions, print a summary and exit")
	flag.Parse()
	settings.Finalize()

	logger, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(settings, *check, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(s *config.Settings, check bool, logger *zap.Logger) error {
	ctx := context.Background()

	src, err := openSource(ctx, s, logger)
	if err != nil {
		return err
	}
	defer src.close()

	if check {
		return checkConfig(ctx, src.Source, os.Stdout)
	}

	store, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer store.close()

	var (
		publisher mqtt.Publisher
		conn      mqtt.ConnectionStatus
	)
	if s.Broker != "" && s.Broker != "off" {
		p, err := mqtt.NewRealPublisher(s.Broker, mqtt.Topics{Prefix: s.TopicPrefix}, logger)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher, conn = p, p
	}

	sinks := buildSinks(s, publisher, logger)
	writer := measure.NewWriter(store.Store, logger, 0, sinks.sinks...)

	registry := newRegistry()
	engine := actuator.New(logger)
	acts, err := src.Actuators(ctx)
	if err != nil {
		return fmt.Errorf("load actuators: %w", err)
	}
	for _, a := range acts {
		if err := engine.AddFromRegistry(registry, a); err != nil {
			return fmt.Errorf("actuator %s: %w", a.ID, err)
		}
	}

	saver := config.NewSaver(src.Source, logger)
	rt := coordinator.New(coordinator.Deps{
		Source:    src.Source,
		Registry:  registry,
		Engine:    engine,
		Store:     store.Store,
		Publisher: writer,
		Locks:     buslock.New(s.BusLockTimeout, logger),
		Notifier:  buildNotifier(s, publisher, logger),
		Saver:     saver,
		Latest:    writer.Latest,
		Logger:    logger,
	})

	tracker := status.NewTracker(time.Now(), status.Config{
		Source:      src.desc,
		Store:       store.desc,
		Sinks:       sinks.names,
		HeartbeatMs: s.Heartbeat.Milliseconds(),
		Broker:      s.Broker,
		HTTPAddr:    s.HTTPAddr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	if err := rt.StartEnabled(ctx); err != nil {
		// Broken definitions stay stopped; the rest keep running.
		logger.Error("some controllers failed to start", zap.Error(err))
	}

	d := &daemon{
		rt:        rt,
		tracker:   tracker,
		publisher: publisher,
		conn:      conn,
		dropped:   writer.Dropped,
		now:       time.Now,
		logger:    logger,
	}
	d.refresh()
	d.publishSystem("STARTUP", "")

	var srv *web.Server
	if s.HTTPAddr != "" {
		srv = web.New(s.HTTPAddr, tracker, rt, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		logger.Info("admin server listening", zap.String("addr", s.HTTPAddr))
	}

	logger.Info("started",
		zap.String("source", src.desc),
		zap.String("store", store.desc),
		zap.Strings("sinks", sinks.names),
		zap.String("broker", s.Broker),
		zap.Duration("heartbeat", s.Heartbeat),
		zap.Int("actuators", len(acts)))

	refresh := time.NewTicker(statusInterval)
	defer refresh.Stop()
	var heartbeat <-chan time.Time
	if s.Heartbeat > 0 {
		hb := time.NewTicker(s.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reason := d.run(refresh.C, heartbeat, sigCh, rt.Terminated())
	logger.Info("shutting down", zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownGrace)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := rt.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runtime shutdown: %w", err))
	}
	d.refresh()
	d.publishSystem("SHUTDOWN", reason)

	if err := writer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush measurements: %w", err))
	}
	if err := saver.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush state: %w", err))
	}
	sinks.close()
	if publisher != nil {
		publisher.Close()
	}
	if err := errors.Join(errs...); err != nil {
		// Actuators were driven off before any of these; report and exit.
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}

// statusSource is the part of the runtime read by the daemon loop.
type statusSource interface {
	Status() coordinator.Snapshot
}

// daemon owns the status refresh, heartbeat and lifecycle events.
type daemon struct {
	rt        statusSource
	tracker   *status.Tracker
	publisher mqtt.Publisher // nil when MQTT is disabled
	conn      mqtt.ConnectionStatus
	dropped   func() uint64
	now       func() time.Time
	logger    *zap.Logger
}

func (d *daemon) refresh() {
	var dropped uint64
	if d.dropped != nil {
		dropped = d.dropped()
	}
	d.tracker.Update(d.rt.Status(), dropped)
	if d.conn != nil {
		d.tracker.SetMQTTConnected(d.conn.IsConnected())
	}
}

func (d *daemon) publishSystem(event, reason string) {
	if d.publisher == nil {
		return
	}
	snap := d.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Retained:   event != "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(ev); err != nil {
		d.logger.Warn("failed to publish system event", zap.String("event", event), zap.Error(err))
		return
	}
	d.logger.Info("published system event", zap.String("event", event))
}

// run blocks until a signal arrives or the runtime asks to terminate, and
// returns the shutdown reason.
func (d *daemon) run(refresh, heartbeat <-chan time.Time, sig <-chan os.Signal, terminated <-chan struct{}) string {
	for {
		select {
		case s := <-sig:
			d.logger.Info("received signal", zap.String("signal", s.String()))
			return signalName(s)

		case <-terminated:
			return "TERMINATE"

		case <-refresh:
			d.refresh()

		case <-heartbeat:
			if net := readNetworkInfo(); net != nil {
				d.tracker.SetNetwork(net)
			}
			d.refresh()
			snap := d.tracker.Snapshot()
			d.logger.Info("heartbeat",
				zap.Duration("uptime", snap.Uptime().Truncate(time.Second)),
				zap.Int("controllers", len(snap.Runtime.Controllers)),
				zap.Int("actuators_on", snap.ActuatorsOn()),
				zap.Uint64("measurements_dropped", snap.Dropped))
			d.publishSystem("HEARTBEAT", "")
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// checkConfig validates every definition and writes one line per
// controller. It fails when any definition is invalid.
func checkConfig(ctx context.Context, src config.Source, w io.Writer) error {
	acts, err := src.Actuators(ctx)
	if err != nil {
		return fmt.Errorf("load actuators: %w", err)
	}
	for _, a := range acts {
		fmt.Fprintf(w, "actuator   %-16s driver=%s\n", a.ID, a.Driver)
	}
	cfgs, invalid, err := src.Controllers(ctx, "")
	if err != nil {
		return fmt.Errorf("load controllers: %w", err)
	}
	for _, c := range cfgs {
		state := "disabled"
		if c.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(w, "controller %-16s kind=%s period=%s %s\n", c.ID, c.Kind, c.Period.D(), state)
	}
	for _, err := range invalid {
		fmt.Fprintf(w, "invalid    %v\n", err)
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%d invalid controller definitions: %w", len(invalid), config.ErrInvalid)
	}
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
