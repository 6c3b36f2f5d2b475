package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/config"
	"github.com/sweeney/envctl/internal/device"
	"github.com/sweeney/envctl/internal/device/aht20"
	"github.com/sweeney/envctl/internal/device/gpio"
	"github.com/sweeney/envctl/internal/device/sim"
	"github.com/sweeney/envctl/internal/measure"
	"github.com/sweeney/envctl/internal/mqtt"
	"github.com/sweeney/envctl/internal/notify"
)

// redisPrefix namespaces measurement keys.
const redisPrefix = "envctl"

func newRegistry() *device.Registry {
	r := device.NewRegistry()
	sim.Register(r)
	gpio.Register(r)
	aht20.Register(r)
	return r
}

type source struct {
	config.Source
	desc  string
	close func()
}

// openSource returns the Postgres source when a DSN is set, the YAML file
// otherwise.
func openSource(ctx context.Context, s *config.Settings, logger *zap.Logger) (source, error) {
	if s.DatabaseDSN == "" {
		return source{Source: config.NewFileSource(s.ConfigFile), desc: s.ConfigFile, close: func() {}}, nil
	}
	pg, err := config.OpenPostgres(ctx, s.DatabaseDSN, logger)
	if err != nil {
		return source{}, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return source{}, err
	}
	return source{Source: pg, desc: "postgres", close: func() { pg.Close() }}, nil
}

type store struct {
	measure.Store
	desc  string
	close func()
}

func openStore(ctx context.Context, s *config.Settings) (store, error) {
	if s.RedisAddr == "" {
		return store{Store: measure.NewMemoryStore(0), desc: "memory", close: func() {}}, nil
	}
	client, err := measure.DialRedis(ctx, s.RedisAddr, s.RedisPassword, s.RedisDB)
	if err != nil {
		return store{}, fmt.Errorf("init redis: %w", err)
	}
	return store{
		Store: measure.NewRedisStore(client, redisPrefix, s.RedisRetention),
		desc:  "redis " + s.RedisAddr,
		close: func() { client.Close() },
	}, nil
}

type sinkSet struct {
	sinks   []measure.Sink
	names   []string
	closers []func() error
}

func (ss *sinkSet) add(s measure.Sink) {
	ss.sinks = append(ss.sinks, s)
	ss.names = append(ss.names, s.Name())
}

func (ss *sinkSet) close() {
	for _, c := range ss.closers {
		c()
	}
}

func buildSinks(s *config.Settings, publisher mqtt.Publisher, logger *zap.Logger) *sinkSet {
	ss := &sinkSet{}
	if publisher != nil {
		ss.add(mqtt.MeasurementSink{Publisher: publisher})
	}
	if len(s.KafkaBrokers) > 0 {
		k := measure.NewKafkaSink(s.KafkaBrokers, s.KafkaTopic, logger)
		ss.add(k)
		ss.closers = append(ss.closers, k.Close)
	}
	return ss
}

// buildNotifier fans out to every configured transport. Notifications are
// always logged.
func buildNotifier(s *config.Settings, publisher mqtt.Publisher, logger *zap.Logger) notify.Notifier {
	n := notify.Multi{notify.Log{Logger: logger.Named("notify")}}
	if publisher != nil {
		n = append(n, notify.MQTT{Publisher: publisher})
	}
	if s.WebhookURL != "" {
		n = append(n, notify.NewWebhook(s.WebhookURL, logger))
	}
	return n
}
