package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/config"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/events"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/monitor"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/resilience"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/stats"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/store"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/tracker"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/verify"
	"github.com/Shezan57/intelligent-ppe-monitoring/pkg/segmenter"
	"github.com/Shezan57/intelligent-ppe-monitoring/pkg/vision"
)

// initStore opens and migrates the configured session store.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initVerifier builds the slow region verifier for the configured provider,
// wrapped in the call guard.
func initVerifier(ctx context.Context, c *config.Config) (verify.RegionVerifier, error) {
	var v verify.RegionVerifier
	switch c.Verifier.Provider {
	case "stub":
		v = verify.Stub{}
	case "segmenter":
		sc := segmenter.NewClient(c.Verifier.Segmenter.BaseURL,
			segmenter.WithTimeout(time.Duration(c.Verifier.Segmenter.TimeoutSecs)*time.Second))
		if err := sc.Health(ctx); err != nil {
			zap.L().Warn("segmenter not reachable at startup", zap.String("base_url", c.Verifier.Segmenter.BaseURL), zap.Error(err))
		}
		v = sc
	case "anthropic":
		a := c.Verifier.Anthropic
		v = vision.NewVerifier(vision.NewClient(a.Key), a.Model, a.MaxTokens)
	default:
		return nil, eris.Errorf("unsupported verifier provider: %s", c.Verifier.Provider)
	}
	return verify.Guarded(v, resilience.NewGuard(c.GuardConfig())), nil
}

// initEvents returns a Kafka publisher when brokers are configured.
func initEvents(c *config.Config) (events.Publisher, error) {
	if c.Events.Brokers == "" {
		return events.Nop{}, nil
	}
	k, err := events.NewKafka(events.KafkaConfig{
		Brokers:      c.Events.Brokers,
		Topic:        c.Events.Topic,
		ClientID:     c.Events.ClientID,
		Acks:         c.Events.Acks,
		LingerMs:     c.Events.LingerMs,
		FlushTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

// appEnv holds the wired service and everything it owns.
type appEnv struct {
	Store   store.Store
	Stats   *stats.Aggregator
	Service *monitor.Service
}

// Close drains the service and closes the store.
func (e *appEnv) Close() {
	e.Service.Close()
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initService(ctx context.Context, c *config.Config) (*appEnv, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}

	agg := stats.New()
	deps := monitor.Deps{
		Store:   st,
		Tracker: tracker.New(c.TrackerConfig()),
		Stats:   agg,
	}

	if c.Verification.Enabled {
		v, err := initVerifier(ctx, c)
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, err
		}
		deps.Scheduler = verify.New(c.SchedulerConfig(), v, verify.WithObserver(agg))
	}

	pub, err := initEvents(c)
	if err != nil {
		if deps.Scheduler != nil {
			deps.Scheduler.Close()
		}
		st.Close() //nolint:errcheck
		return nil, err
	}
	deps.Events = pub

	svc := monitor.New(monitor.Config{
		VerificationEnabled: c.Verification.Enabled,
		MaxWait:             c.Verification.WaitTimeout(),
	}, deps)
	if _, err := svc.Recover(ctx); err != nil {
		svc.Close()
		st.Close() //nolint:errcheck
		return nil, err
	}

	zap.L().Info("service ready",
		zap.String("store", c.Store.Driver),
		zap.Bool("verification", c.Verification.Enabled),
		zap.String("verifier", c.Verifier.Provider),
		zap.Bool("events", c.Events.Brokers != ""),
	)
	return &appEnv{Store: st, Stats: agg, Service: svc}, nil
}
