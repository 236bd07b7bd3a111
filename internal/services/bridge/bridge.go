package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/config"
	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/logging"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/services/audit"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/services/control"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/services/ingestor"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/services/watcher"
	"github.com/LeonardoBeccarini/irrigation_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/irrigation_bridge/pkg/store"
)

// Bridge owns both outbound connections and the two flows that use them.
type Bridge struct {
	cfg      *config.Config
	log      *zap.SugaredLogger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	status   *Status

	// gate per i messaggi MQTT in corso, chiuso allo shutdown
	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func New(cfg *config.Config, log *zap.SugaredLogger) *Bridge {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	return &Bridge{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		status:   NewStatus(logging.Component(log, "status"), m),
	}
}

// Status exposes the lifecycle tracker.
func (b *Bridge) Status() *Status { return b.status }

// Run connects the store, then arms telemetry ingestion and the prediction watch,
// and blocks until ctx is cancelled. Only configuration problems are returned.
func (b *Bridge) Run(ctx context.Context) error {
	cfg := b.cfg

	mongoClient, err := store.NewMongoConnection(cfg.Mongo.URI, cfg.Runtime.StoreTimeout)
	if err != nil {
		return err
	}
	st := store.NewMongoStore(mongoClient, cfg.Mongo.Database, store.Collections{
		Sensor:     cfg.Mongo.SensorCollection,
		Prediction: cfg.Mongo.PredictionCollection,
	})

	var auditor *audit.Writer
	var auditHealth AuditHealth
	if cfg.Influx.Enabled() {
		auditor = audit.New(audit.Config{
			URL: cfg.Influx.URL, Token: cfg.Influx.Token, Org: cfg.Influx.Org, Bucket: cfg.Influx.Bucket,
		}, logging.Component(b.log, "audit"))
		auditHealth = auditor
	}

	stopOps, err := b.startOps(auditHealth)
	if err != nil {
		return err
	}
	defer stopOps()

	b.status.Begin(ConnectingStore)
	if err := b.connectStore(ctx, st); err != nil {
		b.log.Infow("shutdown requested before the store came up")
		b.status.Begin(ShuttingDown)
		b.closeStore(st)
		auditor.Close()
		return nil
	}
	b.status.SetStore(true)
	ictx, cancel := context.WithTimeout(ctx, cfg.Runtime.StoreTimeout)
	if err := st.EnsureIndexes(ictx); err != nil {
		b.log.Warnw("could not ensure sensor indexes", "error", err)
	}
	cancel()

	conn := broker.NewConn(broker.Config{
		BrokerURL:        cfg.MQTT.Broker,
		User:             cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		ClientID:         cfg.MQTT.ClientID,
		ConnectTimeout:   cfg.MQTT.ConnectTimeout,
		MaxRetryInterval: cfg.Runtime.RetryMaxInterval,
	}, logging.Component(b.log, "broker"))
	conn.OnConnect(func() { b.status.SetBroker(true) })
	conn.OnConnectionLost(func(error) { b.status.SetBroker(false) })

	publisher := control.NewPublisher(
		broker.NewPublisher(conn, broker.AtLeastOnce),
		cfg.MQTT.ControlTopic, cfg.Runtime.PublishTimeout,
		logging.Component(b.log, "control"), b.metrics)

	ingestOpts := []ingestor.Option{ingestor.WithStoreStateHook(b.status.SetStore)}
	if auditor != nil {
		publisher.SetAuditor(auditor)
		ingestOpts = append(ingestOpts, ingestor.WithAuditor(auditor))
	}
	ing := ingestor.NewService(st, ingestor.Config{
		StoreTimeout:    cfg.Runtime.StoreTimeout,
		BreakerFailures: cfg.Runtime.BreakerFailures,
		BreakerOpenFor:  cfg.Runtime.BreakerOpenFor,
	}, logging.Component(b.log, "ingestor"), b.metrics, ingestOpts...)

	w := watcher.New(st, publisher, cfg.Field, logging.Component(b.log, "watcher"), b.metrics,
		watcher.WithRetry(500*time.Millisecond, cfg.Runtime.RetryMaxInterval),
		watcher.WithStateHook(b.watchStateHook(ing.BreakerState)))

	consumer := broker.NewConsumer(conn, cfg.MQTT.SensorTopic, broker.AtMostOnce, b.track(ing.Handle),
		logging.Component(b.log, "consumer"))
	consumer.OnSubscriptionChange(b.status.SetSubscribed)

	b.status.Begin(ConnectingBroker)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = consumer.ConsumeMessage(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := conn.Connect(ctx); err != nil && ctx.Err() == nil {
			b.log.Errorw("MQTT connect gave up", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	<-ctx.Done()
	b.status.Begin(ShuttingDown)
	b.log.Infow("shutting down: no new deliveries, draining in-flight work", "timeout", cfg.Runtime.ShutdownTimeout)

	wg.Wait()
	dctx, dcancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
	defer dcancel()
	if err := b.drain(dctx, w); err != nil {
		b.log.Warnw("drain timed out, closing connections anyway", "error", err)
	}

	conn.Close(250 * time.Millisecond)
	auditor.Close()
	b.closeStore(st)
	b.log.Infow("bridge stopped")
	return nil
}

// connectStore pings until the store answers or ctx is done.
func (b *Bridge) connectStore(ctx context.Context, st *store.MongoStore) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = b.cfg.Runtime.RetryMaxInterval

	return backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, b.cfg.Runtime.StoreTimeout)
		defer cancel()
		return st.Ping(pctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		b.log.Warnw("store not reachable", "error", err, "retry_in", next)
	})
}

func (b *Bridge) closeStore(st *store.MongoStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Close(ctx); err != nil {
		b.log.Warnw("store disconnect", "error", err)
	}
}

// watchStateHook feeds watch transitions into the status. A re-armed watch proves the
// store answers again, but it does not mark it up while the insert breaker is still open.
func (b *Bridge) watchStateHook(insertBreaker func() gobreaker.State) func(active bool, err error) {
	return func(active bool, err error) {
		b.status.SetWatching(active)
		switch {
		case active && insertBreaker() != gobreaker.StateOpen:
			b.status.SetStore(true)
		case !active && bridgeerr.IsStore(err):
			b.status.SetStore(false)
		}
	}
}

// track counts in-flight telemetry handlers and refuses new ones once shutdown started.
func (b *Bridge) track(h broker.Handler) broker.Handler {
	return func(topic string, msg mqtt.Message) error {
		b.mu.Lock()
		if b.closing {
			b.mu.Unlock()
			return nil
		}
		b.inflight.Add(1)
		b.mu.Unlock()
		defer b.inflight.Done()
		return h(topic, msg)
	}
}

func (b *Bridge) drain(ctx context.Context, w *watcher.Watcher) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.Wait(ctx)
}

// startOps serves the HTTP ops endpoints and, if configured, gRPC health.
func (b *Bridge) startOps(auditHealth AuditHealth) (func(), error) {
	log := logging.Component(b.log, "ops")
	hs := &http.Server{
		Addr:              b.cfg.Ops.HTTPAddr,
		Handler:           NewRouter(b.status, auditHealth, b.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("HTTP listening", "addr", hs.Addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server error", "error", err)
		}
	}()

	var gs *grpc.Server
	if addr := b.cfg.Ops.GRPCHealthAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			_ = hs.Close()
			return nil, bridgeerr.NewConfigurationError("listen "+addr, err)
		}
		gs = grpc.NewServer()
		hsrv := health.NewServer()
		healthpb.RegisterHealthServer(gs, hsrv)
		MirrorHealth(b.status, hsrv)
		go func() {
			log.Infow("gRPC health listening", "addr", addr)
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Errorw("grpc serve error", "error", err)
			}
		}()
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
		if gs != nil {
			gs.GracefulStop()
		}
	}, nil
}
