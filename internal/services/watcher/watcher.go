package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
	"github.com/LeonardoBeccarini/irrigation_bridge/pkg/store"
)

var errStreamClosed = errors.New("change stream closed by server")

// StreamOpener opens an insert-only change stream starting from now.
type StreamOpener interface {
	WatchInserts(ctx context.Context) (store.InsertStream, error)
}

// CommandSender delivers a control command; one call is one publish attempt.
type CommandSender interface {
	Send(ctx context.Context, cmd messages.ControlCommand, predictionID string) error
}

// Watcher turns prediction inserts into control commands.
type Watcher struct {
	opener  StreamOpener
	sender  CommandSender
	field   entities.FieldParameters
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	initialInterval time.Duration
	maxInterval     time.Duration
	closeTimeout    time.Duration
	now             func() time.Time
	onState         func(active bool, err error)

	inflight sync.WaitGroup
}

type Option func(*Watcher)

// WithRetry sets the re-arm backoff bounds.
func WithRetry(initial, max time.Duration) Option {
	return func(w *Watcher) {
		w.initialInterval = initial
		w.maxInterval = max
	}
}

// WithClock is used for commands whose prediction carries no usable time.
func WithClock(now func() time.Time) Option { return func(w *Watcher) { w.now = now } }

// WithStateHook is called whenever the watch becomes active or inactive.
// err is the reason the watch went down, nil on shutdown.
func WithStateHook(fn func(active bool, err error)) Option { return func(w *Watcher) { w.onState = fn } }

func New(opener StreamOpener, sender CommandSender, field entities.FieldParameters, log *zap.SugaredLogger, m *metrics.Metrics, opts ...Option) *Watcher {
	w := &Watcher{
		opener:          opener,
		sender:          sender,
		field:           field,
		log:             log,
		metrics:         m,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
		closeTimeout:    5 * time.Second,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) setState(active bool, err error) {
	if w.onState != nil {
		w.onState(active, err)
	}
}

// Run keeps the watch armed until ctx is cancelled. Every (re)arm resumes from now:
// inserts that happen while the stream is down are not replayed.
func (w *Watcher) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.initialInterval
	bo.MaxInterval = w.maxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for ctx.Err() == nil {
		stream, err := w.opener.WatchInserts(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.setState(false, err)
			next := bo.NextBackOff()
			w.log.Errorw("cannot open prediction watch", "error", err, "retry_in", next)
			if !sleep(ctx, next) {
				break
			}
			continue
		}

		w.metrics.WatchRearms.Inc()
		w.setState(true, nil)
		w.log.Infow("prediction watch armed")
		bo.Reset()

		err = w.consume(ctx, stream)
		if ctx.Err() != nil {
			break
		}
		w.setState(false, err)
		next := bo.NextBackOff()
		w.log.Errorw("prediction watch interrupted, re-arming", "error", err, "retry_in", next)
		if !sleep(ctx, next) {
			break
		}
	}
	w.setState(false, nil)
	w.log.Infow("prediction watch stopped")
}

func (w *Watcher) consume(ctx context.Context, stream store.InsertStream) error {
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), w.closeTimeout)
		defer cancel()
		if err := stream.Close(cctx); err != nil {
			w.log.Debugw("closing change stream", "error", err)
		}
	}()

	// handlers outlive shutdown so in-flight publishes can drain
	hctx := context.WithoutCancel(ctx)
	for stream.Next(ctx) {
		doc, err := stream.Document()
		if err != nil {
			w.metrics.Predictions.WithLabelValues(metrics.OutcomeMalformed).Inc()
			w.log.Warnw("skipping change event", "error", err)
			continue
		}
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.HandleDocument(hctx, doc)
		}()
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return bridgeerr.NewStoreError("watch", errStreamClosed)
}

// HandleDocument processes one inserted prediction: normalize, convert, publish.
// Every outcome is logged; nothing is returned because there is nobody to retry.
func (w *Watcher) HandleDocument(ctx context.Context, raw bson.Raw) {
	doc, err := messages.ParsePredictionDocument(raw)
	if err != nil {
		w.metrics.Predictions.WithLabelValues(metrics.OutcomeMalformed).Inc()
		w.log.Warnw("dropping malformed prediction", "error", err)
		return
	}

	d, err := doc.Normalize()
	if err != nil {
		w.metrics.Predictions.WithLabelValues(metrics.OutcomeMalformed).Inc()
		w.log.Warnw("dropping malformed prediction", "prediction_id", d.PredictionID, "error", err)
		return
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = w.now()
	}

	if !d.Actionable() {
		w.metrics.Predictions.WithLabelValues(metrics.OutcomeNotActionable).Inc()
		w.log.Infow("no irrigation action", "prediction_id", d.PredictionID, "reason", d.Reason)
		return
	}

	cmd, err := messages.NewControlCommand(d, w.field)
	if err != nil {
		w.metrics.Predictions.WithLabelValues(metrics.OutcomeInvalidRate).Inc()
		w.log.Errorw("command suppressed", "prediction_id", d.PredictionID, "rate", d.Rate,
			"invalid_rate", bridgeerr.IsInvalidRate(err), "error", err)
		return
	}

	w.log.Infow("irrigation needed",
		"prediction_id", d.PredictionID, "rate", d.Rate, "rate_source", d.RateSource,
		"duration", cmd.Duration, "liters_total", cmd.LitersTotal)
	if err := w.sender.Send(ctx, cmd, d.PredictionID); err != nil {
		w.metrics.Predictions.WithLabelValues(metrics.OutcomePublishFailed).Inc()
		return
	}
	w.metrics.Predictions.WithLabelValues(metrics.OutcomeCommanded).Inc()
}

// Wait blocks until in-flight prediction handlers finish or ctx is done.
func (w *Watcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
