package audit

import (
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
)

// PointWriter is the subset of influx api.WriteAPI used here.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Writer mirrors stored readings and published commands to InfluxDB through the
// async (non-blocking) write API and tracks the last write error for /healthz.
type Writer struct {
	api    PointWriter
	client influxdb2.Client
	log    *zap.SugaredLogger

	mu      sync.RWMutex
	lastErr time.Time
	counts  map[string]int64
}

// Config for the influx sink.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// New connects to InfluxDB; nothing is dialed until the first flush.
func New(cfg Config, log *zap.SugaredLogger) *Writer {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(50).SetFlushInterval(1000))
	w := NewWriter(client.WriteAPI(cfg.Org, cfg.Bucket), log)
	w.client = client
	return w
}

// NewWriter wraps a write API and starts draining its async errors.
func NewWriter(api PointWriter, log *zap.SugaredLogger) *Writer {
	w := &Writer{
		api:     api,
		log:     log,
		lastErr: time.Now().Add(-24 * time.Hour), // di default "lontano nel tempo"
		counts:  make(map[string]int64),
	}
	go func() {
		for err := range api.Errors() {
			if err != nil {
				w.mu.Lock()
				w.lastErr = time.Now()
				w.mu.Unlock()
				w.log.Warnw("influx write error", "error", err)
			}
		}
	}()
	return w
}

// RecordReading writes the numeric and boolean fields of a stored reading.
func (w *Writer) RecordReading(r messages.SensorReading) {
	if w == nil {
		return
	}
	p := ReadingToPoint(r)
	if p == nil {
		return
	}
	w.api.WritePoint(p)
	w.mark(measurementReading)
}

// RecordCommand writes a published control command as a bridge event.
func (w *Writer) RecordCommand(cmd messages.ControlCommand, predictionID string) {
	if w == nil {
		return
	}
	w.api.WritePoint(CommandToPoint(cmd, predictionID))
	w.mark(eventCommand)
}

func (w *Writer) mark(kind string) {
	w.mu.Lock()
	w.counts[kind]++
	w.mu.Unlock()
}

// Count returns how many points of a kind were handed to the write API.
func (w *Writer) Count(kind string) int64 {
	if w == nil {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.counts[kind]
}

// LastErrorAge is the time since the last async write error.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return 99999 * time.Hour
	}
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	return time.Since(t)
}

// Healthy reports no write error within window. A nil (disabled) writer is never healthy.
func (w *Writer) Healthy(window time.Duration) bool {
	if w == nil {
		return false
	}
	return w.LastErrorAge() > window
}

// Close flushes pending points and releases the client.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
}
