package control

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
	"github.com/LeonardoBeccarini/irrigation_bridge/pkg/broker"
)

// Auditor records published commands; it must not block.
type Auditor interface {
	RecordCommand(cmd messages.ControlCommand, predictionID string)
}

// Publisher sends control commands to the field device.
type Publisher struct {
	pub     broker.IPublisher
	topic   string
	timeout time.Duration
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	auditor Auditor
}

func NewPublisher(pub broker.IPublisher, topic string, timeout time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) *Publisher {
	return &Publisher{pub: pub, topic: topic, timeout: timeout, log: log, metrics: m}
}

// SetAuditor mirrors every acknowledged command to a.
func (p *Publisher) SetAuditor(a Auditor) { p.auditor = a }

// Send makes exactly one publish attempt and waits for the broker ack, bounded by the
// publish timeout. Failures are returned to the caller and never retried here.
func (p *Publisher) Send(ctx context.Context, cmd messages.ControlCommand, predictionID string) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pub.Publish(ctx, p.topic, payload); err != nil {
		p.metrics.CommandPublishFailures.Inc()
		p.log.Errorw("control command publish failed",
			"topic", p.topic, "prediction_id", predictionID, "duration", cmd.Duration, "error", err)
		return err
	}

	p.metrics.CommandsPublished.Inc()
	p.log.Infow("control command published",
		"topic", p.topic, "prediction_id", predictionID,
		"duration", cmd.Duration, "liters_total", cmd.LitersTotal)
	if p.auditor != nil {
		p.auditor.RecordCommand(cmd, predictionID)
	}
	return nil
}
