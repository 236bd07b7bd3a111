package audit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/messages"
)

type mockWriteAPI struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
	errs    chan error
}

func newMockWriteAPI() *mockWriteAPI { return &mockWriteAPI{errs: make(chan error, 1)} }

func (m *mockWriteAPI) WritePoint(p *write.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
}

func (m *mockWriteAPI) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

func (m *mockWriteAPI) Errors() <-chan error { return m.errs }

var ts = time.Date(2026, 4, 2, 6, 30, 0, 0, time.UTC)

func TestReadingToPoint(t *testing.T) {
	p := ReadingToPoint(messages.SensorReading{
		Fields:     map[string]any{"Soil_Moisture_Deep": 41.0, "pump": true, "label": "north", "nested": map[string]any{"a": 1.0}},
		ReceivedAt: ts,
	})
	require.NotNil(t, p)
	line := write.PointToLineProtocol(p, time.Second)
	assert.Contains(t, line, "sensor_reading,source_service=irrigation-bridge")
	assert.Contains(t, line, "Soil_Moisture_Deep=41")
	assert.Contains(t, line, "pump=true")
	assert.NotContains(t, line, "label")
	assert.NotContains(t, line, "nested")

	assert.Nil(t, ReadingToPoint(messages.SensorReading{Fields: map[string]any{"label": "x"}, ReceivedAt: ts}))
}

func TestCommandToPoint(t *testing.T) {
	p := CommandToPoint(messages.ControlCommand{
		IrrigationNeeded: true, Duration: 8076, AreaM2: 1346, PumpFlowLpm: 100, LitersTotal: 13460, Timestamp: ts,
	}, "66aa")
	line := write.PointToLineProtocol(p, time.Second)
	assert.Contains(t, line, "bridge_event,event_type=irrigation.command,severity=info,source_service=irrigation-bridge")
	assert.Contains(t, line, "duration=8076i")
	assert.Contains(t, line, "liters_total=13460i")
	assert.Contains(t, line, `prediction_id="66aa"`)
	assert.Equal(t, ts, p.Time())
}

func TestWriter_RecordsAndTracksErrors(t *testing.T) {
	api := newMockWriteAPI()
	w := NewWriter(api, zap.NewNop().Sugar())

	w.RecordReading(messages.SensorReading{Fields: map[string]any{"Humidity": 70.0}, ReceivedAt: ts})
	w.RecordReading(messages.SensorReading{Fields: map[string]any{"id": "dev-1"}, ReceivedAt: ts})
	w.RecordCommand(messages.ControlCommand{Duration: 1, Timestamp: ts}, "")

	assert.Len(t, api.points, 2)
	assert.Equal(t, int64(1), w.Count(measurementReading))
	assert.Equal(t, int64(1), w.Count(eventCommand))
	assert.True(t, w.Healthy(30*time.Second))

	api.errs <- errors.New("401 unauthorized")
	require.Eventually(t, func() bool { return !w.Healthy(30 * time.Second) }, time.Second, 5*time.Millisecond)

	w.Close()
	assert.Equal(t, 1, api.flushes)
}

func TestWriter_NilIsNoop(t *testing.T) {
	var w *Writer
	w.RecordReading(messages.SensorReading{Fields: map[string]any{"Humidity": 70.0}})
	w.RecordCommand(messages.ControlCommand{}, "")
	w.Close()
	assert.False(t, w.Healthy(time.Second))
}
