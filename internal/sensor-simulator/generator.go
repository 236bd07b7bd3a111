package sensor_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/model/entities"
)

// ====== Tunables ======
const (
	// gainPerMin: +0.6 punti percentuali al minuto con la pompa ON.
	gainPerMin = 0.6

	// lo strato profondo segue quello superficiale con un ritardo
	deepFollowPerMin = 0.05

	defaultShallow = 30.0
	defaultDeep    = 38.0
)

// DataGenerator keeps the simulated soil and weather state and advances it on every tick.
type DataGenerator struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	now         func() time.Time
	last        time.Time
	shallow     float64 // %
	deep        float64 // %
	decayPerMin float64 // punti % persi al minuto con la pompa OFF
}

// NewDataGenerator creates a generator losing decayPerMin moisture points per minute while the pump is off.
func NewDataGenerator(decayPerMin float64, seed int64) *DataGenerator {
	return &DataGenerator{
		rnd:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
		shallow:     defaultShallow,
		deep:        defaultDeep,
		decayPerMin: math.Max(0, decayPerMin),
	}
}

// Next advances the soil model to now and returns one telemetry payload
// keyed by the feature names the prediction model consumes.
func (g *DataGenerator) Next(state entities.SensorState) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	if g.last.IsZero() {
		g.last = now
	}
	dtMin := math.Max(0, now.Sub(g.last).Minutes())
	g.last = now

	raining := g.rnd.Float64() < 0.1
	switch {
	case state == entities.StateOn:
		g.shallow += gainPerMin * dtMin
	case raining:
		g.shallow += 0.2 * dtMin
	default:
		g.shallow -= g.decayPerMin * dtMin
	}
	g.shallow = clamp(g.shallow, 0, 100)
	g.deep = clamp(g.deep+(g.shallow-g.deep)*math.Min(1, deepFollowPerMin*dtMin), 0, 100)

	// temperatura con ciclo giornaliero, picco alle 15
	hour := now.Hour()
	temp := 22 + 8*math.Sin(float64(hour-9)*math.Pi/12) + g.rnd.NormFloat64()
	humidity := clamp(65-1.5*(temp-22)+g.rnd.NormFloat64()*3, 5, 100)

	rainfall := 0.0
	if raining {
		rainfall = 1
	}
	return map[string]any{
		"Soil_Moisture_Shallow": round1(g.shallow),
		"Soil_Moisture_Deep":    round1(g.deep),
		"Atmospheric_Temp":      round1(temp),
		"Humidity":              round1(humidity),
		"Rainfall":              rainfall,
		"Hour":                  float64(hour),
		"Month":                 float64(now.Month()),
	}
}

// Moisture returns the current shallow and deep moisture.
func (g *DataGenerator) Moisture() (shallow, deep float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shallow, g.deep
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
