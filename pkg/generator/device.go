// Package generator produces synthetic datalogger devices and the JSON frames
// they transmit. Readings follow daily cycles with noise, correlated humidity
// and a slowly drifting pressure so the data looks like a field deployment.
package generator

import (
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Reading names carried by every frame.
const (
	ReadingTemperature = "temperature"
	ReadingHumidity    = "humidity"
	ReadingPressure    = "pressure"
	ReadingBattery     = "battery"
)

// Datalogger is a simulated field device.
type Datalogger struct {
	Serial    string  `fake:"skip"`
	Name      string  `fake:"{city} {noun}"`
	Firmware  string  `fake:"{appversion}"`
	Latitude  float64 `fake:"{latitude}"`
	Longitude float64 `fake:"{longitude}"`

	gen *ReadingGenerator
}

// Frame is the JSON message a Datalogger sends.
type Frame struct {
	Serial    string             `json:"serial"`
	Name      string             `json:"name"`
	Firmware  string             `json:"firmware,omitempty"`
	Latitude  *float64           `json:"lat,omitempty"`
	Longitude *float64           `json:"long,omitempty"`
	Timestamp time.Time          `json:"ts"`
	Readings  map[string]float64 `json:"readings"`
}

// Encode marshals the frame.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// NewDatalogger creates a datalogger with fake identity and its own reading
// baselines. It returns nil if gofakeit cannot fill the struct.
func NewDatalogger() *Datalogger {
	var d Datalogger
	if err := gofakeit.Struct(&d); err != nil {
		return nil
	}
	d.Serial = gofakeit.Numerify("DL######")
	d.Name = strings.ToLower(strings.ReplaceAll(d.Name, " ", "-"))
	d.gen = NewReadingGenerator()
	return &d
}

// Frame produces the next frame at t.
func (d *Datalogger) Frame(t time.Time) *Frame {
	if d.gen == nil {
		d.gen = NewReadingGenerator()
	}
	lat, long := d.Latitude, d.Longitude
	return &Frame{
		Serial:    d.Serial,
		Name:      d.Name,
		Firmware:  d.Firmware,
		Latitude:  &lat,
		Longitude: &long,
		Timestamp: t.UTC(),
		Readings:  d.gen.Readings(t),
	}
}

// ReadingGenerator holds the baselines and state of one device's sensors.
type ReadingGenerator struct {
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	noise            float64
	pressureTrend    float64 // Simulates weather system movement
	lastPressure     float64
	started          time.Time
}

// NewReadingGenerator creates a generator with random baselines.
// Note: Uses math/rand which is acceptable for simulation data.
func NewReadingGenerator() *ReadingGenerator {
	return &ReadingGenerator{
		baselineTemp:     20.0 + rand.Float64()*10,         // #nosec G404 - 20-30°C
		baselineHumidity: 50.0 + rand.Float64()*20,         // #nosec G404 - 50-70%
		baselinePressure: 1013.0 + (rand.Float64()-0.5)*20, // #nosec G404 - 1003-1023 hPa
		noise:            rand.Float64() * 2,               // #nosec G404
		pressureTrend:    (rand.Float64() - 0.5) * 0.5,     // #nosec G404 - slow trend
		lastPressure:     1013.0,
		started:          time.Now().Add(-720 * time.Hour), // Assume started 30 days ago
	}
}

// Temperature with daily pattern.
func (g *ReadingGenerator) Temperature(t time.Time) float64 {
	hour := float64(t.Hour())

	// Daily cycle (peak around 2-3 PM)
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * g.noise // #nosec G404

	// Occasional anomalies (5% chance)
	anomaly := 0.0
	if rand.Float64() < 0.05 { // #nosec G404
		anomaly = (rand.Float64() - 0.5) * 15 // #nosec G404
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// Humidity with inverse temperature correlation.
func (g *ReadingGenerator) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())

	// Higher at night
	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (rand.Float64() - 0.5) * g.noise * 0.5              // #nosec G404
	weatherPattern := 10 * math.Sin(float64(t.Unix())/(86400*7)) // Weekly cycle

	// Rain, 3% chance
	anomaly := 0.0
	if rand.Float64() < 0.03 { // #nosec G404
		anomaly = rand.Float64() * 20 // #nosec G404
	}

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise + weatherPattern + anomaly
	return math.Max(20, math.Min(95, humidity))
}

// Pressure is a random walk with a trend and a seasonal pattern.
func (g *ReadingGenerator) Pressure(t time.Time) float64 {
	randomChange := (rand.Float64() - 0.5) * 0.5 // #nosec G404
	trendChange := g.pressureTrend

	// Occasionally reverse trend (10% chance)
	if rand.Float64() < 0.1 { // #nosec G404
		g.pressureTrend = -g.pressureTrend + (rand.Float64()-0.5)*0.2 // #nosec G404
	}

	seasonalPattern := 5 * math.Sin(float64(t.YearDay())*2*math.Pi/365)
	diurnalCycle := 0.5 * math.Sin((float64(t.Hour())-3)*math.Pi/12)

	newPressure := g.lastPressure + randomChange + trendChange + diurnalCycle*0.1
	newPressure = g.baselinePressure + (newPressure-g.baselinePressure)*0.7 + seasonalPattern
	newPressure = math.Max(980, math.Min(1040, newPressure))

	// Weather front, 2% chance
	if rand.Float64() < 0.02 { // #nosec G404
		frontChange := (rand.Float64() - 0.5) * 10 // #nosec G404
		newPressure += frontChange
		g.pressureTrend = frontChange * 0.3
	}

	g.lastPressure = newPressure
	return newPressure
}

// Battery drains over roughly 36 days from when the device started.
func (g *ReadingGenerator) Battery(t time.Time) float64 {
	hoursRunning := t.Sub(g.started).Hours()
	battery := 100 - hoursRunning/(720*1.2)*100 - rand.Float64()*2 // #nosec G404
	return math.Max(5, math.Min(100, battery))
}

// Readings generates one correlated set of readings at t.
func (g *ReadingGenerator) Readings(t time.Time) map[string]float64 {
	temperature := g.Temperature(t)
	humidity := g.Humidity(t, temperature)
	pressure := g.Pressure(t)

	return map[string]float64{
		ReadingTemperature: math.Round(temperature*100) / 100,
		ReadingHumidity:    math.Round(humidity*100) / 100,
		ReadingPressure:    math.Round(pressure*100) / 100,
		ReadingBattery:     math.Round(g.Battery(t)*10) / 10,
	}
}
