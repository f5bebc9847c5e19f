package emulator

import (
	"math"
	"math/rand"
	"sync"
)

// Snapshot is one sample of the simulated engine.
type Snapshot struct {
	RPM       float64
	SpeedKph  float64
	TPS       float64 // 0-100%
	MAPkPa    float64
	CoolantC  float64
	IATC      float64
	AdvanceDg float64
	LoadPct   float64
	BatteryV  float64
}

// Engine generates plausible engine data that cycles between idle and
// revving. Each Sample advances virtual time by one tick.
type Engine struct {
	mu sync.Mutex
	t  float64
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Sample() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.t += 0.05

	rpm := 850.0 + 4000.0*math.Sin(e.t*0.3)*math.Sin(e.t*0.3) + rand.Float64()*50
	tps := clamp((rpm-850)/(8000-850)*100, 0, 100)

	s := Snapshot{
		RPM:       rpm,
		TPS:       tps,
		MAPkPa:    30 + (rpm-850)/(8000-850)*170,
		CoolantC:  85.0 + rand.Float64()*5,
		IATC:      30.0 + rand.Float64()*8,
		AdvanceDg: 10 + (tps/100)*28,
		LoadPct:   clamp(20+tps*0.8, 0, 100),
		SpeedKph:  tps / 100 * 220,
		BatteryV:  13.8 + rand.Float64()*0.4,
	}
	if s.MAPkPa > 150 {
		s.IATC = 55 + rand.Float64()*15
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
